package telemetry

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xtxerr/trucklog/internal/errors"
)

// DeviceID identifies an originating device. Several devices may share one
// store.
type DeviceID uint64

// String returns the id in hex, the way it is printed on device labels.
func (d DeviceID) String() string {
	return fmt.Sprintf("%#x", uint64(d))
}

// DeviceIDFromUUID folds a UUID into 64 bits by xoring its halves.
func DeviceIDFromUUID(u uuid.UUID) DeviceID {
	hi := binary.BigEndian.Uint64(u[:8])
	lo := binary.BigEndian.Uint64(u[8:])
	return DeviceID(hi ^ lo)
}

// NewDeviceID returns a random device id.
func NewDeviceID() DeviceID {
	return DeviceIDFromUUID(uuid.New())
}

// ParseDeviceID accepts a UUID, a 0x-prefixed hex number or a decimal number.
func ParseDeviceID(s string) (DeviceID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty: %w", errors.ErrInvalidDeviceID)
	}

	if strings.Count(s, "-") == 4 {
		u, err := uuid.Parse(s)
		if err != nil {
			return 0, fmt.Errorf("%q: %v: %w", s, err, errors.ErrInvalidDeviceID)
		}
		return DeviceIDFromUUID(u), nil
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, errors.ErrInvalidDeviceID)
	}
	return DeviceID(v), nil
}
