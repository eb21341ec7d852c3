package scheduler

import (
	"fmt"
	"strings"

	"github.com/xtxerr/trucklog/internal/telemetry"
)

// SourceKey identifies one capture source: a row kind on one device.
// The scheduler never runs two captures for the same key at once, which
// makes every source a single writer for its device's sequence.
type SourceKey struct {
	Kind   telemetry.Kind
	Device telemetry.DeviceID
}

// String returns kind/device, e.g. "imu/0x12367abcabab".
func (k SourceKey) String() string {
	var b strings.Builder
	b.Grow(24)
	b.WriteString(k.Kind.String())
	b.WriteByte('/')
	b.WriteString(k.Device.String())
	return b.String()
}

// ParseSourceKey parses a key string produced by SourceKey.String.
func ParseSourceKey(s string) (SourceKey, error) {
	kind, dev, ok := strings.Cut(s, "/")
	if !ok {
		return SourceKey{}, fmt.Errorf("invalid source key: %s", s)
	}
	k, err := telemetry.ParseKind(kind)
	if err != nil {
		return SourceKey{}, fmt.Errorf("invalid source key %s: %w", s, err)
	}
	d, err := telemetry.ParseDeviceID(dev)
	if err != nil {
		return SourceKey{}, fmt.Errorf("invalid source key %s: %w", s, err)
	}
	return SourceKey{Kind: k, Device: d}, nil
}
