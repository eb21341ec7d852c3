package codec

import (
	"fmt"

	"github.com/xtxerr/trucklog/internal/errors"
)

// Status word layout (uint32):
//
//	bit  0      confirmed
//	bit  1      valid
//	bit  2      uploaded
//	bits 3-7    zero
//	bits 8-15   satellite count
//	bits 16-23  fix status
//	bits 24-31  zero
const (
	statusConfirmed uint32 = 1 << 0
	statusValid     uint32 = 1 << 1
	statusUploaded  uint32 = 1 << 2

	statusSatShift = 8
	statusFixShift = 16

	statusUsedMask = statusConfirmed | statusValid | statusUploaded |
		0xFF<<statusSatShift | 0xFF<<statusFixShift
)

// Status is the unpacked form of a GPS status word.
type Status struct {
	FixStatus  uint8
	Satellites uint8
	Valid      bool
	Uploaded   bool
	Confirmed  bool
}

// EncodeStatus packs s into a status word.
func EncodeStatus(s Status) uint32 {
	w := uint32(s.FixStatus)<<statusFixShift | uint32(s.Satellites)<<statusSatShift
	if s.Valid {
		w |= statusValid
	}
	if s.Uploaded {
		w |= statusUploaded
	}
	if s.Confirmed {
		w |= statusConfirmed
	}
	return w
}

// PackStatus is EncodeStatus taking the fields positionally.
func PackStatus(fixStatus, satellites uint8, valid, uploaded, confirmed bool) uint32 {
	return EncodeStatus(Status{
		FixStatus:  fixStatus,
		Satellites: satellites,
		Valid:      valid,
		Uploaded:   uploaded,
		Confirmed:  confirmed,
	})
}

// DecodeStatus unpacks a status word. Words with reserved bits set were not
// produced by EncodeStatus and are rejected.
func DecodeStatus(w uint32) (Status, error) {
	if w&^statusUsedMask != 0 {
		return Status{}, fmt.Errorf("%#08x: reserved bits set: %w", w, errors.ErrInvalidStatusWord)
	}
	return Status{
		FixStatus:  uint8(w >> statusFixShift),
		Satellites: uint8(w >> statusSatShift),
		Valid:      w&statusValid != 0,
		Uploaded:   w&statusUploaded != 0,
		Confirmed:  w&statusConfirmed != 0,
	}, nil
}
