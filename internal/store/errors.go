package store

import (
	"github.com/xtxerr/trucklog/internal/errors"
)

var (
	ErrPersistence      = errors.ErrPersistence
	ErrStoreUnavailable = errors.ErrStoreUnavailable
	ErrStoreClosed      = errors.ErrStoreClosed
	ErrUnknownRow       = errors.ErrUnknownRow

	ErrSequenceExhausted = errors.ErrSequenceExhausted
)
