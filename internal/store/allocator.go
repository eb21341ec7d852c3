package store

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// seqKey scopes a sequence counter to one table and one device.
type seqKey struct {
	kind   telemetry.Kind
	device telemetry.DeviceID
}

// deviceSeq is the counter state of one seqKey.
type deviceSeq struct {
	mu     sync.Mutex
	loaded bool
	next   uint32
	// exhausted is set once math.MaxUint32 has been stored; the counter
	// never wraps.
	exhausted bool
}

// Allocator assigns per-device sequence numbers and appends rows with them.
//
// Each (kind, device) pair has its own lock, so devices never wait on each
// other. Within one device, choosing a sequence and appending the row happen
// under that lock, and the counter only advances once the append committed:
// a failed append leaves the sequence free for the next attempt.
type Allocator struct {
	store *Store

	mu   sync.Mutex
	seqs map[seqKey]*deviceSeq
}

// NewAllocator creates an Allocator over store.
func NewAllocator(store *Store) *Allocator {
	return &Allocator{
		store: store,
		seqs:  make(map[seqKey]*deviceSeq),
	}
}

func (a *Allocator) entry(kind telemetry.Kind, device telemetry.DeviceID) *deviceSeq {
	k := seqKey{kind: kind, device: device}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.seqs[k]
	if !ok {
		e = &deviceSeq{}
		a.seqs[k] = e
	}
	return e
}

// load reads the persisted maximum the first time a key is used.
// Caller must hold e.mu.
func (a *Allocator) load(ctx context.Context, e *deviceSeq, kind telemetry.Kind, device telemetry.DeviceID) error {
	if e.loaded {
		return nil
	}

	highest, ok, err := a.store.MaxSequence(ctx, kind, device)
	if err != nil {
		return err
	}
	if ok {
		if highest == math.MaxUint32 {
			e.exhausted = true
		} else {
			e.next = highest + 1
		}
	}
	e.loaded = true

	log.Debug("sequence resumed", "kind", kind.String(), "device", device.String(), "next", e.next)
	return nil
}

// Next returns the sequence the next appended row of device would get.
// It does not reserve it.
//
// On first use it consults the store: zero when the device has no rows,
// otherwise one past the highest persisted sequence. ErrStoreUnavailable is
// returned if the store cannot be queried.
func (a *Allocator) Next(ctx context.Context, kind telemetry.Kind, device telemetry.DeviceID) (uint32, error) {
	e := a.entry(kind, device)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := a.load(ctx, e, kind, device); err != nil {
		return 0, err
	}
	if e.exhausted {
		return 0, exhaustedError(kind, device)
	}
	return e.next, nil
}

// Append assigns the next sequence of rec's device to rec and appends it.
// It returns the stored record with its LineNo and Sequence filled in.
func (a *Allocator) Append(ctx context.Context, rec telemetry.Record) (telemetry.Record, error) {
	if err := rec.Validate(); err != nil {
		return telemetry.Record{}, err
	}

	e := a.entry(rec.Kind, rec.Device)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := a.load(ctx, e, rec.Kind, rec.Device); err != nil {
		return telemetry.Record{}, err
	}
	if e.exhausted {
		return telemetry.Record{}, exhaustedError(rec.Kind, rec.Device)
	}

	rec.Sequence = e.next
	rec.Uploaded, rec.Confirmed = false, false

	lineNo, err := a.store.Append(ctx, rec)
	if err != nil {
		return telemetry.Record{}, err
	}

	rec.LineNo = lineNo
	if e.next == math.MaxUint32 {
		e.exhausted = true
		log.Error("sequence numbers exhausted", "kind", rec.Kind.String(), "device", rec.Device.String())
	} else {
		e.next++
	}
	return rec, nil
}

func exhaustedError(kind telemetry.Kind, device telemetry.DeviceID) error {
	return errors.Mark(fmt.Errorf("%s %s: %w", kind, device, errors.ErrSequenceExhausted), errors.ErrPersistence)
}
