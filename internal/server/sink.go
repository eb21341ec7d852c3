package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// Sink is where the collector puts received rows.
//
// Rows are identified by their RowKey. Accepting a row that is already held
// is not an error and does not store it twice.
type Sink interface {
	// Accept stores a prefix of rows and returns its length.
	Accept(ctx context.Context, kind telemetry.Kind, rows []telemetry.Record) (int, error)

	// Durable returns the keys that are held.
	Durable(ctx context.Context, keys []telemetry.RowKey) ([]telemetry.RowKey, error)
}

// =============================================================================
// Memory sink
// =============================================================================

// MemorySink holds rows in memory.
type MemorySink struct {
	mu   sync.RWMutex
	rows map[telemetry.RowKey]telemetry.Record

	duplicates atomic.Int64
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{rows: make(map[telemetry.RowKey]telemetry.Record)}
}

// Accept implements Sink.
func (m *MemorySink) Accept(ctx context.Context, kind telemetry.Kind, rows []telemetry.Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range rows {
		key := rec.Key()
		if _, ok := m.rows[key]; ok {
			m.duplicates.Add(1)
			continue
		}
		m.rows[key] = rec
	}
	return len(rows), nil
}

// Durable implements Sink.
func (m *MemorySink) Durable(ctx context.Context, keys []telemetry.RowKey) ([]telemetry.RowKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]telemetry.RowKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := m.rows[k]; ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// Len returns the number of distinct rows held.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rows)
}

// Get returns the row held under key.
func (m *MemorySink) Get(key telemetry.RowKey) (telemetry.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rows[key]
	return rec, ok
}

// Duplicates returns how many received rows were already held.
func (m *MemorySink) Duplicates() int64 {
	return m.duplicates.Load()
}

// =============================================================================
// Store sink
// =============================================================================

// StoreSink persists rows in a store with the same schema the devices use.
// The device's line numbers are not kept; the collector store numbers rows
// in arrival order.
type StoreSink struct {
	store *store.Store

	// Serializes the lookup-then-append of concurrent device connections.
	mu sync.Mutex

	duplicates atomic.Int64
}

// NewStoreSink creates a sink on s.
func NewStoreSink(s *store.Store) *StoreSink {
	return &StoreSink{store: s}
}

// Accept implements Sink. It stops at the first row that cannot be stored
// and reports the rows before it as accepted.
func (ss *StoreSink) Accept(ctx context.Context, kind telemetry.Kind, rows []telemetry.Record) (int, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for i, rec := range rows {
		_, err := ss.store.LookupLineNo(ctx, kind, rec.Device, rec.Sequence)
		if err == nil {
			ss.duplicates.Add(1)
			continue
		}
		if !errors.Is(err, errors.ErrUnknownRow) {
			return i, err
		}

		rec.Uploaded, rec.Confirmed = false, false
		if _, err := ss.store.Append(ctx, rec); err != nil {
			if i > 0 {
				log.Warn("batch partially stored", "kind", kind.String(), "stored", i, "error", err)
				return i, nil
			}
			return 0, err
		}
	}
	return len(rows), nil
}

// Durable implements Sink.
func (ss *StoreSink) Durable(ctx context.Context, keys []telemetry.RowKey) ([]telemetry.RowKey, error) {
	out := make([]telemetry.RowKey, 0, len(keys))
	for _, k := range keys {
		_, err := ss.store.LookupLineNo(ctx, k.Kind, k.Device, k.Sequence)
		if errors.Is(err, errors.ErrUnknownRow) || errors.Is(err, errors.ErrInvalidKind) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

// Duplicates returns how many received rows were already stored.
func (ss *StoreSink) Duplicates() int64 {
	return ss.duplicates.Load()
}
