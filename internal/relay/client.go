package relay

import (
	"context"

	"github.com/xtxerr/trucklog/internal/telemetry"
)

// Client delivers rows to the collector.
//
// Implementations report transport failures as errors; the coordinator
// treats any error as zero acknowledgments and leaves the rows pending.
type Client interface {
	// SendBatch submits rows of one kind, in line_no order.
	SendBatch(ctx context.Context, kind telemetry.Kind, rows []telemetry.Record) (Ack, error)

	// Confirm asks which of keys the collector has made durable.
	Confirm(ctx context.Context, kind telemetry.Kind, keys []telemetry.RowKey) ([]telemetry.RowKey, error)
}

// Ack is the collector's answer to a batch.
//
// Accepted counts rows taken from the front of the batch; a collector that
// accepts part of a batch always accepts a prefix. Confirmed lists rows,
// from this batch or earlier ones, that are already durable on the
// collector side.
type Ack struct {
	Accepted  uint32
	Confirmed []telemetry.RowKey
}
