// Package relay ships stored rows to the collector.
//
// Every row moves through Captured -> Uploaded -> Confirmed. A cycle takes
// the oldest pending rows of each kind, sends them as one batch, and marks
// exactly the acknowledged prefix uploaded. A second pass asks the collector
// which uploaded rows are durable and marks those confirmed. It walks the
// unconfirmed rows with a cursor, and rows that stay unconfirmed for
// ConfirmRetries passes go back to pending to be sent again. Transport
// failures leave the store untouched and back off exponentially; storage
// failures stop the coordinator.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xtxerr/trucklog/config"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/logging"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

var log = logging.Component("relay")

// Store is the part of the local store the coordinator needs.
type Store interface {
	FetchPending(ctx context.Context, kind telemetry.Kind, limit int) ([]telemetry.Record, error)
	FetchUnconfirmed(ctx context.Context, kind telemetry.Kind, afterLineNo int64, limit int) ([]telemetry.Record, error)
	MarkUploaded(ctx context.Context, kind telemetry.Kind, lineNo int64) error
	ResetUploaded(ctx context.Context, kind telemetry.Kind, lineNo int64) error
	MarkConfirmed(ctx context.Context, kind telemetry.Kind, lineNo int64) error
	LookupLineNo(ctx context.Context, kind telemetry.Kind, device telemetry.DeviceID, seq uint32) (int64, error)
	Counts(ctx context.Context, kind telemetry.Kind) (store.Counts, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds coordinator configuration.
type Config struct {
	// Interval between cycles when the backlog is small.
	Interval time.Duration

	// BatchSize is the maximum rows per batch and per confirmation request.
	BatchSize int

	// SendTimeout bounds one SendBatch or Confirm round trip.
	SendTimeout time.Duration

	// ConfirmRetries is how many confirmation requests may leave an
	// uploaded row unconfirmed before it is reset to pending.
	ConfirmRetries int

	// BackoffInitial and BackoffMax shape the retry delay after a
	// transport error. Retries never give up.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	Backlog BacklogConfig
}

// DefaultConfig returns the default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		Interval:       config.DefaultRelayIntervalMs * time.Millisecond,
		BatchSize:      config.DefaultRelayBatchSize,
		SendTimeout:    config.DefaultRelaySendTimeoutMs * time.Millisecond,
		ConfirmRetries: config.DefaultRelayConfirmRetries,
		BackoffInitial: config.DefaultBackoffInitialMs * time.Millisecond,
		BackoffMax:     config.DefaultBackoffMaxMs * time.Millisecond,
		Backlog:        DefaultBacklogConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = def.SendTimeout
	}
	if c.ConfirmRetries <= 0 {
		c.ConfirmRetries = def.ConfirmRetries
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = def.BackoffInitial
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	return c
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator runs relay cycles against one store and one client.
//
// RunCycle must not be called concurrently; Run is the only caller in
// production.
type Coordinator struct {
	store   Store
	client  Client
	config  Config
	backlog *Backlog
	stats   *Stats

	// cursor is the last line asked about per kind.
	cursor map[telemetry.Kind]int64
	// misses counts unanswered confirmation requests per kind and line.
	misses map[telemetry.Kind]map[int64]int
}

// NewCoordinator creates a coordinator.
func NewCoordinator(s Store, c Client, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()

	co := &Coordinator{
		store:   s,
		client:  c,
		config:  cfg,
		backlog: NewBacklog(cfg.Backlog),
		stats:   NewStats(),
		cursor:  make(map[telemetry.Kind]int64),
		misses:  make(map[telemetry.Kind]map[int64]int),
	}
	co.backlog.SetOnLevelChange(func(old, new Level) {
		log.Warn("relay backlog level changed", "from", old.String(), "to", new.String())
	})
	return co
}

// Stats returns the coordinator's statistics.
func (co *Coordinator) Stats() *Stats {
	return co.stats
}

// Backlog returns the backlog tracker.
func (co *Coordinator) Backlog() *Backlog {
	return co.backlog
}

// CycleResult summarizes one cycle.
type CycleResult struct {
	Sent        int
	Uploaded    int
	Confirmed   int
	Resent      int
	UnknownRows int
	Pending     int64

	// TransportErr is set if the cycle stopped on a transport failure.
	// It is not a cycle error: the rows involved stay where they were.
	TransportErr error
}

// RunCycle runs one relay pass over every kind.
//
// A returned error comes from the store (or ctx) and must reach the
// operator. Transport failures end the cycle early and are reported in
// CycleResult.TransportErr.
func (co *Coordinator) RunCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult
	co.stats.Cycles.Add(1)

	for _, kind := range telemetry.Kinds() {
		if err := co.relayKind(ctx, kind, &res); err != nil {
			return res, err
		}
		if res.TransportErr != nil {
			break
		}
	}

	var pending int64
	for _, kind := range telemetry.Kinds() {
		c, err := co.store.Counts(ctx, kind)
		if err != nil {
			return res, err
		}
		pending += c.Pending
	}
	res.Pending = pending
	co.backlog.Update(pending)

	return res, nil
}

func (co *Coordinator) relayKind(ctx context.Context, kind telemetry.Kind, res *CycleResult) error {
	rows, err := co.store.FetchPending(ctx, kind, co.config.BatchSize)
	if err != nil {
		return fmt.Errorf("fetch pending %s: %w", kind, err)
	}

	if len(rows) > 0 {
		ack, err := co.send(ctx, kind, rows)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			co.stats.SendErrors.Add(1)
			res.TransportErr = err
			log.Warn("batch not delivered", "kind", kind.String(), "rows", len(rows), "error", err)
			return nil
		}
		res.Sent += len(rows)

		n := len(rows)
		if int64(ack.Accepted) < int64(n) {
			n = int(ack.Accepted)
		} else if int64(ack.Accepted) > int64(n) {
			log.Warn("collector acknowledged more rows than sent",
				"kind", kind.String(), "sent", len(rows), "accepted", ack.Accepted)
		}

		for _, rec := range rows[:n] {
			if err := co.markUploaded(ctx, kind, rec.LineNo, res); err != nil {
				return err
			}
		}
		co.stats.RowsUploaded.Add(int64(n))
		res.Uploaded += n

		log.Debug("batch acknowledged",
			"kind", kind.String(),
			"sent", len(rows),
			"accepted", n,
			"first_line", rows[0].LineNo)

		if err := co.markConfirmed(ctx, kind, ack.Confirmed, res); err != nil {
			return err
		}
	}

	return co.confirmPass(ctx, kind, res)
}

// confirmPass asks the collector about the next page of uploaded rows that
// are not yet confirmed. The cursor wraps to the oldest row once the end is
// reached, so rows the collector lost do not hide newer ones.
func (co *Coordinator) confirmPass(ctx context.Context, kind telemetry.Kind, res *CycleResult) error {
	rows, err := co.store.FetchUnconfirmed(ctx, kind, co.cursor[kind], co.config.BatchSize)
	if err == nil && len(rows) == 0 && co.cursor[kind] > 0 {
		co.cursor[kind] = 0
		rows, err = co.store.FetchUnconfirmed(ctx, kind, 0, co.config.BatchSize)
	}
	if err != nil {
		return fmt.Errorf("fetch unconfirmed %s: %w", kind, err)
	}
	if len(rows) == 0 {
		delete(co.misses, kind)
		return nil
	}

	keys := make([]telemetry.RowKey, len(rows))
	for i := range rows {
		keys[i] = rows[i].Key()
	}

	sendCtx, cancel := context.WithTimeout(ctx, co.config.SendTimeout)
	confirmed, err := co.client.Confirm(sendCtx, kind, keys)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		co.stats.SendErrors.Add(1)
		res.TransportErr = transportError(err)
		log.Warn("confirmation request failed", "kind", kind.String(), "error", err)
		return nil
	}

	if len(rows) < co.config.BatchSize {
		co.cursor[kind] = 0
	} else {
		co.cursor[kind] = rows[len(rows)-1].LineNo
	}

	if err := co.markConfirmed(ctx, kind, confirmed, res); err != nil {
		return err
	}

	durable := make(map[telemetry.RowKey]bool, len(confirmed))
	for _, key := range confirmed {
		if !key.Kind.Valid() {
			key.Kind = kind
		}
		durable[key] = true
	}
	return co.requeueUnconfirmed(ctx, kind, rows, durable, res)
}

// requeueUnconfirmed counts a miss for every asked row the collector did not
// report durable, and resets rows that ran out of retries to pending.
func (co *Coordinator) requeueUnconfirmed(ctx context.Context, kind telemetry.Kind, rows []telemetry.Record,
	durable map[telemetry.RowKey]bool, res *CycleResult) error {

	misses := co.misses[kind]
	if misses == nil {
		misses = make(map[int64]int)
		co.misses[kind] = misses
	}

	resent := 0
	for _, rec := range rows {
		if durable[rec.Key()] {
			delete(misses, rec.LineNo)
			continue
		}
		misses[rec.LineNo]++
		if misses[rec.LineNo] < co.config.ConfirmRetries {
			continue
		}

		delete(misses, rec.LineNo)
		err := co.store.ResetUploaded(ctx, kind, rec.LineNo)
		if errors.Is(err, errors.ErrUnknownRow) {
			co.unknown(kind, err, res)
			continue
		}
		if err != nil {
			return err
		}
		resent++
	}

	if resent > 0 {
		co.stats.RowsResent.Add(int64(resent))
		res.Resent += resent
		log.Warn("collector does not hold uploaded rows, sending them again",
			"kind", kind.String(), "rows", resent)
	}
	return nil
}

func (co *Coordinator) send(ctx context.Context, kind telemetry.Kind, rows []telemetry.Record) (Ack, error) {
	sendCtx, cancel := context.WithTimeout(ctx, co.config.SendTimeout)
	defer cancel()

	start := time.Now()
	ack, err := co.client.SendBatch(sendCtx, kind, rows)
	if err != nil {
		return Ack{}, transportError(err)
	}
	co.stats.RecordSend(len(rows), time.Since(start))
	return ack, nil
}

func (co *Coordinator) markUploaded(ctx context.Context, kind telemetry.Kind, lineNo int64, res *CycleResult) error {
	err := co.store.MarkUploaded(ctx, kind, lineNo)
	if errors.Is(err, errors.ErrUnknownRow) {
		co.unknown(kind, err, res)
		return nil
	}
	return err
}

func (co *Coordinator) markConfirmed(ctx context.Context, kind telemetry.Kind, keys []telemetry.RowKey, res *CycleResult) error {
	for _, key := range keys {
		k := key.Kind
		if !k.Valid() {
			k = kind
		}

		lineNo, err := co.store.LookupLineNo(ctx, k, key.Device, key.Sequence)
		if err == nil {
			err = co.store.MarkConfirmed(ctx, k, lineNo)
			delete(co.misses[k], lineNo)
		}
		if errors.Is(err, errors.ErrUnknownRow) {
			co.unknown(k, err, res)
			continue
		}
		if err != nil {
			return err
		}

		co.stats.RowsConfirmed.Add(1)
		res.Confirmed++
	}
	return nil
}

func (co *Coordinator) unknown(kind telemetry.Kind, err error, res *CycleResult) {
	co.stats.UnknownRows.Add(1)
	res.UnknownRows++
	log.Warn("collector referenced an unknown row", "kind", kind.String(), "error", err)
}

// transportError classifies a client failure as a timeout or a generic
// transport error, keeping the original error in the chain.
func transportError(err error) error {
	switch {
	case errors.IsRelay(err):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return errors.Mark(err, errors.ErrTimeout)
	default:
		return errors.Mark(err, errors.ErrRelayTransport)
	}
}

// =============================================================================
// Run loop
// =============================================================================

func (co *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = co.config.BackoffInitial
	b.MaxInterval = co.config.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run runs cycles until ctx is done or a storage error occurs.
//
// Cycles follow each other at Interval. After a transport failure the next
// cycle waits for the exponential backoff instead. While the backlog is at
// warning level or above and the last cycle made progress, cycles run back
// to back. Run returns nil on cancellation.
func (co *Coordinator) Run(ctx context.Context) error {
	bo := co.newBackOff()

	timer := time.NewTimer(0)
	defer timer.Stop()

	log.Info("relay started",
		"interval", co.config.Interval,
		"batch_size", co.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			log.Info("relay stopped")
			return nil
		case <-timer.C:
		}

		res, err := co.RunCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("relay stopped")
				return nil
			}
			log.Error("relay cycle failed", "error", err)
			return err
		}

		var wait time.Duration
		switch {
		case res.TransportErr != nil:
			wait = bo.NextBackOff()
			log.Info("relay backing off", "wait", wait, "pending", res.Pending)
		case co.backlog.ShouldDrain() && res.Uploaded > 0:
			bo.Reset()
			wait = 0
		default:
			bo.Reset()
			wait = co.config.Interval
		}

		if res.Sent > 0 || res.Confirmed > 0 {
			log.Debug("relay cycle",
				"sent", res.Sent,
				"uploaded", res.Uploaded,
				"confirmed", res.Confirmed,
				"pending", res.Pending,
				"level", co.backlog.CurrentLevel().String())
		}

		timer.Reset(wait)
	}
}
