package capture

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/scheduler"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// Capturer performs one capture cycle for a source.
type Capturer interface {
	Capture(ctx context.Context) (telemetry.Record, error)
}

// ResultHook observes every capture result, e.g. to feed metrics.
type ResultHook func(scheduler.CaptureResult)

// Runner drives registered captures from a scheduler.
//
// The scheduler keeps one capture in flight per source key, which keeps
// every device a single writer for its sequences. A storage error stops the
// runner: captures that cannot be persisted must not keep running silently.
type Runner struct {
	sched *scheduler.Scheduler

	mu      sync.RWMutex
	sources map[scheduler.SourceKey]Capturer

	hook ResultHook
}

// NewRunner creates a Runner on a scheduler built from cfg.
func NewRunner(cfg *scheduler.Config) *Runner {
	r := &Runner{
		sched:   scheduler.New(cfg),
		sources: make(map[scheduler.SourceKey]Capturer),
	}
	r.sched.SetCaptureFunc(r.capture)
	return r
}

// OnResult installs a hook called for every capture result.
// It must be set before Run.
func (r *Runner) OnResult(h ResultHook) {
	r.hook = h
}

// Add registers c under key, captured every interval.
func (r *Runner) Add(key scheduler.SourceKey, interval time.Duration, c Capturer) {
	r.mu.Lock()
	r.sources[key] = c
	r.mu.Unlock()

	r.sched.Add(key, uint32(interval.Milliseconds()))
}

// Remove stops capturing key.
func (r *Runner) Remove(key scheduler.SourceKey) {
	r.sched.Remove(key)

	r.mu.Lock()
	delete(r.sources, key)
	r.mu.Unlock()
}

func (r *Runner) capture(ctx context.Context, key scheduler.SourceKey) scheduler.CaptureResult {
	res := scheduler.CaptureResult{Key: key, At: time.Now()}

	r.mu.RLock()
	c, ok := r.sources[key]
	r.mu.RUnlock()
	if !ok {
		res.Err = fmt.Errorf("no capturer for %s", key)
		return res
	}

	rec, err := c.Capture(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	res.Record = &rec
	return res
}

// Run starts the scheduler and processes results until ctx is done or a
// storage error occurs. It returns nil on cancellation and the storage
// error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	r.sched.Start()
	defer r.sched.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res, ok := <-r.sched.Results():
			if !ok {
				return nil
			}
			if r.hook != nil {
				r.hook(res)
			}
			if err := r.handle(res); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) handle(res scheduler.CaptureResult) error {
	switch {
	case res.Err == nil:
		log.Debug("captured",
			"key", res.Key.String(),
			"line_no", res.Record.LineNo,
			"sequence", res.Record.Sequence,
			"duration", res.Duration)
		return nil

	case errors.IsStorage(res.Err):
		log.Error("capture could not be persisted", "key", res.Key.String(), "error", res.Err)
		return res.Err

	case errors.IsRetriable(res.Err):
		log.Debug("capture retried on next tick", "key", res.Key.String(), "error", res.Err)
		return nil

	default:
		log.Warn("capture failed", "key", res.Key.String(), "error", res.Err)
		return nil
	}
}
