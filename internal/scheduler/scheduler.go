// Package scheduler provides heap-based capture scheduling.
//
// The scheduler uses a min-heap to track when each capture source is due.
// Workers execute captures concurrently and results are sent to a channel
// for processing.
//
// Key features:
//   - O(log n) add/remove/update operations
//   - At most one in-flight capture per source
//   - Jitter on the first capture so sources do not fire in lockstep
//   - Backpressure handling when workers are busy
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/trucklog/config"
	"github.com/xtxerr/trucklog/internal/logging"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// CaptureJob represents a capture to be executed.
type CaptureJob struct {
	Key SourceKey
}

// CaptureResult represents the outcome of one capture.
type CaptureResult struct {
	Key      SourceKey
	At       time.Time
	Duration time.Duration

	// Record is the appended row; nil when nothing was stored.
	Record *telemetry.Record
	Err    error
}

// CaptureItem represents an item in the scheduler heap.
type CaptureItem struct {
	Key        SourceKey
	NextMs     int64 // Unix ms when the next capture is due
	IntervalMs int64 // Capture interval in ms
	Capturing  bool  // Currently being captured
	deleted    bool  // Marked for deletion
	index      int   // Heap index for O(log n) updates
}

// =============================================================================
// Heap Implementation
// =============================================================================

// CaptureHeap implements heap.Interface for CaptureItems.
type CaptureHeap []*CaptureItem

func (h CaptureHeap) Len() int { return len(h) }

func (h CaptureHeap) Less(i, j int) bool {
	return h[i].NextMs < h[j].NextMs
}

func (h CaptureHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *CaptureHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*CaptureItem)
	item.index = n
	*h = append(*h, item)
}

func (h *CaptureHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Peek returns the top item without removing it.
func (h CaptureHeap) Peek() *CaptureItem {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// BackpressureDelayMs is the delay applied when the job queue is full.
const BackpressureDelayMs = 100

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent capture workers.
	Workers int

	// QueueSize is the job queue capacity.
	QueueSize int

	// ResultsSize is the results channel capacity.
	ResultsSize int

	// TickInterval is how often the scheduler checks for due captures.
	TickInterval time.Duration

	// JobTimeout bounds a single capture.
	JobTimeout time.Duration

	// DrainTimeout is how long to wait for in-flight captures during shutdown.
	DrainTimeout time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      config.DefaultCaptureWorkers,
		QueueSize:    config.DefaultCaptureQueueSize,
		ResultsSize:  config.DefaultCaptureQueueSize,
		TickInterval: config.DefaultSchedulerTickInterval,
		JobTimeout:   config.DefaultCaptureTimeout,
		DrainTimeout: time.Duration(config.DefaultDrainTimeoutSec) * time.Second,
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	out := *c
	if out.Workers <= 0 {
		out.Workers = d.Workers
	}
	if out.QueueSize <= 0 {
		out.QueueSize = d.QueueSize
	}
	if out.ResultsSize <= 0 {
		out.ResultsSize = d.ResultsSize
	}
	if out.TickInterval <= 0 {
		out.TickInterval = d.TickInterval
	}
	if out.JobTimeout <= 0 {
		out.JobTimeout = d.JobTimeout
	}
	if out.DrainTimeout <= 0 {
		out.DrainTimeout = d.DrainTimeout
	}
	return &out
}

// =============================================================================
// Scheduler
// =============================================================================

// CaptureFunc performs one capture for a source.
type CaptureFunc func(context.Context, SourceKey) CaptureResult

// Scheduler manages capture scheduling using a min-heap.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    CaptureHeap
	heapIdx map[SourceKey]*CaptureItem

	jobs    chan CaptureJob
	results chan CaptureResult

	captureFunc CaptureFunc

	shutdown chan struct{}
	wg       sync.WaitGroup

	// Worker tracking for graceful drain
	activeWorkers atomic.Int32

	// Wakeup signal for immediate processing
	wakeup chan struct{}

	// Configuration
	workers      int
	tickInterval time.Duration
	jobTimeout   time.Duration
	drainTimeout time.Duration

	// Metrics
	backpressure   atomic.Int64
	capturesQueued atomic.Int64
	capturesActive atomic.Int64
}

// New creates a new Scheduler.
func New(cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg = cfg.withDefaults()

	return &Scheduler{
		heap:         make(CaptureHeap, 0),
		heapIdx:      make(map[SourceKey]*CaptureItem),
		jobs:         make(chan CaptureJob, cfg.QueueSize),
		results:      make(chan CaptureResult, cfg.ResultsSize),
		shutdown:     make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
		workers:      cfg.Workers,
		tickInterval: cfg.TickInterval,
		jobTimeout:   cfg.JobTimeout,
		drainTimeout: cfg.DrainTimeout,
	}
}

// SetCaptureFunc sets the function that executes captures.
func (s *Scheduler) SetCaptureFunc(fn CaptureFunc) {
	s.captureFunc = fn
}

// Results returns the results channel for reading capture results.
func (s *Scheduler) Results() <-chan CaptureResult {
	return s.results
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the scheduler.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(context.Background())
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	log.Info("scheduler started", "workers", s.workers)
}

// Stop stops the scheduler gracefully, waiting for in-flight captures.
// Uses the configured drain timeout.
func (s *Scheduler) Stop() {
	s.StopWithContext(context.Background())
}

// StopWithContext stops the scheduler with a custom context.
// The drain timeout from config is still respected as a maximum.
func (s *Scheduler) StopWithContext(ctx context.Context) {
	log.Info("scheduler stopping")

	// Stops accepting new jobs and the schedule loop.
	close(s.shutdown)

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("scheduler stopped gracefully")
		close(s.jobs)
		close(s.results)
	case <-drainCtx.Done():
		// Leave the channels open; a worker still inside a capture would
		// otherwise panic on send.
		log.Warn("scheduler drain timeout",
			"active_workers", s.activeWorkers.Load())
	}
}

// =============================================================================
// Source Management
// =============================================================================

// Add adds a new source to the scheduler.
// The first capture is scheduled with random jitter within one interval.
func (s *Scheduler) Add(key SourceKey, intervalMs uint32) {
	interval := int64(intervalMs)
	if interval <= 0 {
		interval = 1
	}
	jitter := rand.Int63n(interval)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.heapIdx[key]; ok {
		return
	}

	item := &CaptureItem{
		Key:        key,
		NextMs:     time.Now().UnixMilli() + jitter,
		IntervalMs: interval,
	}

	heap.Push(&s.heap, item)
	s.heapIdx[key] = item
	s.signalWakeup()

	log.Debug("source added", "key", key.String(), "interval_ms", intervalMs)
}

// Remove removes a source from the scheduler.
//
// A source that is not capturing is removed immediately. A capturing source
// is marked deleted and cleaned up by MarkComplete.
func (s *Scheduler) Remove(key SourceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok {
		return
	}

	item.deleted = true

	if !item.Capturing {
		if item.index >= 0 {
			heap.Remove(&s.heap, item.index)
		}
		delete(s.heapIdx, key)
	}

	log.Debug("source removed", "key", key.String(), "was_capturing", item.Capturing)
}

// UpdateInterval updates the capture interval of a source.
func (s *Scheduler) UpdateInterval(key SourceKey, intervalMs uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok {
		return
	}

	item.IntervalMs = int64(intervalMs)

	log.Debug("source interval updated", "key", key.String(), "interval_ms", intervalMs)
}

// Contains returns true if the source is in the scheduler.
func (s *Scheduler) Contains(key SourceKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	return ok && !item.deleted
}

// =============================================================================
// Schedule Loop
// =============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDueItems()
		case <-s.wakeup:
			s.processDueItems()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) processDueItems() {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		next := s.heap.Peek()

		if next.NextMs > now {
			break
		}

		item := heap.Pop(&s.heap).(*CaptureItem)

		if item.deleted {
			delete(s.heapIdx, item.Key)
			continue
		}

		item.Capturing = true

		select {
		case s.jobs <- CaptureJob{Key: item.Key}:
			s.capturesQueued.Add(1)
		default:
			// Queue full - reschedule with backpressure delay
			item.NextMs = now + BackpressureDelayMs
			item.Capturing = false
			heap.Push(&s.heap, item)
			s.backpressure.Add(1)
		}
	}
}

// MarkComplete marks a capture as complete and reschedules its source.
//
// The next capture is due one interval after the previous one was due, so a
// slow capture does not shift the cadence. If the source fell more than one
// interval behind, it restarts from now.
func (s *Scheduler) MarkComplete(key SourceKey) {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok {
		return
	}

	if item.deleted {
		delete(s.heapIdx, key)
		return
	}

	item.NextMs += item.IntervalMs
	if item.NextMs <= now {
		item.NextMs = now + item.IntervalMs
	}
	item.Capturing = false

	if item.index < 0 {
		heap.Push(&s.heap, item)
	} else {
		heap.Fix(&s.heap, item.index)
	}

	s.signalWakeup()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case job, ok := <-s.jobs:
			if !ok {
				return
			}

			result := s.executeWithRecovery(ctx, job.Key)

			s.MarkComplete(job.Key)

			select {
			case s.results <- result:
			case <-s.shutdown:
				return
			}

		case <-s.shutdown:
			return
		}
	}
}

// executeWithRecovery executes a capture with counter management and panic
// recovery.
func (s *Scheduler) executeWithRecovery(ctx context.Context, key SourceKey) (result CaptureResult) {
	s.activeWorkers.Add(1)
	s.capturesActive.Add(1)
	start := time.Now()

	defer func() {
		s.capturesActive.Add(-1)
		s.activeWorkers.Add(-1)

		if r := recover(); r != nil {
			log.Error("panic in capture execution",
				"key", key.String(),
				"panic", r)

			result = CaptureResult{
				Key: key,
				At:  start,
				Err: fmt.Errorf("panic: %v", r),
			}
		}
		result.Duration = time.Since(start)
	}()

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	return s.executeCapture(jobCtx, key)
}

func (s *Scheduler) executeCapture(ctx context.Context, key SourceKey) CaptureResult {
	if s.captureFunc == nil {
		return CaptureResult{
			Key: key,
			At:  time.Now(),
			Err: fmt.Errorf("no capture function configured"),
		}
	}

	return s.captureFunc(ctx, key)
}

// =============================================================================
// Utility Methods
// =============================================================================

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() (heapSize, queueUsed, active int, backpressure int64) {
	s.mu.Lock()
	heapSize = s.heap.Len()
	s.mu.Unlock()

	queueUsed = len(s.jobs)
	active = int(s.capturesActive.Load())
	backpressure = s.backpressure.Load()

	return
}

// Sources returns all scheduled source keys.
func (s *Scheduler) Sources() []SourceKey {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]SourceKey, 0, len(s.heapIdx))
	for _, item := range s.heapIdx {
		if !item.deleted {
			keys = append(keys, item.Key)
		}
	}
	return keys
}

// NextCaptureTime returns the next capture time of a source.
func (s *Scheduler) NextCaptureTime(key SourceKey) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.heapIdx[key]
	if !ok || item.deleted {
		return time.Time{}, false
	}

	return time.UnixMilli(item.NextMs), true
}

// ActiveWorkerCount returns the number of currently active workers.
func (s *Scheduler) ActiveWorkerCount() int {
	return int(s.activeWorkers.Load())
}

// Count returns the number of scheduled sources.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.heapIdx {
		if !item.deleted {
			count++
		}
	}
	return count
}
