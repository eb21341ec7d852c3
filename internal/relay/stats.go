package relay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// sketchAccuracy is the relative accuracy of the latency percentiles.
const sketchAccuracy = 0.01

// Stats tracks relay activity.
//
// Stats is safe for concurrent use. Counters use atomic operations, while
// the latency sketch is protected by a mutex.
type Stats struct {
	Cycles        atomic.Int64
	BatchesSent   atomic.Int64
	RowsSent      atomic.Int64
	RowsUploaded  atomic.Int64
	RowsConfirmed atomic.Int64
	RowsResent    atomic.Int64
	UnknownRows   atomic.Int64
	SendErrors    atomic.Int64

	mu       sync.Mutex
	sketch   *ddsketch.DDSketch
	lastSend time.Time
}

// NewStats creates empty relay statistics.
func NewStats() *Stats {
	s := &Stats{}
	sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy)
	if err != nil {
		log.Error("latency sketch unavailable, round trip percentiles disabled", "error", err)
	} else {
		s.sketch = sketch
	}
	return s
}

// RecordSend records one successful batch round trip.
func (s *Stats) RecordSend(rows int, rtt time.Duration) {
	s.BatchesSent.Add(1)
	s.RowsSent.Add(int64(rows))

	s.mu.Lock()
	if s.sketch != nil {
		s.sketch.Add(rtt.Seconds() * 1000)
	}
	s.lastSend = time.Now()
	s.mu.Unlock()
}

// LatencySnapshot holds round trip percentiles in milliseconds.
type LatencySnapshot struct {
	Count          int64
	P50, P90, P99  float64
	LastSuccessful time.Time
}

// Latency returns the round trip percentiles observed so far.
func (s *Stats) Latency() LatencySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := LatencySnapshot{LastSuccessful: s.lastSend}
	if s.sketch == nil || s.sketch.IsEmpty() {
		return snap
	}

	snap.Count = int64(s.sketch.GetCount())
	snap.P50, _ = s.sketch.GetValueAtQuantile(0.50)
	snap.P90, _ = s.sketch.GetValueAtQuantile(0.90)
	snap.P99, _ = s.sketch.GetValueAtQuantile(0.99)
	return snap
}

// ResetLatency discards the latency distribution.
func (s *Stats) ResetLatency() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sketch != nil {
		s.sketch.Clear()
	}
}

// StatsSnapshot is a point-in-time copy of the counters.
type StatsSnapshot struct {
	Cycles        int64
	BatchesSent   int64
	RowsSent      int64
	RowsUploaded  int64
	RowsConfirmed int64
	RowsResent    int64
	UnknownRows   int64
	SendErrors    int64
	Latency       LatencySnapshot
}

// Snapshot returns the current statistics.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Cycles:        s.Cycles.Load(),
		BatchesSent:   s.BatchesSent.Load(),
		RowsSent:      s.RowsSent.Load(),
		RowsUploaded:  s.RowsUploaded.Load(),
		RowsConfirmed: s.RowsConfirmed.Load(),
		RowsResent:    s.RowsResent.Load(),
		UnknownRows:   s.UnknownRows.Load(),
		SendErrors:    s.SendErrors.Load(),
		Latency:       s.Latency(),
	}
}
