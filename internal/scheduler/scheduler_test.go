package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xtxerr/trucklog/internal/telemetry"
)

func TestParseSourceKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    SourceKey
		wantErr bool
	}{
		{
			name:  "imu hex device",
			input: "imu/0x12367abcabab",
			want:  SourceKey{Kind: telemetry.KindIMU, Device: 0x12367abcabab},
		},
		{
			name:  "gps decimal device",
			input: "gps/42",
			want:  SourceKey{Kind: telemetry.KindGPS, Device: 42},
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
		{
			name:    "missing device",
			input:   "imu",
			wantErr: true,
		},
		{
			name:    "unknown kind",
			input:   "baro/0x1",
			wantErr: true,
		},
		{
			name:    "bad device",
			input:   "gps/truck",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSourceKey(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSourceKey(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseSourceKey(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestSourceKeyRoundTrip(t *testing.T) {
	original := SourceKey{Kind: telemetry.KindGPS, Device: 0xABCDEF}
	str := original.String()
	if str != "gps/0xabcdef" {
		t.Errorf("String() = %q", str)
	}
	parsed, err := ParseSourceKey(str)
	if err != nil {
		t.Fatalf("ParseSourceKey(%q) error = %v", str, err)
	}
	if parsed != original {
		t.Errorf("Round trip failed: got %v, want %v", parsed, original)
	}
}

func okResult(key SourceKey) CaptureResult {
	return CaptureResult{Key: key, At: time.Now()}
}

func TestSchedulerBasic(t *testing.T) {
	sched := New(&Config{
		Workers:   2,
		QueueSize: 100,
	})

	var captureCount atomic.Int32

	sched.SetCaptureFunc(func(ctx context.Context, key SourceKey) CaptureResult {
		captureCount.Add(1)
		return okResult(key)
	})

	// Drain results so workers never block.
	go func() {
		for range sched.Results() {
		}
	}()

	sched.Start()
	defer sched.Stop()

	key := SourceKey{Kind: telemetry.KindIMU, Device: 1}
	sched.Add(key, 50)

	time.Sleep(200 * time.Millisecond)

	if count := captureCount.Load(); count < 2 {
		t.Errorf("Expected at least 2 captures, got %d", count)
	}

	heapSize, _, _, _ := sched.Stats()
	if heapSize != 1 {
		t.Errorf("Stats: heap=%d, want 1", heapSize)
	}

	sched.Remove(key)
	time.Sleep(50 * time.Millisecond)

	heapSize, _, _, _ = sched.Stats()
	if heapSize != 0 {
		t.Errorf("After remove: heap=%d, want 0", heapSize)
	}
}

func TestSchedulerSingleInFlightPerSource(t *testing.T) {
	sched := New(&Config{
		Workers:   4,
		QueueSize: 100,
	})

	var inFlight, maxInFlight atomic.Int32

	sched.SetCaptureFunc(func(ctx context.Context, key SourceKey) CaptureResult {
		n := inFlight.Add(1)
		for {
			m := maxInFlight.Load()
			if n <= m || maxInFlight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond) // longer than the interval
		inFlight.Add(-1)
		return okResult(key)
	})

	go func() {
		for range sched.Results() {
		}
	}()

	sched.Start()
	defer sched.Stop()

	sched.Add(SourceKey{Kind: telemetry.KindIMU, Device: 7}, 5)
	time.Sleep(200 * time.Millisecond)

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent captures for one source = %d, want 1", got)
	}
}

func TestSchedulerRemoveDuringCapture(t *testing.T) {
	sched := New(&Config{
		Workers:   1,
		QueueSize: 100,
	})

	started := make(chan struct{})
	proceed := make(chan struct{})

	sched.SetCaptureFunc(func(ctx context.Context, key SourceKey) CaptureResult {
		close(started)
		<-proceed
		return okResult(key)
	})

	go func() {
		for range sched.Results() {
		}
	}()

	sched.Start()
	defer sched.Stop()

	key := SourceKey{Kind: telemetry.KindIMU, Device: 1}
	sched.Add(key, 10)

	<-started
	sched.Remove(key)
	close(proceed)

	time.Sleep(100 * time.Millisecond)

	heapSize, _, _, _ := sched.Stats()
	if heapSize != 0 {
		t.Errorf("heap size = %d after remove during capture, want 0", heapSize)
	}
	if sched.Contains(key) {
		t.Error("Contains() returned true for removed key")
	}
}

func TestSchedulerUpdateInterval(t *testing.T) {
	sched := New(&Config{
		Workers:   2,
		QueueSize: 100,
	})

	var captureCount atomic.Int32

	sched.SetCaptureFunc(func(ctx context.Context, key SourceKey) CaptureResult {
		captureCount.Add(1)
		return okResult(key)
	})

	go func() {
		for range sched.Results() {
		}
	}()

	sched.Start()
	defer sched.Stop()

	key := SourceKey{Kind: telemetry.KindGPS, Device: 1}

	sched.Add(key, 500)
	time.Sleep(100 * time.Millisecond)

	sched.UpdateInterval(key, 20)

	// The first capture lands within 500ms of Add, after which the short
	// interval applies.
	time.Sleep(700 * time.Millisecond)

	if count := captureCount.Load(); count < 3 {
		t.Errorf("Expected more captures after interval update, got %d", count)
	}
}

func TestSchedulerMultipleSources(t *testing.T) {
	sched := New(&Config{
		Workers:   4,
		QueueSize: 100,
	})

	keys := []SourceKey{
		{Kind: telemetry.KindIMU, Device: 1},
		{Kind: telemetry.KindGPS, Device: 1},
		{Kind: telemetry.KindIMU, Device: 2},
		{Kind: telemetry.KindGPS, Device: 2},
	}

	counts := make(map[SourceKey]*atomic.Int32)
	for _, k := range keys {
		counts[k] = &atomic.Int32{}
	}

	sched.SetCaptureFunc(func(ctx context.Context, key SourceKey) CaptureResult {
		if c, ok := counts[key]; ok {
			c.Add(1)
		}
		return okResult(key)
	})

	go func() {
		for range sched.Results() {
		}
	}()

	sched.Start()
	defer sched.Stop()

	for i, k := range keys {
		sched.Add(k, uint32(50+i*10))
	}

	time.Sleep(300 * time.Millisecond)

	for _, k := range keys {
		if counts[k].Load() < 1 {
			t.Errorf("Source %s was not captured", k)
		}
	}

	if got := len(sched.Sources()); got != len(keys) {
		t.Errorf("Sources() = %d keys, want %d", got, len(keys))
	}
}

func TestSchedulerResultsCarryErrors(t *testing.T) {
	sched := New(&Config{Workers: 1, QueueSize: 10})

	sched.SetCaptureFunc(func(ctx context.Context, key SourceKey) CaptureResult {
		panic("sensor exploded")
	})

	sched.Start()
	defer sched.Stop()

	key := SourceKey{Kind: telemetry.KindIMU, Device: 3}
	sched.Add(key, 10)

	select {
	case r := <-sched.Results():
		if r.Key != key || r.Err == nil {
			t.Errorf("result = %+v, want error for %s", r, key)
		}
	case <-time.After(time.Second):
		t.Fatal("no result delivered")
	}
}

func TestSchedulerContains(t *testing.T) {
	sched := New(&Config{
		Workers:   1,
		QueueSize: 10,
	})

	key := SourceKey{Kind: telemetry.KindIMU, Device: 9}

	if sched.Contains(key) {
		t.Error("Contains() returned true before Add()")
	}

	sched.Add(key, 1000)

	if !sched.Contains(key) {
		t.Error("Contains() returned false after Add()")
	}
	if _, ok := sched.NextCaptureTime(key); !ok {
		t.Error("NextCaptureTime() not found after Add()")
	}

	sched.Remove(key)

	if sched.Contains(key) {
		t.Error("Contains() returned true after Remove()")
	}
}

func TestSchedulerCount(t *testing.T) {
	sched := New(&Config{
		Workers:   1,
		QueueSize: 10,
	})

	if got := sched.Count(); got != 0 {
		t.Errorf("Count() = %d before adding, want 0", got)
	}

	keys := []SourceKey{
		{Kind: telemetry.KindIMU, Device: 1},
		{Kind: telemetry.KindGPS, Device: 1},
		{Kind: telemetry.KindIMU, Device: 2},
	}

	for _, k := range keys {
		sched.Add(k, 1000)
	}
	sched.Add(keys[0], 1000) // duplicate add is ignored

	if got := sched.Count(); got != 3 {
		t.Errorf("Count() = %d after adding 3, want 3", got)
	}

	sched.Remove(keys[0])

	if got := sched.Count(); got != 2 {
		t.Errorf("Count() = %d after removing 1, want 2", got)
	}
}

func BenchmarkSourceKeyString(b *testing.B) {
	key := SourceKey{Kind: telemetry.KindIMU, Device: 0x12367ABCABAB}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = key.String()
	}
}
