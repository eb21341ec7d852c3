package capture

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/scheduler"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

const device = telemetry.DeviceID(0x12367ABCABAB)

var clock = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func fixedNow() time.Time { return clock }

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "capture.db")
	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIMUCaptureNotReadyKeepsCadence(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	stats := &Stats{}

	c := &IMUCapture{
		Device:   device,
		Source:   &FakeIMU{NotReadyEvery: 2, Now: fixedNow},
		Appender: store.NewAllocator(s),
		Stats:    stats,
	}

	var recs []telemetry.Record
	for i := 0; i < 4; i++ {
		rec, err := c.Capture(ctx)
		if err != nil {
			t.Fatalf("Capture %d: %v", i, err)
		}
		recs = append(recs, rec)
	}

	for i, rec := range recs {
		if rec.LineNo != int64(i+1) || rec.Sequence != uint32(i) {
			t.Errorf("capture %d line/seq = %d/%d", i, rec.LineNo, rec.Sequence)
		}
	}

	stored, err := s.Scan(ctx, telemetry.KindIMU, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 4 {
		t.Fatalf("stored %d rows, want 4", len(stored))
	}

	// Reads 2 and 4 were not ready.
	for i, rec := range stored {
		absent := rec.IMU.Accel == nil && rec.IMU.Gyro == nil && rec.IMU.Mag == nil && rec.IMU.Pose == nil
		if wantAbsent := i%2 == 1; absent != wantAbsent {
			t.Errorf("row %d inertial absent = %v, want %v", i, absent, wantAbsent)
		}
		if rec.IMU.CPUTemp == nil {
			t.Errorf("row %d lost cpu temperature", i)
		}
	}

	if snap := stats.Snapshot(); snap.Captured != 4 || snap.NotReady != 2 || snap.Failed != 0 {
		t.Errorf("stats = %+v", snap)
	}
}

func TestExternalTimeFlowsFromGPSToIMU(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	alloc := store.NewAllocator(s)
	ext := &ExternalTime{}

	imu := &IMUCapture{Device: device, Source: &FakeIMU{Now: fixedNow}, Appender: alloc, External: ext}
	gps := &GPSCapture{Device: device, Source: &FakeGPS{NoFixFirst: 1, Now: fixedNow}, Appender: alloc, External: ext}

	before, err := imu.Capture(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if before.ExternalTime != nil {
		t.Errorf("external time set before any fix: %v", before.ExternalTime)
	}

	if _, err := gps.Capture(ctx); !errors.Is(err, errors.ErrSensorNotReady) {
		t.Fatalf("first fix = %v, want ErrSensorNotReady", err)
	}
	fix, err := gps.Capture(ctx)
	if err != nil {
		t.Fatalf("second fix: %v", err)
	}
	if fix.Kind != telemetry.KindGPS || fix.Sequence != 0 || fix.LineNo != 1 {
		t.Errorf("gps row = %+v", fix)
	}

	after, err := imu.Capture(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := clock.Add(-time.Second)
	if after.ExternalTime == nil || !after.ExternalTime.Equal(want) {
		t.Errorf("external time = %v, want %v", after.ExternalTime, want)
	}
}

func TestCaptureStorageErrorSurfaces(t *testing.T) {
	s := setupTestStore(t)
	alloc := store.NewAllocator(s)
	s.Close()

	stats := &Stats{}
	c := &IMUCapture{Device: device, Source: &FakeIMU{}, Appender: alloc, Stats: stats}

	_, err := c.Capture(context.Background())
	if !errors.IsStorage(err) {
		t.Fatalf("Capture = %v, want a storage error", err)
	}
	if stats.Snapshot().Failed != 1 {
		t.Errorf("stats = %+v", stats.Snapshot())
	}
}

func TestRunnerCapturesUntilCancelled(t *testing.T) {
	s := setupTestStore(t)
	alloc := store.NewAllocator(s)
	ext := &ExternalTime{}

	r := NewRunner(&scheduler.Config{Workers: 2, QueueSize: 16})

	var results int
	r.OnResult(func(scheduler.CaptureResult) { results++ })

	r.Add(scheduler.SourceKey{Kind: telemetry.KindIMU, Device: device}, 10*time.Millisecond,
		&IMUCapture{Device: device, Source: &FakeIMU{NotReadyEvery: 3}, Appender: alloc, External: ext})
	r.Add(scheduler.SourceKey{Kind: telemetry.KindGPS, Device: device}, 20*time.Millisecond,
		&GPSCapture{Device: device, Source: &FakeGPS{StepDeg: 0.0001}, Appender: alloc, External: ext})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, kind := range telemetry.Kinds() {
		c, err := s.Counts(context.Background(), kind)
		if err != nil {
			t.Fatal(err)
		}
		if c.Total < 3 {
			t.Errorf("%s rows = %d, want at least 3", kind, c.Total)
		}
		if c.Pending != c.Total {
			t.Errorf("%s counts = %+v, captures must not touch lifecycle flags", kind, c)
		}

		rows, err := s.Scan(context.Background(), kind, 0, 1000)
		if err != nil {
			t.Fatal(err)
		}
		for i, rec := range rows {
			if rec.Sequence != uint32(i) || rec.LineNo != int64(i+1) {
				t.Fatalf("%s row %d line/seq = %d/%d", kind, i, rec.LineNo, rec.Sequence)
			}
		}
	}

	if results == 0 {
		t.Error("result hook never called")
	}
}

func TestRunnerStopsOnStorageError(t *testing.T) {
	s := setupTestStore(t)
	alloc := store.NewAllocator(s)
	s.Close()

	r := NewRunner(&scheduler.Config{Workers: 1, QueueSize: 4})
	r.Add(scheduler.SourceKey{Kind: telemetry.KindIMU, Device: device}, 10*time.Millisecond,
		&IMUCapture{Device: device, Source: &FakeIMU{}, Appender: alloc})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := r.Run(ctx)
	if !errors.IsStorage(err) {
		t.Errorf("Run = %v, want a storage error", err)
	}
}
