// Package testutil provides helpers shared by package tests: temporary
// stores, canned captures and goroutine-safe error collection.
//
// t.Fatal must not be called from goroutines other than the test's own;
// GoroutineTest collects errors and reports them from Wait instead.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/trucklog/internal/capture"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// =============================================================================
// Stores
// =============================================================================

// NewStore opens a sqlite store named name in a temporary directory. It is
// closed when the test ends.
func NewStore(t testing.TB, name string) *store.Store {
	t.Helper()
	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), name)
	s, err := store.New(cfg)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Capture appends imu inertial and gps rows for device through the fake
// sources. GPS rows come first so later IMU rows carry satellite time.
// Every notReadyEvery-th IMU row has absent inertial fields.
func Capture(t testing.TB, s *store.Store, device telemetry.DeviceID, imu, gps, notReadyEvery int) {
	t.Helper()
	ctx := context.Background()
	alloc := store.NewAllocator(s)
	ext := &capture.ExternalTime{}

	gc := &capture.GPSCapture{Device: device, Source: &capture.FakeGPS{StepDeg: 0.001}, Appender: alloc, External: ext}
	for i := 0; i < gps; i++ {
		if _, err := gc.Capture(ctx); err != nil {
			t.Fatalf("gps capture %d: %v", i, err)
		}
	}

	ic := &capture.IMUCapture{Device: device, Source: &capture.FakeIMU{NotReadyEvery: notReadyEvery}, Appender: alloc, External: ext}
	for i := 0; i < imu; i++ {
		if _, err := ic.Capture(ctx); err != nil {
			t.Fatalf("imu capture %d: %v", i, err)
		}
	}
}

// =============================================================================
// Goroutines
// =============================================================================

// GoroutineTest runs functions in goroutines and reports their errors on
// Wait.
//
//	gt := testutil.NewGoroutineTest(t)
//	for _, dev := range devices {
//	    gt.Go(func() error { return appendRows(dev) })
//	}
//	gt.Wait()
type GoroutineTest struct {
	t      testing.TB
	wg     sync.WaitGroup
	mu     sync.Mutex
	errors []error
}

// NewGoroutineTest creates a new GoroutineTest helper.
func NewGoroutineTest(t testing.TB) *GoroutineTest {
	return &GoroutineTest{t: t}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			gt.mu.Lock()
			gt.errors = append(gt.errors, err)
			gt.mu.Unlock()
		}
	}()
}

// Wait waits for all goroutines and fails the test if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	gt.wg.Wait()

	gt.mu.Lock()
	defer gt.mu.Unlock()
	if len(gt.errors) == 0 {
		return
	}
	for i, err := range gt.errors {
		gt.t.Errorf("goroutine error [%d]: %v", i+1, err)
	}
	gt.t.FailNow()
}

// Eventually polls condition every interval until it holds or timeout
// passes.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition not met within %v", timeout)
}
