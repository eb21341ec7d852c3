package capture

import (
	"context"
	"sync"
	"time"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// FakeIMU is a deterministic SensorSource for bench runs and tests.
//
// It reports a truck parked on level ground: fixed orientation, gravity on
// the z axis and standard pressure. Every NotReadyEvery-th read (if set)
// fails with ErrSensorNotReady.
type FakeIMU struct {
	NotReadyEvery int
	Now           func() time.Time

	mu sync.Mutex
	n  int
}

// Read returns the next fake reading.
func (f *FakeIMU) Read(ctx context.Context) (telemetry.Reading, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.Reading{}, err
	}

	f.mu.Lock()
	f.n++
	n := f.n
	f.mu.Unlock()

	ts := now(f.Now)
	if f.NotReadyEvery > 0 && n%f.NotReadyEvery == 0 {
		return telemetry.Reading{Timestamp: ts, CPUTemp: telemetry.Float(77.3)}, errors.ErrSensorNotReady
	}

	return telemetry.Reading{
		Timestamp: ts,
		Inertial: &telemetry.Inertial{
			Accel: &telemetry.Vector3{X: 0.01, Y: 0.03, Z: 1.005},
			Gyro:  &telemetry.Vector3{X: 0.01, Y: 0.03, Z: 18.5},
			Mag:   &telemetry.Vector3{X: 28.3, Y: 16.9, Z: 11.2},
			Pose: &telemetry.Orientation{
				Roll:            telemetry.Degrees(10.4),
				Pitch:           telemetry.Degrees(0),
				Yaw:             telemetry.Degrees(188.9),
				HeadingAccuracy: telemetry.Degrees(3.2),
			},
		},
		Pressure:    telemetry.Float(101320),
		Temperature: telemetry.Float(23),
		CPUTemp:     telemetry.Float(77.3),
	}, nil
}

// FakeGPS is a deterministic FixSource. Each fix moves the position north
// by StepDeg; NoFixFirst reads report no fix before the first one arrives.
type FakeGPS struct {
	StepDeg    float64
	NoFixFirst int
	Now        func() time.Time

	mu sync.Mutex
	n  int
}

// ReadFix returns the next fake fix.
func (f *FakeGPS) ReadFix(ctx context.Context) (telemetry.GPSFix, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.GPSFix{}, err
	}

	f.mu.Lock()
	f.n++
	n := f.n
	f.mu.Unlock()

	if n <= f.NoFixFirst {
		return telemetry.GPSFix{}, errors.ErrSensorNotReady
	}

	ts := now(f.Now)
	sat := ts.Add(-time.Second)
	step := float64(n - f.NoFixFirst - 1)

	return telemetry.GPSFix{
		Timestamp:     ts,
		SatelliteTime: &sat,
		Lat:           50.123456 + step*f.StepDeg,
		Lon:           -4.9987654,
		Alt:           100.45,
		Speed:         10.0,
		Track:         359.995566,
		HDOP:          12.4321,
		FixStatus:     1,
		Satellites:    12,
		Valid:         true,
	}, nil
}

func now(fn func() time.Time) time.Time {
	if fn != nil {
		return fn()
	}
	return time.Now()
}
