// Package capture turns sensor reads into stored rows.
//
// Sensors sit behind SensorSource and FixSource. A capture reads once,
// encodes the result with the current external time reference, and appends
// it through the sequence allocator. An inertial unit that is not ready still
// produces a row, with every inertial field absent, so the capture cadence
// has no gaps.
package capture

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/xtxerr/trucklog/internal/codec"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/logging"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

var log = logging.Component("capture")

// =============================================================================
// Boundaries
// =============================================================================

// SensorSource produces inertial and environmental readings.
//
// Read returns errors.ErrSensorNotReady when the inertial unit has nothing
// for this cycle. Any pressure or temperature it did manage to read may be
// returned alongside that error.
type SensorSource interface {
	Read(ctx context.Context) (telemetry.Reading, error)
}

// FixSource produces GPS fixes. ReadFix returns errors.ErrSensorNotReady
// while the receiver has no fix.
type FixSource interface {
	ReadFix(ctx context.Context) (telemetry.GPSFix, error)
}

// Appender assigns a sequence to a record and persists it.
// *store.Allocator implements it.
type Appender interface {
	Append(ctx context.Context, rec telemetry.Record) (telemetry.Record, error)
}

// =============================================================================
// External time reference
// =============================================================================

// ExternalTime holds the most recent externally sourced time reference.
// The GPS capture sets it; the inertial capture reads it and hands it to the
// codec. The zero value holds no time.
type ExternalTime struct {
	v atomic.Pointer[time.Time]
}

// Set records t as the current reference.
func (e *ExternalTime) Set(t time.Time) {
	e.v.Store(&t)
}

// Get returns the current reference, or nil if none was set.
func (e *ExternalTime) Get() *time.Time {
	if e == nil {
		return nil
	}
	p := e.v.Load()
	if p == nil {
		return nil
	}
	t := *p
	return &t
}

// =============================================================================
// Stats
// =============================================================================

// Stats counts capture outcomes.
type Stats struct {
	Captured atomic.Int64
	NotReady atomic.Int64
	Skipped  atomic.Int64
	Failed   atomic.Int64
}

// discard absorbs the counts of captures configured without Stats.
var discard Stats

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Captured int64
	NotReady int64
	Skipped  int64
	Failed   int64
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Captured: s.Captured.Load(),
		NotReady: s.NotReady.Load(),
		Skipped:  s.Skipped.Load(),
		Failed:   s.Failed.Load(),
	}
}

// =============================================================================
// Captures
// =============================================================================

// IMUCapture captures inertial readings for one device.
type IMUCapture struct {
	Device   telemetry.DeviceID
	Source   SensorSource
	Codec    *codec.Codec
	Appender Appender
	External *ExternalTime

	// Now returns the capture time. Defaults to time.Now.
	Now func() time.Time

	Stats *Stats
}

// Capture reads the sensor once and appends the resulting row.
//
// A sensor that is not ready, or fails for any other reason, yields a row
// with absent inertial fields. Storage errors are returned unchanged; they
// end the cycle and must reach the operator.
func (c *IMUCapture) Capture(ctx context.Context) (telemetry.Record, error) {
	now := c.now()

	r, err := c.Source.Read(ctx)
	if err != nil {
		if !errors.Is(err, errors.ErrSensorNotReady) {
			log.Warn("sensor read failed", "device", c.Device.String(), "error", err)
		}
		r = notReady(r, now)
		c.stats().NotReady.Add(1)
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}

	rec := c.codec().EncodeReading(r, c.Device, 0, r.Timestamp, c.External.Get())

	stored, err := c.Appender.Append(ctx, rec)
	if err != nil {
		c.stats().Failed.Add(1)
		return telemetry.Record{}, fmt.Errorf("append imu row for %s: %w", c.Device, err)
	}

	c.stats().Captured.Add(1)
	return stored, nil
}

// notReady keeps what a failed read still delivered apart from the
// inertial block.
func notReady(r telemetry.Reading, now time.Time) telemetry.Reading {
	out := telemetry.NotReady(r.Timestamp)
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	out.Pressure = r.Pressure
	out.Temperature = r.Temperature
	out.CPUTemp = r.CPUTemp
	return out
}

func (c *IMUCapture) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *IMUCapture) codec() *codec.Codec {
	if c.Codec != nil {
		return c.Codec
	}
	return codec.Default
}

func (c *IMUCapture) stats() *Stats {
	if c.Stats == nil {
		return &discard
	}
	return c.Stats
}

// GPSCapture captures GPS fixes for one device.
type GPSCapture struct {
	Device   telemetry.DeviceID
	Source   FixSource
	Codec    *codec.Codec
	Appender Appender

	// External, when set, receives the satellite time of every valid fix.
	External *ExternalTime

	Stats *Stats
}

// Capture reads one fix and appends it.
//
// Without a fix nothing is stored and the sensor error is returned; a GPS
// row has no way to express an absent fix. Storage errors are returned
// wrapped as usual.
func (c *GPSCapture) Capture(ctx context.Context) (telemetry.Record, error) {
	fix, err := c.Source.ReadFix(ctx)
	if err != nil {
		c.stats().Skipped.Add(1)
		if errors.Is(err, errors.ErrSensorNotReady) {
			return telemetry.Record{}, err
		}
		return telemetry.Record{}, errors.Mark(err, errors.ErrSensorNotReady)
	}
	if fix.Timestamp.IsZero() {
		fix.Timestamp = time.Now()
	}

	if fix.Valid && fix.SatelliteTime != nil && c.External != nil {
		c.External.Set(*fix.SatelliteTime)
	}

	cd := c.Codec
	if cd == nil {
		cd = codec.Default
	}
	rec := cd.EncodeFix(fix, c.Device, 0)

	stored, err := c.Appender.Append(ctx, rec)
	if err != nil {
		c.stats().Failed.Add(1)
		return telemetry.Record{}, fmt.Errorf("append gps row for %s: %w", c.Device, err)
	}

	c.stats().Captured.Add(1)
	return stored, nil
}

func (c *GPSCapture) stats() *Stats {
	if c.Stats == nil {
		return &discard
	}
	return c.Stats
}
