// Package codec converts between sensor captures and their stored rows.
//
// The codec owns every unit conversion between the in-memory model and
// storage: angles are radians in memory and degrees on disk, pressure is kept
// raw and also turned into an altitude, and timestamps are truncated to the
// precision of their column. Absent values stay absent; nothing is stored as
// a sentinel number.
package codec

import (
	"fmt"
	"math"
	"time"

	"github.com/xtxerr/trucklog/config"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// Column precision of the stored timestamps.
const (
	IMUTimePrecision      = time.Microsecond
	GPSTimePrecision      = time.Millisecond
	ExternalTimePrecision = time.Millisecond
)

// Codec converts readings and fixes to records and back.
type Codec struct {
	staticPressurePa float64
}

// New creates a Codec deriving altitude against the given sea-level
// pressure in hectopascals. Zero selects the standard atmosphere.
func New(staticPressureHPa float64) *Codec {
	if staticPressureHPa <= 0 {
		staticPressureHPa = config.DefaultStaticPressureHPa
	}
	return &Codec{staticPressurePa: staticPressureHPa * 100}
}

// Default is a Codec using the standard atmosphere.
var Default = New(0)

// =============================================================================
// Readings
// =============================================================================

// EncodeReading converts r into the stored row for device and sequence.
//
// capture is the device-local capture time. external is the most recent
// externally sourced time reference, or nil when none is available yet.
// The returned record has LineNo zero; the store assigns it.
func (c *Codec) EncodeReading(r telemetry.Reading, device telemetry.DeviceID, seq uint32,
	capture time.Time, external *time.Time) telemetry.Record {

	p := &telemetry.IMUPayload{
		Pressure:    copyFloat(r.Pressure),
		Temperature: copyFloat(r.Temperature),
		CPUTemp:     copyFloat(r.CPUTemp),
	}

	if in := r.Inertial; !in.Empty() {
		p.Accel = copyVector(in.Accel)
		p.Gyro = copyVector(in.Gyro)
		p.Mag = copyVector(in.Mag)
		if in.Pose != nil {
			p.Pose = &telemetry.Pose{
				Roll:            in.Pose.Roll.Degrees(),
				Pitch:           in.Pose.Pitch.Degrees(),
				Yaw:             in.Pose.Yaw.Degrees(),
				HeadingAccuracy: in.Pose.HeadingAccuracy.Degrees(),
			}
		}
	}

	// Altitude is only defined for a positive pressure.
	if r.Pressure != nil && *r.Pressure > 0 {
		alt := c.PressureToAltitude(*r.Pressure)
		p.Altitude = &alt
	}

	return telemetry.Record{
		Kind:         telemetry.KindIMU,
		Device:       device,
		CaptureTime:  truncate(capture, IMUTimePrecision),
		ExternalTime: truncatePtr(external, ExternalTimePrecision),
		Sequence:     seq,
		IMU:          p,
	}
}

// DecodeReading reproduces the reading stored in rec.
//
// A row without inertial fields decodes to a not-ready reading.
func (c *Codec) DecodeReading(rec telemetry.Record) (telemetry.Reading, error) {
	if rec.Kind != telemetry.KindIMU || rec.IMU == nil {
		return telemetry.Reading{}, fmt.Errorf("decode reading from %s row: %w",
			rec.Kind, errors.ErrPayloadMismatch)
	}
	p := rec.IMU

	r := telemetry.Reading{
		Timestamp:   rec.CaptureTime,
		Pressure:    copyFloat(p.Pressure),
		Temperature: copyFloat(p.Temperature),
		CPUTemp:     copyFloat(p.CPUTemp),
	}

	in := &telemetry.Inertial{
		Accel: copyVector(p.Accel),
		Gyro:  copyVector(p.Gyro),
		Mag:   copyVector(p.Mag),
	}
	if p.Pose != nil {
		in.Pose = &telemetry.Orientation{
			Roll:            telemetry.Degrees(p.Pose.Roll),
			Pitch:           telemetry.Degrees(p.Pose.Pitch),
			Yaw:             telemetry.Degrees(p.Pose.Yaw),
			HeadingAccuracy: telemetry.Degrees(p.Pose.HeadingAccuracy),
		}
	}
	if !in.Empty() {
		r.Inertial = in
	}

	return r, nil
}

// =============================================================================
// GPS fixes
// =============================================================================

// EncodeFix converts a GPS fix into the stored row for device and sequence.
// The satellite time of the fix becomes the row's external time.
func (c *Codec) EncodeFix(f telemetry.GPSFix, device telemetry.DeviceID, seq uint32) telemetry.Record {
	return telemetry.Record{
		Kind:         telemetry.KindGPS,
		Device:       device,
		CaptureTime:  truncate(f.Timestamp, GPSTimePrecision),
		ExternalTime: truncatePtr(f.SatelliteTime, ExternalTimePrecision),
		Sequence:     seq,
		GPS: &telemetry.GPSPayload{
			Lat:   f.Lat,
			Lon:   f.Lon,
			Alt:   f.Alt,
			Speed: f.Speed,
			Track: f.Track,
			HDOP:  f.HDOP,
			Status: EncodeStatus(Status{
				FixStatus:  f.FixStatus,
				Satellites: f.Satellites,
				Valid:      f.Valid,
			}),
		},
	}
}

// DecodeFix reproduces the fix stored in rec.
func (c *Codec) DecodeFix(rec telemetry.Record) (telemetry.GPSFix, error) {
	if rec.Kind != telemetry.KindGPS || rec.GPS == nil {
		return telemetry.GPSFix{}, fmt.Errorf("decode fix from %s row: %w",
			rec.Kind, errors.ErrPayloadMismatch)
	}
	p := rec.GPS

	st, err := DecodeStatus(p.Status)
	if err != nil {
		return telemetry.GPSFix{}, fmt.Errorf("gps line %d: %w", rec.LineNo, err)
	}

	var sat *time.Time
	if rec.ExternalTime != nil {
		t := *rec.ExternalTime
		sat = &t
	}

	return telemetry.GPSFix{
		Timestamp:     rec.CaptureTime,
		SatelliteTime: sat,
		Lat:           p.Lat,
		Lon:           p.Lon,
		Alt:           p.Alt,
		Speed:         p.Speed,
		Track:         p.Track,
		HDOP:          p.HDOP,
		FixStatus:     st.FixStatus,
		Satellites:    st.Satellites,
		Valid:         st.Valid,
	}, nil
}

// =============================================================================
// Unit conversion
// =============================================================================

// PressureToAltitude converts a pressure in pascals to metres above sea
// level using the international barometric formula:
//
//	h = 44330.8 * (1 - (p / P0)^0.190263)
func (c *Codec) PressureToAltitude(pa float64) float64 {
	return 44330.8 * (1 - math.Pow(pa/c.staticPressurePa, 0.190263))
}

// AltitudeToPressure inverts PressureToAltitude.
func (c *Codec) AltitudeToPressure(m float64) float64 {
	return c.staticPressurePa * math.Pow(1-m/44330.8, 1/0.190263)
}

func truncate(t time.Time, d time.Duration) time.Time {
	return t.Truncate(d).UTC()
}

func truncatePtr(t *time.Time, d time.Duration) *time.Time {
	if t == nil {
		return nil
	}
	v := truncate(*t, d)
	return &v
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyVector(v *telemetry.Vector3) *telemetry.Vector3 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
