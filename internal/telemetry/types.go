// Package telemetry defines the data model shared by capture, storage and relay.
//
// A Reading or GPSFix is what a sensor produced. A Record is the durable,
// identified form of either one, as held by the local store and shipped by
// the relay. Absent values are nil pointers, never zero.
package telemetry

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/xtxerr/trucklog/internal/errors"
)

// =============================================================================
// Kind
// =============================================================================

// Kind identifies which table a record belongs to.
type Kind uint8

const (
	KindIMU Kind = 1
	KindGPS Kind = 2
)

// Kinds lists every row kind in relay order.
func Kinds() []Kind {
	return []Kind{KindIMU, KindGPS}
}

// String returns the table name of the kind.
func (k Kind) String() string {
	switch k {
	case KindIMU:
		return "imu"
	case KindGPS:
		return "gps"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindIMU || k == KindGPS
}

// ParseKind parses "imu" or "gps".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "imu":
		return KindIMU, nil
	case "gps":
		return KindGPS, nil
	default:
		return 0, fmt.Errorf("%q: %w", s, errors.ErrInvalidKind)
	}
}

// =============================================================================
// Sensor values
// =============================================================================

// Vector3 is one axis triple (acceleration, angular rate or magnetic field).
type Vector3 struct {
	X, Y, Z float64
}

// Angle is an angle in radians.
type Angle float64

// Degrees returns an Angle from a value in degrees.
func Degrees(d float64) Angle {
	return Angle(d * math.Pi / 180)
}

// Radians returns a as radians.
func (a Angle) Radians() float64 {
	return float64(a)
}

// Degrees returns a as degrees.
func (a Angle) Degrees() float64 {
	return float64(a) * 180 / math.Pi
}

// Orientation is an attitude estimate.
type Orientation struct {
	Roll            Angle
	Pitch           Angle
	Yaw             Angle
	HeadingAccuracy Angle
}

// Inertial groups the inertial measurements of one capture.
// Any member may be absent.
type Inertial struct {
	Accel *Vector3
	Gyro  *Vector3
	Mag   *Vector3
	Pose  *Orientation
}

// Empty reports whether no inertial member is present.
func (in *Inertial) Empty() bool {
	return in == nil || (in.Accel == nil && in.Gyro == nil && in.Mag == nil && in.Pose == nil)
}

// Reading is one transient sensor capture.
//
// A nil Inertial means the inertial unit was not ready for this cycle.
type Reading struct {
	Timestamp   time.Time
	Inertial    *Inertial
	Pressure    *float64 // pascals
	Temperature *float64 // celsius
	CPUTemp     *float64 // celsius
}

// Ready reports whether the reading carries inertial data.
func (r Reading) Ready() bool {
	return !r.Inertial.Empty()
}

// NotReady returns the reading recorded for a cycle whose inertial unit
// produced nothing.
func NotReady(ts time.Time) Reading {
	return Reading{Timestamp: ts}
}

// GPSFix is one transient GPS capture.
type GPSFix struct {
	Timestamp     time.Time
	SatelliteTime *time.Time

	Lat   float64
	Lon   float64
	Alt   float64
	Speed float64
	Track float64
	HDOP  float64

	FixStatus  uint8
	Satellites uint8
	Valid      bool
}

// Float returns a pointer to v.
func Float(v float64) *float64 {
	return &v
}

// =============================================================================
// Stored form
// =============================================================================

// Pose is an orientation as stored: degrees.
type Pose struct {
	Roll            float64
	Pitch           float64
	Yaw             float64
	HeadingAccuracy float64
}

// IMUPayload is the stored payload of an inertial row.
type IMUPayload struct {
	Accel *Vector3
	Gyro  *Vector3
	Mag   *Vector3
	Pose  *Pose

	Pressure    *float64 // pascals
	Altitude    *float64 // metres, derived from Pressure
	Temperature *float64
	CPUTemp     *float64
}

// GPSPayload is the stored payload of a GPS row.
type GPSPayload struct {
	Lat   float64
	Lon   float64
	Alt   float64
	Speed float64
	Track float64
	HDOP  float64

	// Status is the packed status word (fix status, satellites, flags).
	Status uint32
}

// RowKey identifies a record independently of the store that holds it.
// The collector uses it as the idempotency key.
type RowKey struct {
	Kind     Kind
	Device   DeviceID
	Sequence uint32
}

// String returns kind/device/sequence.
func (k RowKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Kind, k.Device, k.Sequence)
}

// Record is the durable form of a Reading or GPSFix.
type Record struct {
	Kind         Kind
	LineNo       int64
	Device       DeviceID
	CaptureTime  time.Time
	ExternalTime *time.Time
	Sequence     uint32

	Uploaded  bool
	Confirmed bool

	// Exactly one is set, matching Kind.
	IMU *IMUPayload
	GPS *GPSPayload
}

// Key returns the idempotency key of the record.
func (r Record) Key() RowKey {
	return RowKey{Kind: r.Kind, Device: r.Device, Sequence: r.Sequence}
}

// Validate checks that the payload matches the kind and that every present
// value is finite. NaN and infinities have no stored form distinct from an
// absent value.
func (r *Record) Validate() error {
	switch r.Kind {
	case KindIMU:
		if r.IMU == nil || r.GPS != nil {
			return fmt.Errorf("imu record: %w", errors.ErrPayloadMismatch)
		}
		return r.IMU.checkFinite()
	case KindGPS:
		if r.GPS == nil || r.IMU != nil {
			return fmt.Errorf("gps record: %w", errors.ErrPayloadMismatch)
		}
		g := r.GPS
		return checkFinite("gps", g.Lat, g.Lon, g.Alt, g.Speed, g.Track, g.HDOP)
	default:
		return fmt.Errorf("record kind %d: %w", r.Kind, errors.ErrInvalidKind)
	}
}

func (p *IMUPayload) checkFinite() error {
	for name, v := range map[string]*Vector3{"accel": p.Accel, "gyro": p.Gyro, "mag": p.Mag} {
		if v != nil {
			if err := checkFinite(name, v.X, v.Y, v.Z); err != nil {
				return err
			}
		}
	}
	if p.Pose != nil {
		if err := checkFinite("pose", p.Pose.Roll, p.Pose.Pitch, p.Pose.Yaw, p.Pose.HeadingAccuracy); err != nil {
			return err
		}
	}
	for name, v := range map[string]*float64{
		"pressure": p.Pressure, "altitude": p.Altitude, "temperature": p.Temperature, "cpu_temp": p.CPUTemp,
	} {
		if v != nil {
			if err := checkFinite(name, *v); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkFinite(field string, vs ...float64) error {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s %v: %w", field, v, errors.ErrNonFiniteValue)
		}
	}
	return nil
}
