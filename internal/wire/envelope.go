package wire

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// =============================================================================
// Messages
// =============================================================================

// Envelope carries exactly one message. Requests and their replies share ID.
type Envelope struct {
	ID uint64

	Hello     *Hello
	Batch     *Batch
	Ack       *Ack
	Confirm   *Confirm
	Confirmed *Confirmed
	Error     *Error
}

// Hello is the first frame of a connection. The collector answers with its
// own Hello or an Error.
type Hello struct {
	Token   string
	Device  telemetry.DeviceID
	Version string
}

// Batch submits rows of one kind.
type Batch struct {
	Kind telemetry.Kind
	Rows []telemetry.Record
}

// Ack answers a Batch.
type Ack struct {
	Accepted  uint32
	Confirmed []telemetry.RowKey
}

// Confirm asks which keys are durable on the collector.
type Confirm struct {
	Kind telemetry.Kind
	Keys []telemetry.RowKey
}

// Confirmed answers a Confirm.
type Confirmed struct {
	Keys []telemetry.RowKey
}

// Error reports a failed request.
type Error struct {
	Code    int32
	Message string
}

// Err converts the message back into a sentinel-matching error.
func (e *Error) Err() error {
	return fmt.Errorf("%s: %s: %w", errors.CodeName(e.Code), e.Message, errors.CodeToError(e.Code))
}

// NewError creates an error envelope for request id.
func NewError(id uint64, code int32, msg string) *Envelope {
	return &Envelope{ID: id, Error: &Error{Code: code, Message: msg}}
}

// NewErrorFromErr creates an error envelope from a Go error.
func NewErrorFromErr(id uint64, err error) *Envelope {
	return NewError(id, errors.ErrorToCode(err), err.Error())
}

// NewErrorf creates an error envelope with a formatted message.
func NewErrorf(id uint64, code int32, format string, args ...interface{}) *Envelope {
	return NewError(id, code, fmt.Sprintf(format, args...))
}

// =============================================================================
// Field numbers
// =============================================================================

const (
	envID        protowire.Number = 1
	envHello     protowire.Number = 2
	envBatch     protowire.Number = 3
	envAck       protowire.Number = 4
	envConfirm   protowire.Number = 5
	envConfirmed protowire.Number = 6
	envError     protowire.Number = 7
)

const (
	recLineNo     protowire.Number = 1
	recDevice     protowire.Number = 2
	recCaptureUs  protowire.Number = 3
	recExternalMs protowire.Number = 4
	recSequence   protowire.Number = 5
	recIMU        protowire.Number = 6
	recGPS        protowire.Number = 7
)

const (
	imuAccel       protowire.Number = 1
	imuGyro        protowire.Number = 2
	imuMag         protowire.Number = 3
	imuPose        protowire.Number = 4
	imuPressure    protowire.Number = 5
	imuAltitude    protowire.Number = 6
	imuTemperature protowire.Number = 7
	imuCPUTemp     protowire.Number = 8
)

// =============================================================================
// Encoding
// =============================================================================

// Marshal encodes env in protobuf wire format.
func Marshal(env *Envelope) ([]byte, error) {
	var b []byte
	if env.ID != 0 {
		b = appendVarint(b, envID, env.ID)
	}

	switch {
	case env.Hello != nil:
		b = appendMessage(b, envHello, marshalHello(env.Hello))
	case env.Batch != nil:
		body, err := marshalBatch(env.Batch)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, envBatch, body)
	case env.Ack != nil:
		b = appendMessage(b, envAck, marshalAck(env.Ack))
	case env.Confirm != nil:
		b = appendMessage(b, envConfirm, marshalKeyList(uint64(env.Confirm.Kind), env.Confirm.Keys))
	case env.Confirmed != nil:
		b = appendMessage(b, envConfirmed, marshalKeyList(0, env.Confirmed.Keys))
	case env.Error != nil:
		b = appendMessage(b, envError, marshalError(env.Error))
	default:
		return nil, fmt.Errorf("empty envelope: %w", errors.ErrProtocol)
	}
	return b, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed64(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	return appendFixed64(b, num, math.Float64bits(v))
}

func appendOptDouble(b []byte, num protowire.Number, v *float64) []byte {
	if v == nil {
		return b
	}
	return appendDouble(b, num, *v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// appendMessage always writes the field, so an empty message stays present.
func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	return appendBytes(b, num, body)
}

func marshalHello(h *Hello) []byte {
	var b []byte
	b = appendBytes(b, 1, []byte(h.Token))
	b = appendFixed64(b, 2, uint64(h.Device))
	b = appendBytes(b, 3, []byte(h.Version))
	return b
}

func marshalBatch(bt *Batch) ([]byte, error) {
	b := appendVarint(nil, 1, uint64(bt.Kind))
	for i := range bt.Rows {
		rec := &bt.Rows[i]
		if rec.Kind != bt.Kind {
			return nil, fmt.Errorf("%s row in %s batch: %w", rec.Kind, bt.Kind, errors.ErrPayloadMismatch)
		}
		body, err := marshalRecord(rec)
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 2, body)
	}
	return b, nil
}

func marshalRecord(rec *telemetry.Record) ([]byte, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	var b []byte
	b = appendVarint(b, recLineNo, uint64(rec.LineNo))
	b = appendFixed64(b, recDevice, uint64(rec.Device))
	b = appendVarint(b, recCaptureUs, uint64(rec.CaptureTime.UnixMicro()))
	if rec.ExternalTime != nil {
		b = appendVarint(b, recExternalMs, uint64(rec.ExternalTime.UnixMilli()))
	}
	b = appendVarint(b, recSequence, uint64(rec.Sequence))

	switch rec.Kind {
	case telemetry.KindIMU:
		b = appendMessage(b, recIMU, marshalIMU(rec.IMU))
	case telemetry.KindGPS:
		b = appendMessage(b, recGPS, marshalGPS(rec.GPS))
	}
	return b, nil
}

func marshalVector(v *telemetry.Vector3) []byte {
	var b []byte
	b = appendDouble(b, 1, v.X)
	b = appendDouble(b, 2, v.Y)
	b = appendDouble(b, 3, v.Z)
	return b
}

func marshalIMU(p *telemetry.IMUPayload) []byte {
	var b []byte
	if p.Accel != nil {
		b = appendMessage(b, imuAccel, marshalVector(p.Accel))
	}
	if p.Gyro != nil {
		b = appendMessage(b, imuGyro, marshalVector(p.Gyro))
	}
	if p.Mag != nil {
		b = appendMessage(b, imuMag, marshalVector(p.Mag))
	}
	if p.Pose != nil {
		var pose []byte
		pose = appendDouble(pose, 1, p.Pose.Roll)
		pose = appendDouble(pose, 2, p.Pose.Pitch)
		pose = appendDouble(pose, 3, p.Pose.Yaw)
		pose = appendDouble(pose, 4, p.Pose.HeadingAccuracy)
		b = appendMessage(b, imuPose, pose)
	}
	b = appendOptDouble(b, imuPressure, p.Pressure)
	b = appendOptDouble(b, imuAltitude, p.Altitude)
	b = appendOptDouble(b, imuTemperature, p.Temperature)
	b = appendOptDouble(b, imuCPUTemp, p.CPUTemp)
	return b
}

func marshalGPS(p *telemetry.GPSPayload) []byte {
	var b []byte
	b = appendDouble(b, 1, p.Lat)
	b = appendDouble(b, 2, p.Lon)
	b = appendDouble(b, 3, p.Alt)
	b = appendDouble(b, 4, p.Speed)
	b = appendDouble(b, 5, p.Track)
	b = appendDouble(b, 6, p.HDOP)
	b = protowire.AppendTag(b, 7, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, p.Status)
	return b
}

func marshalKey(k telemetry.RowKey) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(k.Kind))
	b = appendFixed64(b, 2, uint64(k.Device))
	b = appendVarint(b, 3, uint64(k.Sequence))
	return b
}

// marshalKeyList encodes an optional kind (field 1) and keys (field 2).
func marshalKeyList(kind uint64, keys []telemetry.RowKey) []byte {
	var b []byte
	if kind != 0 {
		b = appendVarint(b, 1, kind)
	}
	for _, k := range keys {
		b = appendMessage(b, 2, marshalKey(k))
	}
	return b
}

func marshalAck(a *Ack) []byte {
	b := appendVarint(nil, 1, uint64(a.Accepted))
	for _, k := range a.Confirmed {
		b = appendMessage(b, 2, marshalKey(k))
	}
	return b
}

func marshalError(e *Error) []byte {
	b := appendVarint(nil, 1, uint64(int64(e.Code)))
	return appendBytes(b, 2, []byte(e.Message))
}

// =============================================================================
// Decoding
// =============================================================================

// field is one decoded tag with the input positioned at its value.
type field struct {
	num protowire.Number
	typ protowire.Type
	b   []byte
}

func (f field) varint() (uint64, int) {
	if f.typ != protowire.VarintType {
		return 0, -1
	}
	return protowire.ConsumeVarint(f.b)
}

func (f field) fixed64() (uint64, int) {
	if f.typ != protowire.Fixed64Type {
		return 0, -1
	}
	return protowire.ConsumeFixed64(f.b)
}

func (f field) fixed32() (uint32, int) {
	if f.typ != protowire.Fixed32Type {
		return 0, -1
	}
	return protowire.ConsumeFixed32(f.b)
}

func (f field) double() (float64, int) {
	v, n := f.fixed64()
	return math.Float64frombits(v), n
}

func (f field) bytes() ([]byte, int) {
	if f.typ != protowire.BytesType {
		return nil, -1
	}
	return protowire.ConsumeBytes(f.b)
}

// walk calls fn for every field in b. fn returns how many bytes of the value
// it consumed; 0 skips the field, a negative count rejects it.
func walk(msg string, b []byte, fn func(f field) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%s: %v: %w", msg, protowire.ParseError(n), errors.ErrProtocol)
		}
		b = b[n:]

		m, err := fn(field{num: num, typ: typ, b: b})
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return fmt.Errorf("%s field %d: %w", msg, num, errors.ErrProtocol)
		}
		b = b[m:]
	}
	return nil
}

// Unmarshal decodes an envelope.
func Unmarshal(b []byte) (*Envelope, error) {
	env := &Envelope{}
	set := 0

	err := walk("envelope", b, func(f field) (int, error) {
		if f.num == envID {
			v, n := f.varint()
			env.ID = v
			return n, nil
		}

		var decode func([]byte) error
		switch f.num {
		case envHello:
			env.Hello = &Hello{}
			decode = func(b []byte) error { return unmarshalHello(b, env.Hello) }
		case envBatch:
			env.Batch = &Batch{}
			decode = func(b []byte) error { return unmarshalBatch(b, env.Batch) }
		case envAck:
			env.Ack = &Ack{}
			decode = func(b []byte) error { return unmarshalAck(b, env.Ack) }
		case envConfirm:
			env.Confirm = &Confirm{}
			decode = func(b []byte) error {
				kind, keys, err := unmarshalKeyList(b)
				env.Confirm.Kind, env.Confirm.Keys = telemetry.Kind(kind), keys
				return err
			}
		case envConfirmed:
			env.Confirmed = &Confirmed{}
			decode = func(b []byte) error {
				_, keys, err := unmarshalKeyList(b)
				env.Confirmed.Keys = keys
				return err
			}
		case envError:
			env.Error = &Error{}
			decode = func(b []byte) error { return unmarshalError(b, env.Error) }
		default:
			return 0, nil
		}

		body, n := f.bytes()
		if n < 0 {
			return n, nil
		}
		set++
		return n, decode(body)
	})
	if err != nil {
		return nil, err
	}
	if set != 1 {
		return nil, fmt.Errorf("envelope carries %d messages: %w", set, errors.ErrProtocol)
	}
	return env, nil
}

func unmarshalHello(b []byte, h *Hello) error {
	return walk("hello", b, func(f field) (int, error) {
		switch f.num {
		case 1:
			v, n := f.bytes()
			h.Token = string(v)
			return n, nil
		case 2:
			v, n := f.fixed64()
			h.Device = telemetry.DeviceID(v)
			return n, nil
		case 3:
			v, n := f.bytes()
			h.Version = string(v)
			return n, nil
		}
		return 0, nil
	})
}

func unmarshalBatch(b []byte, bt *Batch) error {
	return walk("batch", b, func(f field) (int, error) {
		switch f.num {
		case 1:
			v, n := f.varint()
			bt.Kind = telemetry.Kind(v)
			return n, nil
		case 2:
			body, n := f.bytes()
			if n < 0 {
				return n, nil
			}
			rec, err := unmarshalRecord(body)
			if err != nil {
				return n, fmt.Errorf("batch row %d: %w", len(bt.Rows), err)
			}
			bt.Rows = append(bt.Rows, rec)
			return n, nil
		}
		return 0, nil
	})
}

func unmarshalRecord(b []byte) (telemetry.Record, error) {
	var rec telemetry.Record
	err := walk("record", b, func(f field) (int, error) {
		switch f.num {
		case recLineNo:
			v, n := f.varint()
			rec.LineNo = int64(v)
			return n, nil
		case recDevice:
			v, n := f.fixed64()
			rec.Device = telemetry.DeviceID(v)
			return n, nil
		case recCaptureUs:
			v, n := f.varint()
			rec.CaptureTime = time.UnixMicro(int64(v)).UTC()
			return n, nil
		case recExternalMs:
			v, n := f.varint()
			t := time.UnixMilli(int64(v)).UTC()
			rec.ExternalTime = &t
			return n, nil
		case recSequence:
			v, n := f.varint()
			rec.Sequence = uint32(v)
			return n, nil
		case recIMU:
			body, n := f.bytes()
			if n < 0 {
				return n, nil
			}
			rec.Kind = telemetry.KindIMU
			rec.IMU = &telemetry.IMUPayload{}
			return n, unmarshalIMU(body, rec.IMU)
		case recGPS:
			body, n := f.bytes()
			if n < 0 {
				return n, nil
			}
			rec.Kind = telemetry.KindGPS
			rec.GPS = &telemetry.GPSPayload{}
			return n, unmarshalGPS(body, rec.GPS)
		}
		return 0, nil
	})
	if err != nil {
		return rec, err
	}
	if err := rec.Validate(); err != nil {
		return rec, fmt.Errorf("%v: %w", err, errors.ErrProtocol)
	}
	return rec, nil
}

func unmarshalVector(b []byte) (*telemetry.Vector3, error) {
	v := &telemetry.Vector3{}
	err := walk("vector", b, func(f field) (int, error) {
		var dst *float64
		switch f.num {
		case 1:
			dst = &v.X
		case 2:
			dst = &v.Y
		case 3:
			dst = &v.Z
		default:
			return 0, nil
		}
		x, n := f.double()
		*dst = x
		return n, nil
	})
	return v, err
}

func unmarshalIMU(b []byte, p *telemetry.IMUPayload) error {
	return walk("imu", b, func(f field) (int, error) {
		switch f.num {
		case imuAccel, imuGyro, imuMag:
			body, n := f.bytes()
			if n < 0 {
				return n, nil
			}
			v, err := unmarshalVector(body)
			switch f.num {
			case imuAccel:
				p.Accel = v
			case imuGyro:
				p.Gyro = v
			default:
				p.Mag = v
			}
			return n, err
		case imuPose:
			body, n := f.bytes()
			if n < 0 {
				return n, nil
			}
			p.Pose = &telemetry.Pose{}
			return n, walk("pose", body, func(f field) (int, error) {
				var dst *float64
				switch f.num {
				case 1:
					dst = &p.Pose.Roll
				case 2:
					dst = &p.Pose.Pitch
				case 3:
					dst = &p.Pose.Yaw
				case 4:
					dst = &p.Pose.HeadingAccuracy
				default:
					return 0, nil
				}
				x, n := f.double()
				*dst = x
				return n, nil
			})
		case imuPressure, imuAltitude, imuTemperature, imuCPUTemp:
			x, n := f.double()
			v := &x
			switch f.num {
			case imuPressure:
				p.Pressure = v
			case imuAltitude:
				p.Altitude = v
			case imuTemperature:
				p.Temperature = v
			default:
				p.CPUTemp = v
			}
			return n, nil
		}
		return 0, nil
	})
}

func unmarshalGPS(b []byte, p *telemetry.GPSPayload) error {
	return walk("gps", b, func(f field) (int, error) {
		var dst *float64
		switch f.num {
		case 1:
			dst = &p.Lat
		case 2:
			dst = &p.Lon
		case 3:
			dst = &p.Alt
		case 4:
			dst = &p.Speed
		case 5:
			dst = &p.Track
		case 6:
			dst = &p.HDOP
		case 7:
			v, n := f.fixed32()
			p.Status = v
			return n, nil
		default:
			return 0, nil
		}
		x, n := f.double()
		*dst = x
		return n, nil
	})
}

func unmarshalKey(b []byte) (telemetry.RowKey, error) {
	var k telemetry.RowKey
	err := walk("row key", b, func(f field) (int, error) {
		switch f.num {
		case 1:
			v, n := f.varint()
			k.Kind = telemetry.Kind(v)
			return n, nil
		case 2:
			v, n := f.fixed64()
			k.Device = telemetry.DeviceID(v)
			return n, nil
		case 3:
			v, n := f.varint()
			k.Sequence = uint32(v)
			return n, nil
		}
		return 0, nil
	})
	return k, err
}

func appendKey(keys []telemetry.RowKey, f field) ([]telemetry.RowKey, int, error) {
	body, n := f.bytes()
	if n < 0 {
		return keys, n, nil
	}
	k, err := unmarshalKey(body)
	if err != nil {
		return keys, n, err
	}
	return append(keys, k), n, nil
}

func unmarshalKeyList(b []byte) (kind uint64, keys []telemetry.RowKey, err error) {
	err = walk("key list", b, func(f field) (int, error) {
		switch f.num {
		case 1:
			v, n := f.varint()
			kind = v
			return n, nil
		case 2:
			var n int
			var err error
			keys, n, err = appendKey(keys, f)
			return n, err
		}
		return 0, nil
	})
	return kind, keys, err
}

func unmarshalAck(b []byte, a *Ack) error {
	return walk("ack", b, func(f field) (int, error) {
		switch f.num {
		case 1:
			v, n := f.varint()
			a.Accepted = uint32(v)
			return n, nil
		case 2:
			var n int
			var err error
			a.Confirmed, n, err = appendKey(a.Confirmed, f)
			return n, err
		}
		return 0, nil
	})
}

func unmarshalError(b []byte, e *Error) error {
	return walk("error", b, func(f field) (int, error) {
		switch f.num {
		case 1:
			v, n := f.varint()
			e.Code = int32(int64(v))
			return n, nil
		case 2:
			v, n := f.bytes()
			e.Message = string(v)
			return n, nil
		}
		return 0, nil
	})
}
