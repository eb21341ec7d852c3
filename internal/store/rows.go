package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// =============================================================================
// Append
// =============================================================================

// Append persists rec with uploaded and confirmed cleared, and returns the
// line number assigned to it. The rec's own LineNo and lifecycle flags are
// ignored.
//
// Any storage failure is reported as ErrPersistence; the row is then not
// stored.
func (s *Store) Append(ctx context.Context, rec telemetry.Record) (int64, error) {
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	t, err := tableFor(rec.Kind)
	if err != nil {
		return 0, err
	}

	ctx, release, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var lineNo int64
	err = s.writeTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(line_no), 0) + 1 FROM `+t.name).Scan(&lineNo); err != nil {
			return fmt.Errorf("next line_no: %w", err)
		}

		args := append(t.metaArgs(lineNo, &rec), payloadArgs(&rec)...)
		if _, err := tx.ExecContext(ctx, t.insertSQL(), args...); err != nil {
			return fmt.Errorf("insert %s row: %w", t.name, err)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Mark(err, errors.ErrPersistence)
	}

	return lineNo, nil
}

func (t *table) metaArgs(lineNo int64, rec *telemetry.Record) []any {
	var ext any
	if rec.ExternalTime != nil {
		ext = rec.ExternalTime.UnixMilli()
	}

	var capture int64
	if t.captureRes == time.Microsecond {
		capture = rec.CaptureTime.UnixMicro()
	} else {
		capture = rec.CaptureTime.UnixMilli()
	}

	return []any{
		lineNo,
		int64(rec.Device),
		capture,
		ext,
		int64(rec.Sequence),
		false,
		false,
	}
}

func payloadArgs(rec *telemetry.Record) []any {
	if rec.GPS != nil {
		g := rec.GPS
		return []any{g.Lat, g.Lon, g.Alt, g.Speed, g.Track, g.HDOP, int64(g.Status)}
	}

	p := rec.IMU
	args := make([]any, 0, len(imuTable.payload))
	args = append(args, vectorArgs(p.Accel)...)
	args = append(args, vectorArgs(p.Gyro)...)
	args = append(args, vectorArgs(p.Mag)...)
	if p.Pose != nil {
		args = append(args, p.Pose.Roll, p.Pose.Pitch, p.Pose.Yaw, p.Pose.HeadingAccuracy)
	} else {
		args = append(args, nil, nil, nil, nil)
	}
	return append(args,
		nullable(p.Pressure), nullable(p.Altitude), nullable(p.Temperature), nullable(p.CPUTemp))
}

func vectorArgs(v *telemetry.Vector3) []any {
	if v == nil {
		return []any{nil, nil, nil}
	}
	return []any{v.X, v.Y, v.Z}
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// =============================================================================
// Retrieval
// =============================================================================

// FetchPending returns up to limit rows of kind that have not been uploaded,
// in ascending line order. Each call is a fresh query.
func (s *Store) FetchPending(ctx context.Context, kind telemetry.Kind, limit int) ([]telemetry.Record, error) {
	return s.fetch(ctx, kind, "uploaded = ?", limit, false)
}

// FetchUnconfirmed returns up to limit rows of kind with a line number
// greater than afterLineNo that were uploaded but not yet confirmed, in
// ascending line order.
func (s *Store) FetchUnconfirmed(ctx context.Context, kind telemetry.Kind, afterLineNo int64, limit int) ([]telemetry.Record, error) {
	return s.fetch(ctx, kind, "uploaded = ? AND confirmed = ? AND line_no > ?", limit, true, false, afterLineNo)
}

// Scan returns up to limit rows of kind with a line number greater than
// afterLineNo, in ascending line order, regardless of their state.
func (s *Store) Scan(ctx context.Context, kind telemetry.Kind, afterLineNo int64, limit int) ([]telemetry.Record, error) {
	return s.fetch(ctx, kind, "line_no > ?", limit, afterLineNo)
}

func (s *Store) fetch(ctx context.Context, kind telemetry.Kind, where string, limit int, args ...any) ([]telemetry.Record, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	ctx, release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx, t.selectSQL(where), append(args, limit)...)
	if err != nil {
		return nil, errors.Mark(fmt.Errorf("query %s: %w", t.name, err), errors.ErrPersistence)
	}
	defer rows.Close()

	records := make([]telemetry.Record, 0, min(limit, 1024))
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, errors.Mark(err, errors.ErrPersistence)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Mark(err, errors.ErrPersistence)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func (t *table) scan(row scanner) (telemetry.Record, error) {
	var (
		rec      = telemetry.Record{Kind: t.kind}
		device   int64
		capture  int64
		external sql.NullInt64
		seq      int64
	)

	dest := []any{&rec.LineNo, &device, &capture, &external, &seq, &rec.Uploaded, &rec.Confirmed}

	var (
		imu [17]sql.NullFloat64
		gps struct {
			lat, lon, alt, speed, track, hdop float64
			status                            int64
		}
	)
	if t.kind == telemetry.KindIMU {
		for i := range imu {
			dest = append(dest, &imu[i])
		}
	} else {
		dest = append(dest, &gps.lat, &gps.lon, &gps.alt, &gps.speed, &gps.track, &gps.hdop, &gps.status)
	}

	if err := row.Scan(dest...); err != nil {
		return telemetry.Record{}, fmt.Errorf("scan %s row: %w", t.name, err)
	}

	rec.Device = telemetry.DeviceID(uint64(device))
	rec.Sequence = uint32(seq)
	if t.captureRes == time.Microsecond {
		rec.CaptureTime = time.UnixMicro(capture).UTC()
	} else {
		rec.CaptureTime = time.UnixMilli(capture).UTC()
	}
	if external.Valid {
		ts := time.UnixMilli(external.Int64).UTC()
		rec.ExternalTime = &ts
	}

	if t.kind == telemetry.KindGPS {
		rec.GPS = &telemetry.GPSPayload{
			Lat:    gps.lat,
			Lon:    gps.lon,
			Alt:    gps.alt,
			Speed:  gps.speed,
			Track:  gps.track,
			HDOP:   gps.hdop,
			Status: uint32(gps.status),
		}
		return rec, nil
	}

	p := &telemetry.IMUPayload{
		Accel:       vectorOf(imu[0], imu[1], imu[2]),
		Gyro:        vectorOf(imu[3], imu[4], imu[5]),
		Mag:         vectorOf(imu[6], imu[7], imu[8]),
		Pressure:    floatOf(imu[13]),
		Altitude:    floatOf(imu[14]),
		Temperature: floatOf(imu[15]),
		CPUTemp:     floatOf(imu[16]),
	}
	if imu[9].Valid && imu[10].Valid && imu[11].Valid {
		p.Pose = &telemetry.Pose{
			Roll:            imu[9].Float64,
			Pitch:           imu[10].Float64,
			Yaw:             imu[11].Float64,
			HeadingAccuracy: imu[12].Float64,
		}
	}
	rec.IMU = p
	return rec, nil
}

func vectorOf(x, y, z sql.NullFloat64) *telemetry.Vector3 {
	if !x.Valid || !y.Valid || !z.Valid {
		return nil
	}
	return &telemetry.Vector3{X: x.Float64, Y: y.Float64, Z: z.Float64}
}

func floatOf(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// =============================================================================
// Lifecycle
// =============================================================================

// MarkUploaded sets uploaded on the row. Marking an uploaded row again is a
// no-op. An unknown line number yields ErrUnknownRow.
func (s *Store) MarkUploaded(ctx context.Context, kind telemetry.Kind, lineNo int64) error {
	return s.mark(ctx, kind, lineNo, "uploaded = ?", true)
}

// MarkConfirmed sets confirmed, and uploaded with it, on the row. Marking a
// confirmed row again is a no-op. An unknown line number yields
// ErrUnknownRow.
func (s *Store) MarkConfirmed(ctx context.Context, kind telemetry.Kind, lineNo int64) error {
	return s.mark(ctx, kind, lineNo, "uploaded = ?, confirmed = ?", true, true)
}

// ResetUploaded clears uploaded on an unconfirmed row so that it is fetched
// as pending again. Confirmed rows keep their state. An unknown line number
// yields ErrUnknownRow.
func (s *Store) ResetUploaded(ctx context.Context, kind telemetry.Kind, lineNo int64) error {
	return s.mark(ctx, kind, lineNo, "uploaded = confirmed")
}

func (s *Store) mark(ctx context.Context, kind telemetry.Kind, lineNo int64, set string, args ...any) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}

	ctx, release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	var found bool
	err = s.writeTx(ctx, func(tx *sql.Tx) error {
		var n int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+t.name+` WHERE line_no = ?`, lineNo).Scan(&n); err != nil {
			return fmt.Errorf("lookup %s line %d: %w", t.name, lineNo, err)
		}
		if n == 0 {
			return nil
		}
		found = true

		_, err := tx.ExecContext(ctx,
			`UPDATE `+t.name+` SET `+set+` WHERE line_no = ?`, append(args, lineNo)...)
		if err != nil {
			return fmt.Errorf("update %s line %d: %w", t.name, lineNo, err)
		}
		return nil
	})
	if err != nil {
		return errors.Mark(err, errors.ErrPersistence)
	}
	if !found {
		return errors.NewUnknownRow(t.name, lineNo)
	}
	return nil
}

// =============================================================================
// Lookups
// =============================================================================

// LookupLineNo returns the line number of the row identified by device and
// sequence. ErrUnknownRow is returned if no such row exists.
func (s *Store) LookupLineNo(ctx context.Context, kind telemetry.Kind, device telemetry.DeviceID, seq uint32) (int64, error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	ctx, release, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var lineNo int64
	err = s.db.QueryRowContext(ctx,
		`SELECT line_no FROM `+t.name+` WHERE device_id = ? AND sequence = ?`,
		int64(device), int64(seq)).Scan(&lineNo)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%s %s/%d: %w", t.name, device, seq, errors.ErrUnknownRow)
	}
	if err != nil {
		return 0, errors.Mark(err, errors.ErrPersistence)
	}
	return lineNo, nil
}

// MaxSequence returns the highest sequence persisted for device in the kind's
// table. ok is false if the device has no rows there.
//
// A failing query is reported as ErrStoreUnavailable.
func (s *Store) MaxSequence(ctx context.Context, kind telemetry.Kind, device telemetry.DeviceID) (seq uint32, ok bool, err error) {
	t, err := tableFor(kind)
	if err != nil {
		return 0, false, err
	}

	ctx, release, err := s.begin(ctx)
	if err != nil {
		return 0, false, errors.Mark(err, errors.ErrStoreUnavailable)
	}
	defer release()

	var maxSeq sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM `+t.name+` WHERE device_id = ?`, int64(device)).Scan(&maxSeq)
	if err != nil {
		return 0, false, errors.Mark(fmt.Errorf("max sequence: %w", err), errors.ErrStoreUnavailable)
	}
	if !maxSeq.Valid {
		return 0, false, nil
	}
	return uint32(maxSeq.Int64), true, nil
}

// Counts summarizes the lifecycle state of one table.
type Counts struct {
	Total       int64
	Pending     int64 // not uploaded
	Unconfirmed int64 // uploaded, not confirmed
	MaxLineNo   int64
}

// Counts returns the lifecycle summary of the kind's table.
func (s *Store) Counts(ctx context.Context, kind telemetry.Kind) (Counts, error) {
	t, err := tableFor(kind)
	if err != nil {
		return Counts{}, err
	}

	ctx, release, err := s.begin(ctx)
	if err != nil {
		return Counts{}, err
	}
	defer release()

	var c Counts
	var pending, unconfirmed, maxLine sql.NullInt64
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       CAST(SUM(CASE WHEN uploaded = ? THEN 1 ELSE 0 END) AS BIGINT),
		       CAST(SUM(CASE WHEN uploaded = ? AND confirmed = ? THEN 1 ELSE 0 END) AS BIGINT),
		       MAX(line_no)
		FROM `+t.name, false, true, false).Scan(&c.Total, &pending, &unconfirmed, &maxLine)
	if err != nil {
		return Counts{}, errors.Mark(fmt.Errorf("count %s: %w", t.name, err), errors.ErrPersistence)
	}
	c.Pending = pending.Int64
	c.Unconfirmed = unconfirmed.Int64
	c.MaxLineNo = maxLine.Int64
	return c, nil
}
