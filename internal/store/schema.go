package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// table describes the layout of one row kind.
//
// Every table starts with the same metadata columns, in this order:
//
//	line_no, device_id, <capture>, external_ms, sequence, uploaded, confirmed
//
// followed by the payload columns of the kind.
type table struct {
	kind       telemetry.Kind
	name       string
	captureCol string
	captureRes time.Duration
	payload    []string
}

var imuTable = &table{
	kind:       telemetry.KindIMU,
	name:       "imu",
	captureCol: "capture_us",
	captureRes: time.Microsecond,
	payload: []string{
		"x_accel", "y_accel", "z_accel",
		"x_gyro", "y_gyro", "z_gyro",
		"x_mag", "y_mag", "z_mag",
		"roll_pose", "pitch_pose", "yaw_pose", "heading_accuracy",
		"pressure", "altitude", "temperature", "temp_cpu",
	},
}

var gpsTable = &table{
	kind:       telemetry.KindGPS,
	name:       "gps",
	captureCol: "capture_ms",
	captureRes: time.Millisecond,
	payload:    []string{"lat", "lon", "alt", "speed", "track", "hdop", "status"},
}

func tableFor(kind telemetry.Kind) (*table, error) {
	switch kind {
	case telemetry.KindIMU:
		return imuTable, nil
	case telemetry.KindGPS:
		return gpsTable, nil
	default:
		return nil, fmt.Errorf("%s: %w", kind, errors.ErrInvalidKind)
	}
}

func (t *table) columns() string {
	return "line_no, device_id, " + t.captureCol + ", external_ms, sequence, uploaded, confirmed, " +
		strings.Join(t.payload, ", ")
}

func (t *table) insertSQL() string {
	n := 7 + len(t.payload)
	return "INSERT INTO " + t.name + " (" + t.columns() + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", n), ", ") + ")"
}

func (t *table) selectSQL(where string) string {
	return "SELECT " + t.columns() + " FROM " + t.name + " WHERE " + where + " ORDER BY line_no LIMIT ?"
}

func (t *table) createSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (
		line_no BIGINT PRIMARY KEY,
		device_id BIGINT NOT NULL,
		%s BIGINT NOT NULL,
		external_ms BIGINT,
		sequence BIGINT NOT NULL,
		uploaded BOOLEAN NOT NULL DEFAULT FALSE,
		confirmed BOOLEAN NOT NULL DEFAULT FALSE`, t.name, t.captureCol)
	for _, col := range t.payload {
		typ := "DOUBLE"
		if col == "status" {
			typ = "BIGINT NOT NULL"
		}
		fmt.Fprintf(&b, ",\n\t\t%s %s", col, typ)
	}
	b.WriteString("\n\t)")
	return b.String()
}

type migration struct {
	name string
	sql  string
}

// migrate creates the tables and indices. It is idempotent.
func (s *Store) migrate(ctx context.Context) error {
	var migrations []migration

	for _, t := range []*table{imuTable, gpsTable} {
		migrations = append(migrations,
			migration{
				name: t.name,
				sql:  t.createSQL(),
			},
			migration{
				name: t.name + "_device_sequence",
				sql: fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s_device_sequence
					ON %s (device_id, sequence)`, t.name, t.name),
			},
		)

		// DuckDB rewrites index entries on update, which conflicts with
		// flipping an indexed flag inside a transaction.
		if s.config.Driver != DriverDuckDB {
			migrations = append(migrations, migration{
				name: t.name + "_pending",
				sql: fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_pending
					ON %s (uploaded, confirmed, line_no)`, t.name, t.name),
			})
		}
	}

	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		log.Debug("migration applied", "name", m.name)
	}

	return nil
}
