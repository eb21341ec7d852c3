// Package export writes stored rows to Parquet files for offline analysis.
//
// Absent sensor values stay null in the file. GPS rows carry the raw status
// word next to its decoded fields.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/trucklog/internal/codec"
	"github.com/xtxerr/trucklog/internal/logging"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

var log = logging.Component("export")

// Options configures the Parquet writer.
type Options struct {
	Compression CompressionType

	// PageRows is how many rows are read from the store per query.
	PageRows int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression: CompressionZstd,
		PageRows:    10000,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) (CompressionType, error) {
	switch s {
	case "snappy":
		return CompressionSnappy, nil
	case "zstd", "":
		return CompressionZstd, nil
	case "gzip":
		return CompressionGzip, nil
	case "none":
		return CompressionNone, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// =============================================================================
// Row types
// =============================================================================

// IMURow is an inertial row in Parquet form.
type IMURow struct {
	LineNo     int64  `parquet:"line_no"`
	DeviceID   string `parquet:"device_id,dict"`
	CaptureUs  int64  `parquet:"capture_us"`
	ExternalMs *int64 `parquet:"external_ms,optional"`
	Sequence   int64  `parquet:"sequence"`

	XAccel *float64 `parquet:"x_accel,optional"`
	YAccel *float64 `parquet:"y_accel,optional"`
	ZAccel *float64 `parquet:"z_accel,optional"`
	XGyro  *float64 `parquet:"x_gyro,optional"`
	YGyro  *float64 `parquet:"y_gyro,optional"`
	ZGyro  *float64 `parquet:"z_gyro,optional"`
	XMag   *float64 `parquet:"x_mag,optional"`
	YMag   *float64 `parquet:"y_mag,optional"`
	ZMag   *float64 `parquet:"z_mag,optional"`

	RollPose        *float64 `parquet:"roll_pose,optional"`
	PitchPose       *float64 `parquet:"pitch_pose,optional"`
	YawPose         *float64 `parquet:"yaw_pose,optional"`
	HeadingAccuracy *float64 `parquet:"heading_accuracy,optional"`

	Pressure    *float64 `parquet:"pressure,optional"`
	Altitude    *float64 `parquet:"altitude,optional"`
	Temperature *float64 `parquet:"temperature,optional"`
	TempCPU     *float64 `parquet:"temp_cpu,optional"`

	Uploaded  bool `parquet:"uploaded"`
	Confirmed bool `parquet:"confirmed"`
}

// GPSRow is a GPS row in Parquet form.
type GPSRow struct {
	LineNo     int64  `parquet:"line_no"`
	DeviceID   string `parquet:"device_id,dict"`
	CaptureMs  int64  `parquet:"capture_ms"`
	ExternalMs *int64 `parquet:"external_ms,optional"`
	Sequence   int64  `parquet:"sequence"`

	Lat   float64 `parquet:"lat"`
	Lon   float64 `parquet:"lon"`
	Alt   float64 `parquet:"alt"`
	Speed float64 `parquet:"speed"`
	Track float64 `parquet:"track"`
	HDOP  float64 `parquet:"hdop"`

	Status     int64 `parquet:"status"`
	FixStatus  int32 `parquet:"fix_status"`
	Satellites int32 `parquet:"satellites"`
	Valid      bool  `parquet:"valid"`

	Uploaded  bool `parquet:"uploaded"`
	Confirmed bool `parquet:"confirmed"`
}

func externalMs(rec *telemetry.Record) *int64 {
	if rec.ExternalTime == nil {
		return nil
	}
	ms := rec.ExternalTime.UnixMilli()
	return &ms
}

func components(v *telemetry.Vector3) (x, y, z *float64) {
	if v == nil {
		return nil, nil, nil
	}
	return telemetry.Float(v.X), telemetry.Float(v.Y), telemetry.Float(v.Z)
}

// IMURowOf converts an inertial record.
func IMURowOf(rec *telemetry.Record) IMURow {
	p := rec.IMU
	row := IMURow{
		LineNo:      rec.LineNo,
		DeviceID:    rec.Device.String(),
		CaptureUs:   rec.CaptureTime.UnixMicro(),
		ExternalMs:  externalMs(rec),
		Sequence:    int64(rec.Sequence),
		Pressure:    p.Pressure,
		Altitude:    p.Altitude,
		Temperature: p.Temperature,
		TempCPU:     p.CPUTemp,
		Uploaded:    rec.Uploaded,
		Confirmed:   rec.Confirmed,
	}
	row.XAccel, row.YAccel, row.ZAccel = components(p.Accel)
	row.XGyro, row.YGyro, row.ZGyro = components(p.Gyro)
	row.XMag, row.YMag, row.ZMag = components(p.Mag)
	if p.Pose != nil {
		row.RollPose = telemetry.Float(p.Pose.Roll)
		row.PitchPose = telemetry.Float(p.Pose.Pitch)
		row.YawPose = telemetry.Float(p.Pose.Yaw)
		row.HeadingAccuracy = telemetry.Float(p.Pose.HeadingAccuracy)
	}
	return row
}

// GPSRowOf converts a GPS record. A corrupt status word is an error.
func GPSRowOf(rec *telemetry.Record) (GPSRow, error) {
	p := rec.GPS
	st, err := codec.DecodeStatus(p.Status)
	if err != nil {
		return GPSRow{}, fmt.Errorf("gps line %d: %w", rec.LineNo, err)
	}
	return GPSRow{
		LineNo:     rec.LineNo,
		DeviceID:   rec.Device.String(),
		CaptureMs:  rec.CaptureTime.UnixMilli(),
		ExternalMs: externalMs(rec),
		Sequence:   int64(rec.Sequence),
		Lat:        p.Lat,
		Lon:        p.Lon,
		Alt:        p.Alt,
		Speed:      p.Speed,
		Track:      p.Track,
		HDOP:       p.HDOP,
		Status:     int64(p.Status),
		FixStatus:  int32(st.FixStatus),
		Satellites: int32(st.Satellites),
		Valid:      st.Valid,
		Uploaded:   rec.Uploaded,
		Confirmed:  rec.Confirmed,
	}, nil
}

// =============================================================================
// Writer
// =============================================================================

// Writer writes rows of type T to a Parquet file.
type Writer[T any] struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[T]
	rowCount int64
	closed   bool
}

// NewWriter creates a Parquet writer at path.
func NewWriter[T any](path string, opts Options) (*Writer[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[T](f, parquet.Compression(getCompression(opts.Compression)))

	return &Writer[T]{path: path, file: f, writer: writer}, nil
}

// Write writes rows to the file.
func (w *Writer[T]) Write(rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the file.
func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer[T]) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer[T]) Path() string {
	return w.path
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// =============================================================================
// Export
// =============================================================================

// Scanner pages through a table in line order.
type Scanner interface {
	Scan(ctx context.Context, kind telemetry.Kind, afterLineNo int64, limit int) ([]telemetry.Record, error)
}

// Export writes every row of kind after afterLineNo to path and returns the
// number of rows written.
func Export(ctx context.Context, s Scanner, kind telemetry.Kind, path string, afterLineNo int64, opts Options) (int64, error) {
	if opts.PageRows <= 0 {
		opts.PageRows = DefaultOptions().PageRows
	}

	switch kind {
	case telemetry.KindIMU:
		return export(ctx, s, kind, path, afterLineNo, opts, func(r *telemetry.Record) (IMURow, error) {
			return IMURowOf(r), nil
		})
	case telemetry.KindGPS:
		return export(ctx, s, kind, path, afterLineNo, opts, GPSRowOf)
	default:
		return 0, fmt.Errorf("export %s: unsupported kind", kind)
	}
}

func export[T any](ctx context.Context, s Scanner, kind telemetry.Kind, path string, after int64,
	opts Options, convert func(*telemetry.Record) (T, error)) (int64, error) {

	w, err := NewWriter[T](path, opts)
	if err != nil {
		return 0, err
	}
	defer w.Close()

	for {
		recs, err := s.Scan(ctx, kind, after, opts.PageRows)
		if err != nil {
			return w.RowCount(), err
		}
		if len(recs) == 0 {
			break
		}

		rows := make([]T, len(recs))
		for i := range recs {
			if rows[i], err = convert(&recs[i]); err != nil {
				return w.RowCount(), err
			}
		}
		if err := w.Write(rows); err != nil {
			return w.RowCount(), err
		}
		after = recs[len(recs)-1].LineNo
	}

	if err := w.Close(); err != nil {
		return w.RowCount(), err
	}
	log.Info("exported", "kind", kind.String(), "path", path, "rows", w.RowCount())
	return w.RowCount(), nil
}

// ReadFile reads every row of a file written by Export.
func ReadFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && n != len(rows) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows[:n], nil
}
