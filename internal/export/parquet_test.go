package export

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/trucklog/internal/capture"
	"github.com/xtxerr/trucklog/internal/codec"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
	"github.com/xtxerr/trucklog/internal/testutil"
)

const device = telemetry.DeviceID(0xBEEF)

func TestExportIMU(t *testing.T) {
	s := testutil.NewStore(t, "export.db")
	ctx := context.Background()

	c := &capture.IMUCapture{Device: device, Source: &capture.FakeIMU{NotReadyEvery: 2}, Appender: store.NewAllocator(s)}
	for i := 0; i < 5; i++ {
		if _, err := c.Capture(ctx); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(t.TempDir(), "out", "imu.parquet")
	opts := DefaultOptions()
	opts.PageRows = 2 // forces several pages

	n, err := Export(ctx, s, telemetry.KindIMU, path, 0, opts)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if n != 5 {
		t.Fatalf("exported %d rows, want 5", n)
	}

	rows, err := ReadFile[IMURow](path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("read %d rows", len(rows))
	}
	for i, r := range rows {
		if r.LineNo != int64(i+1) || r.Sequence != int64(i) {
			t.Errorf("row %d line/seq = %d/%d", i, r.LineNo, r.Sequence)
		}
		if r.DeviceID != device.String() {
			t.Errorf("row %d device = %s", i, r.DeviceID)
		}
		notReady := i%2 == 1
		if (r.XAccel == nil) != notReady || (r.RollPose == nil) != notReady {
			t.Errorf("row %d inertial nulls wrong (not ready = %v)", i, notReady)
		}
		if r.TempCPU == nil || *r.TempCPU != 77.3 {
			t.Errorf("row %d cpu temp = %v", i, r.TempCPU)
		}
	}
	if rows[0].RollPose == nil || *rows[0].RollPose < 10.39 || *rows[0].RollPose > 10.41 {
		t.Errorf("roll = %v, want degrees", rows[0].RollPose)
	}
}

func TestExportGPSDecodesStatus(t *testing.T) {
	s := testutil.NewStore(t, "export.db")
	ctx := context.Background()

	c := &capture.GPSCapture{Device: device, Source: &capture.FakeGPS{StepDeg: 0.5}, Appender: store.NewAllocator(s)}
	for i := 0; i < 3; i++ {
		if _, err := c.Capture(ctx); err != nil {
			t.Fatal(err)
		}
	}

	path := filepath.Join(t.TempDir(), "gps.parquet")
	if _, err := Export(ctx, s, telemetry.KindGPS, path, 1, DefaultOptions()); err != nil {
		t.Fatal(err)
	}

	rows, err := ReadFile[GPSRow](path)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[0].LineNo != 2 {
		t.Fatalf("rows = %+v, want lines after 1", rows)
	}
	r := rows[1]
	if r.Satellites != 12 || r.FixStatus != 1 || !r.Valid {
		t.Errorf("decoded status = fix %d sats %d valid %v", r.FixStatus, r.Satellites, r.Valid)
	}
	if r.Status != int64(codec.PackStatus(1, 12, true, false, false)) {
		t.Errorf("raw status = %#x", r.Status)
	}
	if math.Abs(r.Lat-51.123456) > 1e-9 {
		t.Errorf("lat = %v", r.Lat)
	}
	if r.ExternalMs == nil {
		t.Error("satellite time missing")
	}
}

func TestGPSRowRejectsCorruptStatus(t *testing.T) {
	rec := &telemetry.Record{
		Kind: telemetry.KindGPS, LineNo: 4, Device: device,
		CaptureTime: time.UnixMilli(0),
		GPS:         &telemetry.GPSPayload{Status: 0xFF000000},
	}
	if _, err := GPSRowOf(rec); !errors.Is(err, errors.ErrInvalidStatusWord) {
		t.Errorf("GPSRowOf = %v, want ErrInvalidStatusWord", err)
	}
}

func TestWriterClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "closed.parquet")
	w, err := NewWriter[GPSRow](path, Options{Compression: CompressionNone})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Write([]GPSRow{{LineNo: 1}}); err != ErrWriterClosed {
		t.Errorf("Write after Close = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file missing: %v", err)
	}
}

func TestParseCompressionType(t *testing.T) {
	tests := []struct {
		in      string
		want    CompressionType
		wantErr bool
	}{
		{"", CompressionZstd, false},
		{"zstd", CompressionZstd, false},
		{"snappy", CompressionSnappy, false},
		{"gzip", CompressionGzip, false},
		{"none", CompressionNone, false},
		{"brotli", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseCompressionType(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseCompressionType(%q) = %v, %v", tt.in, got, err)
		}
	}
}
