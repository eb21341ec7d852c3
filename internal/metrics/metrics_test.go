package metrics

import (
	"context"
	"testing"

	dto "github.com/prometheus/client_model/go"

	"github.com/xtxerr/trucklog/internal/capture"
	"github.com/xtxerr/trucklog/internal/relay"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
	"github.com/xtxerr/trucklog/internal/testutil"
)

// value finds the metric in families whose labels include all of want.
func value(families []*dto.MetricFamily, name string, want map[string]string) (float64, bool) {
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue(), true
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestCollectorReadsSources(t *testing.T) {
	s := testutil.NewStore(t, "metrics.db")
	ctx := context.Background()

	imuStats := &capture.Stats{}
	c := &capture.IMUCapture{
		Device:   telemetry.DeviceID(7),
		Source:   &capture.FakeIMU{NotReadyEvery: 3},
		Appender: store.NewAllocator(s),
		Stats:    imuStats,
	}
	for i := 0; i < 4; i++ {
		if _, err := c.Capture(ctx); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.MarkUploaded(ctx, telemetry.KindIMU, 1); err != nil {
		t.Fatal(err)
	}

	co := relay.NewCoordinator(s, nil, relay.DefaultConfig())
	reg := NewRegistry(NewCollector(Sources{
		Store:   s,
		Capture: map[telemetry.Kind]*capture.Stats{telemetry.KindIMU: imuStats},
		Relay:   co,
	}))

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	tests := []struct {
		name   string
		labels map[string]string
		want   float64
	}{
		{"trucklog_store_rows", map[string]string{"kind": "imu", "state": "pending"}, 3},
		{"trucklog_store_rows", map[string]string{"kind": "imu", "state": "uploaded"}, 1},
		{"trucklog_store_rows", map[string]string{"kind": "imu", "state": "confirmed"}, 0},
		{"trucklog_store_rows", map[string]string{"kind": "gps", "state": "pending"}, 0},
		{"trucklog_store_last_line_no", map[string]string{"kind": "imu"}, 4},
		{"trucklog_store_up", nil, 1},
		{"trucklog_captures_total", map[string]string{"kind": "imu", "outcome": "captured"}, 4},
		{"trucklog_relay_cycles_total", nil, 0},
		{"trucklog_relay_rows_total", map[string]string{"transition": "resent"}, 0},
		{"trucklog_relay_backlog_level", nil, 0},
	}
	for _, tt := range tests {
		got, ok := value(families, tt.name, tt.labels)
		if !ok {
			t.Errorf("%s%v missing", tt.name, tt.labels)
			continue
		}
		if got != tt.want {
			t.Errorf("%s%v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}

	if _, ok := value(families, "trucklog_relay_round_trip_ms", nil); ok {
		t.Error("latency reported before any batch was sent")
	}
	if _, ok := value(families, "trucklog_collector_batches_total", nil); ok {
		t.Error("collector metrics reported without a collector")
	}
}

func TestStoreDownReported(t *testing.T) {
	s := testutil.NewStore(t, "metrics.db")
	s.Close()

	reg := NewRegistry(NewCollector(Sources{Store: s}))
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if got, ok := value(families, "trucklog_store_up", nil); !ok || got != 0 {
		t.Errorf("store_up = %v (present %v), want 0", got, ok)
	}
}
