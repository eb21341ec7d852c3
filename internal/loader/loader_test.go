package loader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/trucklog/config"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

func TestDefaultsValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	rc := cfg.RelayConfig()
	if rc.BatchSize != config.DefaultRelayBatchSize {
		t.Errorf("batch size = %d", rc.BatchSize)
	}
	if cfg.Intervals()[telemetry.KindGPS] != time.Second {
		t.Errorf("gps interval = %v", cfg.Intervals()[telemetry.KindGPS])
	}
	dev, err := cfg.DeviceID()
	if err != nil || dev != 0x12367ABCABAB {
		t.Errorf("device = %v, %v", dev, err)
	}
}

func TestLoadFileWithEnv(t *testing.T) {
	t.Setenv("TRUCKLOG_TEST_TOKEN", "s3cret")

	yml := `
device:
  id: "0xBEEF"
store:
  driver: duckdb
  path: /var/lib/trucklog/rows.duckdb
capture:
  imu_interval: 50ms
  gps_interval: 2
relay:
  address: collector.example:50051
  token: ${TRUCKLOG_TEST_TOKEN}
  batch_size: 100
  backoff:
    initial: 500ms
    max: 1m
collector:
  tokens: [a, b]
  confirm_on_ack: true
logging:
  level: debug
  json: true
`
	path := filepath.Join(t.TempDir(), "trucklog.yaml")
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"token", cfg.Relay.Token, "s3cret"},
		{"driver", cfg.StoreConfig().Driver, "duckdb"},
		{"imu interval", cfg.Capture.IMUInterval.Duration(), 50 * time.Millisecond},
		{"gps interval (plain seconds)", cfg.Capture.GPSInterval.Duration(), 2 * time.Second},
		{"batch size", cfg.RelayConfig().BatchSize, 100},
		{"backoff max", cfg.RelayConfig().BackoffMax, time.Minute},
		{"send timeout default kept", cfg.RelayConfig().SendTimeout, config.DefaultRelaySendTimeoutMs * time.Millisecond},
		{"confirm on ack", cfg.ServerConfig("v").ConfirmOnAck, true},
		{"tokens", len(cfg.ServerConfig("v").Tokens), 2},
		{"json", cfg.Logging.JSON, true},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	cc := cfg.ClientConfig(telemetry.DeviceID(0xBEEF), "v1")
	if cc.Addr != "collector.example:50051" || cc.Token != "s3cret" || cc.Device != 0xBEEF {
		t.Errorf("client config = %+v", cc)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := Parse([]byte("relay:\n  adress: typo:1\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestParseBadDuration(t *testing.T) {
	_, err := Parse([]byte("relay:\n  interval: soon\n"))
	if err == nil {
		t.Fatal("bad duration accepted")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	tests := []struct {
		name  string
		yml   string
		field string
	}{
		{"device id", "device:\n  id: not-a-number\n", "device.id"},
		{"driver", "store:\n  driver: postgres\n", "store.driver"},
		{"empty path", "store:\n  path: \"\"\n", "store.path"},
		{"source", "capture:\n  source: i2c\n", "capture.source"},
		{"batch size", "relay:\n  batch_size: 0\n", "relay.batch_size"},
		{"confirm retries", "relay:\n  confirm_retries: 0\n", "relay.confirm_retries"},
		{"backoff", "relay:\n  backoff:\n    initial: 2m\n    max: 1m\n", "relay.backoff"},
		{"backlog order", "relay:\n  backlog:\n    warning: 0.9\n", "relay.backlog"},
		{"log level", "logging:\n  level: loud\n", "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yml))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			err = Validate(cfg)
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !errors.IsValidation(err) {
				t.Errorf("error %v is not a validation error", err)
			}
			if !strings.Contains(err.Error(), tt.field) {
				t.Errorf("error %q does not name %s", err, tt.field)
			}
		})
	}
}

func TestRelayDisabledSkipsRelayChecks(t *testing.T) {
	cfg, err := Parse([]byte("relay:\n  enabled: false\n  address: \"\"\n  batch_size: 0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("Validate = %v", err)
	}
}
