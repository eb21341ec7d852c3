// Package loader - Configuration Types
//
// Defines the YAML configuration structure for trucklog.
//
//   device:     identity and sensor calibration
//   store:      local row buffer (sqlite or duckdb)
//   capture:    sensor cadence and worker pool
//   relay:      collector address, batching, retry, backlog levels
//   collector:  reference collector (trucklog collect)
//   metrics:    Prometheus endpoint
//   logging:    level and format

package loader

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/trucklog/config"
)

// =============================================================================
// Root Configuration
// =============================================================================

// Config is the root configuration structure.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Store     StoreConfig     `yaml:"store"`
	Capture   CaptureConfig   `yaml:"capture"`
	Relay     RelayConfig     `yaml:"relay"`
	Collector CollectorConfig `yaml:"collector"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// =============================================================================
// Device
// =============================================================================

// DeviceConfig identifies this unit.
type DeviceConfig struct {
	// ID is the 64-bit device id: hex ("0x12367ABCABAB"), decimal, or a
	// UUID folded to 64 bits.
	ID string `yaml:"id"`

	// StaticPressureHPa is the sea-level reference for altitude.
	StaticPressureHPa float64 `yaml:"static_pressure_hpa"`
}

// =============================================================================
// Store
// =============================================================================

// StoreConfig configures the local buffer.
type StoreConfig struct {
	// Driver is "sqlite" or "duckdb".
	Driver string `yaml:"driver"`

	Path         string   `yaml:"path"`
	BusyTimeout  Duration `yaml:"busy_timeout"`
	QueryTimeout Duration `yaml:"query_timeout"`
	MaxOpenConns int      `yaml:"max_open_conns"`
	MaxIdleConns int      `yaml:"max_idle_conns"`
}

// =============================================================================
// Capture
// =============================================================================

// CaptureConfig configures the capture scheduler.
type CaptureConfig struct {
	// Source selects the sensor adapter. Only "fake" is built in.
	Source string `yaml:"source"`

	IMUInterval  Duration `yaml:"imu_interval"`
	GPSInterval  Duration `yaml:"gps_interval"`
	Workers      int      `yaml:"workers"`
	QueueSize    int      `yaml:"queue_size"`
	Timeout      Duration `yaml:"timeout"`
	DrainTimeout Duration `yaml:"drain_timeout"`

	// NotReadyEvery makes the fake IMU report not-ready every Nth read.
	NotReadyEvery int `yaml:"not_ready_every"`
}

// =============================================================================
// Relay
// =============================================================================

// RelayConfig configures uploads to the collector.
type RelayConfig struct {
	// Enabled turns the relay loop on. Capture runs either way.
	Enabled bool `yaml:"enabled"`

	Address       string `yaml:"address"`
	Token         string `yaml:"token"`
	TLS           bool   `yaml:"tls"`
	TLSSkipVerify bool   `yaml:"tls_skip_verify"`

	Interval       Duration `yaml:"interval"`
	BatchSize      int      `yaml:"batch_size"`
	SendTimeout    Duration `yaml:"send_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout"`
	CompressAbove  int      `yaml:"compress_above"`
	ConfirmRetries int      `yaml:"confirm_retries"`

	Backoff BackoffConfig `yaml:"backoff"`
	Backlog BacklogConfig `yaml:"backlog"`
}

// BackoffConfig shapes retries after transport errors.
type BackoffConfig struct {
	Initial Duration `yaml:"initial"`
	Max     Duration `yaml:"max"`
}

// BacklogConfig sets pending-row levels as fractions of Capacity.
type BacklogConfig struct {
	Capacity   int64   `yaml:"capacity"`
	Warning    float64 `yaml:"warning"`
	Critical   float64 `yaml:"critical"`
	Emergency  float64 `yaml:"emergency"`
	Hysteresis float64 `yaml:"hysteresis"`
}

// =============================================================================
// Collector
// =============================================================================

// CollectorConfig configures the reference collector.
type CollectorConfig struct {
	Listen      string `yaml:"listen"`
	TLSCertFile string `yaml:"tls_cert"`
	TLSKeyFile  string `yaml:"tls_key"`

	// Tokens accepted from devices. Empty accepts any.
	Tokens []string `yaml:"tokens"`

	HelloTimeout           Duration `yaml:"hello_timeout"`
	HelloFailuresPerMinute int      `yaml:"hello_failures_per_minute"`
	ConfirmOnAck           bool     `yaml:"confirm_on_ack"`

	// StorePath is where received rows are kept. Empty keeps them in memory.
	StorePath string `yaml:"store_path"`
}

// =============================================================================
// Metrics / Logging
// =============================================================================

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the /metrics address. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:                config.DefaultDeviceID,
			StaticPressureHPa: config.DefaultStaticPressureHPa,
		},
		Store: StoreConfig{
			Driver:       config.DefaultStoreDriver,
			Path:         config.DefaultStorePath,
			BusyTimeout:  Duration(config.DefaultBusyTimeoutMs * time.Millisecond),
			QueryTimeout: Duration(config.DefaultQueryTimeout),
			MaxOpenConns: 8,
			MaxIdleConns: 2,
		},
		Capture: CaptureConfig{
			Source:       "fake",
			IMUInterval:  Duration(config.DefaultIMUIntervalMs * time.Millisecond),
			GPSInterval:  Duration(config.DefaultGPSIntervalMs * time.Millisecond),
			Workers:      config.DefaultCaptureWorkers,
			QueueSize:    config.DefaultCaptureQueueSize,
			Timeout:      Duration(config.DefaultCaptureTimeout),
			DrainTimeout: Duration(config.DefaultDrainTimeoutSec * time.Second),
		},
		Relay: RelayConfig{
			Enabled:        true,
			Address:        config.DefaultRelayAddress,
			Interval:       Duration(config.DefaultRelayIntervalMs * time.Millisecond),
			BatchSize:      config.DefaultRelayBatchSize,
			SendTimeout:    Duration(config.DefaultRelaySendTimeoutMs * time.Millisecond),
			ConnectTimeout: Duration(config.DefaultRelayConnectTimeoutMs * time.Millisecond),
			CompressAbove:  config.DefaultCompressAbove,
			ConfirmRetries: config.DefaultRelayConfirmRetries,
			Backoff: BackoffConfig{
				Initial: Duration(config.DefaultBackoffInitialMs * time.Millisecond),
				Max:     Duration(config.DefaultBackoffMaxMs * time.Millisecond),
			},
			Backlog: BacklogConfig{
				Capacity:   config.DefaultBacklogCapacity,
				Warning:    config.DefaultBacklogWarning,
				Critical:   config.DefaultBacklogCritical,
				Emergency:  config.DefaultBacklogEmergency,
				Hysteresis: config.DefaultBacklogHysteresis,
			},
		},
		Collector: CollectorConfig{
			Listen:                 config.DefaultCollectorListen,
			HelloTimeout:           Duration(config.DefaultHelloTimeoutSec * time.Second),
			HelloFailuresPerMinute: config.DefaultHelloFailuresPerMinute,
		},
		Metrics: MetricsConfig{
			Listen: config.DefaultMetricsListen,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// =============================================================================
// Helper Types
// =============================================================================

// Duration is a time.Duration that can be unmarshaled from YAML.
// Supports: "100ms", "5s", "1m", or a plain integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if secs, err := strconv.Atoi(value.Value); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	dur, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
