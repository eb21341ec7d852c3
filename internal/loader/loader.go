// Package loader handles configuration file loading, validation, and
// conversion into the component configs.
//
// This package is responsible for:
//   - Loading YAML configuration files
//   - Expanding environment variables
//   - Validating the result
//   - Converting between YAML and internal representations
package loader

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xtxerr/trucklog/internal/client"
	"github.com/xtxerr/trucklog/internal/codec"
	"github.com/xtxerr/trucklog/internal/errors"
	"github.com/xtxerr/trucklog/internal/logging"
	"github.com/xtxerr/trucklog/internal/relay"
	"github.com/xtxerr/trucklog/internal/scheduler"
	"github.com/xtxerr/trucklog/internal/server"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

// =============================================================================
// Load
// =============================================================================

// Load loads configuration from a YAML file. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration over the defaults. ${VAR} references are
// expanded from the environment first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// =============================================================================
// Validate
// =============================================================================

// Validate validates the configuration.
func Validate(cfg *Config) error {
	errs := errors.NewValidationErrors()

	// Device
	if _, err := telemetry.ParseDeviceID(cfg.Device.ID); err != nil {
		errs.AddField("device.id", err.Error())
	}
	if cfg.Device.StaticPressureHPa <= 0 {
		errs.AddField("device.static_pressure_hpa", "must be positive")
	}

	// Store
	switch cfg.Store.Driver {
	case store.DriverSQLite, store.DriverDuckDB:
	default:
		errs.AddField("store.driver", fmt.Sprintf("unsupported driver %q", cfg.Store.Driver))
	}
	if cfg.Store.Path == "" {
		errs.AddMissing("store.path")
	}

	// Capture
	if cfg.Capture.Source != "fake" {
		errs.AddField("capture.source", fmt.Sprintf("unknown source %q", cfg.Capture.Source))
	}
	if cfg.Capture.IMUInterval <= 0 {
		errs.AddField("capture.imu_interval", "must be positive")
	}
	if cfg.Capture.GPSInterval <= 0 {
		errs.AddField("capture.gps_interval", "must be positive")
	}
	if cfg.Capture.Workers < 1 {
		errs.AddField("capture.workers", "must be at least 1")
	}
	if cfg.Capture.NotReadyEvery < 0 {
		errs.AddField("capture.not_ready_every", "cannot be negative")
	}

	// Relay
	if cfg.Relay.Enabled {
		if cfg.Relay.Address == "" {
			errs.AddMissing("relay.address")
		}
		if cfg.Relay.Interval <= 0 {
			errs.AddField("relay.interval", "must be positive")
		}
		if cfg.Relay.BatchSize < 1 {
			errs.AddField("relay.batch_size", "must be at least 1")
		}
		if cfg.Relay.ConfirmRetries < 1 {
			errs.AddField("relay.confirm_retries", "must be at least 1")
		}
		if cfg.Relay.CompressAbove < 0 {
			errs.AddField("relay.compress_above", "cannot be negative")
		}
		if cfg.Relay.Backoff.Initial <= 0 || cfg.Relay.Backoff.Max < cfg.Relay.Backoff.Initial {
			errs.AddField("relay.backoff", "need 0 < initial <= max")
		}
		validateBacklog(errs, &cfg.Relay.Backlog)
	}

	// Logging
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		errs.AddField("logging.level", err.Error())
	}

	return errs.Err()
}

func validateBacklog(errs *errors.ValidationErrors, b *BacklogConfig) {
	if b.Capacity < 1 {
		errs.AddField("relay.backlog.capacity", "must be at least 1")
	}
	if !(0 < b.Warning && b.Warning < b.Critical && b.Critical < b.Emergency && b.Emergency <= 1) {
		errs.AddField("relay.backlog", "need 0 < warning < critical < emergency <= 1")
	}
	if b.Hysteresis < 0 || b.Hysteresis >= b.Warning {
		errs.AddField("relay.backlog.hysteresis", "must be in [0, warning)")
	}
}

// =============================================================================
// Conversion: Config → component configs
// =============================================================================

// DeviceID returns the parsed device id. Call after Validate.
func (c *Config) DeviceID() (telemetry.DeviceID, error) {
	return telemetry.ParseDeviceID(c.Device.ID)
}

// Codec returns the row codec for the device calibration.
func (c *Config) Codec() *codec.Codec {
	return codec.New(c.Device.StaticPressureHPa)
}

// StoreConfig converts the store section.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:       c.Store.Driver,
		Path:         c.Store.Path,
		BusyTimeout:  c.Store.BusyTimeout.Duration(),
		MaxOpenConns: c.Store.MaxOpenConns,
		MaxIdleConns: c.Store.MaxIdleConns,
		QueryTimeout: c.Store.QueryTimeout.Duration(),
	}
}

// SchedulerConfig converts the capture section.
func (c *Config) SchedulerConfig() *scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.Workers = c.Capture.Workers
	if c.Capture.QueueSize > 0 {
		cfg.QueueSize = c.Capture.QueueSize
		cfg.ResultsSize = c.Capture.QueueSize
	}
	if c.Capture.Timeout > 0 {
		cfg.JobTimeout = c.Capture.Timeout.Duration()
	}
	if c.Capture.DrainTimeout > 0 {
		cfg.DrainTimeout = c.Capture.DrainTimeout.Duration()
	}
	return cfg
}

// RelayConfig converts the relay section.
func (c *Config) RelayConfig() relay.Config {
	r := c.Relay
	return relay.Config{
		Interval:       r.Interval.Duration(),
		BatchSize:      r.BatchSize,
		SendTimeout:    r.SendTimeout.Duration(),
		ConfirmRetries: r.ConfirmRetries,
		BackoffInitial: r.Backoff.Initial.Duration(),
		BackoffMax:     r.Backoff.Max.Duration(),
		Backlog: relay.BacklogConfig{
			Capacity:   r.Backlog.Capacity,
			Warning:    r.Backlog.Warning,
			Critical:   r.Backlog.Critical,
			Emergency:  r.Backlog.Emergency,
			Hysteresis: r.Backlog.Hysteresis,
		},
	}
}

// ClientConfig converts the relay section into the collector client's config.
func (c *Config) ClientConfig(device telemetry.DeviceID, version string) *client.Config {
	return &client.Config{
		Addr:           c.Relay.Address,
		Token:          c.Relay.Token,
		Device:         device,
		Version:        version,
		TLS:            c.Relay.TLS,
		TLSSkipVerify:  c.Relay.TLSSkipVerify,
		ConnectTimeout: c.Relay.ConnectTimeout.Duration(),
		CompressAbove:  c.Relay.CompressAbove,
	}
}

// ServerConfig converts the collector section.
func (c *Config) ServerConfig(version string) *server.Config {
	col := c.Collector
	return &server.Config{
		Listen:                 col.Listen,
		TLSCertFile:            col.TLSCertFile,
		TLSKeyFile:             col.TLSKeyFile,
		Tokens:                 col.Tokens,
		HelloTimeout:           col.HelloTimeout.Duration(),
		HelloFailuresPerMinute: col.HelloFailuresPerMinute,
		ConfirmOnAck:           col.ConfirmOnAck,
		Version:                version,
	}
}

// Intervals returns the capture cadence per kind.
func (c *Config) Intervals() map[telemetry.Kind]time.Duration {
	return map[telemetry.Kind]time.Duration{
		telemetry.KindIMU: c.Capture.IMUInterval.Duration(),
		telemetry.KindGPS: c.Capture.GPSInterval.Duration(),
	}
}
