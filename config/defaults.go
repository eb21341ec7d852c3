// Package config provides configuration defaults and utilities
// for the trucklog application.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or environment variables.
package config

import "time"

// =============================================================================
// Device Defaults
// =============================================================================

const (
	// DefaultDeviceID is used when neither config nor flags name a device.
	// Override via config: device.id
	DefaultDeviceID = "0x12367ABCABAB"

	// DefaultStaticPressureHPa is the sea-level reference pressure used to
	// derive altitude from barometric pressure.
	// Override via config: device.static_pressure_hpa
	DefaultStaticPressureHPa = 1013.25
)

// =============================================================================
// Store Defaults
// =============================================================================

const (
	// DefaultStoreDriver is the embedded SQL engine for the local buffer.
	// Supported: "sqlite", "duckdb".
	// Override via config: store.driver
	DefaultStoreDriver = "sqlite"

	// DefaultStorePath is the local buffer database file.
	// Override via config: store.path
	DefaultStorePath = "trucklog.db"

	// DefaultBusyTimeoutMs is how long sqlite waits on a locked database.
	// Override via config: store.busy_timeout_ms
	DefaultBusyTimeoutMs = 5000

	// DefaultQueryTimeout bounds a single store statement.
	DefaultQueryTimeout = 10 * time.Second
)

// =============================================================================
// Capture Defaults
// =============================================================================

const (
	// DefaultIMUIntervalMs is the inertial capture cadence.
	// Override via config: capture.imu_interval_ms
	DefaultIMUIntervalMs = 100

	// DefaultGPSIntervalMs is the GPS capture cadence.
	// Override via config: capture.gps_interval_ms
	DefaultGPSIntervalMs = 1000

	// DefaultCaptureWorkers is the number of concurrent capture workers.
	// One worker per source is enough; extra workers only help when a
	// source blocks.
	// Override via config: capture.workers
	DefaultCaptureWorkers = 4

	// DefaultCaptureQueueSize is the capture job queue capacity.
	DefaultCaptureQueueSize = 64

	// DefaultSchedulerTickInterval is how often the scheduler checks for due captures.
	DefaultSchedulerTickInterval = 10 * time.Millisecond

	// DefaultCaptureTimeout bounds one sensor read plus its append.
	DefaultCaptureTimeout = 5 * time.Second

	// DefaultDrainTimeoutSec is how long to wait for in-flight captures during shutdown.
	DefaultDrainTimeoutSec = 10
)

// =============================================================================
// Relay Defaults
// =============================================================================

const (
	// DefaultRelayAddress is the collector address.
	// Override via config: relay.address
	DefaultRelayAddress = "127.0.0.1:50051"

	// DefaultRelayIntervalMs is the time between relay cycles.
	// Override via config: relay.interval_ms
	DefaultRelayIntervalMs = 5000

	// DefaultRelayBatchSize is the maximum rows per batch.
	// 940 matches the batch size the devices shipped with.
	// Override via config: relay.batch_size
	DefaultRelayBatchSize = 940

	// DefaultRelaySendTimeoutMs bounds one SendBatch round trip.
	// Override via config: relay.send_timeout_ms
	DefaultRelaySendTimeoutMs = 10000

	// DefaultRelayConfirmRetries is how many confirmation passes an uploaded
	// row may stay unconfirmed before it is sent again.
	// Override via config: relay.confirm_retries
	DefaultRelayConfirmRetries = 3

	// DefaultRelayConnectTimeoutMs bounds dialing the collector.
	DefaultRelayConnectTimeoutMs = 5000

	// DefaultBackoffInitialMs is the first retry delay after a transport error.
	// Override via config: relay.backoff.initial_ms
	DefaultBackoffInitialMs = 1000

	// DefaultBackoffMaxMs caps the retry delay. Retries never stop.
	// Override via config: relay.backoff.max_ms
	DefaultBackoffMaxMs = 5 * 60 * 1000

	// DefaultCompressAbove is the body size above which frames are zstd
	// compressed. Zero disables compression.
	// Override via config: relay.compress_above
	DefaultCompressAbove = 4096

	// DefaultMaxFrameSize limits one wire frame to prevent OOM.
	DefaultMaxFrameSize = 16 * 1024 * 1024
)

// =============================================================================
// Backlog Defaults
// =============================================================================

const (
	// DefaultBacklogCapacity is the pending row count treated as "full".
	// Levels are fractions of this capacity.
	// Override via config: relay.backlog.capacity
	DefaultBacklogCapacity = 1_000_000

	// DefaultBacklogWarning, Critical and Emergency are level thresholds.
	DefaultBacklogWarning   = 0.50
	DefaultBacklogCritical  = 0.80
	DefaultBacklogEmergency = 0.95

	// DefaultBacklogHysteresis is how far usage must fall below a
	// threshold before the level drops.
	DefaultBacklogHysteresis = 0.05
)

// =============================================================================
// Collector Defaults
// =============================================================================

const (
	// DefaultCollectorListen is the reference collector listen address.
	// Override via config: collector.listen
	DefaultCollectorListen = "127.0.0.1:50051"

	// DefaultHelloTimeoutSec is the time allowed for the hello frame after connect.
	DefaultHelloTimeoutSec = 10

	// DefaultHelloFailuresPerMinute is the max failed hellos per IP per minute.
	DefaultHelloFailuresPerMinute = 5
)

// =============================================================================
// Metrics Defaults
// =============================================================================

const (
	// DefaultMetricsListen is where /metrics is served. Empty disables it.
	// Override via config: metrics.listen
	DefaultMetricsListen = ""
)
