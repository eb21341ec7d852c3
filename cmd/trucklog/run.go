package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/trucklog/internal/capture"
	"github.com/xtxerr/trucklog/internal/client"
	"github.com/xtxerr/trucklog/internal/loader"
	"github.com/xtxerr/trucklog/internal/metrics"
	"github.com/xtxerr/trucklog/internal/relay"
	"github.com/xtxerr/trucklog/internal/scheduler"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

func runCMD(g *globalFlags) *cobra.Command {
	var noRelay bool
	var metricsListen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture sensors into the local store and relay rows to the collector",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if noRelay {
				cfg.Relay.Enabled = false
			}
			if metricsListen != "" {
				cfg.Metrics.Listen = metricsListen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDevice(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&noRelay, "no-relay", false, "capture only, do not upload")
	cmd.Flags().StringVar(&metricsListen, "metrics", "", "serve /metrics on this address (overrides config)")
	return cmd
}

// runDevice runs capture, relay and metrics until ctx is done or one of
// them fails.
func runDevice(ctx context.Context, cfg *loader.Config) error {
	device, err := cfg.DeviceID()
	if err != nil {
		return err
	}

	log.Info("trucklog starting", "version", Version, "device", device.String(), "store", cfg.Store.Path)

	st, err := store.New(cfg.StoreConfig())
	if err != nil {
		return err
	}
	defer st.Close()

	// =========================================================================
	// Capture
	// =========================================================================

	alloc := store.NewAllocator(st)
	external := &capture.ExternalTime{}
	cd := cfg.Codec()
	captureStats := map[telemetry.Kind]*capture.Stats{
		telemetry.KindIMU: {},
		telemetry.KindGPS: {},
	}

	runner := capture.NewRunner(cfg.SchedulerConfig())
	intervals := cfg.Intervals()
	runner.Add(scheduler.SourceKey{Kind: telemetry.KindIMU, Device: device}, intervals[telemetry.KindIMU],
		&capture.IMUCapture{
			Device:   device,
			Source:   &capture.FakeIMU{NotReadyEvery: cfg.Capture.NotReadyEvery},
			Codec:    cd,
			Appender: alloc,
			External: external,
			Stats:    captureStats[telemetry.KindIMU],
		})
	runner.Add(scheduler.SourceKey{Kind: telemetry.KindGPS, Device: device}, intervals[telemetry.KindGPS],
		&capture.GPSCapture{
			Device:   device,
			Source:   &capture.FakeGPS{StepDeg: 0.0001},
			Codec:    cd,
			Appender: alloc,
			External: external,
			Stats:    captureStats[telemetry.KindGPS],
		})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })

	// =========================================================================
	// Relay
	// =========================================================================

	var co *relay.Coordinator
	if cfg.Relay.Enabled {
		c := client.New(cfg.ClientConfig(device, Version))
		defer c.Close()

		co = relay.NewCoordinator(st, c, cfg.RelayConfig())
		g.Go(func() error { return co.Run(ctx) })
	} else {
		log.Info("relay disabled, rows stay pending")
	}

	// =========================================================================
	// Metrics
	// =========================================================================

	if cfg.Metrics.Listen != "" {
		reg := metrics.NewRegistry(metrics.NewCollector(metrics.Sources{
			Store:   st,
			Capture: captureStats,
			Relay:   co,
		}))
		g.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Listen, reg) })
	}

	err = g.Wait()
	log.Info("trucklog stopped", "error", err)
	return err
}
