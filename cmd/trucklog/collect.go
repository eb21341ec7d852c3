package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/trucklog/internal/metrics"
	"github.com/xtxerr/trucklog/internal/server"
	"github.com/xtxerr/trucklog/internal/store"
)

func collectCMD(g *globalFlags) *cobra.Command {
	var listen, storePath, metricsListen string
	var tokens []string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Run the reference collector that devices relay to",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Collector.Listen = listen
			}
			if storePath != "" {
				cfg.Collector.StorePath = storePath
			}
			if len(tokens) > 0 {
				cfg.Collector.Tokens = tokens
			}
			if metricsListen != "" {
				cfg.Metrics.Listen = metricsListen
			}

			var sink server.Sink
			var st *store.Store
			if cfg.Collector.StorePath != "" {
				sc := cfg.StoreConfig()
				sc.Path = cfg.Collector.StorePath
				if st, err = store.New(sc); err != nil {
					return err
				}
				defer st.Close()
				sink = server.NewStoreSink(st)
			} else {
				log.Warn("collector keeps rows in memory only")
				sink = server.NewMemorySink()
			}

			srv := server.New(cfg.ServerConfig(Version), sink)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error { return srv.Run(ctx) })

			if cfg.Metrics.Listen != "" {
				reg := metrics.NewRegistry(metrics.NewCollector(metrics.Sources{
					Store:     st,
					Collector: srv,
				}))
				eg.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Listen, reg) })
			}

			return eg.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&storePath, "store", "", "keep received rows in this database (overrides config)")
	cmd.Flags().StringSliceVar(&tokens, "token", nil, "accepted device token, repeatable (overrides config)")
	cmd.Flags().StringVar(&metricsListen, "metrics", "", "serve /metrics on this address (overrides config)")
	return cmd
}
