// trucklog captures vehicle telemetry into a local store and relays it to
// a remote collector.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtxerr/trucklog/internal/loader"
	"github.com/xtxerr/trucklog/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
	storePath  string
}

func main() {
	var g globalFlags

	root := &cobra.Command{
		Use:           "trucklog",
		Short:         "Capture vehicle telemetry and relay it to a collector",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (defaults only when empty)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	root.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "log as JSON")
	root.PersistentFlags().StringVar(&g.storePath, "db", "", "store database path (overrides config)")

	root.AddCommand(
		runCMD(&g),
		collectCMD(&g),
		pendingCMD(&g),
		exportCMD(&g),
		versionCMD(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// load reads the config, applies flag overrides, validates, and sets up
// logging.
func (g *globalFlags) load() (*loader.Config, error) {
	cfg, err := loader.Load(g.configPath)
	if err != nil {
		return nil, err
	}

	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logJSON {
		cfg.Logging.JSON = true
	}
	if g.storePath != "" {
		cfg.Store.Path = g.storePath
	}

	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}

	level, _ := logging.ParseLevel(cfg.Logging.Level)
	logging.Init(level, cfg.Logging.JSON)
	return cfg, nil
}

func versionCMD() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "trucklog", Version)
		},
	}
}
