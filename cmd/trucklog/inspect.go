package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xtxerr/trucklog/internal/export"
	"github.com/xtxerr/trucklog/internal/store"
	"github.com/xtxerr/trucklog/internal/telemetry"
)

func pendingCMD(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show row counts per lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			st, err := store.New(cfg.StoreConfig())
			if err != nil {
				return err
			}
			defer st.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KIND\tTOTAL\tPENDING\tUPLOADED\tCONFIRMED\tLAST LINE")
			for _, kind := range telemetry.Kinds() {
				c, err := st.Counts(cmd.Context(), kind)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\n", kind, c.Total, c.Pending, c.Unconfirmed,
					c.Total-c.Pending-c.Unconfirmed, c.MaxLineNo)
			}
			return tw.Flush()
		},
	}
}

func exportCMD(g *globalFlags) *cobra.Command {
	var kindName, out, compression string
	var after int64

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write stored rows of one kind to a Parquet file",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := telemetry.ParseKind(kindName)
			if err != nil {
				return err
			}
			ct, err := export.ParseCompressionType(compression)
			if err != nil {
				return err
			}
			if out == "" {
				out = kind.String() + ".parquet"
			}

			cfg, err := g.load()
			if err != nil {
				return err
			}
			st, err := store.New(cfg.StoreConfig())
			if err != nil {
				return err
			}
			defer st.Close()

			opts := export.DefaultOptions()
			opts.Compression = ct
			n, err := export.Export(cmd.Context(), st, kind, out, after, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d %s rows to %s\n", n, kind, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", "imu", "row kind: imu or gps")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default <kind>.parquet)")
	cmd.Flags().Int64Var(&after, "after", 0, "only rows with a line number above this")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "zstd, snappy, gzip or none")
	return cmd
}
