package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/pnlbloom/pnl-engine/internal/config"
)

func newRootCmd() *cobra.Command {
	var level string

	root := &cobra.Command{
		Use:           "pnlctl",
		Short:         "Reconstruct trades, equity and drawdowns from exchange events",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			l, err := config.ParseLevel(level)
			if err != nil {
				return err
			}
			// Logs go to stderr so stdout stays machine-readable.
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&level, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRecomputeCmd(),
		newPublishCmd(),
		newMigrateCmd(),
	)
	return root
}
