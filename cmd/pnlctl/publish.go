package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pnlbloom/pnl-engine/internal/ingest"
)

func newPublishCmd() *cobra.Command {
	var (
		natsURL string
		subject string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "publish [files...]",
		Short: "Publish event files to the JetStream ingest subject",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nc, js, err := ingest.Connect(natsURL, slog.Default())
			if err != nil {
				return err
			}
			defer nc.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			for _, path := range args {
				payload, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				// Fail before publishing a payload the subscriber would terminate.
				if parsed, errs := ingest.ParseBatch(payload); len(parsed) == 0 && len(errs) > 0 {
					return fmt.Errorf("%s: %w", path, errs[0])
				}
				if err := ingest.Publish(ctx, js, subject, payload); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s to %s\n", path, subject)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", envOr("NATS_URL", "nats://localhost:4222"), "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", "pnl.events.cli", "subject to publish on")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall publish timeout")
	return cmd
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
