package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/pnlbloom/pnl-engine/internal/store"
)

func newMigrateCmd() *cobra.Command {
	var dbURL string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbURL == "" {
				return fmt.Errorf("--database-url or DATABASE_URL is required")
			}
			pool, err := pgxpool.New(cmd.Context(), dbURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			if err := store.NewPostgresStore(pool).Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
	cmd.Flags().StringVar(&dbURL, "database-url", envOr("DATABASE_URL", ""), "PostgreSQL connection string")
	return cmd
}
