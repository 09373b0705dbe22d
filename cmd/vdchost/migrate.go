package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/config"
	"github.com/KarlKiel/ha-digitalstrom-vdc/internal/infrastructure/database"
	"github.com/KarlKiel/ha-digitalstrom-vdc/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the SQLite schema",
		Long: `migrate works on the database configured for the sqlite persistence
backend. Stop the host before rolling back: serve applies pending
migrations again on start.`,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "List applied and pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, func(ctx context.Context, db *database.DB) error {
					return printMigrations(ctx, cmd.OutOrStdout(), db)
				})
			},
		},
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, func(ctx context.Context, db *database.DB) error {
					if err := db.Migrate(ctx, migrations.FS); err != nil {
						return err
					}
					return printMigrations(ctx, cmd.OutOrStdout(), db)
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withDatabase(cmd, func(ctx context.Context, db *database.DB) error {
					if err := db.MigrateDown(ctx, migrations.FS); err != nil {
						return err
					}
					return printMigrations(ctx, cmd.OutOrStdout(), db)
				})
			},
		},
	)
	return cmd
}

// withDatabase opens the configured SQLite database for fn.
func withDatabase(cmd *cobra.Command, fn func(ctx context.Context, db *database.DB) error) error {
	cfg, err := config.LoadOrDefault(configPath(cmd))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Persistence.Backend != config.BackendSQLite {
		return fmt.Errorf("persistence.backend is %q, migrations need %q",
			cfg.Persistence.Backend, config.BackendSQLite)
	}

	ctx := cmd.Context()
	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return err
	}
	defer db.Close() //nolint:errcheck // Read-mostly, nothing to flush

	return fn(ctx, db)
}

func printMigrations(ctx context.Context, out io.Writer, db *database.DB) error {
	applied, pending, err := db.MigrationStatus(ctx, migrations.FS)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tSTATE\tDETAIL")
	for _, r := range applied {
		fmt.Fprintf(tw, "%s\tapplied\t%s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(tw, "%s\tpending\t%s\n", m.Version, m.Name)
	}
	return tw.Flush()
}
