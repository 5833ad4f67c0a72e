package main

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/trunov/photothumb/cmd/migrate"
)

func newMigrateCmd(e *env) *cobra.Command {
	var down bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations for the record catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.cfg.Database.DSN == "" {
				return errors.New("database.dsn is required")
			}
			if down {
				e.log.Info("rolling back last migration")
				return migrate.Rollback(cmd.Context(), e.cfg.Database.DSN, migrate.Migrations)
			}
			e.log.Info("applying migrations")
			return migrate.Migrate(cmd.Context(), e.cfg.Database.DSN, migrate.Migrations)
		},
	}

	cmd.Flags().BoolVar(&down, "down", false, "roll back the most recent migration")
	return cmd
}
