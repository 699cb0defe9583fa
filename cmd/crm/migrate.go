package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tresgarza/may20-crm-final-sub000/internal/history"
	"github.com/tresgarza/may20-crm-final-sub000/internal/store"
)

func (a *app) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the applications and history tables",
		Long: `Create the applications and application_status_history tables and their
indexes in the database named by store.dsn_env. Statements are idempotent.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return fmt.Errorf("migrate requires store.driver postgres, got %q", cfg.Store.Driver)
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg.Store)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.Migrate(ctx, pool); err != nil {
				return err
			}
			if err := history.Migrate(ctx, pool); err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, "migrations applied")
			return nil
		},
	}
}
