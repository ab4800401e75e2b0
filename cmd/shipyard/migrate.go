package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/splax/shipyard/internal/app/migrate"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Database.Driver == "sqlite" {
				// The sqlite store migrates itself on open.
				store, err := a.openStore(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sqlite schema up to date")
				return store.Close()
			}
			runner, err := a.postgresMigrations()
			if err != nil {
				return err
			}
			return runner.Ensure(cmd.Context())
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := a.postgresMigrations()
			if err != nil {
				return err
			}
			return runner.Status(cmd.Context())
		},
	})
	var target int64
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the latest migration, or down to --to",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner, err := a.postgresMigrations()
			if err != nil {
				return err
			}
			return runner.Down(cmd.Context(), target)
		},
	}
	down.Flags().Int64Var(&target, "to", 0, "target version")
	cmd.AddCommand(down)
	return cmd
}

func (a *app) postgresMigrations() (migrate.Runner, error) {
	if a.cfg.Database.Driver != "postgres" {
		return migrate.Runner{}, errors.New("migrate status and down require database.driver=postgres")
	}
	return migrate.New(a.cfg.Database.DSN, a.cfg.Database.MigrationsDir, a.log)
}
