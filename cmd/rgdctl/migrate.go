package main

import (
	"fmt"
	"log/slog"

	"github.com/resonantgeodata/rgd-jobs/internal/config"
	"github.com/resonantgeodata/rgd-jobs/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().String("dir", "", "Migrations directory (default: MIGRATIONS_DIR)")
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.Database.MigrationsDir
	}

	if err := store.RunMigrations(cfg.Database.URL, dir); err != nil {
		return err
	}
	slog.Info("database migrations applied", "dir", dir)
	_, _ = fmt.Fprintln(stdout(cmd), "migrations=ok")
	return nil
}
