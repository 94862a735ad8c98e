package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"escrowdesk/config"
	"escrowdesk/db"
)

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE:  runE(migrateRun),
	}
}

func migrateRun(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return fmt.Errorf("config: database url is required")
	}
	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
	if err != nil {
		return err
	}
	defer pool.Close()

	applied, err := db.Migrate(cmd.Context(), pool)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		logger.Info("schema up to date", "component", "migrate")
		return nil
	}
	logger.Info("migrations applied", "component", "migrate", "versions", strings.Join(applied, ","))
	return nil
}
