package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/joseph-ayodele/bill-extractor/internal/common"
	repo "github.com/joseph-ayodele/bill-extractor/internal/repository"
)

var rootCmd = &cobra.Command{
	Use:   "extractord",
	Short: "Batch bill extraction service",
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the task store schema",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer repo.Close(db, logger)
		if err := repo.Migrate(cmd.Context(), db, logger); err != nil {
			return err
		}
		fmt.Println("Migrations applied successfully")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the task store is reachable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		db, err := openDB(cmd.Context(), cfg, logger)
		if err != nil {
			fmt.Printf("DB health: FAIL (%v)\n", err)
			return err
		}
		defer repo.Close(db, logger)
		fmt.Printf("DB health: OK (%s)\n", db.Dialect())
		return nil
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, checkCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*common.Config, *slog.Logger, error) {
	cfg, err := common.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func openDB(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repo.DB, error) {
	dbConfig := repo.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}
	db, err := repo.Open(ctx, dbConfig, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err, "driver", cfg.Database.Driver)
		return nil, err
	}
	if err := repo.HealthCheck(ctx, db, 5*time.Second, logger); err != nil {
		repo.Close(db, logger)
		return nil, err
	}
	return db, nil
}
