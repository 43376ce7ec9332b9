package cli

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/seantiz/qgate/internal/config"
	"github.com/seantiz/qgate/internal/quota"
	pgquota "github.com/seantiz/qgate/internal/quota/postgres"
	"github.com/seantiz/qgate/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schemas and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("migrate sqlite: %w", err)
			}
			if err := db.Close(); err != nil {
				return err
			}
			logger.Info("sqlite schema up to date", "db_path", cfg.DBPath)

			if cfg.QuotaBackend != config.QuotaPostgres {
				return nil
			}
			if cfg.PostgresDSN == "" {
				return fmt.Errorf("QGATE_POSTGRES_DSN is required for the postgres quota backend")
			}
			ctx := cmd.Context()
			pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer pool.Close()
			limits := quota.Limits{DailyJobLimit: cfg.DailyJobLimit, DailyCostLimit: cfg.DailyCostLimit}
			if err := pgquota.New(pool, limits).EnsureSchema(ctx); err != nil {
				return fmt.Errorf("migrate postgres: %w", err)
			}
			logger.Info("postgres quota schema up to date")
			return nil
		},
	}
}
