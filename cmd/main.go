/**
 * @description
 * This is the main entry point for the credit-service. The root command loads
 * configuration and logging; subcommands run the HTTP server (`serve`), apply the
 * schema (`migrate`), or run a single bonus expiry sweep (`sweep`).
 *
 * @dependencies
 * - github.com/spf13/cobra: Command line interface.
 * - github.com/joho/godotenv: Optional .env loading for local development.
 * - internal/config, internal/logging: Configuration and the global logger.
 */

package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/transfa/credit-service/internal/config"
	"github.com/transfa/credit-service/internal/logging"
	"github.com/transfa/credit-service/internal/store"
)

var cfg config.Config

var rootCmd = &cobra.Command{
	Use:           "credit-service",
	Short:         "Credit ledger and usage metering service",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil {
			log.Debug().Str("component", "bootstrap").Msg("no .env file found, using environment variables")
		}
		configPath, _ := cmd.Flags().GetString("config-path")
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().String("config-path", ".", "Directory holding an optional .env file")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Str("component", "bootstrap").Err(err).Msg("credit-service exited with error")
		os.Exit(1)
	}
}

// openDatabase establishes the PostgreSQL pool and returns the repository over it.
func openDatabase(ctx context.Context) (*pgxpool.Pool, *store.PostgresRepository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to stay compatible with transaction poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	log.Info().Str("component", "bootstrap").Msg("database connected")
	return pool, store.NewPostgresRepository(pool, cfg.InitialCreditBalance), nil
}
