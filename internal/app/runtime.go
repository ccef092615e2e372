package app

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/cli"
	"horse.fit/chronicle/internal/config"
	"horse.fit/chronicle/internal/db"
	"horse.fit/chronicle/internal/logging"
)

// loadRuntime performs the shared command bootstrap: env file, config,
// logger. It prints its own errors; a non-nil error means exit code 1.
func loadRuntime(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, zerolog.Nop(), err
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return nil, zerolog.Nop(), err
	}

	return cfg, logger, nil
}

func connectPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*db.Pool, error) {
	pool, err := db.NewPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("database connection failed")
		fmt.Fprintf(os.Stderr, "Failed to connect to database: %v\n", err)
		return nil, err
	}
	return pool, nil
}
