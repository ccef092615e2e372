package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/chronicle/internal/cli"
	"horse.fit/chronicle/internal/embed"
	"horse.fit/chronicle/internal/signature"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Second, "Health check timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, logger, err := loadRuntime(envLoader)
	if err != nil {
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := connectPool(ctx, cfg, logger)
	if err != nil {
		return 1
	}
	defer pool.Close()

	healthy := true

	if err := pool.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("database ping failed")
		fmt.Fprintf(os.Stderr, "database: %v\n", err)
		healthy = false
	} else {
		fmt.Println("ok: database ping successful")
	}

	ner := signature.NewHTTPRecognizer(cfg.NEREndpoint, time.Duration(cfg.NERTimeoutSeconds)*time.Second)
	if err := ner.Ready(ctx); err != nil {
		logger.Error().Err(err).Str("endpoint", cfg.NEREndpoint).Msg("ner service unreachable")
		fmt.Fprintf(os.Stderr, "ner: %v\n", err)
		healthy = false
	} else {
		fmt.Println("ok: ner service reachable")
	}

	embedder, err := embed.FromConfig(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("embedding provider misconfigured")
		fmt.Fprintf(os.Stderr, "embeddings: %v\n", err)
		healthy = false
	} else if err := embedder.Ready(ctx); err != nil {
		logger.Error().Err(err).Msg("embedding provider unreachable")
		fmt.Fprintf(os.Stderr, "embeddings: %v\n", err)
		healthy = false
	} else {
		fmt.Println("ok: embedding provider reachable")
	}

	if !healthy {
		return 1
	}
	return 0
}
