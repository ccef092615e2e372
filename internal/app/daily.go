package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/chronicle/internal/cli"
	"horse.fit/chronicle/internal/cluster"
	"horse.fit/chronicle/internal/daily"
	"horse.fit/chronicle/internal/embed"
	"horse.fit/chronicle/internal/narrative"
	"horse.fit/chronicle/internal/signature"
)

func runDaily(args []string) int {
	fs := flag.NewFlagSet("daily", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Minute, "Overall pass timeout")
	window := fs.Duration("window", daily.DefaultWindow, "Article lookback window")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "daily does not accept positional arguments")
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

	embedder, err := embed.FromConfig(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("embedding provider misconfigured")
		fmt.Fprintf(os.Stderr, "Failed to configure embeddings: %v\n", err)
		return 1
	}
	ner := signature.NewHTTPRecognizer(cfg.NEREndpoint, time.Duration(cfg.NERTimeoutSeconds)*time.Second)
	builder := signature.NewBuilder(ner, logger)
	detector := cluster.NewDetector(pool, embedder, builder, logger)
	generator := narrative.NewOpenAIClient(cfg)

	service := daily.NewService(pool, detector, generator, logger)
	service.SetWindow(*window)

	result, err := service.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("daily pass failed")
		fmt.Fprintf(os.Stderr, "Daily pass failed: %v\n", err)
		return 1
	}

	logger.Info().
		Int("articles", result.ArticlesSeen).
		Int("conflicts_created", result.ConflictsCreated).
		Int("episodes", result.EpisodesWritten).
		Ints64("failed_conflicts", result.FailedConflicts).
		Msg("daily pass complete")
	fmt.Printf("articles=%d created=%d episodes=%d failed=%d\n",
		result.ArticlesSeen, result.ConflictsCreated, result.EpisodesWritten, len(result.FailedConflicts))

	if len(result.FailedConflicts) > 0 {
		return 1
	}
	return 0
}
