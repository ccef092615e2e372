package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/chronicle/internal/cli"
	"horse.fit/chronicle/internal/scrape"
)

func runScrape(args []string) int {
	fs := flag.NewFlagSet("scrape", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Overall scrape timeout")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "scrape does not accept positional arguments")
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

	scraper := scrape.NewScraper(cfg, logger)
	result, err := scraper.Run(ctx, pool, scrape.DefaultSources())
	if err != nil {
		logger.Error().Err(err).Msg("scrape run failed")
		fmt.Fprintf(os.Stderr, "Scrape failed: %v\n", err)
		return 1
	}

	logger.Info().
		Int("discovered", result.Discovered).
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Int("failed", result.Failed).
		Msg("scrape run complete")
	fmt.Printf("discovered=%d inserted=%d duplicates=%d failed=%d\n",
		result.Discovered, result.Inserted, result.Duplicates, result.Failed)
	return 0
}
