package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/chronicle/internal/cli"
	"horse.fit/chronicle/internal/db"
	"horse.fit/chronicle/internal/digest"
	"horse.fit/chronicle/internal/globaltime"
)

func runDigest(args []string) int {
	fs := flag.NewFlagSet("digest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 2*time.Minute, "Command timeout")
	date := fs.String("date", "", "Target date in YYYY-MM-DD (UTC), defaults to today")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "digest does not accept positional arguments")
		return 2
	}

	day := globaltime.Today()
	if raw := *date; raw != "" {
		parsed, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --date: %v\n", err)
			return 2
		}
		day = parsed
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

	episodes, err := pool.ListEpisodesForDay(ctx, day)
	if err != nil {
		logger.Error().Err(err).Msg("list episodes failed")
		fmt.Fprintf(os.Stderr, "Failed to load episodes: %v\n", err)
		return 1
	}

	mailer := digest.NewMailer(cfg, logger)
	if err := mailer.SendDaily(ctx, db.FormatDay(day), episodes); err != nil {
		logger.Error().Err(err).Msg("digest send failed")
		fmt.Fprintf(os.Stderr, "Failed to send digest: %v\n", err)
		return 1
	}

	fmt.Printf("digest sent for %s (%d episodes)\n", db.FormatDay(day), len(episodes))
	return 0
}
