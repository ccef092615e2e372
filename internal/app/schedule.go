package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/cli"
	"horse.fit/chronicle/internal/cluster"
	"horse.fit/chronicle/internal/config"
	"horse.fit/chronicle/internal/daily"
	"horse.fit/chronicle/internal/db"
	"horse.fit/chronicle/internal/digest"
	"horse.fit/chronicle/internal/embed"
	"horse.fit/chronicle/internal/globaltime"
	"horse.fit/chronicle/internal/narrative"
	"horse.fit/chronicle/internal/scrape"
	"horse.fit/chronicle/internal/signature"
)

func runSchedule(args []string) int {
	fs := flag.NewFlagSet("schedule", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	hour := fs.Int("hour", -1, "UTC hour to fire at (overrides SCHEDULE_HOUR_UTC)")
	cycleTimeout := fs.Duration("cycle-timeout", time.Hour, "Timeout for one scrape+daily+digest cycle")
	runNow := fs.Bool("run-now", false, "Run one cycle immediately before waiting")

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

	fireHour := cfg.ScheduleHourUTC
	if *hour >= 0 {
		fireHour = *hour
	}
	if fireHour < 0 || fireHour > 23 {
		fmt.Fprintln(os.Stderr, "--hour must be between 0 and 23")
		return 2
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	pool, err := connectPool(dbCtx, cfg, logger)
	if err != nil {
		return 1
	}
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info().Int("hour_utc", fireHour).Msg("scheduler started")

	if *runNow {
		runCycle(ctx, cfg, pool, logger, *cycleTimeout)
	}

	for {
		now := globaltime.UTC()
		next := nextFireTime(now, fireHour)
		logger.Info().Time("next_run", next).Msg("scheduler waiting")

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Info().Msg("scheduler stopped")
			return 0
		case <-timer.C:
		}

		runCycle(ctx, cfg, pool, logger, *cycleTimeout)
	}
}

// nextFireTime returns the next instant at hour:00 UTC strictly after now.
func nextFireTime(now time.Time, hour int) time.Time {
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// runCycle executes one scrape + daily + digest sequence. Failures are
// logged and the daemon keeps running; a failed scrape still lets the
// daily pass work on whatever is already stored.
func runCycle(parent context.Context, cfg *config.Config, pool *db.Pool, logger zerolog.Logger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	scraper := scrape.NewScraper(cfg, logger)
	if result, err := scraper.Run(ctx, pool, scrape.DefaultSources()); err != nil {
		logger.Error().Err(err).Msg("scheduled scrape failed")
	} else {
		logger.Info().
			Int("discovered", result.Discovered).
			Int("inserted", result.Inserted).
			Int("duplicates", result.Duplicates).
			Int("failed", result.Failed).
			Msg("scheduled scrape complete")
	}

	embedder, err := embed.FromConfig(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("embedding provider misconfigured, skipping daily pass")
		return
	}
	ner := signature.NewHTTPRecognizer(cfg.NEREndpoint, time.Duration(cfg.NERTimeoutSeconds)*time.Second)
	builder := signature.NewBuilder(ner, logger)
	detector := cluster.NewDetector(pool, embedder, builder, logger)
	generator := narrative.NewOpenAIClient(cfg)
	service := daily.NewService(pool, detector, generator, logger)

	result, err := service.Run(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("scheduled daily pass failed")
		return
	}
	logger.Info().
		Int("articles", result.ArticlesSeen).
		Int("conflicts_created", result.ConflictsCreated).
		Int("episodes", result.EpisodesWritten).
		Ints64("failed_conflicts", result.FailedConflicts).
		Msg("scheduled daily pass complete")

	day := globaltime.Today()
	episodes, err := pool.ListEpisodesForDay(ctx, day)
	if err != nil {
		logger.Error().Err(err).Msg("scheduled digest query failed")
		return
	}
	mailer := digest.NewMailer(cfg, logger)
	if err := mailer.SendDaily(ctx, db.FormatDay(day), episodes); err != nil {
		logger.Error().Err(err).Msg("scheduled digest send failed")
		return
	}
	logger.Info().Str("day", db.FormatDay(day)).Int("episodes", len(episodes)).Msg("scheduled digest sent")
}
