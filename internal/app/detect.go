package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/cli"
	"horse.fit/chronicle/internal/cluster"
	"horse.fit/chronicle/internal/db"
	"horse.fit/chronicle/internal/embed"
	"horse.fit/chronicle/internal/signature"
)

func runDetect(args []string) int {
	fs := flag.NewFlagSet("detect", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Overall detection timeout")
	limit := fs.Int("limit", 200, "Maximum unassigned articles to process")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be positive")
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

	articles, err := pool.ListUnassignedArticles(ctx, *limit)
	if err != nil {
		logger.Error().Err(err).Msg("list unassigned articles failed")
		fmt.Fprintf(os.Stderr, "Failed to list articles: %v\n", err)
		return 1
	}
	if len(articles) == 0 {
		fmt.Println("no unassigned articles")
		return 0
	}

	assigned, created, err := detectBatch(ctx, pool, detector, articles, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Detection failed: %v\n", err)
		return 1
	}

	logger.Info().
		Int("articles", len(articles)).
		Int("assigned", assigned).
		Int("conflicts_created", created).
		Msg("detection pass complete")
	fmt.Printf("articles=%d assigned=%d created=%d\n", len(articles), assigned, created)
	return 0
}

// detectBatch resolves each article to a conflict, records the assignment,
// and folds similarity-matched vectors into the conflict centroids.
func detectBatch(ctx context.Context, pool *db.Pool, detector *cluster.Detector, articles []db.Article, logger zerolog.Logger) (assigned, created int, err error) {
	type pending struct {
		conflict *db.Conflict
		vectors  [][]float64
	}
	batches := make(map[int64]*pending)
	order := make([]int64, 0, len(articles))

	for i := range articles {
		article := &articles[i]

		detection, detectErr := detector.DetectOrCreate(ctx, article)
		if detectErr != nil {
			logger.Error().Err(detectErr).Int64("article_id", article.ArticleID).Msg("conflict detection failed")
			return assigned, created, fmt.Errorf("detect article %d: %w", article.ArticleID, detectErr)
		}

		if assignErr := pool.AssignArticleConflict(ctx, article.ArticleID, detection.Conflict.ConflictID); assignErr != nil {
			return assigned, created, fmt.Errorf("assign article %d: %w", article.ArticleID, assignErr)
		}
		assigned++
		if detection.Created {
			created++
		}

		// A freshly created conflict already carries the article's vector
		// as its seed centroid; only similarity matches contribute here.
		if detection.Created || detection.Vector == nil {
			continue
		}
		batch, ok := batches[detection.Conflict.ConflictID]
		if !ok {
			batch = &pending{conflict: detection.Conflict}
			batches[detection.Conflict.ConflictID] = batch
			order = append(order, detection.Conflict.ConflictID)
		}
		batch.vectors = append(batch.vectors, detection.Vector)
	}

	for _, conflictID := range order {
		batch := batches[conflictID]
		if updateErr := detector.UpdateCentroid(ctx, batch.conflict, batch.vectors); updateErr != nil {
			return assigned, created, fmt.Errorf("update centroid for conflict %d: %w", conflictID, updateErr)
		}
	}
	return assigned, created, nil
}
