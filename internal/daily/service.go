package daily

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/cluster"
	"horse.fit/chronicle/internal/db"
	"horse.fit/chronicle/internal/globaltime"
	"horse.fit/chronicle/internal/narrative"
)

const (
	// DefaultWindow is how far back the daily pass reaches for articles.
	DefaultWindow = 24 * time.Hour

	contextEpisodeCount = 3
	snippetRunes        = 240
	summaryRunes        = 240
	episodeConfidence   = 0.6
)

// Store is the persistence surface of the daily pass. *db.Pool implements it.
type Store interface {
	ListArticlesSince(ctx context.Context, cutoff time.Time) ([]db.Article, error)
	GetConflict(ctx context.Context, conflictID int64) (*db.Conflict, error)
	AssignArticleConflict(ctx context.Context, articleID, conflictID int64) error
	ListRecentEpisodes(ctx context.Context, conflictID int64, limit int) ([]db.Episode, error)
	UpsertEpisode(ctx context.Context, record db.EpisodeUpsert) (int64, error)
	ReplaceEpisodeSources(ctx context.Context, episodeID int64, articleIDs []int64) error
}

// Matcher resolves articles to conflicts. *cluster.Detector implements it.
type Matcher interface {
	DetectOrCreate(ctx context.Context, article *db.Article) (cluster.Detection, error)
	UpdateCentroid(ctx context.Context, conflict *db.Conflict, vectors [][]float64) error
}

// Result reports what one daily pass did.
type Result struct {
	ArticlesSeen     int
	ConflictsCreated int
	EpisodesWritten  int
	// FailedConflicts lists conflicts whose synthesis or persistence failed.
	// Failures are isolated per conflict; the pass carries on.
	FailedConflicts []int64
}

type conflictGroup struct {
	conflict *db.Conflict
	articles []db.Article
	vectors  [][]float64
}

type Service struct {
	store     Store
	matcher   Matcher
	generator narrative.Generator
	logger    zerolog.Logger
	window    time.Duration
}

func NewService(store Store, matcher Matcher, generator narrative.Generator, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		matcher:   matcher,
		generator: generator,
		logger:    logger.With().Str("component", "daily_pass").Logger(),
		window:    DefaultWindow,
	}
}

// SetWindow overrides the article window, for catch-up runs.
func (s *Service) SetWindow(window time.Duration) {
	if window > 0 {
		s.window = window
	}
}

// Run executes one daily pass: resolve each window article to its conflict,
// fold new vectors into the centroids, then synthesize and upsert one episode
// per conflict for today. Matching errors abort the pass; synthesis and
// persistence errors are isolated per conflict so one bad cluster cannot sink
// the rest.
func (s *Service) Run(ctx context.Context) (Result, error) {
	if s == nil || s.store == nil {
		return Result{}, fmt.Errorf("daily service is not initialized")
	}

	now := globaltime.UTC()
	cutoff := now.Add(-s.window)

	articles, err := s.store.ListArticlesSince(ctx, cutoff)
	if err != nil {
		return Result{}, fmt.Errorf("load article window: %w", err)
	}

	var result Result
	result.ArticlesSeen = len(articles)

	groups, created, err := s.groupByConflict(ctx, articles)
	if err != nil {
		return result, err
	}
	result.ConflictsCreated = created

	for _, group := range groups {
		if err := s.matcher.UpdateCentroid(ctx, group.conflict, group.vectors); err != nil {
			return result, fmt.Errorf("update centroid conflict_id=%d: %w", group.conflict.ConflictID, err)
		}
	}

	day := globaltime.Today()
	for _, group := range groups {
		if err := s.writeEpisode(ctx, group, day); err != nil {
			s.logger.Error().
				Err(err).
				Int64("conflict_id", group.conflict.ConflictID).
				Msg("episode synthesis failed")
			result.FailedConflicts = append(result.FailedConflicts, group.conflict.ConflictID)
			continue
		}
		result.EpisodesWritten++
	}

	s.logger.Info().
		Int("articles", result.ArticlesSeen).
		Int("conflicts_created", result.ConflictsCreated).
		Int("episodes", result.EpisodesWritten).
		Int("failed", len(result.FailedConflicts)).
		Msg("daily pass complete")
	return result, nil
}

// groupByConflict resolves every article to a conflict and buckets the window
// by conflict, preserving first-seen group order. Articles already assigned
// keep their conflict; fresh ones go through the detector and have their
// assignment recorded.
func (s *Service) groupByConflict(ctx context.Context, articles []db.Article) ([]*conflictGroup, int, error) {
	var (
		groups  []*conflictGroup
		byID    = make(map[int64]*conflictGroup)
		created int
	)

	appendTo := func(conflict *db.Conflict, article db.Article, vector []float64) {
		group, ok := byID[conflict.ConflictID]
		if !ok {
			group = &conflictGroup{conflict: conflict}
			byID[conflict.ConflictID] = group
			groups = append(groups, group)
		}
		group.articles = append(group.articles, article)
		if vector != nil {
			group.vectors = append(group.vectors, vector)
		}
	}

	for _, article := range articles {
		if article.ConflictID != nil {
			conflictID := *article.ConflictID
			if group, ok := byID[conflictID]; ok {
				group.articles = append(group.articles, article)
				continue
			}
			conflict, err := s.store.GetConflict(ctx, conflictID)
			if err != nil {
				return nil, created, err
			}
			appendTo(conflict, article, nil)
			continue
		}

		detection, err := s.matcher.DetectOrCreate(ctx, &article)
		if err != nil {
			return nil, created, fmt.Errorf("match article_id=%d: %w", article.ArticleID, err)
		}
		if detection.Created {
			created++
		}
		if err := s.store.AssignArticleConflict(ctx, article.ArticleID, detection.Conflict.ConflictID); err != nil {
			return nil, created, err
		}
		// A freshly created conflict already carries this vector as its
		// seed centroid.
		vector := detection.Vector
		if detection.Created {
			vector = nil
		}
		appendTo(detection.Conflict, article, vector)
	}

	return groups, created, nil
}

func (s *Service) writeEpisode(ctx context.Context, group *conflictGroup, day time.Time) error {
	past, err := s.store.ListRecentEpisodes(ctx, group.conflict.ConflictID, contextEpisodeCount)
	if err != nil {
		return fmt.Errorf("load episode history: %w", err)
	}
	bullets := make([]string, 0, len(past))
	for _, episode := range past {
		bullets = append(bullets, episode.Summary)
	}

	sources := make([]narrative.SourceRef, 0, len(group.articles))
	articleIDs := make([]int64, 0, len(group.articles))
	for _, article := range group.articles {
		sources = append(sources, narrative.SourceRef{
			Title:      article.Title,
			SourceName: article.SourceName,
			URL:        article.SourceURL,
			Snippet:    clipRunes(article.BodyText, snippetRunes),
		})
		articleIDs = append(articleIDs, article.ArticleID)
	}

	req := narrative.Request{
		ConflictName:   group.conflict.Name,
		Date:           db.FormatDay(day),
		ContextBullets: bullets,
		Sources:        sources,
	}

	text, err := s.generator.Generate(ctx, req)
	if err != nil {
		return fmt.Errorf("synthesize narrative: %w", err)
	}

	meta, err := json.Marshal(map[string]int{"num_articles": len(group.articles)})
	if err != nil {
		return fmt.Errorf("encode episode meta: %w", err)
	}

	episodeID, err := s.store.UpsertEpisode(ctx, db.EpisodeUpsert{
		ConflictID: group.conflict.ConflictID,
		Day:        day,
		Summary:    narrative.SummaryLine(text, req, summaryRunes),
		Narrative:  text,
		Confidence: episodeConfidence,
		Meta:       meta,
	})
	if err != nil {
		return err
	}
	return s.store.ReplaceEpisodeSources(ctx, episodeID, articleIDs)
}

func clipRunes(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
