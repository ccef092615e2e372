package scrape

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/chronicle/internal/db"
)

// ArticleStore persists scraped articles. *db.Pool implements it.
type ArticleStore interface {
	InsertArticle(ctx context.Context, article *db.Article) (bool, error)
}

// RunResult reports one scrape sweep.
type RunResult struct {
	Discovered int
	Inserted   int
	Duplicates int
	Failed     int
}

// Run sweeps every source: discover article URLs, fetch and extract each one,
// and persist the new rows. Rows already known by URL or fingerprint count as
// duplicates. A source that fails at discovery is logged and skipped; fetch
// failures are counted per article.
func (s *Scraper) Run(ctx context.Context, store ArticleStore, sources []Source) (RunResult, error) {
	if s == nil {
		return RunResult{}, fmt.Errorf("scraper is not initialized")
	}
	if store == nil {
		return RunResult{}, fmt.Errorf("article store is required")
	}
	if len(sources) == 0 {
		sources = DefaultSources()
	}

	var result RunResult
	for _, source := range sources {
		urls, err := s.ListURLs(ctx, source)
		if err != nil {
			s.logger.Error().Err(err).Str("source", source.Name).Msg("source discovery failed")
			continue
		}
		result.Discovered += len(urls)

		for i, articleURL := range urls {
			if i > 0 {
				if err := s.throttle(ctx); err != nil {
					return result, err
				}
			}

			scraped, err := s.FetchArticle(ctx, source, articleURL)
			if err != nil {
				s.logger.Warn().Err(err).Str("url", articleURL).Msg("article fetch failed")
				result.Failed++
				continue
			}

			article, err := toDBArticle(scraped)
			if err != nil {
				result.Failed++
				continue
			}
			inserted, err := store.InsertArticle(ctx, article)
			if err != nil {
				return result, fmt.Errorf("persist article %s: %w", articleURL, err)
			}
			if inserted {
				result.Inserted++
			} else {
				result.Duplicates++
			}
		}
	}

	s.logger.Info().
		Int("discovered", result.Discovered).
		Int("inserted", result.Inserted).
		Int("duplicates", result.Duplicates).
		Int("failed", result.Failed).
		Msg("scrape sweep complete")
	return result, nil
}

func (s *Scraper) throttle(ctx context.Context) error {
	if s.rateLimit <= 0 {
		return nil
	}
	timer := time.NewTimer(s.rateLimit)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func toDBArticle(scraped *Scraped) (*db.Article, error) {
	meta, err := json.Marshal(map[string]string{"scraper": "chronicle"})
	if err != nil {
		return nil, fmt.Errorf("encode article meta: %w", err)
	}
	return &db.Article{
		SourceName:  scraped.SourceName,
		SourceURL:   scraped.SourceURL,
		Title:       scraped.Title,
		BodyText:    scraped.Text,
		PublishedAt: scraped.PublishedAt,
		Byline:      scraped.Byline,
		Language:    scraped.Language,
		Fingerprint: Fingerprint(scraped.SourceName, scraped.Title),
		Meta:        meta,
	}, nil
}
