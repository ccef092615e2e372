package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"horse.fit/chronicle/internal/globaltime"
)

// EpisodeUpsert carries the per-day narrative output for one conflict.
type EpisodeUpsert struct {
	ConflictID int64
	Day        time.Time
	Summary    string
	Narrative  string
	Confidence float64
	Meta       json.RawMessage
}

// EpisodeSourceRef is one cited article of a day's episode.
type EpisodeSourceRef struct {
	Title       string     `json:"title"`
	SourceName  string     `json:"source_name"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// EpisodeWithConflict is an episode joined with its conflict and cited
// articles, used by the digest and the read API.
type EpisodeWithConflict struct {
	EpisodeID    int64              `json:"episode_id"`
	ConflictID   int64              `json:"conflict_id"`
	ConflictName string             `json:"conflict_name"`
	Day          time.Time          `json:"day"`
	Summary      string             `json:"summary"`
	Narrative    string             `json:"narrative"`
	Confidence   float64            `json:"confidence"`
	Meta         json.RawMessage    `json:"meta,omitempty"`
	Sources      []EpisodeSourceRef `json:"sources"`
}

// UpsertEpisode writes the (conflict, day) episode, overwriting summary,
// narrative, confidence, and meta when the day's record already exists. A
// re-run of the same day therefore updates in place rather than creating a
// duplicate.
func (p *Pool) UpsertEpisode(ctx context.Context, record EpisodeUpsert) (int64, error) {
	if p == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}

	const q = `
INSERT INTO chronicle.episodes (
	conflict_id,
	day,
	summary,
	narrative,
	confidence,
	meta,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $7)
ON CONFLICT (conflict_id, day) DO UPDATE SET
	summary = EXCLUDED.summary,
	narrative = EXCLUDED.narrative,
	confidence = EXCLUDED.confidence,
	meta = EXCLUDED.meta,
	updated_at = EXCLUDED.updated_at
RETURNING episode_id
`

	meta := record.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}

	day := record.Day.UTC().Truncate(24 * time.Hour)

	var episodeID int64
	err := p.QueryRow(
		ctx,
		q,
		record.ConflictID,
		day,
		record.Summary,
		record.Narrative,
		record.Confidence,
		string(meta),
		globaltime.UTC(),
	).Scan(&episodeID)
	if err != nil {
		return 0, fmt.Errorf("upsert episode conflict_id=%d day=%s: %w", record.ConflictID, day.Format("2006-01-02"), err)
	}
	return episodeID, nil
}

// ReplaceEpisodeSources sets the episode's cited articles to exactly the
// given set, discarding any association from an earlier run of the same day.
func (p *Pool) ReplaceEpisodeSources(ctx context.Context, episodeID int64, articleIDs []int64) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	tx, err := p.BeginTx(ctx, TxOptions{})
	if err != nil {
		return fmt.Errorf("begin episode sources tx: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM chronicle.episode_sources WHERE episode_id = $1`, episodeID); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("clear episode sources episode_id=%d: %w", episodeID, err)
	}

	const insertSQL = `
INSERT INTO chronicle.episode_sources (episode_id, article_id, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (episode_id, article_id) DO NOTHING
`
	now := globaltime.UTC()
	for _, articleID := range articleIDs {
		if _, err := tx.Exec(ctx, insertSQL, episodeID, articleID, now); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("insert episode source episode_id=%d article_id=%d: %w", episodeID, articleID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("commit episode sources tx: %w", err)
	}
	return nil
}

// ListRecentEpisodes returns up to limit prior episodes of a conflict, most
// recent day first. The daily pass uses these as narrative context.
func (p *Pool) ListRecentEpisodes(ctx context.Context, conflictID int64, limit int) ([]Episode, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	if limit <= 0 {
		limit = 3
	}

	const q = `
SELECT
	episode_id,
	conflict_id,
	day,
	summary,
	narrative,
	confidence,
	meta,
	created_at,
	updated_at
FROM chronicle.episodes
WHERE conflict_id = $1
ORDER BY day DESC, episode_id DESC
LIMIT $2
`

	rows, err := p.Query(ctx, q, conflictID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent episodes: %w", err)
	}
	defer rows.Close()

	episodes := make([]Episode, 0, limit)
	for rows.Next() {
		var e Episode
		if err := rows.Scan(
			&e.EpisodeID,
			&e.ConflictID,
			&e.Day,
			&e.Summary,
			&e.Narrative,
			&e.Confidence,
			&e.Meta,
			&e.CreatedAt,
			&e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan episode row: %w", err)
		}
		episodes = append(episodes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent episodes: %w", err)
	}
	return episodes, nil
}

// ListEpisodesForDay gathers every episode of the given UTC day joined with
// conflict names and cited sources, ordered by conflict name.
func (p *Pool) ListEpisodesForDay(ctx context.Context, day time.Time) ([]EpisodeWithConflict, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT
	e.episode_id,
	e.conflict_id,
	c.name,
	e.day,
	e.summary,
	e.narrative,
	e.confidence,
	e.meta
FROM chronicle.episodes e
JOIN chronicle.conflicts c ON c.conflict_id = e.conflict_id
WHERE e.day = $1
ORDER BY c.name, e.episode_id
`

	rows, err := p.Query(ctx, q, day.UTC().Truncate(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("query day episodes: %w", err)
	}
	defer rows.Close()

	var episodes []EpisodeWithConflict
	for rows.Next() {
		var e EpisodeWithConflict
		if err := rows.Scan(
			&e.EpisodeID,
			&e.ConflictID,
			&e.ConflictName,
			&e.Day,
			&e.Summary,
			&e.Narrative,
			&e.Confidence,
			&e.Meta,
		); err != nil {
			return nil, fmt.Errorf("scan day episode row: %w", err)
		}
		episodes = append(episodes, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate day episodes: %w", err)
	}

	for i := range episodes {
		sources, err := p.listEpisodeSources(ctx, episodes[i].EpisodeID)
		if err != nil {
			return nil, err
		}
		episodes[i].Sources = sources
	}
	return episodes, nil
}

func (p *Pool) listEpisodeSources(ctx context.Context, episodeID int64) ([]EpisodeSourceRef, error) {
	const q = `
SELECT a.title, a.source_name, a.source_url, a.published_at
FROM chronicle.episode_sources es
JOIN chronicle.articles a ON a.article_id = es.article_id
WHERE es.episode_id = $1
ORDER BY es.episode_source_id
`

	rows, err := p.Query(ctx, q, episodeID)
	if err != nil {
		return nil, fmt.Errorf("query episode sources: %w", err)
	}
	defer rows.Close()

	var sources []EpisodeSourceRef
	for rows.Next() {
		var s EpisodeSourceRef
		if err := rows.Scan(&s.Title, &s.SourceName, &s.URL, &s.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan episode source row: %w", err)
		}
		sources = append(sources, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate episode sources: %w", err)
	}
	return sources, nil
}

// CountEpisodeSources reports how many distinct articles an episode cites.
func (p *Pool) CountEpisodeSources(ctx context.Context, episodeID int64) (int64, error) {
	if p == nil {
		return 0, fmt.Errorf("database pool is not initialized")
	}

	var count int64
	err := p.QueryRow(ctx, `SELECT COUNT(*) FROM chronicle.episode_sources WHERE episode_id = $1`, episodeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count episode sources: %w", err)
	}
	return count, nil
}

// FormatDay renders a day value the way the API and digest present it.
func FormatDay(day time.Time) string {
	return strings.TrimSpace(day.UTC().Format("2006-01-02"))
}
