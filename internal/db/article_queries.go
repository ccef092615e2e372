package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"horse.fit/chronicle/internal/globaltime"
)

// InsertArticle persists a scraped article. A row whose source URL or
// fingerprint already exists is skipped silently; the bool reports whether a
// new row was written.
func (p *Pool) InsertArticle(ctx context.Context, article *Article) (bool, error) {
	if p == nil {
		return false, fmt.Errorf("database pool is not initialized")
	}
	if article == nil {
		return false, fmt.Errorf("article is nil")
	}

	const q = `
INSERT INTO chronicle.articles (
	source_name,
	source_url,
	title,
	body_text,
	published_at,
	byline,
	language,
	fingerprint,
	meta,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
ON CONFLICT DO NOTHING
RETURNING article_id
`

	now := globaltime.UTC()
	meta := article.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}

	var articleID int64
	err := p.QueryRow(
		ctx,
		q,
		article.SourceName,
		article.SourceURL,
		article.Title,
		article.BodyText,
		article.PublishedAt,
		article.Byline,
		article.Language,
		article.Fingerprint,
		string(meta),
		now,
	).Scan(&articleID)
	if err != nil {
		if IsNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert article url=%q: %w", article.SourceURL, err)
	}

	article.ArticleID = articleID
	article.CreatedAt = now
	article.UpdatedAt = now
	return true, nil
}

// ListArticlesSince returns articles created at or after the cutoff, most
// recent first. This is the daily pass window.
func (p *Pool) ListArticlesSince(ctx context.Context, cutoff time.Time) ([]Article, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}

	const q = `
SELECT
	article_id,
	conflict_id,
	source_name,
	source_url,
	title,
	body_text,
	published_at,
	byline,
	language,
	fingerprint,
	created_at
FROM chronicle.articles
WHERE created_at >= $1
ORDER BY created_at DESC, article_id DESC
`

	rows, err := p.Query(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query article window: %w", err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(
			&a.ArticleID,
			&a.ConflictID,
			&a.SourceName,
			&a.SourceURL,
			&a.Title,
			&a.BodyText,
			&a.PublishedAt,
			&a.Byline,
			&a.Language,
			&a.Fingerprint,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan article row: %w", err)
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate article window: %w", err)
	}
	return articles, nil
}

// ListUnassignedArticles returns articles that have not been matched to a
// conflict yet, oldest first so assignment order follows arrival order.
func (p *Pool) ListUnassignedArticles(ctx context.Context, limit int) ([]Article, error) {
	if p == nil {
		return nil, fmt.Errorf("database pool is not initialized")
	}
	if limit <= 0 {
		return nil, nil
	}

	const q = `
SELECT
	article_id,
	conflict_id,
	source_name,
	source_url,
	title,
	body_text,
	published_at,
	byline,
	language,
	fingerprint,
	created_at
FROM chronicle.articles
WHERE conflict_id IS NULL
ORDER BY created_at ASC, article_id ASC
LIMIT $1
`

	rows, err := p.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query unassigned articles: %w", err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		var a Article
		if err := rows.Scan(
			&a.ArticleID,
			&a.ConflictID,
			&a.SourceName,
			&a.SourceURL,
			&a.Title,
			&a.BodyText,
			&a.PublishedAt,
			&a.Byline,
			&a.Language,
			&a.Fingerprint,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan unassigned article row: %w", err)
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unassigned articles: %w", err)
	}
	return articles, nil
}

// AssignArticleConflict records the matched conflict for an article. The
// assignment is write-once: an already assigned article is left untouched.
func (p *Pool) AssignArticleConflict(ctx context.Context, articleID, conflictID int64) error {
	if p == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	const q = `
UPDATE chronicle.articles
SET conflict_id = $2, updated_at = now()
WHERE article_id = $1
  AND conflict_id IS NULL
`

	if _, err := p.Exec(ctx, q, articleID, conflictID); err != nil {
		return fmt.Errorf("assign article_id=%d to conflict_id=%d: %w", articleID, conflictID, err)
	}
	return nil
}
