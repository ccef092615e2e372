package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Article maps chronicle.articles. Rows arrive from the scraping boundary
// and are unique by source URL and by content fingerprint.
type Article struct {
	ArticleID   int64           `gorm:"column:article_id;primaryKey;autoIncrement"`
	SourceName  string          `gorm:"column:source_name;type:text;not null"`
	SourceURL   string          `gorm:"column:source_url;type:text;not null;uniqueIndex:uq_articles_source_url"`
	Title       string          `gorm:"column:title;type:text;not null"`
	BodyText    string          `gorm:"column:body_text;type:text;not null;default:''"`
	PublishedAt *time.Time      `gorm:"column:published_at;type:timestamptz"`
	Byline      string          `gorm:"column:byline;type:text;not null;default:''"`
	Language    string          `gorm:"column:language;type:text;not null;default:en"`
	Fingerprint string          `gorm:"column:fingerprint;type:text;not null;uniqueIndex:uq_articles_fingerprint"`
	ConflictID  *int64          `gorm:"column:conflict_id;type:bigint;index:idx_articles_conflict"`
	Meta        json.RawMessage `gorm:"column:meta;type:jsonb"`
	CreatedAt   time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Article) TableName() string { return "chronicle.articles" }

// Conflict maps chronicle.conflicts: a long-lived cluster of articles about
// the same ongoing situation. The entity signature is set once at creation;
// the embedding column holds the running centroid and is null until the
// first embeddable article joins.
type Conflict struct {
	ConflictID      int64           `gorm:"column:conflict_id;primaryKey;autoIncrement"`
	Name            string          `gorm:"column:name;type:text;not null"`
	Description     string          `gorm:"column:description;type:text;not null;default:''"`
	EntitySignature string          `gorm:"column:entity_signature;type:text;not null;index:idx_conflicts_signature"`
	Embedding       json.RawMessage `gorm:"column:embedding;type:jsonb"`
	Confidence      float64         `gorm:"column:confidence;type:double precision;not null;default:0"`
	CreatedAt       time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Conflict) TableName() string { return "chronicle.conflicts" }

// Centroid decodes the stored embedding. A conflict without a centroid
// returns nil.
func (c *Conflict) Centroid() ([]float64, error) {
	if c == nil || len(c.Embedding) == 0 {
		return nil, nil
	}
	return DecodeVector(c.Embedding)
}

// Episode maps chronicle.episodes: one narrative record per conflict per
// UTC day, enforced by a composite unique index.
type Episode struct {
	EpisodeID  int64           `gorm:"column:episode_id;primaryKey;autoIncrement"`
	ConflictID int64           `gorm:"column:conflict_id;type:bigint;not null;uniqueIndex:uq_episodes_conflict_day"`
	Day        time.Time       `gorm:"column:day;type:date;not null;uniqueIndex:uq_episodes_conflict_day"`
	Summary    string          `gorm:"column:summary;type:text;not null;default:''"`
	Narrative  string          `gorm:"column:narrative;type:text;not null;default:''"`
	Confidence float64         `gorm:"column:confidence;type:double precision;not null;default:0"`
	Meta       json.RawMessage `gorm:"column:meta;type:jsonb"`
	CreatedAt  time.Time       `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
	UpdatedAt  time.Time       `gorm:"column:updated_at;type:timestamptz;not null;default:now()"`
}

func (Episode) TableName() string { return "chronicle.episodes" }

// EpisodeSource maps chronicle.episode_sources: the articles cited by an
// episode for its day. Replaced wholesale on episode upsert.
type EpisodeSource struct {
	EpisodeSourceID int64     `gorm:"column:episode_source_id;primaryKey;autoIncrement"`
	EpisodeID       int64     `gorm:"column:episode_id;type:bigint;not null;uniqueIndex:uq_episode_sources_pair"`
	ArticleID       int64     `gorm:"column:article_id;type:bigint;not null;uniqueIndex:uq_episode_sources_pair"`
	CreatedAt       time.Time `gorm:"column:created_at;type:timestamptz;not null;default:now()"`
}

func (EpisodeSource) TableName() string { return "chronicle.episode_sources" }

func autoMigrateModels() []any {
	return []any{
		&Article{},
		&Conflict{},
		&Episode{},
		&EpisodeSource{},
	}
}

func (p *Pool) autoMigrate(ctx context.Context) error {
	if p == nil || p.gdb == nil {
		return fmt.Errorf("database pool is not initialized")
	}

	if err := p.gdb.WithContext(ctx).Exec("CREATE SCHEMA IF NOT EXISTS chronicle").Error; err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	if err := p.gdb.WithContext(ctx).AutoMigrate(autoMigrateModels()...); err != nil {
		return fmt.Errorf("gorm auto-migrate models: %w", err)
	}

	// Concurrent passes racing to create the same conflict are resolved by
	// this unique index plus a create-or-fetch retry in the matcher.
	const signatureIndexSQL = `
CREATE UNIQUE INDEX IF NOT EXISTS uq_conflicts_entity_signature
ON chronicle.conflicts (entity_signature)
`
	if err := p.gdb.WithContext(ctx).Exec(signatureIndexSQL).Error; err != nil {
		return fmt.Errorf("create signature index: %w", err)
	}

	return nil
}

// EncodeVector serializes an embedding vector for the jsonb embedding
// columns.
func EncodeVector(values []float64) (json.RawMessage, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("vector is empty")
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return encoded, nil
}

// DecodeVector parses a jsonb embedding column value.
func DecodeVector(raw json.RawMessage) ([]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var values []float64
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return values, nil
}
