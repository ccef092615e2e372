package cluster

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"horse.fit/chronicle/internal/db"
	"horse.fit/chronicle/internal/embed"
	"horse.fit/chronicle/internal/signature"
)

const (
	// SimilarityThreshold is the minimum centroid similarity for an article
	// to join an existing conflict instead of seeding a new one.
	SimilarityThreshold = 0.60

	maxConflictNameRunes        = 200
	maxConflictDescriptionRunes = 500
	embedBodyRunes              = 1000
	newConflictConfidence       = 0.5
)

// ConflictStore is the persistence surface the detector needs. *db.Pool
// implements it.
type ConflictStore interface {
	FindConflictBySignature(ctx context.Context, signature string) (*db.Conflict, bool, error)
	ListConflictsWithCentroid(ctx context.Context) ([]db.Conflict, error)
	CreateConflict(ctx context.Context, conflict *db.Conflict) (*db.Conflict, bool, error)
	UpdateConflictCentroid(ctx context.Context, conflictID int64, centroid []float64) error
}

// Detection is the outcome of matching one article.
type Detection struct {
	Conflict *db.Conflict
	// Created reports whether this article seeded a new conflict.
	Created bool
	// Similarity is 1.0 for a signature match, the winning cosine similarity
	// for a centroid match, and 0.0 for a newly created conflict.
	Similarity float64
	// Vector is the article embedding when one was computed, nil when the
	// signature match short-circuited the similarity path.
	Vector []float64
}

type Detector struct {
	store     ConflictStore
	embedder  embed.Provider
	builder   *signature.Builder
	logger    zerolog.Logger
	threshold float64
}

func NewDetector(store ConflictStore, embedder embed.Provider, builder *signature.Builder, logger zerolog.Logger) *Detector {
	return &Detector{
		store:     store,
		embedder:  embedder,
		builder:   builder,
		logger:    logger.With().Str("component", "cluster_detector").Logger(),
		threshold: SimilarityThreshold,
	}
}

// DetectOrCreate resolves the conflict an article belongs to.
//
// The symbolic path runs first: an exact entity-signature match binds
// immediately, with no embedding call. This includes the all-empty
// signature, so entity-free articles collapse onto a single conflict when
// one exists. Otherwise the article is embedded and
// compared against every conflict centroid; a strict maximum at or above the
// threshold wins, earlier conflicts winning exact ties. Anything else seeds a
// new conflict carrying the article's own vector as its initial centroid.
//
// An embedding backend failure is returned as an error. Articles are never
// silently turned into new conflicts when similarity could not be judged.
func (d *Detector) DetectOrCreate(ctx context.Context, article *db.Article) (Detection, error) {
	if d == nil || d.store == nil {
		return Detection{}, fmt.Errorf("cluster detector is not initialized")
	}
	if article == nil {
		return Detection{}, fmt.Errorf("article is nil")
	}

	// The signature scans body text only; the title contributes to the
	// embedding input instead.
	sig := d.builder.FromText(ctx, article.BodyText)

	// The exact-match gate applies to the all-empty signature too: when NER
	// finds nothing (or is down), such articles collapse onto the one
	// empty-signature conflict. Known degenerate-matching risk, kept as is.
	conflict, found, err := d.store.FindConflictBySignature(ctx, sig)
	if err != nil {
		return Detection{}, fmt.Errorf("signature lookup: %w", err)
	}
	if found {
		d.logger.Debug().
			Int64("article_id", article.ArticleID).
			Int64("conflict_id", conflict.ConflictID).
			Msg("signature match")
		return Detection{Conflict: conflict, Similarity: 1.0}, nil
	}

	vectors, err := d.embedder.Embed(ctx, []string{EmbedInput(article.Title, article.BodyText)})
	if err != nil {
		return Detection{}, fmt.Errorf("embed article_id=%d: %w", article.ArticleID, err)
	}
	if len(vectors) != 1 {
		return Detection{}, fmt.Errorf("embed article_id=%d: expected 1 vector, got %d", article.ArticleID, len(vectors))
	}
	vector := vectors[0]

	candidates, err := d.store.ListConflictsWithCentroid(ctx)
	if err != nil {
		return Detection{}, fmt.Errorf("list conflict centroids: %w", err)
	}

	var (
		best           *db.Conflict
		bestSimilarity float64
	)
	for i := range candidates {
		centroid, err := candidates[i].Centroid()
		if err != nil {
			return Detection{}, fmt.Errorf("conflict_id=%d centroid: %w", candidates[i].ConflictID, err)
		}
		if len(centroid) == 0 {
			continue
		}
		// Strict comparison keeps the earliest candidate on exact ties.
		if similarity := embed.Cosine(vector, centroid); similarity > bestSimilarity {
			best = &candidates[i]
			bestSimilarity = similarity
		}
	}

	if best != nil && bestSimilarity >= d.threshold {
		d.logger.Debug().
			Int64("article_id", article.ArticleID).
			Int64("conflict_id", best.ConflictID).
			Float64("similarity", bestSimilarity).
			Msg("centroid match")
		return Detection{Conflict: best, Similarity: bestSimilarity, Vector: vector}, nil
	}

	encoded, err := db.EncodeVector(vector)
	if err != nil {
		return Detection{}, fmt.Errorf("encode seed centroid: %w", err)
	}
	conflict = &db.Conflict{
		Name:            clipRunes(strings.TrimSpace(article.Title), maxConflictNameRunes),
		Description:     clipRunes(strings.TrimSpace(article.BodyText), maxConflictDescriptionRunes),
		EntitySignature: sig,
		Embedding:       encoded,
		Confidence:      newConflictConfidence,
	}

	stored, inserted, err := d.store.CreateConflict(ctx, conflict)
	if err != nil {
		return Detection{}, fmt.Errorf("create conflict: %w", err)
	}
	if !inserted {
		// Lost a create race on the signature index; the winner is an exact
		// signature match for this article.
		d.logger.Debug().
			Int64("article_id", article.ArticleID).
			Int64("conflict_id", stored.ConflictID).
			Msg("create race resolved to existing conflict")
		return Detection{Conflict: stored, Similarity: 1.0, Vector: vector}, nil
	}

	d.logger.Info().
		Int64("article_id", article.ArticleID).
		Int64("conflict_id", stored.ConflictID).
		Str("name", stored.Name).
		Msg("new conflict")
	return Detection{Conflict: stored, Created: true, Vector: vector}, nil
}

// UpdateCentroid folds a batch of article vectors into a conflict's stored
// centroid. With no prior centroid the last vector of the batch becomes the
// centroid outright; otherwise the new centroid is the element-wise mean of
// the previous centroid and the batch, which weights history and fresh
// articles equally regardless of batch size.
func (d *Detector) UpdateCentroid(ctx context.Context, conflict *db.Conflict, vectors [][]float64) error {
	if d == nil || d.store == nil {
		return fmt.Errorf("cluster detector is not initialized")
	}
	if conflict == nil {
		return fmt.Errorf("conflict is nil")
	}
	if len(vectors) == 0 {
		return nil
	}

	previous, err := conflict.Centroid()
	if err != nil {
		return fmt.Errorf("conflict_id=%d centroid: %w", conflict.ConflictID, err)
	}

	var centroid []float64
	if len(previous) == 0 {
		last := vectors[len(vectors)-1]
		centroid = make([]float64, len(last))
		copy(centroid, last)
	} else {
		centroid, err = meanVectors(append([][]float64{previous}, vectors...))
		if err != nil {
			return fmt.Errorf("conflict_id=%d centroid mean: %w", conflict.ConflictID, err)
		}
	}

	if err := d.store.UpdateConflictCentroid(ctx, conflict.ConflictID, centroid); err != nil {
		return err
	}

	encoded, err := db.EncodeVector(centroid)
	if err != nil {
		return fmt.Errorf("encode centroid: %w", err)
	}
	conflict.Embedding = encoded
	return nil
}

// EmbedInput builds the text embedded for matching: the title plus the
// opening of the body, separated by a blank line.
func EmbedInput(title, body string) string {
	title = strings.TrimSpace(title)
	body = clipRunes(strings.TrimSpace(body), embedBodyRunes)
	switch {
	case body == "":
		return title
	case title == "":
		return body
	default:
		return title + "\n\n" + body
	}
}

func meanVectors(vectors [][]float64) ([]float64, error) {
	dimensions := len(vectors[0])
	sum := make([]float64, dimensions)
	for i, vector := range vectors {
		if len(vector) != dimensions {
			return nil, fmt.Errorf("vector %d has %d dimensions, expected %d", i, len(vector), dimensions)
		}
		for j, value := range vector {
			sum[j] += value
		}
	}
	for j := range sum {
		sum[j] /= float64(len(vectors))
	}
	return sum, nil
}

func clipRunes(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
