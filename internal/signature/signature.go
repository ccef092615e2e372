// Package signature builds deterministic entity signatures for cluster
// matching. A signature is a normalized, order-independent string derived
// from the named entities found in an article's leading text.
package signature

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	// TextScanLimit bounds how much article text is handed to NER. Long
	// articles are not fully scanned.
	TextScanLimit = 2000

	entityDelimiter = "|"
	bucketDelimiter = ";"
)

// Empty is the signature of an article with no recognized entities: four
// empty bucket segments, positionally comparable with any other signature.
// Callers must not treat it as "no signature".
const Empty = bucketDelimiter + bucketDelimiter + bucketDelimiter

// Result holds recognized entities bucketed by kind.
type Result struct {
	GPEs    []string `json:"gpes"`
	Locs    []string `json:"locs"`
	Orgs    []string `json:"orgs"`
	Persons []string `json:"persons"`
}

// Recognizer extracts named entities from text. The zero-value Result is a
// valid "nothing recognized" answer.
type Recognizer interface {
	Recognize(ctx context.Context, text string) (Result, error)
	Ready(ctx context.Context) error
}

// Build reduces a recognition result to the canonical signature string.
// Buckets appear in fixed priority order (geopolitical places, generic
// locations, organizations, persons); entities within a bucket are
// lowercased, whitespace-collapsed, deduplicated, and sorted. The function
// is pure: equal inputs always produce equal signatures.
func Build(ner Result) string {
	buckets := [][]string{ner.GPEs, ner.Locs, ner.Orgs, ner.Persons}

	parts := make([]string, 0, len(buckets))
	for _, bucket := range buckets {
		cleaned := make([]string, 0, len(bucket))
		seen := make(map[string]struct{}, len(bucket))
		for _, entity := range bucket {
			normalized := normalizeEntity(entity)
			if normalized == "" {
				continue
			}
			if _, exists := seen[normalized]; exists {
				continue
			}
			seen[normalized] = struct{}{}
			cleaned = append(cleaned, normalized)
		}
		sort.Strings(cleaned)
		parts = append(parts, strings.Join(cleaned, entityDelimiter))
	}
	return strings.Join(parts, bucketDelimiter)
}

// Builder combines a recognizer with the signature reduction.
type Builder struct {
	ner    Recognizer
	logger zerolog.Logger
}

func NewBuilder(ner Recognizer, logger zerolog.Logger) *Builder {
	return &Builder{
		ner:    ner,
		logger: logger,
	}
}

// FromText scans at most TextScanLimit characters of text and returns the
// entity signature. A failing NER backend degrades to the all-empty
// signature instead of an error; unrelated entity-free articles then share
// a signature, which is a documented matching risk.
func (b *Builder) FromText(ctx context.Context, text string) string {
	if b == nil || b.ner == nil {
		return Empty
	}

	ner, err := b.ner.Recognize(ctx, clipRunes(text, TextScanLimit))
	if err != nil {
		b.logger.Warn().Err(err).Msg("ner backend unavailable; falling back to empty entity signature")
		return Empty
	}
	return Build(ner)
}

func normalizeEntity(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	if lowered == "" {
		return ""
	}
	return strings.Join(strings.Fields(lowered), " ")
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
