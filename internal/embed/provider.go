package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"horse.fit/chronicle/internal/config"
)

const (
	DefaultEndpoint    = "http://127.0.0.1:8844/embed"
	DefaultModelName   = "all-MiniLM-L6-v2"
	DefaultDimensions  = 384
	DefaultBatchSize   = 32
	ProviderNameHTTP   = "http"
	ProviderNameCohere = "cohere"

	cosineEpsilon = 1e-9
)

// ErrUnavailable marks embedding failures caused by the backend being down or
// misconfigured rather than by a bad input. Callers must surface it instead of
// degrading to a non-semantic fallback.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider turns texts into fixed-dimension vectors, one per input, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
	Ready(ctx context.Context) error
	Dimensions() int
}

// FromConfig picks the configured provider implementation.
func FromConfig(cfg *config.Config) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider)) {
	case "", ProviderNameHTTP:
		return NewHTTPService(HTTPServiceOptions{
			Endpoint:   cfg.EmbeddingEndpoint,
			ModelName:  cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
			BatchSize:  cfg.EmbeddingBatchSize,
		}), nil
	case ProviderNameCohere:
		return NewCohereProvider(CohereOptions{
			APIKey:     cfg.CohereAPIKey,
			ModelName:  cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}

// Cosine returns the cosine similarity of two vectors. Mismatched lengths and
// degenerate norms yield 0 rather than an error; the epsilon keeps the division
// defined for zero vectors.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	denom := math.Sqrt(normA)*math.Sqrt(normB) + cosineEpsilon
	return dot / denom
}

func validateVectors(vectors [][]float64, want int, requested int) error {
	if len(vectors) != requested {
		return fmt.Errorf("embedding count mismatch: requested=%d returned=%d", requested, len(vectors))
	}
	for i, vector := range vectors {
		if want > 0 && len(vector) != want {
			return fmt.Errorf("vector %d has %d dimensions, expected %d", i, len(vector), want)
		}
		for j, value := range vector {
			if math.IsNaN(value) || math.IsInf(value, 0) {
				return fmt.Errorf("vector %d has non-finite value at index %d", i, j)
			}
		}
	}
	return nil
}
