package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const DefaultRequestTimeout = 45 * time.Second

type HTTPServiceOptions struct {
	Endpoint       string
	ModelName      string
	Dimensions     int
	BatchSize      int
	RequestTimeout time.Duration
	Client         *http.Client
}

// HTTPService talks to a local embedding sidecar speaking either the bare
// {"texts": [...]} protocol or the OpenAI-compatible /v1/embeddings shape.
type HTTPService struct {
	endpoint       string
	modelName      string
	dimensions     int
	batchSize      int
	requestTimeout time.Duration
	client         *http.Client
}

type embedRequest struct {
	Texts []string `json:"texts,omitempty"`
	Input []string `json:"input,omitempty"`
	Model string   `json:"model,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Data       []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

func NewHTTPService(opts HTTPServiceOptions) *HTTPService {
	service := &HTTPService{
		endpoint:       normalizeEndpoint(opts.Endpoint),
		modelName:      strings.TrimSpace(opts.ModelName),
		dimensions:     opts.Dimensions,
		batchSize:      opts.BatchSize,
		requestTimeout: opts.RequestTimeout,
		client:         opts.Client,
	}
	if service.modelName == "" {
		service.modelName = DefaultModelName
	}
	if service.dimensions <= 0 {
		service.dimensions = DefaultDimensions
	}
	if service.batchSize <= 0 {
		service.batchSize = DefaultBatchSize
	}
	if service.requestTimeout <= 0 {
		service.requestTimeout = DefaultRequestTimeout
	}
	if service.client == nil {
		service.client = http.DefaultClient
	}
	return service
}

func (s *HTTPService) Dimensions() int {
	return s.dimensions
}

func (s *HTTPService) Ready(ctx context.Context) error {
	if _, err := s.requestBatch(ctx, []string{"readiness probe"}); err != nil {
		return err
	}
	return nil
}

func (s *HTTPService) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	vectors := make([][]float64, 0, len(texts))
	for start := 0; start < len(texts); start += s.batchSize {
		end := min(start+s.batchSize, len(texts))
		batch, err := s.requestBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	if err := validateVectors(vectors, s.dimensions, len(texts)); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (s *HTTPService) requestBatch(ctx context.Context, texts []string) ([][]float64, error) {
	payload := embedRequest{Texts: texts}
	if parsed, err := url.Parse(s.endpoint); err == nil && strings.HasSuffix(parsed.Path, "/v1/embeddings") {
		payload = embedRequest{Input: texts, Model: s.modelName}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	requestCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embedding response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}

	vectors := parsed.Embeddings
	if len(vectors) == 0 && len(parsed.Data) > 0 {
		sort.Slice(parsed.Data, func(i, j int) bool {
			return parsed.Data[i].Index < parsed.Data[j].Index
		})
		vectors = make([][]float64, 0, len(parsed.Data))
		for _, row := range parsed.Data {
			vectors = append(vectors, row.Embedding)
		}
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("embedding response missing vectors")
	}
	return vectors, nil
}

func normalizeEndpoint(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return DefaultEndpoint
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return trimmed
	}
	if parsed.Path == "" || parsed.Path == "/" {
		parsed.Path = "/embed"
	}
	return parsed.String()
}
