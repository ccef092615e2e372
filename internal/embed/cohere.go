package embed

import (
	"context"
	"fmt"
	"strings"

	cohere "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"
)

const DefaultCohereModelName = "embed-english-v3.0"

type CohereOptions struct {
	APIKey     string
	ModelName  string
	Dimensions int
}

// CohereProvider embeds through the hosted Cohere Embed API. Used when no
// local embedding sidecar is deployed.
type CohereProvider struct {
	client     *cohereclient.Client
	modelName  string
	dimensions int
}

func NewCohereProvider(opts CohereOptions) (*CohereProvider, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("cohere provider requires an api key")
	}
	modelName := strings.TrimSpace(opts.ModelName)
	if modelName == "" || !strings.HasPrefix(modelName, "embed-") {
		modelName = DefaultCohereModelName
	}
	dimensions := opts.Dimensions
	if dimensions <= 0 {
		dimensions = 1024
	}
	return &CohereProvider{
		client:     cohereclient.NewClient(cohereclient.WithToken(opts.APIKey)),
		modelName:  modelName,
		dimensions: dimensions,
	}, nil
}

func (p *CohereProvider) Dimensions() int {
	return p.dimensions
}

func (p *CohereProvider) Ready(ctx context.Context) error {
	if _, err := p.Embed(ctx, []string{"readiness probe"}); err != nil {
		return err
	}
	return nil
}

func (p *CohereProvider) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	resp, err := p.client.V2.Embed(ctx, &cohere.V2EmbedRequest{
		Texts:          texts,
		Model:          p.modelName,
		InputType:      cohere.EmbedInputTypeSearchDocument,
		EmbeddingTypes: []cohere.EmbeddingType{cohere.EmbeddingTypeFloat},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: cohere embed: %v", ErrUnavailable, err)
	}
	if resp == nil || resp.Embeddings == nil || resp.Embeddings.Float == nil {
		return nil, fmt.Errorf("%w: cohere embed returned no float embeddings", ErrUnavailable)
	}

	vectors := make([][]float64, len(resp.Embeddings.Float))
	for i, row := range resp.Embeddings.Float {
		vector := make([]float64, len(row))
		copy(vector, row)
		vectors[i] = vector
	}
	if err := validateVectors(vectors, p.dimensions, len(texts)); err != nil {
		return nil, err
	}
	return vectors, nil
}
