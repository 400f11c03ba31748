package providers

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEmbedderConfig configures the embedding client.
type OpenAIEmbedderConfig struct {
	// APIKey may be empty, in which case the client relies on ambient
	// credentials (environment or platform identity).
	APIKey string

	// BaseURL targets a compatible gateway or proxy when set.
	BaseURL string

	// Deployment is the embedding model or deployment name.
	Deployment string

	// Dimension is the target vector length D. It must match the index
	// schema; the server validates that at startup.
	Dimension int
}

// OpenAIEmbedder generates embeddings through the OpenAI API. Quota,
// transport, and auth failures are returned as errors and absorbed by the
// callers; they are never request-level failures.
type OpenAIEmbedder struct {
	client *openai.Client
	config OpenAIEmbedderConfig
}

// NewOpenAIEmbedder creates the embedding client.
func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.Deployment == "" {
		return nil, fmt.Errorf("embedding deployment is required")
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("embedding dimension must be positive, got %d", cfg.Dimension)
	}

	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := openai.NewClient(opts...)
	return &OpenAIEmbedder{client: &client, config: cfg}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model:      openai.EmbeddingModel(e.config.Deployment),
		Dimensions: openai.Int(int64(e.config.Dimension)),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(resp.Data))
	for i, data := range resp.Data {
		vector := make([]float32, len(data.Embedding))
		for j, v := range data.Embedding {
			vector[j] = float32(v)
		}
		if len(vector) != e.config.Dimension {
			return nil, fmt.Errorf("openai embeddings: deployment returned D=%d, configured D=%d", len(vector), e.config.Dimension)
		}
		vectors[i] = vector
	}
	return vectors, nil
}

// Dimension returns the configured embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.config.Dimension
}
