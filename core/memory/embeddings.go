package memory

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"
)

// Embedder is the interface for generating text embeddings.
type Embedder interface {
	// Embed generates an embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int
}

// TruncateForEmbedding bounds text to maxChars before embedding. When a
// sentence terminator falls inside the last 40% of the cutoff window the
// cut happens there, preserving a sentence boundary.
func TruncateForEmbedding(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}

	window := text[:maxChars]
	floor := maxChars * 6 / 10

	cut := -1
	for _, term := range []string{". ", "! ", "? ", ".\n", "\n"} {
		if idx := strings.LastIndex(window, term); idx > cut {
			cut = idx + len(term) - 1
		}
	}
	if cut >= floor {
		return strings.TrimRight(window[:cut+1], " \n")
	}
	return window
}

// MockEmbedder produces deterministic normalized embeddings from a text
// hash. Texts sharing a prefix produce correlated vectors, which is enough
// for ranking assertions in tests.
type MockEmbedder struct {
	dimension int

	// Fail forces Embed to return an error, simulating quota or
	// transport failures.
	Fail error
}

// NewMockEmbedder creates a mock embedder with the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dimension: dimension}
}

// Embed generates a deterministic embedding based on the text hash.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.Fail != nil {
		return nil, m.Fail
	}

	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	embedding := make([]float32, m.dimension)
	for i := 0; i < m.dimension; i++ {
		embedding[i] = float32(sum[i%len(sum)]) / 255.0
	}

	var norm float64
	for _, v := range embedding {
		norm += float64(v * v)
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range embedding {
			embedding[i] = float32(float64(embedding[i]) / norm)
		}
	}

	return embedding, nil
}

// EmbedBatch embeds multiple texts.
func (m *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = emb
	}
	return results, nil
}

// Dimension returns the embedding dimension.
func (m *MockEmbedder) Dimension() int {
	return m.dimension
}
