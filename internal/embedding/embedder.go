// Package embedding provides text embedding generation with multiple backend support.
package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/raphaelgruber/sitekb/internal/config"
)

// Embedder defines the interface for text embedding providers.
// Implementations include langchaingo (Ollama, OpenAI), Amazon Bedrock and a
// local hashing embedder.
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Model returns the name of the embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension.
	// Must match the vector index dimension of every collection it writes to.
	Dimension() int
}

// New creates an Embedder based on configuration.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (Embedder, error) {
	switch cfg.EmbedProvider {
	case config.ProviderOllama, config.ProviderOpenAI:
		return NewLangChainEmbedder(cfg, logger)
	case config.ProviderBedrock:
		return NewBedrockEmbedder(ctx, cfg.AWSRegion, cfg.EmbedModel, cfg.EmbedDimension, logger)
	case config.ProviderHash:
		return NewHashEmbedder(cfg.EmbedModel, cfg.EmbedDimension), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.EmbedProvider)
	}
}

// checkDimensions validates a provider response against the expected shape.
func checkDimensions(vectors [][]float32, count, dim int) error {
	if len(vectors) != count {
		return fmt.Errorf("count mismatch: got %d, want %d", len(vectors), count)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("embedding %d dimension mismatch: got %d, want %d", i, len(v), dim)
		}
	}
	return nil
}
