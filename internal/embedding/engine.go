// Package embedding provides vector embedding generation plus the chunking
// machinery that keeps inputs inside each model's token limit. Backends:
// any OpenAI-compatible endpoint, or Google GenAI.
package embedding

import (
	"context"
	"math"

	"github.com/000haoji/deep-student-sub006/internal/apperr"
	"github.com/000haoji/deep-student-sub006/internal/config"
	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// =============================================================================
// EMBEDDING ENGINE INTERFACE
// =============================================================================

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Name returns the engine name for logging and usage records.
	Name() string

	// Model returns the model identifier, used for token-limit lookup.
	Model() string
}

// ImageEmbedder is the optional multimodal capability. Engines that support
// it embed an image (with optional caption text) into the VL vector space.
type ImageEmbedder interface {
	EmbedImage(ctx context.Context, imageData []byte, mimeType, caption string) ([]float32, error)
}

// HealthChecker is an optional interface for engines that can verify
// availability before batch operations.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// =============================================================================
// FACTORY
// =============================================================================

// NewEngine creates an embedding engine from configuration. The API key is
// resolved by the caller (secure store) and passed in.
func NewEngine(cfg config.EmbeddingConfig, apiKey string) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("creating embedding engine: provider=%s model=%s", cfg.Provider, cfg.Model)

	switch cfg.Provider {
	case "openai", "":
		return NewOpenAIEngine(cfg.BaseURL, apiKey, cfg.Model), nil
	case "genai":
		return NewGenAIEngine(apiKey, cfg.Model, "RETRIEVAL_DOCUMENT")
	default:
		return nil, apperr.Configuration("embedding.NewEngine",
			"unsupported embedding provider %q (use 'openai' or 'genai')", cfg.Provider)
	}
}

// EmbedChunked chunks text for the engine's model, embeds every chunk, and
// aggregates per the strategy.
func EmbedChunked(ctx context.Context, e Engine, text string, strategy Aggregation) ([][]float32, error) {
	chunks := ChunkForModel(text, e.Model())
	vectors, err := e.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, apperr.LLM("embedding.EmbedChunked", "backend returned no vectors for %d chunks", len(chunks))
	}
	return Aggregate(vectors, strategy), nil
}

// =============================================================================
// AGGREGATION
// =============================================================================

// Aggregation selects how multi-chunk embeddings collapse into a result.
type Aggregation string

const (
	// AggFirst returns only the first chunk's vector (title-biased).
	AggFirst Aggregation = "first"
	// AggMeanPooling averages the vectors and L2-normalizes. Default.
	AggMeanPooling Aggregation = "mean_pooling"
	// AggKeepAll returns every chunk's vector.
	AggKeepAll Aggregation = "keep_all"
)

// Aggregate applies the strategy to a non-empty vector set.
func Aggregate(vectors [][]float32, strategy Aggregation) [][]float32 {
	if len(vectors) <= 1 {
		return vectors
	}
	switch strategy {
	case AggFirst:
		return vectors[:1]
	case AggKeepAll:
		return vectors
	default:
		return [][]float32{meanPool(vectors)}
	}
}

func meanPool(vectors [][]float32) []float32 {
	dim := len(vectors[0])
	sum := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, f := range v {
			sum[i] += float64(f)
		}
		n++
	}
	if n == 0 {
		return vectors[0]
	}

	var norm float64
	for i := range sum {
		sum[i] /= float64(n)
		norm += sum[i] * sum[i]
	}
	mean := make([]float32, dim)
	if norm == 0 {
		for i := range sum {
			mean[i] = float32(sum[i])
		}
		return mean
	}
	norm = math.Sqrt(norm)
	for i := range sum {
		mean[i] = float32(sum[i] / norm)
	}
	return mean
}
