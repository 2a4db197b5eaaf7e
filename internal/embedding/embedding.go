package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"rag-gateway/internal/config"
	"rag-gateway/internal/helper"
	"rag-gateway/internal/models"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

// Embedder maps text to fixed length vectors. Every vector produced by one
// Embedder has the same dimension.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// New creates the embedder described by cfg
func New(ctx context.Context, cfg config.LLMConfig) (Embedder, error) {
	log.Debug().Interface("config", map[string]string{
		"kind":            cfg.Kind,
		"base_url":        cfg.BaseURL,
		"embedding_model": cfg.Model,
	}).Msg("Creating embedder")

	switch cfg.Kind {
	case config.KindOllama:
		return NewOllamaEmbedder(cfg)
	case config.KindOpenRouter:
		return NewOpenRouterEmbedder(cfg)
	case config.KindVertex:
		return NewVertexEmbedder(ctx, cfg)
	case config.KindOpenAI:
		return NewOpenAIEmbedder(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown embedder kind %q", models.ErrValidation, cfg.Kind)
	}
}

// NewOllamaEmbedder creates an embedder backed by a local ollama server
func NewOllamaEmbedder(cfg config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(cfg.BaseURL),
		ollama.WithModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama: %v", err)
	}
	return embeddings.NewEmbedder(llm)
}

// NewOpenRouterEmbedder creates an embedder for any OpenAI compatible endpoint
func NewOpenRouterEmbedder(cfg config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}
	llm, err := openai.New(
		openai.WithBaseURL(baseURL),
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openrouter: %v", err)
	}
	return embeddings.NewEmbedder(llm)
}

// NewVertexEmbedder creates an embedder backed by Vertex AI
func NewVertexEmbedder(ctx context.Context, cfg config.LLMConfig) (*embeddings.EmbedderImpl, error) {
	llm, err := vertex.New(ctx,
		googleai.WithCloudProject(cfg.Project),
		googleai.WithCloudLocation(cfg.Location),
		googleai.WithDefaultEmbeddingModel(cfg.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vertex: %v", err)
	}
	return embeddings.NewEmbedder(llm)
}

type retryingEmbedder struct {
	next   Embedder
	policy helper.RetryPolicy
}

// WithRetry retries transient failures of e and reports the final failure as
// models.ErrEmbeddingUnavailable. It also rejects responses whose shape does
// not match the request.
func WithRetry(e Embedder, policy helper.RetryPolicy) Embedder {
	return &retryingEmbedder{next: e, policy: policy}
}

func (r *retryingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vectors, err := helper.Retry(ctx, r.policy, "embed_documents", func(ctx context.Context) ([][]float32, error) {
		return r.next.EmbedDocuments(ctx, texts)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", models.ErrEmbeddingUnavailable, len(vectors), len(texts))
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 || len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", models.ErrEmbeddingUnavailable, i, len(v), dim)
		}
	}
	return vectors, nil
}

func (r *retryingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vector, err := helper.Retry(ctx, r.policy, "embed_query", func(ctx context.Context) ([]float32, error) {
		return r.next.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, unavailable(err)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: empty query vector", models.ErrEmbeddingUnavailable)
	}
	return vector, nil
}

// unavailable leaves context errors unwrapped
func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", models.ErrEmbeddingUnavailable, err)
}
