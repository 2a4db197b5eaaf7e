package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"rag-gateway/internal/archive"
	"rag-gateway/internal/config"
	"rag-gateway/internal/embedding"
	"rag-gateway/internal/llmservice"
	"rag-gateway/internal/models"
	"rag-gateway/internal/splitter"
)

const defaultTopK = 5

// Index stores embedded chunks and answers nearest neighbour queries
type Index interface {
	Add(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error
	Search(ctx context.Context, vector []float32, k int) ([]models.Match, error)
	Count(ctx context.Context) (int, error)
}

type Options struct {
	Splitter      splitter.Options
	TopK          int
	Generation    llmservice.GenerationConfig
	Brief         config.BriefConfig
	Archive       archive.Store
	ArchivePrefix string
}

// RAG runs the ingestion and query pipelines of one deployment. The same
// embedder embeds documents and questions.
type RAG struct {
	deployment string
	embedder   embedding.Embedder
	index      Index
	generator  llmservice.Generator
	opts       Options
}

func NewRAG(deployment string, embedder embedding.Embedder, index Index, generator llmservice.Generator, opts Options) *RAG {
	if opts.TopK <= 0 {
		opts.TopK = defaultTopK
	}
	if opts.Archive == nil {
		opts.Archive = archive.Nop{}
	}
	return &RAG{
		deployment: deployment,
		embedder:   embedder,
		index:      index,
		generator:  generator,
		opts:       opts,
	}
}

// Deployment returns the name the pipeline was created for
func (r *RAG) Deployment() string {
	return r.deployment
}

// Count returns the number of chunks in the index
func (r *RAG) Count(ctx context.Context) (int, error) {
	n, err := r.index.Count(ctx)
	if err != nil {
		return 0, wrap(err, models.ErrIndexUnavailable)
	}
	return n, nil
}

// logger returns the request scoped logger stored in ctx, falling back to
// the global one
func logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &log.Logger
}

// wrap tags err with sentinel unless it already carries a pipeline error or
// is a context error
func wrap(err, sentinel error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		models.ErrValidation,
		models.ErrParse,
		models.ErrEmbeddingUnavailable,
		models.ErrIndexUnavailable,
		models.ErrGenerationFailed,
		models.ErrTokenizerUnavailable,
		context.Canceled,
		context.DeadlineExceeded,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", sentinel, err)
}
