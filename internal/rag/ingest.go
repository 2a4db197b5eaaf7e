package rag

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"rag-gateway/internal/archive"
	"rag-gateway/internal/helper"
	"rag-gateway/internal/models"
	"rag-gateway/internal/parser"
	"rag-gateway/internal/splitter"
)

// State is a step of the ingestion of one upload
type State string

const (
	StateReceived State = "received"
	StateParsed   State = "parsed"
	StateSplit    State = "split"
	StateEmbedded State = "embedded"
	StateIndexed  State = "indexed"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Upload is a file received by an upload route or the ingest command
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IngestResult reports how far an ingestion got
type IngestResult struct {
	Filename string
	Chunks   int
	State    State
}

type ingestion struct {
	r      *RAG
	ctx    context.Context
	result *IngestResult
}

func (in *ingestion) enter(s State) {
	in.result.State = s
	logger(in.ctx).Debug().
		Str("deployment", in.r.deployment).
		Str("filename", in.result.Filename).
		Str("state", string(s)).
		Int("chunks", in.result.Chunks).
		Msg("Ingestion state")
}

func (in *ingestion) fail(err error) (*IngestResult, error) {
	logger(in.ctx).Error().Err(err).
		Str("deployment", in.r.deployment).
		Str("filename", in.result.Filename).
		Str("failed_at", string(in.result.State)).
		Msg("Ingestion failed")
	in.result.State = StateFailed
	return in.result, err
}

// Ingest parses, splits, embeds and indexes one upload. All chunks are
// embedded before the index is touched and are added as a single batch, so
// a failed ingestion leaves the index unchanged.
func (r *RAG) Ingest(ctx context.Context, up Upload) (*IngestResult, error) {
	in := &ingestion{r: r, ctx: ctx, result: &IngestResult{Filename: up.Filename}}
	in.enter(StateReceived)

	if strings.TrimSpace(up.Filename) == "" {
		return in.fail(fmt.Errorf("%w: file name is required", models.ErrValidation))
	}
	if len(up.Data) == 0 {
		return in.fail(fmt.Errorf("%w: %s is empty", models.ErrValidation, up.Filename))
	}

	doc, err := parser.Parse(up.Filename, up.Data)
	if err != nil {
		return in.fail(wrap(err, models.ErrParse))
	}
	doc.ContentType = up.ContentType
	in.enter(StateParsed)

	texts, err := splitter.Split(doc.Text, r.opts.Splitter)
	if err != nil {
		return in.fail(wrap(err, models.ErrParse))
	}
	chunks, err := r.buildChunks(doc, texts)
	if err != nil {
		return in.fail(err)
	}
	in.result.Chunks = len(chunks)
	in.enter(StateSplit)

	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return in.fail(wrap(err, models.ErrEmbeddingUnavailable))
	}
	if len(vectors) != len(chunks) {
		return in.fail(fmt.Errorf("%w: got %d vectors for %d chunks", models.ErrEmbeddingUnavailable, len(vectors), len(chunks)))
	}
	in.enter(StateEmbedded)

	if err := r.index.Add(ctx, chunks, vectors); err != nil {
		return in.fail(wrap(err, models.ErrIndexUnavailable))
	}
	in.enter(StateIndexed)

	r.archive(ctx, doc)
	in.enter(StateDone)

	logger(ctx).Info().
		Str("deployment", r.deployment).
		Str("filename", up.Filename).
		Int("chunks", len(chunks)).
		Msg("Document indexed")
	return in.result, nil
}

// IngestMany ingests uploads in order and stops at the first failure.
// Uploads before the failing one stay indexed.
func (r *RAG) IngestMany(ctx context.Context, uploads []Upload) ([]*IngestResult, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("%w: no files uploaded", models.ErrValidation)
	}
	results := make([]*IngestResult, 0, len(uploads))
	for _, up := range uploads {
		res, err := r.Ingest(ctx, up)
		if err != nil {
			return results, fmt.Errorf("%s: %w", up.Filename, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (r *RAG) buildChunks(doc *models.Document, texts []string) ([]models.Chunk, error) {
	chunks := make([]models.Chunk, len(texts))
	for i, text := range texts {
		id, err := helper.GenerateUUID()
		if err != nil {
			return nil, err
		}
		meta := map[string]string{
			models.MetaFilename:   doc.Filename,
			models.MetaChunkIndex: strconv.Itoa(i),
			models.MetaDeployment: r.deployment,
		}
		if doc.Language != "" {
			meta[models.MetaLanguage] = doc.Language
		}
		chunks[i] = models.Chunk{
			ID:       id,
			Content:  text,
			ChunkID:  i,
			Metadata: meta,
		}
	}
	return chunks, nil
}

// archive stores the raw upload. Failures are logged and otherwise ignored.
func (r *RAG) archive(ctx context.Context, doc *models.Document) {
	if _, nop := r.opts.Archive.(archive.Nop); nop {
		return
	}
	id, err := helper.GenerateUUID()
	if err != nil {
		logger(ctx).Warn().Err(err).Msg("Skipping archive")
		return
	}
	key := archive.ObjectKey(r.opts.ArchivePrefix, r.deployment, id, doc.Filename, time.Now())
	if err := r.opts.Archive.Put(ctx, key, doc.Data, doc.ContentType); err != nil {
		logger(ctx).Warn().Err(err).Str("key", key).Msg("Failed to archive upload")
	}
}
