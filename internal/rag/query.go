package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"rag-gateway/internal/llmservice"
	"rag-gateway/internal/models"
)

// ErrBriefNotConfigured is returned by Brief when no source file is set
var ErrBriefNotConfigured = errors.New("brief is not configured")

// Retrieve embeds the question and returns the TopK closest chunks
func (r *RAG) Retrieve(ctx context.Context, question string) ([]models.Match, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", models.ErrValidation)
	}

	vector, err := r.embedder.EmbedQuery(ctx, question)
	if err != nil {
		return nil, wrap(err, models.ErrEmbeddingUnavailable)
	}

	matches, err := r.index.Search(ctx, vector, r.opts.TopK)
	if err != nil {
		return nil, wrap(err, models.ErrIndexUnavailable)
	}
	logger(ctx).Debug().
		Str("deployment", r.deployment).
		Int("matches", len(matches)).
		Msg("Retrieved context")
	return matches, nil
}

// Query answers question from the retrieved context. An empty index still
// reaches the generator with an empty context section.
func (r *RAG) Query(ctx context.Context, question string) (string, error) {
	resp, err := r.Answer(ctx, question)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Answer is Query that also reports the files the context came from
func (r *RAG) Answer(ctx context.Context, question string) (*models.PromptResponse, error) {
	matches, err := r.Retrieve(ctx, question)
	if err != nil {
		return nil, err
	}
	answer, err := r.generate(ctx, BuildPrompt(matches, question), r.opts.Generation)
	if err != nil {
		return nil, err
	}
	return &models.PromptResponse{
		Query:   question,
		Source:  sources(matches),
		Content: answer,
	}, nil
}

// sources lists the distinct file names of matches in rank order
func sources(matches []models.Match) string {
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		name := m.Chunk.Metadata[models.MetaFilename]
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

// Ask sends question to the generator without retrieval
func (r *RAG) Ask(ctx context.Context, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", fmt.Errorf("%w: query must not be empty", models.ErrValidation)
	}
	return r.generate(ctx, question, r.opts.Generation)
}

// Brief generates a briefing from the configured instruction and the
// contents of the brief source file
func (r *RAG) Brief(ctx context.Context) (string, error) {
	if r.opts.Brief.SourceFile == "" {
		return "", ErrBriefNotConfigured
	}
	data, err := os.ReadFile(r.opts.Brief.SourceFile)
	if err != nil {
		return "", fmt.Errorf("failed to read brief source: %v", err)
	}

	cfg := r.opts.Generation
	cfg.Temperature = r.opts.Brief.Temperature
	prompt := fmt.Sprintf(models.BriefTemplate, r.opts.Brief.Instruction, string(data))
	return r.generate(ctx, prompt, cfg)
}

func (r *RAG) generate(ctx context.Context, prompt string, cfg llmservice.GenerationConfig) (string, error) {
	answer, err := r.generator.Generate(ctx, prompt, cfg)
	if err != nil {
		return "", wrap(err, models.ErrGenerationFailed)
	}
	return answer, nil
}
