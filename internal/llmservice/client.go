package llmservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"rag-gateway/internal/config"
	"rag-gateway/internal/helper"
	"rag-gateway/internal/models"
)

const defaultOpenRouterURL = "https://openrouter.ai/api/v1"

// GenerationConfig holds the sampling knobs of a single generate call
type GenerationConfig struct {
	MaxOutputTokens int
	Temperature     float64
	TopP            float64
}

// FromConfig converts the yaml generation section
func FromConfig(c config.GenerationConfig) GenerationConfig {
	return GenerationConfig{
		MaxOutputTokens: c.MaxOutputTokens,
		Temperature:     c.Temperature,
		TopP:            c.TopP,
	}
}

// Generator produces text for a prompt
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerationConfig) (string, error)
}

// New creates the generator described by cfg
func New(ctx context.Context, cfg config.LLMConfig) (Generator, error) {
	log.Debug().Interface("config", map[string]string{
		"kind":     cfg.Kind,
		"base_url": cfg.BaseURL,
		"model":    cfg.Model,
	}).Msg("Creating generator")

	switch cfg.Kind {
	case config.KindOllama:
		llm, err := ollama.New(
			ollama.WithServerURL(cfg.BaseURL),
			ollama.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama: %v", err)
		}
		return NewLangChainGenerator(llm), nil
	case config.KindOpenRouter:
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = defaultOpenRouterURL
		}
		llm, err := openai.New(
			openai.WithBaseURL(baseURL),
			openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
			openai.WithModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openrouter: %v", err)
		}
		return NewLangChainGenerator(llm), nil
	case config.KindVertex:
		llm, err := vertex.New(ctx,
			googleai.WithCloudProject(cfg.Project),
			googleai.WithCloudLocation(cfg.Location),
			googleai.WithDefaultModel(cfg.Model),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize vertex: %v", err)
		}
		return NewLangChainGenerator(llm), nil
	case config.KindOpenAI:
		return NewOpenAIGenerator(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown generator kind %q", models.ErrValidation, cfg.Kind)
	}
}

// LangChainGenerator adapts any langchaingo model
type LangChainGenerator struct {
	llm llms.Model
}

func NewLangChainGenerator(llm llms.Model) *LangChainGenerator {
	return &LangChainGenerator{llm: llm}
}

func (g *LangChainGenerator) Generate(ctx context.Context, prompt string, opts GenerationConfig) (string, error) {
	var callOpts []llms.CallOption
	if opts.MaxOutputTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxOutputTokens))
	}
	callOpts = append(callOpts,
		llms.WithTemperature(opts.Temperature),
		llms.WithTopP(opts.TopP),
	)
	return llms.GenerateFromSinglePrompt(ctx, g.llm, prompt, callOpts...)
}

type retryingGenerator struct {
	next   Generator
	policy helper.RetryPolicy
}

// WithRetry retries transient failures of g and reports the final failure as
// models.ErrGenerationFailed
func WithRetry(g Generator, policy helper.RetryPolicy) Generator {
	return &retryingGenerator{next: g, policy: policy}
}

func (r *retryingGenerator) Generate(ctx context.Context, prompt string, opts GenerationConfig) (string, error) {
	text, err := helper.Retry(ctx, r.policy, "generate", func(ctx context.Context) (string, error) {
		return r.next.Generate(ctx, prompt, opts)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", models.ErrGenerationFailed, err)
	}
	return text, nil
}
