package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"rag-gateway/internal/archive"
	"rag-gateway/internal/chromemdb"
	"rag-gateway/internal/config"
	"rag-gateway/internal/db"
	"rag-gateway/internal/embedding"
	"rag-gateway/internal/helper"
	"rag-gateway/internal/llmservice"
	"rag-gateway/internal/rag"
	"rag-gateway/internal/splitter"
)

// app holds what the commands share: the loaded config and the wired
// deployments
type app struct {
	cfg         *config.Config
	cache       *embedding.RedisCache
	deployments map[string]*deployment
}

type deployment struct {
	name    string
	cfg     *config.DeploymentConfig
	rag     *rag.RAG
	chromem *chromemdb.VectorDBManager
	pg      *db.Store
}

// newApp loads the configuration and builds the deployment called only, or
// every enabled deployment when only is empty
func newApp(ctx context.Context, cmd *cli.Command, only string) (*app, error) {
	cfg, err := config.LoadConfig(cmd.String("config"), cmd.String("env"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	setupLogger(cfg.Log)
	log.Debug().Str("config", cmd.String("config")).Msg("Loaded config")

	a := &app{cfg: cfg, deployments: make(map[string]*deployment)}

	if cfg.Redis.Addr != "" {
		cache := embedding.NewRedisCache(cfg.Redis)
		if err := cache.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Embedding cache unavailable, continuing without it")
			cache.Close()
		} else {
			a.cache = cache
		}
	}
	store := archive.New(cfg.Archive)

	names := []string{config.DeploymentAssistant, config.DeploymentGemini}
	if only != "" {
		names = []string{only}
	}
	for _, name := range names {
		dc, err := cfg.Deployment(name)
		if err != nil {
			a.close(false)
			return nil, err
		}
		if !dc.Enabled {
			if only != "" {
				a.close(false)
				return nil, fmt.Errorf("deployment %s is disabled", name)
			}
			continue
		}
		d, err := a.buildDeployment(ctx, name, dc, store)
		if err != nil {
			a.close(false)
			return nil, fmt.Errorf("failed to set up %s: %w", name, err)
		}
		a.deployments[name] = d
	}
	return a, nil
}

func (a *app) buildDeployment(ctx context.Context, name string, dc *config.DeploymentConfig, store archive.Store) (*deployment, error) {
	if dc.RAG.ChunkMode == config.ChunkModeTokens {
		if _, err := splitter.DefaultTokenizer(); err != nil {
			return nil, err
		}
	}

	policy := helper.RetryPolicy{
		MaxRetries: a.cfg.Retry.MaxRetries,
		BaseDelay:  a.cfg.Retry.BaseDelay,
		MaxDelay:   a.cfg.Retry.MaxDelay,
	}

	embedder, err := embedding.New(ctx, dc.EmbedLLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	if a.cache != nil {
		embedder = embedding.NewCachedEmbedder(embedder, a.cache, dc.EmbedLLM.Model, a.cfg.Redis.TTL)
	}
	embedder = embedding.WithRetry(embedder, policy)

	generator, err := llmservice.New(ctx, dc.InferenceLLM)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize generator: %w", err)
	}
	generator = llmservice.WithRetry(generator, policy)

	d := &deployment{name: name, cfg: dc}
	var index rag.Index
	switch dc.VectorStore.Kind {
	case config.StorePgvector:
		d.pg = db.NewStore(dc.VectorStore.Database, dc.EmbedLLM.Dimension)
		if err := d.pg.Init(ctx); err != nil {
			d.pg.Close()
			return nil, err
		}
		index = d.pg
	default:
		d.chromem, err = chromemdb.NewVectorDBManager(dc.VectorStore)
		if err != nil {
			return nil, err
		}
		if err := d.chromem.Import(ctx); err != nil {
			return nil, err
		}
		index = d.chromem
	}

	d.rag = rag.NewRAG(name, embedder, index, generator, rag.Options{
		Splitter: splitter.Options{
			Mode:      dc.RAG.ChunkMode,
			Size:      dc.RAG.ChunkSize,
			Overlap:   dc.RAG.ChunkOverlap,
			MaxChunks: dc.RAG.MaxChunks,
		},
		TopK:          dc.RAG.TopK,
		Generation:    llmservice.FromConfig(dc.Generation),
		Brief:         dc.Brief,
		Archive:       store,
		ArchivePrefix: a.cfg.Archive.Prefix,
	})

	log.Info().
		Str("deployment", name).
		Str("embedder", dc.EmbedLLM.Kind+"/"+dc.EmbedLLM.Model).
		Str("generator", dc.InferenceLLM.Kind+"/"+dc.InferenceLLM.Model).
		Str("index", dc.VectorStore.Kind).
		Msg("Deployment ready")
	return d, nil
}

// close releases the deployments. With export set, chromem collections that
// have an export path are written to it first.
func (a *app) close(export bool) {
	for name, d := range a.deployments {
		if d.chromem != nil && export && d.chromem.ExportPath() != "" {
			if err := d.chromem.Export(context.Background()); err != nil {
				log.Error().Err(err).Str("deployment", name).Msg("Error exporting collection")
			}
		}
		if d.pg != nil {
			if err := d.pg.Close(); err != nil {
				log.Error().Err(err).Str("deployment", name).Msg("Error closing database")
			}
		}
	}
	if a.cache != nil {
		a.cache.Close()
	}
}
