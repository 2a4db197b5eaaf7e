package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"rag-gateway/internal/config"
	"rag-gateway/internal/helper"
	"rag-gateway/internal/rag"
	"rag-gateway/internal/server"
	"rag-gateway/internal/workerpool"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(ctx, cmd, "")
	if err != nil {
		return err
	}
	defer a.close(true)

	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	pool := workerpool.New(a.cfg.Server.Workers, a.cfg.Server.QueueSize)
	defer pool.Close()

	var routes server.Routes
	if d, ok := a.deployments[config.DeploymentAssistant]; ok {
		routes.Assistant = &server.Deployment{RAG: d.rag, BasePath: d.cfg.BasePath}
	}
	if d, ok := a.deployments[config.DeploymentGemini]; ok {
		routes.Gemini = &server.Deployment{RAG: d.rag, BasePath: d.cfg.BasePath}
	}
	srv := server.New(a.cfg.Server, pool, routes)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func ingestAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.String("deployment")
	a, err := newApp(ctx, cmd, name)
	if err != nil {
		return err
	}
	defer a.close(true)

	var uploads []rag.Upload
	for _, path := range cmd.StringSlice("file") {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %v", path, err)
		}
		uploads = append(uploads, rag.Upload{
			Filename:    filepath.Base(path),
			ContentType: mime.TypeByExtension(filepath.Ext(path)),
			Data:        data,
		})
	}

	results, err := a.deployments[name].rag.IngestMany(ctx, uploads)
	for _, res := range results {
		fmt.Printf("%s: %d chunks\n", res.Filename, res.Chunks)
	}
	return err
}

func queryAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.String("deployment")
	a, err := newApp(ctx, cmd, name)
	if err != nil {
		return err
	}
	defer a.close(false)

	resp, err := a.deployments[name].rag.Answer(ctx, cmd.String("q"))
	if err != nil {
		return err
	}
	helper.PrettyPrint(resp)
	return nil
}

func askAction(ctx context.Context, cmd *cli.Command) error {
	name := cmd.String("deployment")
	a, err := newApp(ctx, cmd, name)
	if err != nil {
		return err
	}
	defer a.close(false)

	answer, err := a.deployments[name].rag.Ask(ctx, cmd.String("q"))
	if err != nil {
		return err
	}
	log.Debug().Str("deployment", name).Msg("Answer received")
	fmt.Println(answer)
	return nil
}
