package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"rag-gateway/internal/config"
)

const (
	configFilePath  = "./configs/config.yaml"
	envFilePath     = ".env"
	shutdownTimeout = 30 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()

	app := &cli.Command{
		Name:  "rag-gateway",
		Usage: "document upload and retrieval augmented question answering",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the YAML config file",
				Value: configFilePath,
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to an optional .env file",
				Value: envFilePath,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start the HTTP server",
				Action: serveAction,
			},
			{
				Name:  "ingest",
				Usage: "parse, embed and index documents",
				Flags: []cli.Flag{
					deploymentFlag(),
					&cli.StringSliceFlag{
						Name:     "file",
						Usage:    "document to ingest, may be repeated",
						Required: true,
					},
				},
				Action: ingestAction,
			},
			{
				Name:   "query",
				Usage:  "answer a question from the indexed documents",
				Flags:  []cli.Flag{deploymentFlag(), questionFlag()},
				Action: queryAction,
			},
			{
				Name:   "ask",
				Usage:  "send a question to the model without retrieval",
				Flags:  []cli.Flag{deploymentFlag(), questionFlag()},
				Action: askAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func deploymentFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "deployment",
		Usage: "deployment to use (assistant or gemini)",
		Value: config.DeploymentAssistant,
	}
}

func questionFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "q",
		Usage:    "question to answer",
		Required: true,
	}
}

// setupLogger applies the configured level and format to the global logger
func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Caller().Logger()
}
