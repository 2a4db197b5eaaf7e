package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"rag-gateway/internal/config"
	"rag-gateway/internal/rag"
	"rag-gateway/internal/workerpool"
)

// Deployment mounts one pipeline under BasePath
type Deployment struct {
	RAG      *rag.RAG
	BasePath string
}

// Routes lists the deployments to serve. A nil deployment is not mounted.
type Routes struct {
	Assistant *Deployment
	Gemini    *Deployment
}

type Server struct {
	cfg    config.ServerConfig
	pool   *workerpool.Pool
	router *gin.Engine
	srv    *http.Server
}

func New(cfg config.ServerConfig, pool *workerpool.Pool, routes Routes) *Server {
	router := gin.New()
	if cfg.MaxUploadBytes > 0 {
		router.MaxMultipartMemory = cfg.MaxUploadBytes
	}
	router.Use(
		requestLogger(),
		gin.CustomRecovery(recovery),
		timeout(cfg.RequestTimeout),
	)

	s := &Server{
		cfg:    cfg,
		pool:   pool,
		router: router,
	}

	router.NoRoute(noRoute)
	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	if routes.Assistant != nil {
		s.mountAssistant(routes.Assistant)
	}
	if routes.Gemini != nil {
		s.mountGemini(routes.Gemini)
	}

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until the server fails or is shut down
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) mountAssistant(d *Deployment) {
	h := &handler{rag: d.RAG, pool: s.pool, maxUpload: s.cfg.MaxUploadBytes}
	g := s.router.Group(d.BasePath)
	g.GET("/ask", h.ask)
	g.POST("/documents/upload", h.uploadWithCount)
	g.GET("/documents/query", h.queryParam)
	log.Debug().Str("deployment", d.RAG.Deployment()).Str("base_path", d.BasePath).Msg("Routes mounted")
}

func (s *Server) mountGemini(d *Deployment) {
	h := &handler{rag: d.RAG, pool: s.pool, maxUpload: s.cfg.MaxUploadBytes}
	g := s.router.Group(d.BasePath)
	g.GET("", h.brief)
	g.POST("/upload", h.upload)
	g.POST("/upload-multiple", h.uploadMultiple)
	g.POST("/query", h.queryBody)
	log.Debug().Str("deployment", d.RAG.Deployment()).Str("base_path", d.BasePath).Msg("Routes mounted")
}
