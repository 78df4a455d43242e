// Package api exposes the local control surface: run lifecycle, pipeline
// status, record browsing, cache maintenance, and dataset export. The server
// binds to loopback only; remote access goes through the dataset service.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/cache"
	"github.com/vidcurate/curatord/internal/export"
	"github.com/vidcurate/curatord/internal/run"
	"github.com/vidcurate/curatord/internal/sink"
)

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port         int
	Orchestrator *run.Orchestrator
	Repository   run.Repository
	Sink         *sink.Sink
	Cache        *cache.Store
	Doctor       *annotate.CachedDoctor
	Exporter     *export.Exporter
	Logger       *slog.Logger
	StartTime    time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
