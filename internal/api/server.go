// Package api provides the management HTTP API: health and runtime
// statistics for the daemon, served with Gin.
//
// Security note: bind the API to localhost unless the network is trusted;
// there is no authentication layer.
package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akorchagin/mailsift/internal/config"
	"github.com/akorchagin/mailsift/internal/resolver"
	"github.com/akorchagin/mailsift/internal/worker"
)

// Deps are the daemon components the API reports on. The stats sources
// are safe to read from the HTTP goroutines.
type Deps struct {
	WorkerStats   func() worker.StatsSnapshot
	ResolverStats func() resolver.StatsSnapshot
	ServerStates  func() []resolver.ServerState
}

// Server is the management HTTP server.
type Server struct {
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	h := &handler{logger: logger, deps: deps, started: time.Now()}
	engine.GET("/health", h.health)
	engine.GET("/stats", h.stats)
	engine.GET("/dns/servers", h.dnsServers)

	addr := net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port))
	return &Server{
		logger: logger,
		engine: engine,
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// ListenAndServe blocks serving requests.
func (s *Server) ListenAndServe() error { return s.httpServer.ListenAndServe() }

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }
