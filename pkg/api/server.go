package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/flowoffload/pkg/engine"
	"github.com/psaab/flowoffload/pkg/flow"
	"github.com/psaab/flowoffload/pkg/logging"
	"github.com/psaab/flowoffload/pkg/offload"
	"github.com/psaab/flowoffload/pkg/policy"
	"github.com/psaab/flowoffload/pkg/ports"
)

// Engine is the part of the offload engine the API serves.
type Engine interface {
	Shards() int
	ShardFor(k flow.Key) int
	Stats() engine.Snapshot
	Flows(ctx context.Context, shard, limit int) ([]offload.FlowInfo, error)
	RequestRemove(k flow.Key) bool
}

// Config configures the API server.
type Config struct {
	Addr     string
	Auth     *AuthConfig // nil = no authentication
	Driver   string      // flow table backend name, for status
	Engine   Engine
	EventBuf *logging.EventBuffer
	Policy   *policy.Rules // nil when the policy is not rule based
	Ports    *ports.Topology
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	driver     string
	engine     Engine
	eventBuf   *logging.EventBuffer
	policy     *policy.Rules
	ports      *ports.Topology
	startTime  time.Time
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		driver:    cfg.Driver,
		engine:    cfg.Engine,
		eventBuf:  cfg.EventBuf,
		policy:    cfg.Policy,
		ports:     cfg.Ports,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()

	// Health + metrics
	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// REST API v1
	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/statistics", s.statisticsHandler)
	mux.HandleFunc("GET /api/v1/flows", s.flowsHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)
	mux.HandleFunc("GET /api/v1/policy", s.policyHandler)
	mux.HandleFunc("GET /api/v1/ports", s.portsHandler)

	// Mutations
	mux.HandleFunc("POST /api/v1/flows/remove", s.removeFlowHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	s.handler = mux
	if cfg.Auth != nil && len(cfg.Auth.APIKeys) > 0 {
		s.handler = authMiddleware(*cfg.Auth, mux)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP API server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
