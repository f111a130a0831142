package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clearline-hq/clearline/internal/auth"
)

// Server is the clearline HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds dependencies and settings for creating a Server.
type Config struct {
	Handlers *Handlers
	JWTMgr   *auth.JWTManager
	Logger   *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := cfg.Handlers

	mux := http.NewServeMux()

	// Token exchange (no auth required).
	mux.HandleFunc("POST /v1/auth/token", h.HandleAuthToken)

	// Transaction submission and lookup (any authenticated caller; per-agent
	// access is enforced in the handlers).
	mux.HandleFunc("POST /v1/transactions", h.HandleSubmitTransaction)
	mux.HandleFunc("GET /v1/transactions/{tx_id}", h.HandleGetTransaction)
	mux.HandleFunc("GET /v1/agents/{agent_id}", h.HandleGetAgent)

	// Operator surface: account management and treasury inspection.
	opOnly := requireOperator
	mux.Handle("POST /v1/agents", opOnly(http.HandlerFunc(h.HandleCreateAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/freeze", opOnly(http.HandlerFunc(h.HandleFreezeAgent)))
	mux.Handle("POST /v1/agents/{agent_id}/unfreeze", opOnly(http.HandlerFunc(h.HandleUnfreezeAgent)))
	mux.Handle("GET /v1/treasury/{pool_id}", opOnly(http.HandlerFunc(h.HandleGetTreasury)))

	// Health (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
