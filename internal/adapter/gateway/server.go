package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"medigate/internal/infra/config"
	"medigate/internal/infra/middleware"
)

// Server is the REST gateway in front of the orchestrator. It owns the HTTP
// listener; all routing and request handling lives in Handler.
type Server struct {
	handler   *Handler
	cfg       config.GatewayConfig
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway server around a prepared handler.
func NewServer(handler *Handler, cfg config.GatewayConfig, logger *slog.Logger) *Server {
	return &Server{handler: handler, cfg: cfg, logger: logger}
}

// Start begins serving. It blocks until the context is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	s.handler.Register(mux)

	var root http.Handler = mux
	if s.cfg.RequestsPerMin > 0 {
		root = middleware.RateLimit(ctx, s.cfg.RequestsPerMin, s.cfg.Burst)(root)
	}
	root = middleware.SecurityHeaders(root)

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after
// Start.
func (s *Server) BoundAddr() string { return s.boundAddr }
