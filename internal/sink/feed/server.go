package feed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"firestige.xyz/dpslens/internal/log"
)

// Server serves the feed handler on its own listener.
type Server struct {
	addr     string
	path     string
	handler  *Handler
	logger   log.Logger
	server   *http.Server
	listener net.Listener
}

// NewServer creates a feed server mounting h at path.
func NewServer(addr, path string, h *Handler, logger log.Logger) *Server {
	if path == "" {
		path = "/feed"
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Server{addr: addr, path: path, handler: h, logger: logger}
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle(s.path, s.handler)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("feed server listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	// No write timeout: websocket connections are long lived.
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.WithField("addr", ln.Addr().String()).WithField("path", s.path).Info("starting feed server")
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("feed server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down. Hijacked websocket connections end when
// the emitter closes their subscriptions.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("feed server shutdown failed: %w", err)
	}
	s.logger.Info("feed server stopped")
	return nil
}
