package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/populator/internal/core/api"
	"github.com/solatis/populator/internal/core/config"
)

// HTTPServer manages the JSON API listener.
type HTTPServer struct {
	server *http.Server
}

// NewHTTPServer serves handler's routes on the configured HTTP port.
func NewHTTPServer(cfg config.ServerConfig, handler *api.HTTPHandler) (*HTTPServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	return &HTTPServer{
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.HTTPPort)),
			Handler:           handler.Router(cfg.RequestTimeout),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.RequestTimeout,
			WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}, nil
}

// Start binds the listener and serves until Shutdown.
func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.server.Addr, err)
	}
	return s.Serve(listener)
}

// Serve serves on an existing listener. A clean shutdown returns nil.
func (s *HTTPServer) Serve(listener net.Listener) error {
	zap.S().Infow("http server listening", "addr", listener.Addr().String())
	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx ends.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
