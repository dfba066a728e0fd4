// Package server runs the registrar's HTTP handler on a TCP address and,
// optionally, a unix socket for co-located callers.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"
)

const shutdownTimeout = 10 * time.Second

type Config struct {
	Addr       string
	SocketPath string
	Handler    http.Handler
	Logger     *slog.Logger
}

type Server struct {
	cfg    Config
	http   *http.Server
	unix   *http.Server
	unixLn net.Listener
	logger *slog.Logger
}

func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("addr required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	// No write timeout: the worker feed is a long-lived websocket.
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           cfg.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s := &Server{cfg: cfg, http: srv, logger: logger}

	if cfg.SocketPath != "" {
		if err := os.Remove(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
		ln, err := net.Listen("unix", cfg.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("unix listen: %w", err)
		}
		if err := os.Chmod(cfg.SocketPath, 0660); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		s.unixLn = ln
		s.unix = &http.Server{Handler: cfg.Handler, ReadHeaderTimeout: 10 * time.Second}
	}
	return s, nil
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	if s.unixLn != nil {
		go func() {
			if err := s.unix.Serve(s.unixLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("unix socket server failed", "error", err)
			}
		}()
		s.logger.Info("listening on unix socket", "path", s.cfg.SocketPath)
	}
	go func() {
		s.logger.Info("server listening", "addr", s.cfg.Addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.unix != nil {
		if err := s.unix.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.cfg.SocketPath != "" {
		os.Remove(s.cfg.SocketPath)
	}
	if err := s.http.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SocketPath returns the configured socket path, or empty if not configured.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}
