package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Server runs the read API on its own listener.
type Server struct {
	srv *http.Server
}

// NewServer wraps the router in an http.Server bound to addr.
func NewServer(addr string, d Deps) *Server {
	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start listens in a background goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("api server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server failed", "error", err)
		}
	}()
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
