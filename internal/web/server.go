// Package web wires the HTTP API for formvault.
package web

import (
	"context"
	"net/http"
	"time"

	"formvault/internal/web/handlers"
	"formvault/internal/web/middleware"
)

// Server is the HTTP server for the formvault API.
type Server struct {
	httpServer *http.Server
}

// New creates a new API server.
func New(addr string, h *handlers.Handlers, metricsHandler http.Handler, ratePerSecond float64, rateBurst int) *Server {
	rl := middleware.RateLimit(ratePerSecond, rateBurst)

	mux := http.NewServeMux()

	// Job-creating endpoints sit behind the per-user rate limiter.
	mux.Handle("POST /bulk-forms", rl(http.HandlerFunc(h.CreateBulkForms)))
	mux.Handle("GET /download/session-files", rl(http.HandlerFunc(h.DownloadSessionFiles)))
	mux.Handle("GET /download/field-files", rl(http.HandlerFunc(h.DownloadFieldFiles)))

	mux.HandleFunc("POST /bulk-forms/{id}/cancel", h.CancelBulkForms)
	mux.HandleFunc("GET /download/status", h.JobStatus)
	mux.HandleFunc("GET /healthz", h.Health)

	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 30 * time.Second,
			// No write timeout: field downloads stream for as long as
			// the archive takes.
			WriteTimeout: 0,
		},
	}
}

// Run starts the HTTP server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return s.Shutdown(shutDownCtx)
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
