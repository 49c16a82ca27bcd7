// Package handlers contains HTTP handlers for the formvault API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"formvault/internal/archive"
	"formvault/internal/bulk"
	"formvault/internal/store"
	"formvault/pkg/api"
)

// Pinger reports database connectivity for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	bulk    *bulk.Engine
	archive *archive.Engine
	jobs    store.JobStore
	db      Pinger
	logger  *slog.Logger
}

// New creates a new Handlers instance.
func New(bulkEngine *bulk.Engine, archiveEngine *archive.Engine, jobs store.JobStore, db Pinger, logger *slog.Logger) *Handlers {
	return &Handlers{
		bulk:    bulkEngine,
		archive: archiveEngine,
		jobs:    jobs,
		db:      db,
		logger:  logger,
	}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message, code string, status int) {
	h.respondJson(w, status, api.ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// engineError maps engine and store errors to JSON error responses.
func (h *Handlers) engineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bulk.ErrInvalidCount),
		errors.Is(err, bulk.ErrInvalidBatchSize),
		errors.Is(err, bulk.ErrInvalidBasePhone),
		errors.Is(err, bulk.ErrMissingAttachment),
		errors.Is(err, archive.ErrMissingSessionID),
		errors.Is(err, archive.ErrMissingFieldName),
		errors.Is(err, archive.ErrMissingJobID):
		h.httpError(w, err.Error(), api.CodeValidation, http.StatusBadRequest)
	case errors.Is(err, store.ErrSessionNotFound):
		h.httpError(w, "Session not found", api.CodeSessionNotFound, http.StatusNotFound)
	case errors.Is(err, store.ErrOrgNotFound):
		h.httpError(w, "Organization not found", api.CodeOrgNotFound, http.StatusNotFound)
	case errors.Is(err, store.ErrJobNotFound):
		h.httpError(w, "Job not found", api.CodeJobNotFound, http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicateJobID):
		h.httpError(w, "Job id already exists", api.CodeDuplicateJob, http.StatusConflict)
	case errors.Is(err, bulk.ErrFormLimitExceeded):
		h.httpError(w, "Form limit exceeded", api.CodeFormLimitExceeded, http.StatusConflict)
	case errors.Is(err, archive.ErrNoFiles):
		h.httpError(w, "No files found", api.CodeNoFilesFound, http.StatusNotFound)
	default:
		h.logger.Error("request failed", "error", err)
		h.httpError(w, "Internal error", api.CodeInternal, http.StatusInternalServerError)
	}
}
