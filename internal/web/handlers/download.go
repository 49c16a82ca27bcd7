package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"formvault/internal/archive"
	"formvault/pkg/api"
)

// DownloadSessionFiles handles GET /download/session-files.
// The archive is built into object storage by a detached run; the caller
// polls /download/status for the signed result URL.
func (h *Handlers) DownloadSessionFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	jobID, err := h.archive.StartSessionArchive(r.Context(), archive.SessionRequest{
		SessionID:   q.Get("sessionId"),
		OwnerUserID: q.Get("userId"),
	})
	if err != nil {
		h.engineError(w, err)
		return
	}

	h.respondJson(w, http.StatusAccepted, api.SessionArchiveResponse{JobID: jobID})
}

// DownloadFieldFiles handles GET /download/field-files.
// The ZIP is the response body itself; the job id is echoed in a header so
// the client can correlate without parsing the body.
func (h *Handlers) DownloadFieldFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stream, err := h.archive.OpenFieldArchive(r.Context(), archive.FieldRequest{
		SessionID:   q.Get("sessionId"),
		FieldName:   q.Get("fieldName"),
		JobID:       q.Get("uniqueId"),
		OwnerUserID: q.Get("userId"),
	})
	if err != nil {
		h.engineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", stream.Filename()))
	w.Header().Set("X-Job-Id", stream.JobID())
	w.WriteHeader(http.StatusOK)

	if err := stream.WriteTo(r.Context(), w); err != nil {
		if errors.Is(err, archive.ErrCancelled) {
			// The client is gone; the job row already records the
			// cancellation.
			return
		}
		// Headers are out, so no JSON error is possible. Terminate the
		// connection and let the client see a truncated archive.
		h.logger.Error("field download aborted", "job_id", stream.JobID(), "error", err)
		panic(http.ErrAbortHandler)
	}
}
