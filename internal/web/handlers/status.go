package handlers

import (
	"net/http"

	"formvault/pkg/api"
)

// JobStatus handles GET /download/status.
// It returns the persisted job state for polling clients.
func (h *Handlers) JobStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jobID := q.Get("jobId")
	userID := q.Get("userId")
	if jobID == "" || userID == "" {
		h.httpError(w, "jobId and userId are required", api.CodeValidation, http.StatusBadRequest)
		return
	}

	job, err := h.jobs.GetJob(r.Context(), jobID, userID)
	if err != nil {
		h.engineError(w, err)
		return
	}

	h.respondJson(w, http.StatusOK, api.JobStatusResponse{
		JobID:          job.ID,
		Kind:           string(job.Kind),
		Status:         string(job.Status),
		Progress:       job.Progress,
		TotalUnits:     job.TotalUnits,
		ProcessedUnits: job.ProcessedUnits,
		FieldName:      job.FieldName,
		ResultLocation: job.ResultLocation,
		ErrorMessage:   job.ErrorMessage,
		ExpiresAt:      job.ExpiresAt,
	})
}
