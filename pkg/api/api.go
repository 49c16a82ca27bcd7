// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the server.
package api

import "time"

// BulkFormsResponse is the response body after accepting a bulk generation job.
type BulkFormsResponse struct {
	JobID string `json:"job_id"`
}

// SessionArchiveResponse is the response body after accepting a session archive job.
type SessionArchiveResponse struct {
	JobID string `json:"job_id"`
}

// JobStatusResponse is the response body for GET /download/status.
type JobStatusResponse struct {
	JobID          string     `json:"job_id"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	Progress       int        `json:"progress"`
	TotalUnits     int        `json:"total_units,omitempty"`
	ProcessedUnits int        `json:"processed_units,omitempty"`
	FieldName      *string    `json:"field_name"`
	ResultLocation *string    `json:"result_location"`
	ErrorMessage   *string    `json:"error_message"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Machine-readable error codes returned in ErrorResponse.Code.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeOrgNotFound       = "ORGANIZATION_NOT_FOUND"
	CodeJobNotFound       = "JOB_NOT_FOUND"
	CodeDuplicateJob      = "DUPLICATE_JOB_ID"
	CodeFormLimitExceeded = "FORM_LIMIT_EXCEEDED"
	CodeNoFilesFound      = "NO_FILES_FOUND"
	CodeInternal          = "INTERNAL_ERROR"
)

// ProgressEvent is the payload published on the notification channel during
// active processing. Emitted per processed unit; consumers may coalesce.
type ProgressEvent struct {
	JobID        string  `json:"job_id"`
	OwnerUserID  string  `json:"owner_user_id"`
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	FieldName    *string `json:"field_name,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// SnapshotEvent tells subscribers to re-fetch the job's persisted state.
// It is emitted on every status transition boundary and is idempotent.
type SnapshotEvent struct {
	JobID string `json:"job_id"`
}
