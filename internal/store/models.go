// Package store contains the database layer for formvault.
package store

import "time"

// JobKind discriminates the two pipelines sharing the jobs table.
type JobKind string

const (
	JobKindBulkGeneration JobKind = "bulk_generation"
	JobKindFieldDownload  JobKind = "field_download"
	JobKindSessionArchive JobKind = "session_archive"
)

// JobStatus represents the lifecycle state of a job.
// Transitions are forward-only; completed and failed are terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is the persisted record of an asynchronous or streamed unit of work.
// Exactly one row exists per ID. Progress is an integer in [0,100] and is
// monotonically non-decreasing for the lifetime of the job.
type Job struct {
	ID             string
	OwnerUserID    string
	SessionID      string
	Kind           JobKind
	Status         JobStatus
	Progress       int
	TotalUnits     int
	ProcessedUnits int
	FieldName      *string
	ErrorMessage   *string
	ResultLocation *string
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// JobUpdate is a partial update applied to an existing job row.
// Nil fields are left untouched.
type JobUpdate struct {
	Status         *JobStatus
	Progress       *int
	ProcessedUnits *int
	ErrorMessage   *string
	ResultLocation *string
}

// Organization is the minimal tenant shape the engines need.
type Organization struct {
	ID     string
	Serial int64
	Name   string
}

// Session is a tenant-scoped data-collection campaign.
// ReceivedForms counts submitted forms; FileSerial backs the monotonically
// increasing serial used to namespace uploaded file keys.
type Session struct {
	ID             string
	OrganizationID string
	Serial         int64
	Name           string
	ReceivedForms  int64
	FileSerial     int64
}

// Quota gates how many forms an organization may still generate.
type Quota struct {
	ID             string
	OrganizationID string
	RemainingForms int64
}

// Form is one synthetic submission built by the bulk generation engine.
// It is assembled in memory per batch and never mutated after persist.
type Form struct {
	ID             string
	SessionID      string
	OrganizationID string
	UserID         string
	SerialNo       int64
	FirstName      string
	Phone          string
	Password       string
	CreatedAt      time.Time
}

// FormFile describes a single uploaded file attached to a form.
type FormFile struct {
	ID           string
	FormID       string
	SessionID    string
	FieldName    string
	StorageKey   string
	OriginalName string
	ContentType  string
	Size         int64
}

// FileDescriptor is the read-only input shape the archive engine consumes.
// It is sourced from existing form_files rows; the engine only derives an
// archive entry name from the storage key.
type FileDescriptor struct {
	StorageKey   string
	FieldName    string
	OriginalName string
}

// Role values relevant to quota gating. Super admins bypass form quotas.
const (
	RoleSuperAdmin = "superadmin"
	RoleUser       = "user"
)
