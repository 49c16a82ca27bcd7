package store

import (
	"context"
	"database/sql"
	"errors"
)

// Sentinel errors shared by all store implementations.
var (
	ErrDuplicateJobID    = errors.New("job id already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrOrgNotFound       = errors.New("organization not found")
	ErrQuotaNotFound     = errors.New("quota record not found")
	ErrInsufficientQuota = errors.New("remaining form quota is insufficient")
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows passing either a connection pool or an active transaction
// to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// JobStore handles persistence of job identity, status and progress.
type JobStore interface {
	// CreateJob inserts a new job row.
	// Returns ErrDuplicateJobID if the id is already taken.
	CreateJob(ctx context.Context, job *Job) error

	// UpdateJob applies a partial update to a job row. A vanished row is
	// not an error; engines must tolerate it without aborting their loop.
	UpdateJob(ctx context.Context, jobID string, update JobUpdate) error

	// GetJob returns a job scoped by its owner, or ErrJobNotFound.
	GetJob(ctx context.Context, jobID, ownerUserID string) (*Job, error)
}

// SessionStore resolves organizations and sessions and maintains the
// per-session counters touched by the bulk pipeline.
type SessionStore interface {
	// GetOrganization returns an organization or ErrOrgNotFound.
	GetOrganization(ctx context.Context, id string) (*Organization, error)

	// GetSession returns a session or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (*Session, error)

	// ReserveFileSerials atomically reserves n consecutive file serial
	// numbers for the session and returns the first of the range.
	ReserveFileSerials(ctx context.Context, sessionID string, n int) (int64, error)

	// IncrementReceivedForms bumps the session's received-forms counter.
	IncrementReceivedForms(ctx context.Context, tx DBTransaction, sessionID string, n int) error
}

// QuotaStore gates bulk generation on the organization's remaining allowance.
type QuotaStore interface {
	// GetQuota returns the quota row or ErrQuotaNotFound.
	GetQuota(ctx context.Context, organizationID string) (*Quota, error)

	// DecrementQuota subtracts n from the remaining allowance.
	// Returns ErrInsufficientQuota when the balance would go negative.
	DecrementQuota(ctx context.Context, tx DBTransaction, organizationID string, n int) error
}

// FormStore persists generated forms and exposes the file descriptors the
// archive engine packages.
type FormStore interface {
	// InsertFormBatch inserts all forms and their attached files in one
	// multi-row write each.
	InsertFormBatch(ctx context.Context, tx DBTransaction, forms []*Form, files []*FormFile) error

	// ListFieldFiles returns the descriptors of every file in the session
	// whose field name matches case-insensitively.
	ListFieldFiles(ctx context.Context, sessionID, fieldName string) ([]FileDescriptor, error)

	// ListSessionFiles returns the descriptors of every file in the session.
	ListSessionFiles(ctx context.Context, sessionID string) ([]FileDescriptor, error)
}
