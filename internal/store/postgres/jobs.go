package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"formvault/internal/store"
)

// CreateJob inserts a new job row.
// A primary key collision maps to store.ErrDuplicateJobID.
func (s *Store) CreateJob(ctx context.Context, job *store.Job) error {
	query := `
		INSERT INTO jobs (id, owner_user_id, session_id, kind, status, progress,
			total_units, processed_units, field_name, error_message, result_location,
			expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
	`

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.OwnerUserID,
		job.SessionID,
		job.Kind,
		job.Status,
		job.Progress,
		job.TotalUnits,
		job.ProcessedUnits,
		job.FieldName,
		job.ErrorMessage,
		job.ResultLocation,
		job.ExpiresAt,
		job.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return store.ErrDuplicateJobID
		}
		return fmt.Errorf("failed to insert job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob applies a partial update to a job row.
// A vanished row is not an error; the owning engine logs and moves on.
func (s *Store) UpdateJob(ctx context.Context, jobID string, update store.JobUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []interface{}{jobID}

	addSet := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		addSet("status", *update.Status)
	}
	if update.Progress != nil {
		addSet("progress", *update.Progress)
	}
	if update.ProcessedUnits != nil {
		addSet("processed_units", *update.ProcessedUnits)
	}
	if update.ErrorMessage != nil {
		addSet("error_message", *update.ErrorMessage)
	}
	if update.ResultLocation != nil {
		addSet("result_location", *update.ResultLocation)
	}

	query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = $1", strings.Join(sets, ", "))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update job %s: %w", jobID, err)
	}
	return nil
}

// GetJob returns a job scoped by its owner.
func (s *Store) GetJob(ctx context.Context, jobID, ownerUserID string) (*store.Job, error) {
	query := `
		SELECT id, owner_user_id, session_id, kind, status, progress,
			total_units, processed_units, field_name, error_message,
			result_location, expires_at, created_at, updated_at
		FROM jobs
		WHERE id = $1 AND owner_user_id = $2
	`

	var job store.Job
	err := s.db.QueryRowContext(ctx, query, jobID, ownerUserID).Scan(
		&job.ID,
		&job.OwnerUserID,
		&job.SessionID,
		&job.Kind,
		&job.Status,
		&job.Progress,
		&job.TotalUnits,
		&job.ProcessedUnits,
		&job.FieldName,
		&job.ErrorMessage,
		&job.ResultLocation,
		&job.ExpiresAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", jobID, err)
	}
	return &job, nil
}
