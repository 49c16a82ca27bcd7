package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"formvault/internal/store"
)

// GetOrganization returns an organization by id.
func (s *Store) GetOrganization(ctx context.Context, id string) (*store.Organization, error) {
	query := "SELECT id, serial, name FROM organizations WHERE id = $1"

	var org store.Organization
	err := s.db.QueryRowContext(ctx, query, id).Scan(&org.ID, &org.Serial, &org.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrOrgNotFound
		}
		return nil, fmt.Errorf("failed to get organization %s: %w", id, err)
	}
	return &org, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	query := `
		SELECT id, organization_id, serial, name, received_forms, file_serial
		FROM sessions
		WHERE id = $1
	`

	var sess store.Session
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&sess.ID,
		&sess.OrganizationID,
		&sess.Serial,
		&sess.Name,
		&sess.ReceivedForms,
		&sess.FileSerial,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

// ReserveFileSerials bumps the session's file serial counter by n and
// returns the first serial of the reserved range. Serials namespace upload
// keys so concurrent writers never collide on a key.
func (s *Store) ReserveFileSerials(ctx context.Context, sessionID string, n int) (int64, error) {
	query := `
		UPDATE sessions
		SET file_serial = file_serial + $2
		WHERE id = $1
		RETURNING file_serial - $2 + 1
	`

	var first int64
	err := s.db.QueryRowContext(ctx, query, sessionID, n).Scan(&first)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrSessionNotFound
		}
		return 0, fmt.Errorf("failed to reserve file serials for session %s: %w", sessionID, err)
	}
	return first, nil
}

// IncrementReceivedForms bumps the session's received-forms counter.
func (s *Store) IncrementReceivedForms(ctx context.Context, tx store.DBTransaction, sessionID string, n int) error {
	executor := s.getExecutor(tx)

	res, err := executor.ExecContext(ctx,
		"UPDATE sessions SET received_forms = received_forms + $2 WHERE id = $1",
		sessionID, n,
	)
	if err != nil {
		return fmt.Errorf("failed to increment received forms for session %s: %w", sessionID, err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

// GetQuota returns the organization's quota row.
func (s *Store) GetQuota(ctx context.Context, organizationID string) (*store.Quota, error) {
	query := "SELECT id, organization_id, remaining_forms FROM quotas WHERE organization_id = $1"

	var q store.Quota
	err := s.db.QueryRowContext(ctx, query, organizationID).Scan(&q.ID, &q.OrganizationID, &q.RemainingForms)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrQuotaNotFound
		}
		return nil, fmt.Errorf("failed to get quota for organization %s: %w", organizationID, err)
	}
	return &q, nil
}

// DecrementQuota subtracts n from the remaining allowance. The guard in the
// WHERE clause keeps the balance from going negative under concurrency.
func (s *Store) DecrementQuota(ctx context.Context, tx store.DBTransaction, organizationID string, n int) error {
	executor := s.getExecutor(tx)

	res, err := executor.ExecContext(ctx, `
		UPDATE quotas
		SET remaining_forms = remaining_forms - $2
		WHERE organization_id = $1 AND remaining_forms >= $2
	`, organizationID, n)
	if err != nil {
		return fmt.Errorf("failed to decrement quota for organization %s: %w", organizationID, err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return store.ErrInsufficientQuota
	}
	return nil
}
