package postgres

import (
	"context"
	"fmt"
	"strings"

	"formvault/internal/store"
)

// InsertFormBatch inserts all forms of a batch in one multi-row write and
// their attached files in another. Callers wrap this together with the
// session counter increment and quota decrement in a single transaction.
func (s *Store) InsertFormBatch(ctx context.Context, tx store.DBTransaction, forms []*store.Form, files []*store.FormFile) error {
	executor := s.getExecutor(tx)

	if len(forms) == 0 {
		return nil
	}

	var (
		placeholders []string
		args         []interface{}
	)
	for i, f := range forms {
		base := i * 9
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		args = append(args,
			f.ID, f.SessionID, f.OrganizationID, f.UserID,
			f.SerialNo, f.FirstName, f.Phone, f.Password, f.CreatedAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO forms (id, session_id, organization_id, user_id,
			serial_no, first_name, phone, password, created_at)
		VALUES %s
	`, strings.Join(placeholders, ", "))

	if _, err := executor.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert form batch: %w", err)
	}

	if len(files) == 0 {
		return nil
	}

	placeholders = placeholders[:0]
	args = args[:0]
	for i, ff := range files {
		base := i * 8
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8))
		args = append(args,
			ff.ID, ff.FormID, ff.SessionID, ff.FieldName,
			ff.StorageKey, ff.OriginalName, ff.ContentType, ff.Size,
		)
	}

	query = fmt.Sprintf(`
		INSERT INTO form_files (id, form_id, session_id, field_name,
			storage_key, original_name, content_type, size)
		VALUES %s
	`, strings.Join(placeholders, ", "))

	if _, err := executor.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert form file batch: %w", err)
	}
	return nil
}

// ListFieldFiles returns every file descriptor in the session whose field
// name matches case-insensitively.
func (s *Store) ListFieldFiles(ctx context.Context, sessionID, fieldName string) ([]store.FileDescriptor, error) {
	query := `
		SELECT storage_key, field_name, original_name
		FROM form_files
		WHERE session_id = $1 AND LOWER(field_name) = LOWER($2)
		ORDER BY id ASC
	`
	return s.queryDescriptors(ctx, query, sessionID, fieldName)
}

// ListSessionFiles returns every file descriptor in the session.
func (s *Store) ListSessionFiles(ctx context.Context, sessionID string) ([]store.FileDescriptor, error) {
	query := `
		SELECT storage_key, field_name, original_name
		FROM form_files
		WHERE session_id = $1
		ORDER BY id ASC
	`
	return s.queryDescriptors(ctx, query, sessionID)
}

func (s *Store) queryDescriptors(ctx context.Context, query string, args ...interface{}) ([]store.FileDescriptor, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query form files: %w", err)
	}
	defer rows.Close()

	var descriptors []store.FileDescriptor
	for rows.Next() {
		var d store.FileDescriptor
		if err := rows.Scan(&d.StorageKey, &d.FieldName, &d.OriginalName); err != nil {
			return nil, fmt.Errorf("failed to scan form file: %w", err)
		}
		descriptors = append(descriptors, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("form files rows error: %w", err)
	}
	return descriptors, nil
}
