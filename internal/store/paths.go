// ABOUTME: SQLite persistence for conversation paths (branches)
// ABOUTME: Enforces the single-active-primary rule through a partial unique index

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const pathColumns = `id, tenant_id, conversation_id, parent_path_id, branch_point_message_id, name, description,
	is_primary, is_active, merged_to_path_id, merged_at, merge_mode, version, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPath(ctx context.Context, ex execer, p *Path) error {
	if p.Version == 0 {
		p.Version = 1
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO paths (`+pathColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.TenantID, p.ConversationID, stringPtrValue(p.ParentPathID), stringPtrValue(p.BranchPointMessageID),
		p.Name, p.Description, boolToInt(p.IsPrimary), boolToInt(p.IsActive),
		stringPtrValue(p.MergedToPathID), formatTimePtr(p.MergedAt), p.MergeMode, p.Version,
		formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if isPrimaryViolation(err) {
		return ErrDuplicatePrimary
	}
	if err != nil {
		return fmt.Errorf("inserting path: %w", err)
	}
	return nil
}

// isPrimaryViolation reports whether err came from idx_paths_single_primary
func isPrimaryViolation(err error) bool {
	return isConstraintViolation(err) && strings.Contains(err.Error(), "paths.conversation_id")
}

// CreatePath inserts a new path. Returns ErrDuplicatePrimary if it would be a second active primary.
func (s *SQLiteStore) CreatePath(ctx context.Context, p *Path) error {
	return insertPath(ctx, s.db, p)
}

// GetPath retrieves a path by ID within a tenant
func (s *SQLiteStore) GetPath(ctx context.Context, tenantID, id string) (*Path, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pathColumns+`
		FROM paths
		WHERE id = ? AND tenant_id = ?
	`, id, tenantID)

	p, err := scanPath(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying path: %w", err)
	}
	return p, nil
}

// GetPrimaryPath returns the active primary path of a conversation
func (s *SQLiteStore) GetPrimaryPath(ctx context.Context, tenantID, conversationID string) (*Path, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pathColumns+`
		FROM paths
		WHERE conversation_id = ? AND tenant_id = ? AND is_primary = 1 AND is_active = 1
	`, conversationID, tenantID)

	p, err := scanPath(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying primary path: %w", err)
	}
	return p, nil
}

// ListPaths returns a conversation's paths in creation order
func (s *SQLiteStore) ListPaths(ctx context.Context, tenantID, conversationID string, includeInactive bool) ([]*Path, error) {
	query := `SELECT ` + pathColumns + ` FROM paths WHERE conversation_id = ? AND tenant_id = ?`
	if !includeInactive {
		query += ` AND is_active = 1`
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying paths: %w", err)
	}
	defer rows.Close()

	var paths []*Path
	for rows.Next() {
		p, err := scanPath(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// UpdatePath applies a partial update and returns the updated row
func (s *SQLiteStore) UpdatePath(ctx context.Context, tenantID, id string, patch PathPatch, at time.Time) (*Path, error) {
	sets := []string{"version = version + 1", "updated_at = ?"}
	args := []any{formatTime(at)}
	if patch.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	if patch.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *patch.Description)
	}
	if patch.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolToInt(*patch.IsActive))
	}
	args = append(args, id, tenantID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE paths SET `+strings.Join(sets, ", ")+` WHERE id = ? AND tenant_id = ?`, args...)
	if isPrimaryViolation(err) {
		return nil, ErrDuplicatePrimary
	}
	if err != nil {
		return nil, fmt.Errorf("updating path: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.GetPath(ctx, tenantID, id)
}

// HardDeletePath removes a path and its messages. Children are re-parented onto the
// deleted path's parent and inherit its branch point so ancestry stays rooted at primary.
func (s *SQLiteStore) HardDeletePath(ctx context.Context, tenantID, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var parentID, branchPoint sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT parent_path_id, branch_point_message_id FROM paths WHERE id = ? AND tenant_id = ?`,
			id, tenantID).Scan(&parentID, &branchPoint)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying path: %w", err)
		}

		now := formatTime(time.Now())
		if _, err := tx.ExecContext(ctx, `
			UPDATE paths
			SET parent_path_id = ?, branch_point_message_id = ?, version = version + 1, updated_at = ?
			WHERE parent_path_id = ? AND tenant_id = ?
		`, nullStringValue(parentID), nullStringValue(branchPoint), now, id, tenantID); err != nil {
			return fmt.Errorf("re-parenting child paths: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM messages WHERE path_id = ? AND tenant_id = ?`, id, tenantID); err != nil {
			return fmt.Errorf("deleting path messages: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM paths WHERE id = ? AND tenant_id = ?`, id, tenantID); err != nil {
			return fmt.Errorf("deleting path: %w", err)
		}
		return nil
	})
}

func nullStringValue(ns sql.NullString) any {
	if !ns.Valid {
		return nil
	}
	return ns.String
}

func scanPath(row rowScanner) (*Path, error) {
	var (
		p                                         Path
		parentID, branchPoint, mergedTo, mergedAt sql.NullString
		isPrimary, isActive                       int
		createdAt, updatedAt                      string
	)
	err := row.Scan(&p.ID, &p.TenantID, &p.ConversationID, &parentID, &branchPoint, &p.Name, &p.Description,
		&isPrimary, &isActive, &mergedTo, &mergedAt, &p.MergeMode, &p.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.ParentPathID = nullStringPtr(parentID)
	p.BranchPointMessageID = nullStringPtr(branchPoint)
	p.MergedToPathID = nullStringPtr(mergedTo)
	p.IsPrimary = isPrimary == 1
	p.IsActive = isActive == 1

	if p.MergedAt, err = parseTimePtr(mergedAt); err != nil {
		return nil, fmt.Errorf("parsing merged_at: %w", err)
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &p, nil
}
