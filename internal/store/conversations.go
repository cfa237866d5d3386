// ABOUTME: SQLite persistence for conversations
// ABOUTME: A conversation is created together with its primary path in one transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const conversationColumns = `id, tenant_id, user_id, title, share_audience, tenant_access, created_at, updated_at, archived_at`

// CreateConversation inserts a conversation and its primary path atomically
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation, primary *Path) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			conv.ID, conv.TenantID, conv.UserID, conv.Title, conv.ShareAudience, conv.TenantAccess,
			formatTime(conv.CreatedAt), formatTime(conv.UpdatedAt), formatTimePtr(conv.ArchivedAt),
		)
		if err != nil {
			return fmt.Errorf("inserting conversation: %w", err)
		}
		if primary != nil {
			if err := insertPath(ctx, tx, primary); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetConversation retrieves a conversation by ID within a tenant
func (s *SQLiteStore) GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = ? AND tenant_id = ?
	`, id, tenantID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// ListConversations returns a user's conversations in the tenant, most recently updated first.
// An empty userID lists every conversation in the tenant.
func (s *SQLiteStore) ListConversations(ctx context.Context, tenantID, userID string) ([]*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE tenant_id = ? AND archived_at IS NULL`
	args := []any{tenantID}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// TouchConversation bumps updated_at so list ordering reflects recent activity
func (s *SQLiteStore) TouchConversation(ctx context.Context, tenantID, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ? AND tenant_id = ?`,
		formatTime(at), id, tenantID)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var (
		conv                 Conversation
		createdAt, updatedAt string
		archivedAt           sql.NullString
	)
	err := row.Scan(&conv.ID, &conv.TenantID, &conv.UserID, &conv.Title, &conv.ShareAudience,
		&conv.TenantAccess, &createdAt, &updatedAt, &archivedAt)
	if err != nil {
		return nil, err
	}

	if conv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if conv.ArchivedAt, err = parseTimePtr(archivedAt); err != nil {
		return nil, fmt.Errorf("parsing archived_at: %w", err)
	}
	return &conv, nil
}
