// ABOUTME: SQLite persistence for path messages
// ABOUTME: Messages are append-only; sequence numbers are assigned inside the insert transaction

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const messageColumns = `id, tenant_id, conversation_id, path_id, role, content, sequence, is_pinned, deleted_at, metadata_json, created_at`

func nextSequence(ctx context.Context, tx *sql.Tx, pathID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE path_id = ?`, pathID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("computing next sequence: %w", err)
	}
	return seq, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, m *Message) error {
	md, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.TenantID, m.ConversationID, m.PathID, m.Role, m.Content, m.Sequence,
		boolToInt(m.IsPinned), formatTimePtr(m.DeletedAt), md, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// bumpPathVersion marks a path's message set as changed so an in-flight merge
// planned against the old version fails its guard. With activeOnly set an
// archived path returns ErrVersionConflict.
func bumpPathVersion(ctx context.Context, tx *sql.Tx, tenantID, pathID string, activeOnly bool) error {
	query := `UPDATE paths SET version = version + 1 WHERE id = ? AND tenant_id = ?`
	if activeOnly {
		query += ` AND is_active = 1`
	}
	result, err := tx.ExecContext(ctx, query, pathID, tenantID)
	if err != nil {
		return fmt.Errorf("bumping path version: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// messagePathID looks up the path a message belongs to inside tx
func messagePathID(ctx context.Context, tx *sql.Tx, tenantID, id string) (string, error) {
	var pathID string
	err := tx.QueryRowContext(ctx,
		`SELECT path_id FROM messages WHERE id = ? AND tenant_id = ?`, id, tenantID).Scan(&pathID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying message: %w", err)
	}
	return pathID, nil
}

// AppendMessage adds a message at the tail of its path and sets msg.Sequence.
// The path must still be active; otherwise ErrVersionConflict is returned.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := bumpPathVersion(ctx, tx, msg.TenantID, msg.PathID, true); err != nil {
			return err
		}
		seq, err := nextSequence(ctx, tx, msg.PathID)
		if err != nil {
			return err
		}
		msg.Sequence = seq
		return insertMessage(ctx, tx, msg)
	})
}

// GetMessage retrieves a message by ID within a tenant
func (s *SQLiteStore) GetMessage(ctx context.Context, tenantID, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = ? AND tenant_id = ?
	`, id, tenantID)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return m, nil
}

// ListPathMessages returns a path's own messages in sequence order
func (s *SQLiteStore) ListPathMessages(ctx context.Context, tenantID, pathID string, includeDeleted bool) ([]*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE path_id = ? AND tenant_id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	query += ` ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, pathID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SoftDeleteMessage marks a message deleted without removing it
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, tenantID, id string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		pathID, err := messagePathID(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx,
			`UPDATE messages SET deleted_at = ? WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL`,
			formatTime(at), id, tenantID)
		if err != nil {
			return fmt.Errorf("deleting message: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return bumpPathVersion(ctx, tx, tenantID, pathID, false)
	})
}

// SetMessagePinned pins or unpins a message
func (s *SQLiteStore) SetMessagePinned(ctx context.Context, tenantID, id string, pinned bool) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		pathID, err := messagePathID(ctx, tx, tenantID, id)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET is_pinned = ? WHERE id = ? AND tenant_id = ?`,
			boolToInt(pinned), id, tenantID); err != nil {
			return fmt.Errorf("pinning message: %w", err)
		}
		return bumpPathVersion(ctx, tx, tenantID, pathID, false)
	})
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                 Message
		isPinned          int
		deletedAt, mdJSON sql.NullString
		createdAt         string
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.PathID, &m.Role, &m.Content, &m.Sequence,
		&isPinned, &deletedAt, &mdJSON, &createdAt)
	if err != nil {
		return nil, err
	}

	m.IsPinned = isPinned == 1
	if m.DeletedAt, err = parseTimePtr(deletedAt); err != nil {
		return nil, fmt.Errorf("parsing deleted_at: %w", err)
	}
	if m.Metadata, err = decodeMetadata(mdJSON); err != nil {
		return nil, err
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &m, nil
}
