// ABOUTME: Append-only hub event log backing the polling event transport
// ABOUTME: Rows are read in seq order by every instance sharing the database and pruned by age

package store

import (
	"context"
	"fmt"
	"time"
)

// AppendHubEvent writes one event to the log and returns its sequence number
func (s *SQLiteStore) AppendHubEvent(ctx context.Context, channel string, payload []byte) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO hub_events (channel, payload, created_at) VALUES (?, ?, ?)`,
		channel, payload, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("inserting hub event: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading hub event seq: %w", err)
	}
	return seq, nil
}

// ListHubEventsAfter returns up to limit events with seq greater than afterSeq, oldest first
func (s *SQLiteStore) ListHubEventsAfter(ctx context.Context, afterSeq int64, limit int) ([]*HubEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, channel, payload, created_at
		FROM hub_events
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("querying hub events: %w", err)
	}
	defer rows.Close()

	var events []*HubEvent
	for rows.Next() {
		var (
			e         HubEvent
			createdAt string
		)
		if err := rows.Scan(&e.Seq, &e.Channel, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning hub event: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// LatestHubEventSeq returns the highest sequence number written so far, or 0
func (s *SQLiteStore) LatestHubEventSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM hub_events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("querying latest hub event: %w", err)
	}
	return seq, nil
}

// PruneHubEvents deletes events created before the cutoff and returns how many were removed
func (s *SQLiteStore) PruneHubEvents(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM hub_events WHERE created_at < ?`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("pruning hub events: %w", err)
	}
	return result.RowsAffected()
}
