// ABOUTME: Transactional write side of a path merge
// ABOUTME: Guards the source path with an optimistic version check so concurrent merges cannot both commit

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ApplyMerge appends w.Messages to the target path and marks the source merged (and
// archived when requested) in one transaction. Returns ErrVersionConflict if the source
// changed since it was read or is no longer active, or if the target was archived.
func (s *SQLiteStore) ApplyMerge(ctx context.Context, w *MergeWrite) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(w.MergedAt)

		result, err := tx.ExecContext(ctx, `
			UPDATE paths
			SET is_active = ?, merged_to_path_id = ?, merged_at = ?, merge_mode = ?,
				version = version + 1, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND version = ? AND is_active = 1 AND is_primary = 0
		`, boolToInt(!w.ArchiveSource), w.TargetPathID, now, w.MergeMode, now,
			w.SourcePathID, w.TenantID, w.ExpectedSourceVersion)
		if err != nil {
			return fmt.Errorf("marking source merged: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		} else if n == 0 {
			return ErrVersionConflict
		}

		result, err = tx.ExecContext(ctx, `
			UPDATE paths SET version = version + 1, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND is_active = 1
		`, now, w.TargetPathID, w.TenantID)
		if err != nil {
			return fmt.Errorf("touching target path: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		} else if n == 0 {
			return ErrVersionConflict
		}

		seq, err := nextSequence(ctx, tx, w.TargetPathID)
		if err != nil {
			return err
		}
		for _, m := range w.Messages {
			m.Sequence = seq
			seq++
			if err := insertMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}
