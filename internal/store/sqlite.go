// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Handles connection setup, schema creation, migrations and shared scan helpers

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that TEXT columns sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store and EventLog interfaces using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ Store    = (*SQLiteStore)(nil)
	_ EventLog = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// Writers take the lock at BEGIN so concurrent merges serialize instead of failing on upgrade.
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if inMemory {
		// Each connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id             TEXT PRIMARY KEY,
			tenant_id      TEXT NOT NULL,
			user_id        TEXT NOT NULL,
			title          TEXT NOT NULL DEFAULT '',
			share_audience TEXT NOT NULL DEFAULT 'private',
			tenant_access  TEXT NOT NULL DEFAULT '',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,
			archived_at    TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_tenant_user
			ON conversations(tenant_id, user_id, updated_at);

		CREATE TABLE IF NOT EXISTS paths (
			id                      TEXT PRIMARY KEY,
			tenant_id               TEXT NOT NULL,
			conversation_id         TEXT NOT NULL,
			parent_path_id          TEXT,
			branch_point_message_id TEXT,
			name                    TEXT NOT NULL,
			description             TEXT NOT NULL DEFAULT '',
			is_primary              INTEGER NOT NULL DEFAULT 0,
			is_active               INTEGER NOT NULL DEFAULT 1,
			merged_to_path_id       TEXT,
			merged_at               TEXT,
			merge_mode              TEXT NOT NULL DEFAULT '',
			created_at              TEXT NOT NULL,
			updated_at              TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_paths_conversation
			ON paths(tenant_id, conversation_id, created_at);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_paths_single_primary
			ON paths(conversation_id) WHERE is_primary = 1 AND is_active = 1;

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			path_id         TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			sequence        INTEGER NOT NULL,
			is_pinned       INTEGER NOT NULL DEFAULT 0,
			deleted_at      TEXT,
			metadata_json   TEXT,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (path_id) REFERENCES paths(id) ON DELETE CASCADE,

			CHECK (role IN ('user', 'assistant', 'system'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_path_sequence
			ON messages(path_id, sequence);

		CREATE TABLE IF NOT EXISTS hub_events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			channel    TEXT NOT NULL,
			payload    BLOB NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_hub_events_created
			ON hub_events(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations adds columns introduced after the initial schema.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so each one is checked first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "paths",
			column: "version",
			apply:  `ALTER TABLE paths ADD COLUMN version INTEGER NOT NULL DEFAULT 1`,
		},
		{
			table:  "messages",
			column: "is_pinned",
			apply:  `ALTER TABLE messages ADD COLUMN is_pinned INTEGER NOT NULL DEFAULT 0`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a transaction, committing on nil and rolling back otherwise
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringPtrValue(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeMetadata(md map[string]any) (any, error) {
	if len(md) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return string(data), nil
}

func decodeMetadata(ns sql.NullString) (map[string]any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(ns.String), &md); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return md, nil
}
