package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversation_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	user_query TEXT NOT NULL,
	generated_sql TEXT NOT NULL DEFAULT '',
	result_summary TEXT NOT NULL DEFAULT '',
	is_successful INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_conversation_history_session
	ON conversation_history (session_id, created_at);
`

// SQLiteStore implements Store on SQLite. Pass ":memory:" for a purely
// ephemeral store or a file path for a persistent one.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and creates if needed) a SQLite-backed store.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("creating memory directory: %w", err)
			}
		}
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	// A single connection serializes writers and, for :memory:, keeps every
	// statement on the same database instance.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating conversation_history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_history
			(session_id, created_at, user_query, generated_sql, result_summary, is_successful)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.SessionID, createdAt.UTC().Format(time.RFC3339Nano),
		rec.Question, rec.GeneratedSQL, rec.ResultSummary, boolToInt(rec.Succeeded),
	)
	if err != nil {
		return fmt.Errorf("appending conversation record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, created_at, user_query, generated_sql, result_summary, is_successful
		FROM conversation_history
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var createdAt string
		var successful int
		if err := rows.Scan(&rec.ID, &rec.SessionID, &createdAt, &rec.Question,
			&rec.GeneratedSQL, &rec.ResultSummary, &successful); err != nil {
			return nil, fmt.Errorf("scanning conversation record: %w", err)
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.Succeeded = successful != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}
	reverseRecords(records)
	if records == nil {
		records = []Record{}
	}
	return records, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversation_history WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clearing conversation history: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// reverseRecords flips DESC query order back to chronological.
func reverseRecords(records []Record) {
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
}
