// Package memory persists per-session conversation history for the agent.
//
// Two backends are provided: a SQLite store (in-memory for ephemeral
// sessions, file-backed for persistence) and a PostgreSQL store for shared
// deployments. History is append-only; records are never updated.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Record is one completed turn: the question, the SQL that was generated for
// it (if any), and a bounded summary of what happened.
type Record struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	CreatedAt     time.Time `json:"created_at"`
	Question      string    `json:"question"`
	GeneratedSQL  string    `json:"generated_sql,omitempty"`
	ResultSummary string    `json:"result_summary,omitempty"`
	Succeeded     bool      `json:"succeeded"`
}

// Store is the conversation history interface. Implementations must be safe
// for concurrent use.
type Store interface {
	// Append adds one record. History is append-only.
	Append(ctx context.Context, rec Record) error
	// Recent returns up to limit records for the session in chronological
	// order (oldest first). An unknown session yields an empty slice.
	Recent(ctx context.Context, sessionID string, limit int) ([]Record, error)
	// Clear removes all records for the session.
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// Open selects a backend from the DSN: postgres:// and postgresql:// DSNs
// open the PostgreSQL store, anything else is treated as a SQLite path
// (":memory:" for a purely ephemeral store).
func Open(ctx context.Context, dsn string) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(dsn)
}

// NoHistoryNotice is what FormatHistory returns for an empty session.
const NoHistoryNotice = "No previous conversation history."

// FormatHistory renders records as prompt-ready text, oldest first.
func FormatHistory(records []Record) string {
	if len(records) == 0 {
		return NoHistoryNotice
	}
	var sb strings.Builder
	sb.WriteString("Previous conversation (oldest first):\n")
	for i, rec := range records {
		status := "succeeded"
		if !rec.Succeeded {
			status = "failed"
		}
		fmt.Fprintf(&sb, "%d. Question: %s\n", i+1, rec.Question)
		if rec.GeneratedSQL != "" {
			fmt.Fprintf(&sb, "   SQL: %s\n", rec.GeneratedSQL)
		}
		fmt.Fprintf(&sb, "   Result (%s): %s\n", status, rec.ResultSummary)
	}
	return sb.String()
}
