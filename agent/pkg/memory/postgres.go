package memory

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

// PostgresStore implements Store on PostgreSQL for shared deployments where
// sessions must survive process restarts and be visible to replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to PostgreSQL and applies pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := migratePostgres(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// migratePostgres runs goose migrations over a short-lived database/sql
// connection; the pgx pool is only opened once the schema is current.
func migratePostgres(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening postgres for migrations: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations/postgres"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_history
			(session_id, created_at, user_query, generated_sql, result_summary, is_successful)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.SessionID, createdAt.UTC(), rec.Question, rec.GeneratedSQL,
		rec.ResultSummary, rec.Succeeded,
	)
	if err != nil {
		return fmt.Errorf("appending conversation record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, created_at, user_query, generated_sql, result_summary, is_successful
		FROM conversation_history
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("loading conversation history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.CreatedAt, &rec.Question,
			&rec.GeneratedSQL, &rec.ResultSummary, &rec.Succeeded); err != nil {
			return nil, fmt.Errorf("scanning conversation record: %w", err)
		}
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

func (s *PostgresStore) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM conversation_history WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("clearing conversation history: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
