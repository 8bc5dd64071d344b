package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/facegate/internal/domain"
	"github.com/ashureev/facegate/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		person_id TEXT,
		reason TEXT,
		payload_bytes INTEGER NOT NULL DEFAULT 0,
		format TEXT,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,
		latency_us INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id, seq);
	CREATE INDEX IF NOT EXISTS idx_attempts_created ON attempts(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordAttempt stores one finished attempt.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, a *domain.Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO attempts (session_id, seq, outcome, person_id, reason,
		payload_bytes, format, width, height, latency_us, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	return shared.RetryOnConflict(ctx, "record attempt", writeRetries, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, query,
			a.SessionID, int64(a.Sequence), string(a.Outcome), nullString(a.PersonID), nullString(a.Reason),
			a.PayloadBytes, nullString(a.Format), a.Width, a.Height,
			a.Latency.Microseconds(), a.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return err
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("get last insert id: %w", err)
		}
		a.ID = id
		return nil
	})
}

const attemptColumns = `id, session_id, seq, outcome, person_id, reason,
	payload_bytes, format, width, height, latency_us, created_at`

// RecentAttempts returns up to limit attempts, newest first.
func (s *SQLiteStore) RecentAttempts(ctx context.Context, limit int) ([]*domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + attemptColumns + ` FROM attempts ORDER BY id DESC LIMIT ?`
	return s.queryAttempts(ctx, query, limit)
}

// SessionAttempts returns the latest limit attempts of one session in sequence order.
func (s *SQLiteStore) SessionAttempts(ctx context.Context, sessionID string, limit int) ([]*domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + attemptColumns + ` FROM (
		SELECT ` + attemptColumns + ` FROM attempts WHERE session_id = ? ORDER BY seq DESC, id DESC LIMIT ?
	) ORDER BY seq, id`
	return s.queryAttempts(ctx, query, sessionID, limit)
}

func (s *SQLiteStore) queryAttempts(ctx context.Context, query string, args ...interface{}) ([]*domain.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close attempt rows", "error", closeErr)
		}
	}()

	var attempts []*domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var seq, latencyUs, createdAt int64
		var outcome string
		var personID, reason, format sql.NullString

		if err := rows.Scan(
			&a.ID, &a.SessionID, &seq, &outcome, &personID, &reason,
			&a.PayloadBytes, &format, &a.Width, &a.Height, &latencyUs, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}

		a.Sequence = uint64(seq)
		a.Outcome = domain.Outcome(outcome)
		a.PersonID = personID.String
		a.Reason = reason.String
		a.Format = format.String
		a.Latency = time.Duration(latencyUs) * time.Microsecond
		a.CreatedAt = time.UnixMilli(createdAt)
		attempts = append(attempts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}

	return attempts, nil
}

// Summary aggregates all stored attempts.
func (s *SQLiteStore) Summary(ctx context.Context) (*domain.AttemptSummary, error) {
	query := `
	SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome = ? THEN 1 ELSE 0 END), 0),
		COALESCE(AVG(CASE WHEN outcome IN (?, ?) THEN latency_us END), 0)
	FROM attempts`

	var summary domain.AttemptSummary
	var avgLatencyUs float64
	err := s.db.QueryRowContext(ctx, query,
		string(domain.OutcomeSuccess), string(domain.OutcomeFailure),
		string(domain.OutcomeDropped), string(domain.OutcomeCanceled),
		string(domain.OutcomeSuccess), string(domain.OutcomeFailure),
	).Scan(
		&summary.Total, &summary.Succeeded, &summary.Failed,
		&summary.Dropped, &summary.Canceled, &avgLatencyUs,
	)
	if err != nil {
		return nil, fmt.Errorf("summarize attempts: %w", err)
	}

	if answered := summary.Succeeded + summary.Failed; answered > 0 {
		summary.SuccessRate = float64(summary.Succeeded) / float64(answered)
	}
	summary.AverageLatencyMs = avgLatencyUs / 1000

	return &summary, nil
}

// DeleteAttemptsBefore removes attempts created before cutoff.
func (s *SQLiteStore) DeleteAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := shared.RetryOnConflict(ctx, "delete attempts", writeRetries, writeBaseDelay, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM attempts WHERE created_at < ?`, cutoff.UnixMilli())
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}
