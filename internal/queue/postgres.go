package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists queued messages in PostgreSQL. Capacity eviction
// runs inside the same transaction as the insert.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore creates a Postgres-backed store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Init creates the queue table and index if they do not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS offline_queue (
			id            TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			payload       BYTEA NOT NULL,
			priority      INT NOT NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			enqueued_at   TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("create offline_queue table: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS offline_queue_session_idx
		ON offline_queue (session_id)`)
	if err != nil {
		return fmt.Errorf("create offline_queue index: %w", err)
	}

	return nil
}

// Enqueue inserts the message and evicts lowest-priority (oldest among
// ties) rows beyond capacity, all in one transaction.
func (s *PostgresStore) Enqueue(ctx context.Context, msg Message, capacity int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO offline_queue (id, session_id, payload, priority, attempt_count, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionID, msg.Payload, msg.Priority, msg.AttemptCount, msg.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	// Survivors are the top `capacity` rows by priority desc, newest first
	// among equal priority; everything past that is evicted.
	tag, err := tx.Exec(ctx, `
		DELETE FROM offline_queue WHERE id IN (
			SELECT id FROM offline_queue
			ORDER BY priority DESC, enqueued_at DESC
			OFFSET $1
		)`, capacity)
	if err != nil {
		return fmt.Errorf("evict over capacity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}

	if evicted := tag.RowsAffected(); evicted > 0 {
		s.logger.Debug("evicted messages over capacity", "count", evicted)
	}
	return nil
}

// Session returns all messages for a session.
func (s *PostgresStore) Session(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, payload, priority, attempt_count, enqueued_at
		FROM offline_queue WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// All returns every stored message.
func (s *PostgresStore) All(ctx context.Context) ([]Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, payload, priority, attempt_count, enqueued_at
		FROM offline_queue`)
	if err != nil {
		return nil, fmt.Errorf("query all: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Remove deletes a message by ID.
func (s *PostgresStore) Remove(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM offline_queue WHERE id = $1`, id)
	return err
}

// IncrementAttempt bumps the attempt counter.
func (s *PostgresStore) IncrementAttempt(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE offline_queue SET attempt_count = attempt_count + 1 WHERE id = $1`, id)
	return err
}

// ClearSession deletes all messages for a session.
func (s *PostgresStore) ClearSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM offline_queue WHERE session_id = $1`, sessionID)
	return err
}

// ClearAll deletes everything.
func (s *PostgresStore) ClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM offline_queue`)
	return err
}

func scanMessages(rows pgx.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Payload, &m.Priority, &m.AttemptCount, &m.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return out, nil
		}
		return nil, err
	}
	return out, nil
}
