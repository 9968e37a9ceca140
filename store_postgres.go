package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS workflow_threads (
	thread_id   TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL DEFAULT '',
	proposal_id TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	size        BIGINT NOT NULL,
	checkpoint  JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_sessions (
	thread_id     TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	proposal_id   TEXT NOT NULL DEFAULT '',
	last_accessed TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_threads_owner ON workflow_threads(owner_id);
`

// PostgresStore persists checkpoints in PostgreSQL for multi-process
// deployments. The latest checkpoint per thread lives in workflow_threads;
// workflow_sessions tracks access recency for listing.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore connects to the database identified by dsn and ensures
// the schema exists. Call Close when done.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	data, err := json.Marshal(checkpoint)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	stateData, err := json.Marshal(checkpoint.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_threads (thread_id, owner_id, proposal_id, version, size, checkpoint, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			proposal_id = EXCLUDED.proposal_id,
			version = EXCLUDED.version,
			size = EXCLUDED.size,
			checkpoint = EXCLUDED.checkpoint,
			updated_at = EXCLUDED.updated_at`,
		checkpoint.ThreadID,
		checkpoint.Metadata.OwnerID,
		checkpoint.Metadata.ProposalID,
		checkpoint.Version,
		len(stateData),
		data,
		checkpoint.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM workflow_threads WHERE thread_id = $1`, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	s.touchSession(ctx, &checkpoint)
	return &checkpoint, nil
}

func (s *PostgresStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_threads WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_sessions WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.thread_id, t.owner_id, t.proposal_id, t.version, t.size, t.updated_at,
		       COALESCE(sess.last_accessed, t.updated_at)
		FROM workflow_threads t
		LEFT JOIN workflow_sessions sess ON sess.thread_id = t.thread_id
		ORDER BY t.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var summaries []*ThreadSummary
	for rows.Next() {
		summary := &ThreadSummary{}
		if err := rows.Scan(
			&summary.ThreadID,
			&summary.OwnerID,
			&summary.ProposalID,
			&summary.Version,
			&summary.Size,
			&summary.UpdatedAt,
			&summary.LastAccessed,
		); err != nil {
			return nil, fmt.Errorf("failed to scan thread summary: %w", err)
		}
		if filter.Matches(summary) {
			summaries = append(summaries, summary)
		}
	}
	return summaries, rows.Err()
}

func (s *PostgresStore) touchSession(ctx context.Context, checkpoint *Checkpoint) {
	// Best effort; a failed session touch never fails the read.
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO workflow_sessions (thread_id, owner_id, proposal_id, last_accessed)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id) DO UPDATE SET last_accessed = EXCLUDED.last_accessed`,
		checkpoint.ThreadID,
		checkpoint.Metadata.OwnerID,
		checkpoint.Metadata.ProposalID,
		time.Now(),
	)
}
