package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_threads (
	thread_id   TEXT PRIMARY KEY,
	owner_id    TEXT NOT NULL DEFAULT '',
	proposal_id TEXT NOT NULL DEFAULT '',
	version     INTEGER NOT NULL,
	size        INTEGER NOT NULL,
	checkpoint  TEXT NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_sessions (
	thread_id     TEXT PRIMARY KEY,
	owner_id      TEXT NOT NULL DEFAULT '',
	proposal_id   TEXT NOT NULL DEFAULT '',
	last_accessed TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflow_threads_owner ON workflow_threads(owner_id);
`

// SQLiteStore persists checkpoints in a local SQLite database. It keeps the
// latest checkpoint per thread plus a lightweight session record used for
// listing without deserializing state.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) a SQLite database at path and
// ensures the schema exists. Call Close when done.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// The executor serializes writes per thread, but different threads write
	// concurrently; a single connection sidesteps SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
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
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			proposal_id = excluded.proposal_id,
			version = excluded.version,
			size = excluded.size,
			checkpoint = excluded.checkpoint,
			updated_at = excluded.updated_at`,
		checkpoint.ThreadID,
		checkpoint.Metadata.OwnerID,
		checkpoint.Metadata.ProposalID,
		checkpoint.Version,
		len(stateData),
		string(data),
		checkpoint.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT checkpoint FROM workflow_threads WHERE thread_id = ?`, threadID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal([]byte(data), &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	s.touchSession(ctx, &checkpoint)
	return &checkpoint, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_threads WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_sessions WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error) {
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

func (s *SQLiteStore) touchSession(ctx context.Context, checkpoint *Checkpoint) {
	// Best effort; a failed session touch never fails the read.
	_, _ = s.db.ExecContext(ctx, `
		INSERT INTO workflow_sessions (thread_id, owner_id, proposal_id, last_accessed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET last_accessed = excluded.last_accessed`,
		checkpoint.ThreadID,
		checkpoint.Metadata.OwnerID,
		checkpoint.Metadata.ProposalID,
		time.Now(),
	)
}
