package workflow

import (
	"context"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

// NewCheckpointID returns a new unique checkpoint identifier.
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// CheckpointMetadata carries the identity fields persisted alongside a
// checkpoint so threads can be listed without deserializing state.
type CheckpointMetadata struct {
	OwnerID    string `json:"owner_id,omitempty"`
	ProposalID string `json:"proposal_id,omitempty"`
	Step       string `json:"step,omitempty"`
}

// Checkpoint is an immutable snapshot of a thread's full state at a point in
// time. Each new checkpoint for a thread supersedes the previous one; a
// store may keep only the latest per thread or a full history.
type Checkpoint struct {
	ID        string             `json:"id"`
	ThreadID  string             `json:"thread_id"`
	State     State              `json:"state"`
	Writes    State              `json:"writes_pending,omitempty"`
	Metadata  CheckpointMetadata `json:"metadata,omitzero"`
	Version   int                `json:"version"`
	CreatedAt time.Time          `json:"created_at"`
}

// Copy returns a checkpoint whose state maps are independent of the
// original at the top level.
func (c *Checkpoint) Copy() *Checkpoint {
	out := *c
	out.State = c.State.Copy()
	if c.Writes != nil {
		out.Writes = c.Writes.Copy()
	}
	return &out
}

// ThreadSummary is the lightweight listing record for a thread.
type ThreadSummary struct {
	ThreadID     string    `json:"thread_id"`
	OwnerID      string    `json:"owner_id,omitempty"`
	ProposalID   string    `json:"proposal_id,omitempty"`
	Version      int       `json:"version"`
	Size         int64     `json:"size"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastAccessed time.Time `json:"last_accessed,omitzero"`
}

// ThreadFilter restricts a List call. Zero-value fields match everything.
type ThreadFilter struct {
	OwnerID  string
	Prefix   string
	Suffix   string
	Contains string
}

// Matches reports whether a summary passes the filter.
func (f ThreadFilter) Matches(summary *ThreadSummary) bool {
	if f.OwnerID != "" && summary.OwnerID != f.OwnerID {
		return false
	}
	if f.Prefix != "" && !strings.HasPrefix(summary.ThreadID, f.Prefix) {
		return false
	}
	if f.Suffix != "" && !strings.HasSuffix(summary.ThreadID, f.Suffix) {
		return false
	}
	if f.Contains != "" && !strings.Contains(summary.ThreadID, f.Contains) {
		return false
	}
	return true
}

// Store is the durable persistence interface for thread checkpoints.
//
// Get returns (nil, nil) when no checkpoint exists for the thread. Put is an
// idempotent overwrite keyed by thread id: re-sending the same checkpoint is
// a no-op, not a duplicate. Implementations must tolerate concurrent calls
// for different threads; the executor serializes writes per thread.
type Store interface {
	Get(ctx context.Context, threadID string) (*Checkpoint, error)
	Put(ctx context.Context, checkpoint *Checkpoint) error
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error)
}
