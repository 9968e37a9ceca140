package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store, primarily for tests and ephemeral
// runs. It is safe for concurrent use across threads.
type MemoryStore struct {
	mutex        sync.RWMutex
	checkpoints  map[string]*Checkpoint
	lastAccessed map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints:  map[string]*Checkpoint{},
		lastAccessed: map[string]time.Time{},
	}
}

func (s *MemoryStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	checkpoint, ok := s.checkpoints[threadID]
	if !ok {
		return nil, nil
	}
	s.lastAccessed[threadID] = time.Now()
	return checkpoint.Copy(), nil
}

func (s *MemoryStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.checkpoints[checkpoint.ThreadID] = checkpoint.Copy()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, threadID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.checkpoints, threadID)
	delete(s.lastAccessed, threadID)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	var summaries []*ThreadSummary
	for threadID, checkpoint := range s.checkpoints {
		size := int64(0)
		if data, err := json.Marshal(checkpoint.State); err == nil {
			size = int64(len(data))
		}
		summary := &ThreadSummary{
			ThreadID:     threadID,
			OwnerID:      checkpoint.Metadata.OwnerID,
			ProposalID:   checkpoint.Metadata.ProposalID,
			Version:      checkpoint.Version,
			Size:         size,
			UpdatedAt:    checkpoint.CreatedAt,
			LastAccessed: s.lastAccessed[threadID],
		}
		if filter.Matches(summary) {
			summaries = append(summaries, summary)
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}
