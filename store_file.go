package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FileStore persists one directory per thread, with a JSON file per
// checkpoint version and a "latest.json" pointer to the most recent one.
// Suitable for single-process deployments and local development.
type FileStore struct {
	dataDir string
}

// NewFileStore creates a file-backed store rooted at dataDir. An empty
// dataDir defaults to ~/.draftforge/threads.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".draftforge", "threads")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

func (s *FileStore) threadDir(threadID string) string {
	return filepath.Join(s.dataDir, threadID)
}

func (s *FileStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	dir := s.threadDir(checkpoint.ThreadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create thread directory: %w", err)
	}

	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Writing the same version twice overwrites the same file, which keeps
	// Put idempotent under retry.
	versionPath := filepath.Join(dir, fmt.Sprintf("checkpoint-v%d.json", checkpoint.Version))
	if err := os.WriteFile(versionPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	latestPath := filepath.Join(dir, "latest.json")
	if err := s.updateLatestPointer(versionPath, latestPath); err != nil {
		return fmt.Errorf("failed to update latest pointer: %w", err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	latestPath := filepath.Join(s.threadDir(threadID), "latest.json")
	if _, err := os.Stat(latestPath); os.IsNotExist(err) {
		return nil, nil
	}
	data, err := os.ReadFile(latestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint file: %w", err)
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	s.touchSession(threadID)
	return &checkpoint, nil
}

func (s *FileStore) Delete(ctx context.Context, threadID string) error {
	if err := os.RemoveAll(s.threadDir(threadID)); err != nil {
		return fmt.Errorf("failed to delete thread directory: %w", err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*ThreadSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read threads directory: %w", err)
	}

	var summaries []*ThreadSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		summary, err := s.threadSummary(entry.Name())
		if err != nil || summary == nil {
			// Skip threads we can't read.
			continue
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

func (s *FileStore) threadSummary(threadID string) (*ThreadSummary, error) {
	latestPath := filepath.Join(s.threadDir(threadID), "latest.json")
	data, err := os.ReadFile(latestPath)
	if err != nil {
		return nil, err
	}
	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, err
	}
	stateSize := int64(0)
	if stateData, err := json.Marshal(checkpoint.State); err == nil {
		stateSize = int64(len(stateData))
	}
	return &ThreadSummary{
		ThreadID:     threadID,
		OwnerID:      checkpoint.Metadata.OwnerID,
		ProposalID:   checkpoint.Metadata.ProposalID,
		Version:      checkpoint.Version,
		Size:         stateSize,
		UpdatedAt:    checkpoint.CreatedAt,
		LastAccessed: s.sessionTime(threadID),
	}, nil
}

// touchSession records thread access time in a small sidecar file so List
// can sort by recency without deserializing state.
func (s *FileStore) touchSession(threadID string) {
	sessionPath := filepath.Join(s.threadDir(threadID), "session.json")
	data, err := json.Marshal(map[string]string{
		"last_accessed": time.Now().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	_ = os.WriteFile(sessionPath, data, 0644)
}

func (s *FileStore) sessionTime(threadID string) time.Time {
	data, err := os.ReadFile(filepath.Join(s.threadDir(threadID), "session.json"))
	if err != nil {
		return time.Time{}
	}
	var session map[string]string
	if err := json.Unmarshal(data, &session); err != nil {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, session["last_accessed"])
	return t
}

// updateLatestPointer points latest.json at the newest checkpoint file,
// copying on platforms without symlink support.
func (s *FileStore) updateLatestPointer(versionPath, latestPath string) error {
	if _, err := os.Lstat(latestPath); err == nil {
		if err := os.Remove(latestPath); err != nil {
			return fmt.Errorf("failed to remove existing latest pointer: %w", err)
		}
	}
	if strings.Contains(os.Getenv("OS"), "Windows") {
		data, err := os.ReadFile(versionPath)
		if err != nil {
			return fmt.Errorf("failed to read checkpoint for copy: %w", err)
		}
		return os.WriteFile(latestPath, data, 0644)
	}
	rel, err := filepath.Rel(filepath.Dir(latestPath), versionPath)
	if err != nil {
		return fmt.Errorf("failed to create relative path: %w", err)
	}
	return os.Symlink(rel, latestPath)
}
