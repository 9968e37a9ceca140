package workflow

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/draftforge/workflow/retry"
)

// RetryingStoreOptions configures a RetryingStore.
type RetryingStoreOptions struct {
	Store      Store
	Logger     *slog.Logger
	MaxRetries int
	BaseWait   time.Duration
	MaxWait    time.Duration
}

// RetryingStore wraps a Store with bounded retries. Writes that exhaust
// their retries surface as CheckpointWriteExhaustedError, which is fatal to
// the run. Reads, deletes, and listings degrade gracefully instead: the
// failure is logged and the caller sees "not found" or an empty list, so a
// housekeeping read never crashes the happy path.
type RetryingStore struct {
	inner      Store
	logger     *slog.Logger
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// NewRetryingStore wraps opts.Store with retry behavior.
func NewRetryingStore(opts RetryingStoreOptions) *RetryingStore {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = retry.DefaultMaxRetries
	}
	if opts.BaseWait <= 0 {
		opts.BaseWait = retry.DefaultBaseWait
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = retry.DefaultMaxWait
	}
	return &RetryingStore{
		inner:      opts.Store,
		logger:     opts.Logger,
		maxRetries: opts.MaxRetries,
		baseWait:   opts.BaseWait,
		maxWait:    opts.MaxWait,
	}
}

func (s *RetryingStore) retryOptions() []retry.Option {
	return []retry.Option{
		retry.WithMaxRetries(s.maxRetries),
		retry.WithBaseWait(s.baseWait),
		retry.WithMaxWait(s.maxWait),
	}
}

func (s *RetryingStore) Put(ctx context.Context, checkpoint *Checkpoint) error {
	err := retry.Do(ctx, func() error {
		return s.inner.Put(ctx, checkpoint)
	}, s.retryOptions()...)
	if err != nil {
		return &CheckpointWriteExhaustedError{ThreadID: checkpoint.ThreadID, Wrapped: err}
	}
	return nil
}

func (s *RetryingStore) Get(ctx context.Context, threadID string) (*Checkpoint, error) {
	var checkpoint *Checkpoint
	err := retry.Do(ctx, func() error {
		var getErr error
		checkpoint, getErr = s.inner.Get(ctx, threadID)
		return getErr
	}, s.retryOptions()...)
	if err != nil {
		s.logger.Warn("checkpoint read failed after retries; treating as not found",
			"thread_id", threadID, "error", err)
		return nil, nil
	}
	return checkpoint, nil
}

func (s *RetryingStore) Delete(ctx context.Context, threadID string) error {
	err := retry.Do(ctx, func() error {
		return s.inner.Delete(ctx, threadID)
	}, s.retryOptions()...)
	if err != nil {
		s.logger.Warn("thread delete failed after retries; ignoring",
			"thread_id", threadID, "error", err)
	}
	return nil
}

func (s *RetryingStore) List(ctx context.Context, filter ThreadFilter) ([]*ThreadSummary, error) {
	var summaries []*ThreadSummary
	err := retry.Do(ctx, func() error {
		var listErr error
		summaries, listErr = s.inner.List(ctx, filter)
		return listErr
	}, s.retryOptions()...)
	if err != nil {
		s.logger.Warn("thread listing failed after retries; returning empty list", "error", err)
		return []*ThreadSummary{}, nil
	}
	return summaries, nil
}
