package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/draftforge/workflow/script"
)

// ThreadID derives the deterministic thread identifier for an owner and
// proposal. The same pair always maps to the same thread, so starting a
// workflow twice resumes rather than forks.
func ThreadID(ownerID, proposalID string) string {
	sum := sha256.Sum256([]byte(ownerID + "\x00" + proposalID))
	return "thread-" + hex.EncodeToString(sum[:8])
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Graph    *Graph
	Store    Store
	Schema   *Schema
	Phases   *PhaseRegistry
	Logger   *slog.Logger
	Sink     EventSink
	Timeouts TimeoutConfig
	Compiler script.Compiler

	StepMaxRetries    int
	StepRetryBaseWait time.Duration
	StepRetryMaxWait  time.Duration

	// Checkpoint write retry policy, applied by wrapping Store in a
	// RetryingStore. Set DisableStoreRetry when Store already handles its
	// own retries.
	StoreMaxRetries   int
	StoreBaseWait     time.Duration
	StoreMaxWait      time.Duration
	DisableStoreRetry bool
}

// Engine is the high-level entry point for running proposal workflows. It
// owns the checkpoint store, addresses threads by (owner, proposal), and
// delegates execution to an Executor.
type Engine struct {
	executor *Executor
	store    Store
	raw      Store
	logger   *slog.Logger
}

// NewEngine builds an engine around a graph and a checkpoint store.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store := opts.Store
	if !opts.DisableStoreRetry {
		store = NewRetryingStore(RetryingStoreOptions{
			Store:      opts.Store,
			Logger:     opts.Logger,
			MaxRetries: opts.StoreMaxRetries,
			BaseWait:   opts.StoreBaseWait,
			MaxWait:    opts.StoreMaxWait,
		})
	}

	executor, err := NewExecutor(ExecutorOptions{
		Graph:             opts.Graph,
		Store:             store,
		Schema:            opts.Schema,
		Phases:            opts.Phases,
		Logger:            opts.Logger,
		Sink:              opts.Sink,
		Timeouts:          opts.Timeouts,
		Compiler:          opts.Compiler,
		StepMaxRetries:    opts.StepMaxRetries,
		StepRetryBaseWait: opts.StepRetryBaseWait,
		StepRetryMaxWait:  opts.StepRetryMaxWait,
	})
	if err != nil {
		return nil, err
	}

	return &Engine{
		executor: executor,
		store:    store,
		raw:      opts.Store,
		logger:   opts.Logger,
	}, nil
}

// StartOrResumeWorkflow runs the proposal workflow for an owner's proposal.
// A fresh thread starts from the graph entry step; an existing thread picks
// up from its latest checkpoint. Input, when non-nil, is merged into state
// through the schema's reducers before execution.
func (e *Engine) StartOrResumeWorkflow(ctx context.Context, ownerID, proposalID string, input State) (*RunResult, error) {
	threadID := ThreadID(ownerID, proposalID)
	metadata := CheckpointMetadata{OwnerID: ownerID, ProposalID: proposalID}
	return e.executor.Run(ctx, threadID, input, metadata)
}

// SubmitFeedback applies a human review decision to a paused thread and
// resumes execution.
func (e *Engine) SubmitFeedback(ctx context.Context, ownerID, proposalID string, feedback FeedbackPayload) (*RunResult, error) {
	return e.executor.Resume(ctx, ThreadID(ownerID, proposalID), feedback)
}

// GetState returns the latest durable state for an owner's proposal thread.
func (e *Engine) GetState(ctx context.Context, ownerID, proposalID string) (State, error) {
	return e.executor.GetState(ctx, ThreadID(ownerID, proposalID))
}

// ListThreads returns summaries of an owner's threads, newest first. An
// empty ownerID lists all threads matching the filter.
func (e *Engine) ListThreads(ctx context.Context, ownerID string, filter ThreadFilter) ([]*ThreadSummary, error) {
	filter.OwnerID = ownerID
	return e.store.List(ctx, filter)
}

// DeleteThread removes a thread's checkpoint and session data.
func (e *Engine) DeleteThread(ctx context.Context, ownerID, proposalID string) error {
	return e.store.Delete(ctx, ThreadID(ownerID, proposalID))
}

// Close releases the underlying store when it holds external resources.
func (e *Engine) Close() error {
	if closer, ok := e.raw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
