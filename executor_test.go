package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastRetryOptions(graph *Graph, store Store) ExecutorOptions {
	return ExecutorOptions{
		Graph:             graph,
		Store:             store,
		StepRetryBaseWait: time.Millisecond,
		StepRetryMaxWait:  5 * time.Millisecond,
	}
}

func linearGraph(t *testing.T, steps ...*Step) *Graph {
	t.Helper()
	graph, err := NewGraph(GraphOptions{Name: "test", Steps: steps})
	require.NoError(t, err)
	return graph
}

func TestExecutorValidation(t *testing.T) {
	graph := linearGraph(t, &Step{Name: "a", Func: noopStep, End: true})

	_, err := NewExecutor(ExecutorOptions{Store: NewMemoryStore()})
	require.Error(t, err)
	require.Contains(t, err.Error(), "graph is required")

	_, err = NewExecutor(ExecutorOptions{Graph: graph})
	require.Error(t, err)
	require.Contains(t, err.Error(), "store is required")
}

func TestRunLinearGraphToCompletion(t *testing.T) {
	store := NewMemoryStore()
	graph := linearGraph(t,
		&Step{Name: "research", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return Continue(State{ChannelResearchStatus: StatusGenerating}), nil
		}, Next: []*Edge{{Step: "solution"}}},
		&Step{Name: "solution", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			// Steps see the post-merge state of their predecessors.
			require.Equal(t, StatusGenerating, state[ChannelResearchStatus])
			return Continue(State{ChannelSolutionStatus: StatusGenerating}), nil
		}, End: true},
	)

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{OwnerID: "o1"})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, 2, result.Version)
	require.Equal(t, StatusGenerating, result.State[ChannelResearchStatus])
	require.Equal(t, StatusGenerating, result.State[ChannelSolutionStatus])

	// The final checkpoint marks the thread complete.
	checkpoint, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 2, checkpoint.Version)
	require.Equal(t, EndStep, checkpoint.Metadata.Step)
	require.Equal(t, "o1", checkpoint.Metadata.OwnerID)
}

func TestRunCompletedThreadIsStable(t *testing.T) {
	store := NewMemoryStore()
	var calls atomic.Int32
	graph := linearGraph(t, &Step{Name: "only", Func: func(ctx context.Context, state State) (StepOutcome, error) {
		calls.Add(1)
		return Continue(nil), nil
	}, End: true})

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	_, err = executor.Run(context.Background(), "t1", nil, CheckpointMetadata{})
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", nil, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, int32(1), calls.Load(), "completed thread must not re-execute")
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	store := NewMemoryStore()
	var firstCalls, secondCalls atomic.Int32
	graph := linearGraph(t,
		&Step{Name: "first", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			firstCalls.Add(1)
			return Continue(State{ChannelResearchStatus: StatusApproved}), nil
		}, Next: []*Edge{{Step: "second"}}},
		&Step{Name: "second", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			secondCalls.Add(1)
			if secondCalls.Load() == 1 {
				return StepOutcome{}, &StepError{Category: CategoryContextWindow, Cause: "too long"}
			}
			return Continue(nil), nil
		}, End: true},
	)

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = executor.Run(ctx, "t1", State{}, CheckpointMetadata{})
	require.Error(t, err)

	// The crash-recovery path: a new Run picks up at the failed step.
	result, err := executor.Run(ctx, "t1", nil, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, int32(1), firstCalls.Load(), "completed steps must not re-execute")
	require.Equal(t, int32(2), secondCalls.Load())
}

func TestRunConditionalEdges(t *testing.T) {
	store := NewMemoryStore()
	graph := linearGraph(t,
		&Step{Name: "evaluate", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return Continue(State{ChannelResearchStatus: StatusApproved}), nil
		}, Next: []*Edge{
			{Step: "rework", Condition: `state["researchStatus"] == "stale"`},
			{Step: "finalize", Condition: `state["researchStatus"] == "approved"`},
		}},
		&Step{Name: "rework", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			t.Fatal("rework should not run")
			return StepOutcome{}, nil
		}, End: true},
		&Step{Name: "finalize", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return Continue(State{ChannelSolutionStatus: StatusApproved}), nil
		}, End: true},
	)

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, StatusApproved, result.State[ChannelSolutionStatus])
}

func TestRunNoMatchingEdgeEndsRun(t *testing.T) {
	store := NewMemoryStore()
	graph := linearGraph(t,
		&Step{Name: "a", Func: noopStep, Next: []*Edge{
			{Step: "b", Condition: `state["researchStatus"] == "never"`},
		}},
		&Step{Name: "b", Func: noopStep, End: true},
	)

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
}

func TestRunRouterStep(t *testing.T) {
	store := NewMemoryStore()
	router := func(ctx context.Context, state State) (string, error) {
		if state[ChannelResearchStatus] == StatusApproved {
			return EndStep, nil
		}
		return "rework", nil
	}
	graph := linearGraph(t,
		&Step{Name: "evaluate", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return Continue(State{ChannelResearchStatus: StatusApproved}), nil
		}, Router: router, Destinations: []string{"rework", EndStep}},
		&Step{Name: "rework", Func: noopStep, End: true},
	)

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
}

func TestRunRouterUndeclaredDestinationFails(t *testing.T) {
	store := NewMemoryStore()
	router := func(ctx context.Context, state State) (string, error) {
		return "rework", nil
	}
	graph := linearGraph(t,
		&Step{Name: "evaluate", Func: noopStep, Router: router, Destinations: []string{EndStep}},
		&Step{Name: "rework", Func: noopStep, End: true},
	)

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "undeclared destination")
	require.Equal(t, RunFailed, result.Status)
}

func TestRunRetriesTransientFailures(t *testing.T) {
	store := NewMemoryStore()
	var attempts atomic.Int32
	graph := linearGraph(t, &Step{Name: "flaky", Func: func(ctx context.Context, state State) (StepOutcome, error) {
		if attempts.Add(1) <= 2 {
			return StepOutcome{}, errors.New("rate limit exceeded")
		}
		return Continue(State{ChannelResearchStatus: StatusApproved}), nil
	}, End: true})

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, int32(3), attempts.Load())

	// Both failed attempts are in the durable error log.
	errorLog := result.State[ChannelErrors].([]any)
	require.Len(t, errorLog, 2)
	first := errorLog[0].(map[string]any)
	require.Equal(t, string(CategoryRateLimit), first["category"])
	require.Equal(t, "flaky", first["nodeId"])
	require.Equal(t, 0, first["retryCount"])
	require.Equal(t, 1, errorLog[1].(map[string]any)["retryCount"])
}

func TestRunAttemptCounterResetsPerStep(t *testing.T) {
	store := NewMemoryStore()
	var firstAttempts, secondAttempts atomic.Int32
	flaky := func(counter *atomic.Int32) StepFunc {
		return func(ctx context.Context, state State) (StepOutcome, error) {
			if counter.Add(1) <= 3 {
				return StepOutcome{}, errors.New("service unavailable")
			}
			return Continue(nil), nil
		}
	}
	graph := linearGraph(t,
		&Step{Name: "first", Func: flaky(&firstAttempts), Next: []*Edge{{Step: "second"}}},
		&Step{Name: "second", Func: flaky(&secondAttempts), End: true},
	)

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	// Each step gets its own budget of 3 retries, so 4 attempts per step
	// succeed even though 6 failures happen overall.
	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, int32(4), firstAttempts.Load())
	require.Equal(t, int32(4), secondAttempts.Load())
}

func TestRunNonRetryableFailsImmediately(t *testing.T) {
	store := NewMemoryStore()
	var attempts atomic.Int32
	graph := linearGraph(t, &Step{Name: "overflow", Func: func(ctx context.Context, state State) (StepOutcome, error) {
		attempts.Add(1)
		return StepOutcome{}, errors.New("prompt exceeds maximum context length")
	}, End: true})

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.Error(t, err)
	require.Equal(t, RunFailed, result.Status)
	require.Equal(t, int32(1), attempts.Load())
	require.Equal(t, UserMessage(CategoryContextWindow), result.UserMessage)

	// The failure is durable: the error log survives in the checkpoint.
	checkpoint, getErr := store.Get(context.Background(), "t1")
	require.NoError(t, getErr)
	require.Len(t, checkpoint.State[ChannelErrors].([]any), 1)
}

func TestRunRetryExhaustionFails(t *testing.T) {
	store := NewMemoryStore()
	var attempts atomic.Int32
	graph := linearGraph(t, &Step{Name: "down", MaxRetries: 2, Func: func(ctx context.Context, state State) (StepOutcome, error) {
		attempts.Add(1)
		return StepOutcome{}, errors.New("service unavailable")
	}, End: true})

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.Error(t, err)
	require.Equal(t, RunFailed, result.Status)
	require.Equal(t, int32(3), attempts.Load())
	require.Equal(t, UserMessage(CategoryLLMUnavailable), result.UserMessage)
}

func reviewGraph(t *testing.T) *Graph {
	return linearGraph(t,
		&Step{Name: "draft", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return RequestReview(
				State{ChannelResearchStatus: StatusAwaitingReview},
				InterruptRequest{Reason: "quality gate", ContentReference: "research"},
			), nil
		}, Next: []*Edge{{Step: "finalize"}}},
		&Step{Name: "finalize", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return Continue(State{ChannelSolutionStatus: StatusApproved}), nil
		}, End: true},
	)
}

func TestRunInterruptPausesThread(t *testing.T) {
	store := NewMemoryStore()
	executor, err := NewExecutor(fastRetryOptions(reviewGraph(t), store))
	require.NoError(t, err)

	ctx := context.Background()
	result, err := executor.Run(ctx, "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunInterrupted, result.Status)
	require.NotNil(t, result.Interrupt)
	require.Equal(t, "quality gate", result.Interrupt.Reason)
	require.Equal(t, "draft", result.Interrupt.OriginStepID)
	require.Equal(t, "research", result.Interrupt.ContentReference)

	// The pause is durable: the checkpoint carries the interrupt state and
	// the step's own update.
	checkpoint, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	status := InterruptStatusFromState(checkpoint.State)
	require.True(t, status.IsInterrupted)
	require.Equal(t, "draft", status.InterruptionPoint)
	require.Equal(t, ProcessingAwaitingInput, status.ProcessingStatus)
	require.Equal(t, StatusAwaitingReview, checkpoint.State[ChannelResearchStatus])

	// A second Run reports the pause without executing anything.
	again, err := executor.Run(ctx, "t1", nil, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunInterrupted, again.Status)
	require.Equal(t, result.Version, again.Version)
}

func TestResumeApproveCompletesRun(t *testing.T) {
	store := NewMemoryStore()
	executor, err := NewExecutor(fastRetryOptions(reviewGraph(t), store))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = executor.Run(ctx, "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)

	result, err := executor.Resume(ctx, "t1", FeedbackPayload{Type: FeedbackApprove})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, StatusApproved, result.State[ChannelResearchStatus])
	require.Equal(t, StatusApproved, result.State[ChannelSolutionStatus])

	// Interrupt bookkeeping is fully cleared.
	require.False(t, InterruptStatusFromState(result.State).IsInterrupted)
	_, hasFeedback := FeedbackFromState(result.State)
	require.False(t, hasFeedback)
}

func TestResumeReviseRecordsInstructions(t *testing.T) {
	store := NewMemoryStore()
	executor, err := NewExecutor(fastRetryOptions(reviewGraph(t), store))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = executor.Run(ctx, "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)

	result, err := executor.Resume(ctx, "t1", FeedbackPayload{Type: FeedbackRevise, Comments: "Fix X"})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, StatusEdited, result.State[ChannelResearchStatus])
	require.Equal(t, "Fix X", result.State[ChannelRevisionInstructions])
}

func TestResumeStructuralFailureStaysPaused(t *testing.T) {
	store := NewMemoryStore()
	executor, err := NewExecutor(fastRetryOptions(reviewGraph(t), store))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = executor.Run(ctx, "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)

	result, err := executor.Resume(ctx, "t1", FeedbackPayload{Type: "escalate"})
	require.Error(t, err)
	require.Equal(t, RunInterrupted, result.Status)

	// The failure is durable and the thread can be corrected and resumed.
	checkpoint, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.True(t, InterruptStatusFromState(checkpoint.State).IsInterrupted)
	require.Len(t, checkpoint.State[ChannelErrors].([]any), 1)

	retried, err := executor.Resume(ctx, "t1", FeedbackPayload{Type: FeedbackApprove})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, retried.Status)
}

func TestResumeUnknownThread(t *testing.T) {
	store := NewMemoryStore()
	executor, err := NewExecutor(fastRetryOptions(reviewGraph(t), store))
	require.NoError(t, err)

	_, err = executor.Resume(context.Background(), "missing", FeedbackPayload{Type: FeedbackApprove})
	require.ErrorIs(t, err, ErrThreadNotFound)
}

func TestResumeNonInterruptedThread(t *testing.T) {
	store := NewMemoryStore()
	graph := linearGraph(t, &Step{Name: "only", Func: noopStep, End: true})
	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = executor.Run(ctx, "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)

	_, err = executor.Resume(ctx, "t1", FeedbackPayload{Type: FeedbackApprove})
	require.Error(t, err)
	require.Contains(t, err.Error(), "not awaiting feedback")
}

func TestRunResolvesOutOfBandFeedback(t *testing.T) {
	store := NewMemoryStore()
	executor, err := NewExecutor(fastRetryOptions(reviewGraph(t), store))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = executor.Run(ctx, "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)

	// Feedback attached directly to the store, as the CLI does.
	checkpoint, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, AttachFeedback(checkpoint, FeedbackPayload{Type: FeedbackApprove})))

	result, err := executor.Run(ctx, "t1", nil, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, StatusApproved, result.State[ChannelResearchStatus])
}

func TestRunWorkflowTimeoutCancelsCleanly(t *testing.T) {
	store := NewMemoryStore()
	graph := linearGraph(t,
		&Step{Name: "prepare", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return Continue(State{ChannelResearchStatus: StatusGenerating}), nil
		}, Next: []*Edge{{Step: "long"}}},
		&Step{Name: "long", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			select {
			case <-ctx.Done():
				return StepOutcome{}, ctx.Err()
			case <-time.After(2 * time.Second):
				return Continue(nil), nil
			}
		}, End: true},
	)

	options := fastRetryOptions(graph, store)
	options.Timeouts = TimeoutConfig{
		Workflow: 150 * time.Millisecond,
		Grace:    50 * time.Millisecond,
	}
	executor, err := NewExecutor(options)
	require.NoError(t, err)

	start := time.Now()
	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second, "cancellation must not wait out the step")

	var cancelErr *WorkflowCancellationError
	require.ErrorAs(t, err, &cancelErr)
	require.Equal(t, "t1", cancelErr.ThreadID)
	require.Equal(t, "long", cancelErr.StepID)
	require.Equal(t, RunCanceled, result.Status)

	// The checkpoint from before the long step is intact.
	checkpoint, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 1, checkpoint.Version)
	require.Equal(t, "long", checkpoint.Metadata.Step)
	require.Equal(t, StatusGenerating, checkpoint.State[ChannelResearchStatus])
}

func TestRunStepTimeoutIsRetryable(t *testing.T) {
	store := NewMemoryStore()
	var attempts atomic.Int32
	graph := linearGraph(t, &Step{Name: "slow", Timeout: 30 * time.Millisecond, Func: func(ctx context.Context, state State) (StepOutcome, error) {
		if attempts.Add(1) == 1 {
			select {
			case <-ctx.Done():
				return StepOutcome{}, ctx.Err()
			case <-time.After(time.Second):
			}
		}
		return Continue(nil), nil
	}, End: true})

	options := fastRetryOptions(graph, store)
	options.Timeouts = TimeoutConfig{Grace: 50 * time.Millisecond}
	executor, err := NewExecutor(options)
	require.NoError(t, err)

	// The first attempt exceeds its per-step budget; the retry succeeds
	// without the run being canceled.
	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunCompleted, result.Status)
	require.Equal(t, int32(2), attempts.Load())
}

func TestRunPublishesEvents(t *testing.T) {
	store := NewMemoryStore()
	sink := NewChannelSink(128)
	options := fastRetryOptions(reviewGraph(t), store)
	options.Sink = sink
	executor, err := NewExecutor(options)
	require.NoError(t, err)

	_, err = executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)

	seen := map[EventType]bool{}
	for len(sink.Events()) > 0 {
		event := <-sink.Events()
		require.Equal(t, "t1", event.ThreadID)
		seen[event.Type] = true
	}
	require.True(t, seen[EventRunStarted])
	require.True(t, seen[EventStepStarted])
	require.True(t, seen[EventInterrupted])
}

func TestRunSurvivesPanickingSink(t *testing.T) {
	store := NewMemoryStore()
	options := fastRetryOptions(reviewGraph(t), store)
	options.Sink = SinkFunc(func(Event) { panic("sink bug") })
	executor, err := NewExecutor(options)
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)
	require.Equal(t, RunInterrupted, result.Status)
}

func TestRunCheckpointExhaustionIsFatal(t *testing.T) {
	flaky := &flakyStore{inner: NewMemoryStore(), failures: 100}
	store := NewRetryingStore(RetryingStoreOptions{
		Store:      flaky,
		MaxRetries: 1,
		BaseWait:   time.Millisecond,
		MaxWait:    2 * time.Millisecond,
	})
	graph := linearGraph(t, &Step{Name: "only", Func: noopStep, End: true})

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	result, err := executor.Run(context.Background(), "t1", State{}, CheckpointMetadata{})
	require.Error(t, err)

	var exhausted *CheckpointWriteExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, RunFailed, result.Status)
	require.Equal(t, UserMessage(CategoryCheckpoint), result.UserMessage)
}

func TestGetState(t *testing.T) {
	store := NewMemoryStore()
	graph := linearGraph(t, &Step{Name: "only", Func: func(ctx context.Context, state State) (StepOutcome, error) {
		return Continue(State{ChannelResearchStatus: StatusApproved}), nil
	}, End: true})

	executor, err := NewExecutor(fastRetryOptions(graph, store))
	require.NoError(t, err)

	ctx := context.Background()
	_, err = executor.GetState(ctx, "t1")
	require.ErrorIs(t, err, ErrThreadNotFound)

	_, err = executor.Run(ctx, "t1", State{}, CheckpointMetadata{})
	require.NoError(t, err)

	state, err := executor.GetState(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatusApproved, state[ChannelResearchStatus])
}
