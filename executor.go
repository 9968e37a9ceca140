package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/draftforge/workflow/retry"
	"github.com/draftforge/workflow/script"
	"go.jetify.com/typeid"
)

// NewRunID returns a new unique run identifier.
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ErrThreadNotFound is returned when an operation references a thread with
// no durable checkpoint.
var ErrThreadNotFound = errors.New("thread not found")

// RunStatus is the terminal disposition of a Run or Resume call.
type RunStatus string

const (
	RunCompleted   RunStatus = "completed"
	RunInterrupted RunStatus = "interrupted"
	RunFailed      RunStatus = "failed"
	RunCanceled    RunStatus = "canceled"
)

// RunResult describes how a run ended. An interrupted run is paused, not
// failed: Interrupt carries what the thread is waiting on. UserMessage is a
// category-specific explanation safe to show end users.
type RunResult struct {
	ThreadID    string
	Status      RunStatus
	State       State
	Version     int
	Interrupt   *InterruptMetadata
	UserMessage string
}

// Step retry defaults, parameterized separately from the checkpoint
// store's backoff.
const (
	DefaultStepMaxRetries    = 3
	DefaultStepRetryBaseWait = 500 * time.Millisecond
	DefaultStepRetryMaxWait  = 30 * time.Second
)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	Graph    *Graph
	Store    Store
	Schema   *Schema
	Phases   *PhaseRegistry
	Logger   *slog.Logger
	Sink     EventSink
	Timeouts TimeoutConfig
	Compiler script.Compiler

	// Step retry policy. Attempt counters are per step and reset at each
	// step boundary.
	StepMaxRetries    int
	StepRetryBaseWait time.Duration
	StepRetryMaxWait  time.Duration
}

// Executor drives a graph over durable thread state: it runs steps
// sequentially, merges their updates through the schema's reducers,
// checkpoints after every step, and suspends on interrupt requests.
//
// Steps of a single thread never run concurrently; separate threads may run
// on separate Executors (or the same one) freely, with the Store as the
// only shared resource.
type Executor struct {
	graph             *Graph
	store             Store
	schema            *Schema
	resolver          *FeedbackResolver
	logger            *slog.Logger
	sink              EventSink
	timeouts          *TimeoutManager
	compiler          script.Compiler
	stepMaxRetries    int
	stepRetryBaseWait time.Duration
	stepRetryMaxWait  time.Duration
}

// NewExecutor creates an executor for the given graph and store.
func NewExecutor(opts ExecutorOptions) (*Executor, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Schema == nil {
		opts.Schema = ProposalSchema()
	}
	if opts.Phases == nil {
		opts.Phases = DefaultPhases()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Sink == nil {
		opts.Sink = NullSink{}
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorCompiler(script.DefaultGlobals())
	}
	if opts.StepMaxRetries <= 0 {
		opts.StepMaxRetries = DefaultStepMaxRetries
	}
	if opts.StepRetryBaseWait <= 0 {
		opts.StepRetryBaseWait = DefaultStepRetryBaseWait
	}
	if opts.StepRetryMaxWait <= 0 {
		opts.StepRetryMaxWait = DefaultStepRetryMaxWait
	}
	return &Executor{
		graph:             opts.Graph,
		store:             opts.Store,
		schema:            opts.Schema,
		resolver:          NewFeedbackResolver(opts.Schema, opts.Phases),
		logger:            opts.Logger,
		sink:              opts.Sink,
		timeouts:          NewTimeoutManager(opts.Timeouts),
		compiler:          opts.Compiler,
		stepMaxRetries:    opts.StepMaxRetries,
		stepRetryBaseWait: opts.StepRetryBaseWait,
		stepRetryMaxWait:  opts.StepRetryMaxWait,
	}, nil
}

// Run starts a thread, or picks it back up from its latest checkpoint. If
// the thread is suspended awaiting feedback and no feedback payload is
// pending in state, Run returns the paused result without executing
// anything; resolving the interrupt requires Resume (or feedback attached
// to state out of band).
func (e *Executor) Run(ctx context.Context, threadID string, input State, metadata CheckpointMetadata) (*RunResult, error) {
	checkpoint, err := e.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if checkpoint == nil {
		state := e.schema.Apply(State{}, input)
		return e.loop(ctx, threadID, state, e.graph.Start().Name, 0, metadata)
	}

	state := checkpoint.State
	if len(input) > 0 {
		state = e.schema.Apply(state, input)
	}
	if status := InterruptStatusFromState(state); status.IsInterrupted {
		// Feedback may have been attached to state out of band; resolve it
		// here instead of reporting the thread as still paused.
		if _, pending := FeedbackFromState(state); pending {
			return e.resolveAndContinue(ctx, threadID, checkpoint, state, status)
		}
		md, _ := InterruptMetadataFromState(state)
		return &RunResult{
			ThreadID:  threadID,
			Status:    RunInterrupted,
			State:     state,
			Version:   checkpoint.Version,
			Interrupt: &md,
		}, nil
	}

	next := checkpoint.Metadata.Step
	if next == "" {
		next = e.graph.Start().Name
	}
	if next == EndStep {
		return &RunResult{
			ThreadID: threadID,
			Status:   RunCompleted,
			State:    state,
			Version:  checkpoint.Version,
		}, nil
	}
	return e.loop(ctx, threadID, state, next, checkpoint.Version, checkpoint.Metadata)
}

// Resume applies a feedback decision to a suspended thread and continues
// execution from the step after the interruption point. Structural feedback
// failures are appended to the thread's error log and leave the thread
// paused for correction.
func (e *Executor) Resume(ctx context.Context, threadID string, feedback FeedbackPayload) (*RunResult, error) {
	checkpoint, err := e.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, ErrThreadNotFound
	}

	state := checkpoint.State
	status := InterruptStatusFromState(state)
	if !status.IsInterrupted {
		return nil, fmt.Errorf("thread %s is not awaiting feedback", threadID)
	}

	if feedback.Timestamp.IsZero() {
		feedback.Timestamp = time.Now()
	}
	state = e.schema.Apply(state, State{ChannelUserFeedback: feedback.toChannelValue()})

	return e.resolveAndContinue(ctx, threadID, checkpoint, state, status)
}

// resolveAndContinue consumes the feedback payload present in state and
// continues execution from the step after the interruption point. Structural
// feedback failures are persisted to the error log and leave the thread
// paused.
func (e *Executor) resolveAndContinue(ctx context.Context, threadID string, checkpoint *Checkpoint, state State, status InterruptStatus) (*RunResult, error) {
	resolved, feedbackErr := e.resolver.ProcessFeedback(state)
	if feedbackErr != nil {
		version := checkpoint.Version + 1
		if persistErr := e.persist(ctx, threadID, resolved, nil, status.InterruptionPoint, version, checkpoint.Metadata); persistErr != nil {
			return nil, persistErr
		}
		event := NewErrorEvent(feedbackErr, status.InterruptionPoint, 0)
		e.publish(Event{
			Type:     EventError,
			ThreadID: threadID,
			StepID:   status.InterruptionPoint,
			Category: event.Category,
			Message:  event.Message,
		})
		md, _ := InterruptMetadataFromState(resolved)
		return &RunResult{
			ThreadID:    threadID,
			Status:      RunInterrupted,
			State:       resolved,
			Version:     version,
			Interrupt:   &md,
			UserMessage: feedbackErr.Error(),
		}, feedbackErr
	}
	state = resolved

	originStep, ok := e.graph.GetStep(status.InterruptionPoint)
	if !ok {
		return nil, fmt.Errorf("interruption point %q not found in graph", status.InterruptionPoint)
	}
	next, err := e.route(ctx, originStep, state)
	if err != nil {
		return nil, err
	}

	// Persist the resolved state before continuing so the feedback payload
	// is consumed exactly once even if the next step crashes.
	version := checkpoint.Version + 1
	if err := e.persist(ctx, threadID, state, nil, next, version, checkpoint.Metadata); err != nil {
		return nil, err
	}
	e.publish(Event{Type: EventResumed, ThreadID: threadID, StepID: status.InterruptionPoint, Version: version})

	if next == EndStep {
		e.publish(Event{Type: EventRunCompleted, ThreadID: threadID, Version: version})
		return &RunResult{ThreadID: threadID, Status: RunCompleted, State: state, Version: version}, nil
	}
	return e.loop(ctx, threadID, state, next, version, checkpoint.Metadata)
}

// GetState returns the latest durable state for a thread.
func (e *Executor) GetState(ctx context.Context, threadID string) (State, error) {
	checkpoint, err := e.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if checkpoint == nil {
		return nil, ErrThreadNotFound
	}
	return checkpoint.State, nil
}

// loop executes steps from current until a terminal step, an interrupt, or
// an unrecoverable error.
func (e *Executor) loop(ctx context.Context, threadID string, state State, current string, version int, metadata CheckpointMetadata) (*RunResult, error) {
	runCtx, cancel := e.timeouts.RunContext(ctx)
	defer cancel()

	logger := e.logger.With("thread_id", threadID, "run_id", NewRunID())
	e.publish(Event{Type: EventRunStarted, ThreadID: threadID, StepID: current})

	for current != EndStep {
		step, ok := e.graph.GetStep(current)
		if !ok {
			return nil, fmt.Errorf("step %q not found in graph", current)
		}

		// Cooperative cancellation check between steps.
		if err := runCtx.Err(); err != nil {
			cancelErr := &WorkflowCancellationError{ThreadID: threadID, StepID: current, Cause: err}
			e.publish(Event{Type: EventError, ThreadID: threadID, StepID: current, Message: cancelErr.Error()})
			return &RunResult{
				ThreadID:    threadID,
				Status:      RunCanceled,
				State:       state,
				Version:     version,
				UserMessage: UserMessage(CategoryUnknown),
			}, cancelErr
		}

		e.publish(Event{Type: EventStepStarted, ThreadID: threadID, StepID: current})
		logger.Debug("executing step", "step", current, "version", version)

		outcome, errEvents, stepErr := e.executeStep(runCtx, threadID, step, state)
		if len(errEvents) > 0 {
			values := make([]any, 0, len(errEvents))
			for _, event := range errEvents {
				values = append(values, event.toChannelValue())
			}
			state = e.schema.Apply(state, State{ChannelErrors: values})
		}

		if stepErr != nil {
			var cancelErr *WorkflowCancellationError
			if errors.As(stepErr, &cancelErr) {
				cancelErr.ThreadID = threadID
				logger.Error("run canceled", "step", current, "error", stepErr)
				return &RunResult{
					ThreadID:    threadID,
					Status:      RunCanceled,
					State:       state,
					Version:     version,
					UserMessage: UserMessage(CategoryUnknown),
				}, cancelErr
			}
			// Record the failure durably so diagnostics survive the run.
			// Best effort: the pre-step checkpoint is already durable.
			version++
			persistCtx := context.WithoutCancel(runCtx)
			if err := e.persist(persistCtx, threadID, state, nil, current, version, metadata); err != nil {
				logger.Error("failed to persist error state", "step", current, "error", err)
			}
			category := Classify(stepErr)
			logger.Error("step failed", "step", current, "category", category, "error", stepErr)
			return &RunResult{
				ThreadID:    threadID,
				Status:      RunFailed,
				State:       state,
				Version:     version,
				UserMessage: UserMessage(category),
			}, stepErr
		}

		state = e.schema.Apply(state, outcome.Update)

		if outcome.Interrupt != nil {
			// pending: the step requested review. awaiting_input once the
			// metadata is recorded and the thread is about to suspend.
			state = e.schema.Apply(state, State{
				ChannelInterruptStatus: InterruptStatus{
					IsInterrupted:     true,
					InterruptionPoint: step.Name,
					ProcessingStatus:  ProcessingPending,
				}.toChannelValue(),
			})
			md := InterruptMetadata{
				Reason:           outcome.Interrupt.Reason,
				OriginStepID:     step.Name,
				Timestamp:        time.Now(),
				ContentReference: outcome.Interrupt.ContentReference,
				EvaluationResult: outcome.Interrupt.EvaluationResult,
			}
			state = e.schema.Apply(state, State{
				ChannelInterruptStatus: InterruptStatus{
					IsInterrupted:     true,
					InterruptionPoint: step.Name,
					ProcessingStatus:  ProcessingAwaitingInput,
				}.toChannelValue(),
				ChannelInterruptMetadata: md.toChannelValue(),
			})

			version++
			if err := e.persist(runCtx, threadID, state, outcome.Update, step.Name, version, metadata); err != nil {
				return nil, err
			}
			e.publish(Event{Type: EventInterrupted, ThreadID: threadID, StepID: step.Name, Version: version})
			logger.Info("run interrupted for review", "step", step.Name, "reference", md.ContentReference)
			return &RunResult{
				ThreadID:  threadID,
				Status:    RunInterrupted,
				State:     state,
				Version:   version,
				Interrupt: &md,
			}, nil
		}

		next, err := e.route(runCtx, step, state)
		if err != nil {
			logger.Error("routing failed", "step", current, "error", err)
			return &RunResult{
				ThreadID:    threadID,
				Status:      RunFailed,
				State:       state,
				Version:     version,
				UserMessage: UserMessage(CategoryUnknown),
			}, err
		}

		version++
		if err := e.persist(runCtx, threadID, state, outcome.Update, next, version, metadata); err != nil {
			e.publish(Event{Type: EventError, ThreadID: threadID, StepID: current, Category: CategoryCheckpoint, Message: err.Error()})
			logger.Error("checkpoint write failed", "step", current, "error", err)
			return &RunResult{
				ThreadID:    threadID,
				Status:      RunFailed,
				State:       state,
				Version:     version,
				UserMessage: UserMessage(CategoryCheckpoint),
			}, err
		}
		e.publish(Event{Type: EventCheckpointSaved, ThreadID: threadID, StepID: current, Version: version})
		e.publish(Event{Type: EventStepCompleted, ThreadID: threadID, StepID: current, Version: version})
		current = next
	}

	e.publish(Event{Type: EventRunCompleted, ThreadID: threadID, Version: version})
	logger.Info("run completed", "version", version)
	return &RunResult{ThreadID: threadID, Status: RunCompleted, State: state, Version: version}, nil
}

// executeStep invokes a step with its time budget, retrying per the error
// classification policy. Every failed attempt produces an ErrorEvent for
// the thread's append-only error log.
func (e *Executor) executeStep(ctx context.Context, threadID string, step *Step, state State) (StepOutcome, []ErrorEvent, error) {
	maxRetries := step.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.stepMaxRetries
	}

	var events []ErrorEvent
	for attempt := 0; ; attempt++ {
		outcome, err := e.invokeStep(ctx, step, state)
		if err == nil {
			return outcome, events, nil
		}

		event := NewErrorEvent(err, step.Name, attempt)
		events = append(events, event)
		e.publish(Event{
			Type:     EventError,
			ThreadID: threadID,
			StepID:   step.Name,
			Attempt:  attempt,
			Category: event.Category,
			Message:  event.Message,
		})

		var cancelErr *WorkflowCancellationError
		if errors.As(err, &cancelErr) || ctx.Err() != nil {
			return StepOutcome{}, events, err
		}
		if !ShouldRetry(event, attempt, maxRetries) {
			return StepOutcome{}, events, err
		}

		wait := retry.WaitDuration(attempt, e.stepRetryBaseWait, e.stepRetryMaxWait)
		e.logger.Debug("retrying step", "step", step.Name, "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return StepOutcome{}, events, err
		case <-time.After(wait):
		}
	}
}

// invokeStep runs the step function under its per-step deadline. A step
// that misses its deadline gets a grace period to observe the cancellation
// signal; past that it is abandoned.
func (e *Executor) invokeStep(ctx context.Context, step *Step, state State) (StepOutcome, error) {
	stepCtx, cancel := e.timeouts.StepContext(ctx, step)
	defer cancel()

	type stepResult struct {
		outcome StepOutcome
		err     error
	}
	results := make(chan stepResult, 1)
	go func() {
		outcome, err := step.Func(stepCtx, state.Copy())
		results <- stepResult{outcome, err}
	}()

	select {
	case r := <-results:
		return r.outcome, r.err
	case <-stepCtx.Done():
	}

	runCanceled := ctx.Err() != nil
	graceTimer := time.NewTimer(e.timeouts.Grace())
	defer graceTimer.Stop()
	select {
	case r := <-results:
		if runCanceled {
			// The run is over regardless of what the step produced; a
			// result computed after cancellation is never merged.
			return StepOutcome{}, &WorkflowCancellationError{StepID: step.Name, Cause: ctx.Err()}
		}
		return r.outcome, r.err
	case <-graceTimer.C:
		if runCanceled {
			return StepOutcome{}, &WorkflowCancellationError{StepID: step.Name, Cause: ctx.Err()}
		}
		return StepOutcome{}, fmt.Errorf("step %q timed out after %s", step.Name, e.timeouts.StepBudget(step))
	}
}

// route resolves the destination after a completed step using the
// post-merge state. An unrecognized destination is a fatal configuration
// error.
func (e *Executor) route(ctx context.Context, step *Step, state State) (string, error) {
	if step.End {
		return EndStep, nil
	}
	if step.Router != nil {
		dest, err := step.Router(ctx, state)
		if err != nil {
			return "", fmt.Errorf("router for step %q: %w", step.Name, err)
		}
		if !step.allowsDestination(dest) {
			return "", fmt.Errorf("router for step %q returned undeclared destination %q", step.Name, dest)
		}
		if dest != EndStep {
			if _, ok := e.graph.GetStep(dest); !ok {
				return "", fmt.Errorf("router for step %q returned unknown destination %q", step.Name, dest)
			}
		}
		return dest, nil
	}
	for _, edge := range step.Next {
		if edge.Condition == "" {
			return edge.Step, nil
		}
		matched, err := script.EvalCondition(ctx, e.compiler, edge.Condition, map[string]any{
			"state": map[string]any(state),
		})
		if err != nil {
			return "", fmt.Errorf("condition on edge %s -> %s: %w", step.Name, edge.Step, err)
		}
		if matched {
			return edge.Step, nil
		}
	}
	return EndStep, nil
}

// persist writes a new checkpoint superseding the thread's previous one.
// writes carries the partial update that produced this snapshot, for
// diagnostics.
func (e *Executor) persist(ctx context.Context, threadID string, state State, writes State, nextStep string, version int, metadata CheckpointMetadata) error {
	metadata.Step = nextStep
	checkpoint := &Checkpoint{
		ID:        NewCheckpointID(),
		ThreadID:  threadID,
		State:     state,
		Writes:    writes,
		Metadata:  metadata,
		Version:   version,
		CreatedAt: time.Now(),
	}
	return e.store.Put(ctx, checkpoint)
}

// publish sends an event to the sink. Sink misbehavior never aborts a run.
func (e *Executor) publish(event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("event sink panicked", "panic", r)
		}
	}()
	event.Timestamp = time.Now()
	e.sink.Publish(event)
}
