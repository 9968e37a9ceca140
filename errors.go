package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCategory classifies a step failure. The set is closed: classification
// always lands on one of these values, with CategoryUnknown as the fallback.
type ErrorCategory string

const (
	CategoryRateLimit       ErrorCategory = "RATE_LIMIT_EXCEEDED"
	CategoryContextWindow   ErrorCategory = "CONTEXT_WINDOW_EXCEEDED"
	CategoryLLMUnavailable  ErrorCategory = "LLM_UNAVAILABLE"
	CategoryToolExecution   ErrorCategory = "TOOL_EXECUTION_ERROR"
	CategoryInvalidResponse ErrorCategory = "INVALID_RESPONSE_FORMAT"
	CategoryCheckpoint      ErrorCategory = "CHECKPOINT_ERROR"
	CategoryUnknown         ErrorCategory = "UNKNOWN"
)

// classificationPatterns maps message substrings to categories. Matching is
// case-insensitive and the first match wins, so order matters here.
var classificationPatterns = []struct {
	category ErrorCategory
	patterns []string
}{
	{CategoryRateLimit, []string{"rate limit", "too many requests", "429", "quota exceeded"}},
	{CategoryContextWindow, []string{"context window", "context length", "maximum context", "token limit", "too long"}},
	{CategoryLLMUnavailable, []string{"unavailable", "overloaded", "connection refused", "connection reset", "timeout", "timed out", "deadline exceeded", "503", "502"}},
	{CategoryToolExecution, []string{"tool execution", "tool call failed", "tool error"}},
	{CategoryInvalidResponse, []string{"invalid response", "failed to parse", "unexpected format", "malformed"}},
	{CategoryCheckpoint, []string{"checkpoint", "persistence failed"}},
}

// StepError is a step failure carrying an explicit category. Steps may
// return one directly to skip message-based classification; Fatal marks the
// failure as never retryable.
type StepError struct {
	Category ErrorCategory `json:"category"`
	Cause    string        `json:"cause"`
	Fatal    bool          `json:"fatal,omitempty"`
	Wrapped  error         `json:"-"`
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %s", e.Category, e.Cause)
}

func (e *StepError) Unwrap() error {
	return e.Wrapped
}

// NewStepError creates a StepError with the given category.
func NewStepError(category ErrorCategory, cause string) *StepError {
	return &StepError{Category: category, Cause: cause}
}

// Classify maps a raw failure to an ErrorCategory. A StepError anywhere in
// the chain wins; otherwise the error message is matched against known
// keyword patterns, falling back to CategoryUnknown.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryUnknown
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Category
	}
	var exhausted *CheckpointWriteExhaustedError
	if errors.As(err, &exhausted) {
		return CategoryCheckpoint
	}
	message := strings.ToLower(err.Error())
	for _, entry := range classificationPatterns {
		for _, pattern := range entry.patterns {
			if strings.Contains(message, pattern) {
				return entry.category
			}
		}
	}
	return CategoryUnknown
}

// ErrorEvent is an immutable entry in a thread's append-only error log.
type ErrorEvent struct {
	Message    string        `json:"message"`
	Category   ErrorCategory `json:"category"`
	NodeID     string        `json:"nodeId,omitempty"`
	RetryCount int           `json:"retryCount"`
	Fatal      bool          `json:"fatal"`
	Timestamp  time.Time     `json:"timestamp"`
}

// NewErrorEvent classifies err and builds the corresponding log entry.
func NewErrorEvent(err error, nodeID string, retryCount int) ErrorEvent {
	event := ErrorEvent{
		Message:    err.Error(),
		Category:   Classify(err),
		NodeID:     nodeID,
		RetryCount: retryCount,
		Timestamp:  time.Now(),
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		event.Fatal = stepErr.Fatal
	}
	return event
}

// toChannelValue converts the event to the JSON-shaped map stored in the
// errors channel, so logged events look identical before and after a
// checkpoint round trip.
func (e ErrorEvent) toChannelValue() map[string]any {
	return map[string]any{
		"message":    e.Message,
		"category":   string(e.Category),
		"nodeId":     e.NodeID,
		"retryCount": e.RetryCount,
		"fatal":      e.Fatal,
		"timestamp":  e.Timestamp.Format(time.RFC3339Nano),
	}
}

// ShouldRetry decides whether a failed step attempt should run again.
// Attempt counters are per step and reset at each step boundary.
func ShouldRetry(event ErrorEvent, attempt, maxRetries int) bool {
	if attempt >= maxRetries {
		return false
	}
	if event.Fatal {
		return false
	}
	switch event.Category {
	case CategoryRateLimit, CategoryLLMUnavailable:
		return true
	case CategoryContextWindow:
		return false
	case CategoryToolExecution, CategoryUnknown:
		// Most likely deterministic bugs rather than transient conditions,
		// so a single retry is all they get.
		return attempt < 1
	default:
		return false
	}
}

// UserMessage returns a human-readable explanation for a failure category,
// suitable for surfacing to end users without leaking internals.
func UserMessage(category ErrorCategory) string {
	switch category {
	case CategoryRateLimit:
		return "The assistant reached the usage limit. Please wait a moment and try again."
	case CategoryContextWindow:
		return "The conversation has become too long to process. Try starting a new proposal thread."
	case CategoryLLMUnavailable:
		return "The assistant is temporarily unavailable. Please try again shortly."
	case CategoryToolExecution:
		return "A supporting tool failed while preparing your proposal."
	case CategoryInvalidResponse:
		return "The assistant produced an unexpected response. Please try again."
	case CategoryCheckpoint:
		return "Your progress could not be saved. Recent changes may need to be repeated."
	default:
		return "Something went wrong while processing your proposal."
	}
}

// MissingFeedbackError indicates a feedback resolution was requested while
// no feedback payload is present in state.
type MissingFeedbackError struct{}

func (e *MissingFeedbackError) Error() string {
	return "No user feedback found in workflow state"
}

// MissingInterruptMetadataError indicates feedback arrived for a thread
// whose interrupt metadata is absent, so there is no way to tell what the
// feedback applies to.
type MissingInterruptMetadataError struct{}

func (e *MissingInterruptMetadataError) Error() string {
	return "No interrupt metadata found for pending feedback"
}

// UnknownContentReferenceError indicates the interrupt's content reference
// matches neither a registered phase nor a section id.
type UnknownContentReferenceError struct {
	Reference string
}

func (e *UnknownContentReferenceError) Error() string {
	return fmt.Sprintf("Unknown content reference %q", e.Reference)
}

// UnknownFeedbackTypeError indicates a feedback payload with a type outside
// approve/revise/regenerate.
type UnknownFeedbackTypeError struct {
	Type string
}

func (e *UnknownFeedbackTypeError) Error() string {
	return fmt.Sprintf("Unknown feedback type %q", e.Type)
}

// UnresolvedFeedbackError indicates no feedback branch matched; it signals
// an internal inconsistency rather than bad input.
type UnresolvedFeedbackError struct {
	Type      string
	Reference string
}

func (e *UnresolvedFeedbackError) Error() string {
	return fmt.Sprintf("feedback %q on %q was not resolved by any branch", e.Type, e.Reference)
}

// WorkflowCancellationError indicates a run was terminated by the workflow
// deadline or an explicit cancellation. The last durable checkpoint remains
// valid and the thread may be resumed.
type WorkflowCancellationError struct {
	ThreadID string
	StepID   string
	Cause    error
}

func (e *WorkflowCancellationError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("workflow %s canceled during step %q", e.ThreadID, e.StepID)
	}
	return fmt.Sprintf("workflow %s canceled", e.ThreadID)
}

func (e *WorkflowCancellationError) Unwrap() error {
	return e.Cause
}

// CheckpointWriteExhaustedError indicates a checkpoint write failed after
// exhausting its retries. It is fatal to the run: the executor cannot
// guarantee durability of the step output it just computed.
type CheckpointWriteExhaustedError struct {
	ThreadID string
	Wrapped  error
}

func (e *CheckpointWriteExhaustedError) Error() string {
	return fmt.Sprintf("checkpoint write for thread %s exhausted retries: %v", e.ThreadID, e.Wrapped)
}

func (e *CheckpointWriteExhaustedError) Unwrap() error {
	return e.Wrapped
}
