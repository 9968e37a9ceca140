package workflow

import (
	"context"
	"time"
)

// StepFunc is the work performed by a step: it receives the current state
// and returns a partial update, an interrupt request, or a failure.
type StepFunc func(ctx context.Context, state State) (StepOutcome, error)

// RouterFunc decides the destination of a conditional edge. It receives the
// post-merge state and must return one of the step's declared destinations.
type RouterFunc func(ctx context.Context, state State) (string, error)

// StepOutcome is the successful result of a step invocation. A pause is an
// expected outcome, not an error: a non-nil Interrupt suspends the run
// after Update has been merged and checkpointed.
type StepOutcome struct {
	Update    State
	Interrupt *InterruptRequest
}

// Continue returns an outcome that merges update and proceeds to the next
// step.
func Continue(update State) StepOutcome {
	return StepOutcome{Update: update}
}

// RequestReview returns an outcome that merges update and then suspends the
// thread for human review of the referenced content.
func RequestReview(update State, request InterruptRequest) StepOutcome {
	return StepOutcome{Update: update, Interrupt: &request}
}

// InterruptRequest is a step's demand for human review.
type InterruptRequest struct {
	Reason           string
	ContentReference string
	EvaluationResult map[string]any
}

// Edge is a directed transition to another step. An empty Condition always
// matches; otherwise the condition expression is evaluated against the
// post-merge state and the first truthy edge wins.
type Edge struct {
	Step      string `json:"step" yaml:"step"`
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Step is a named unit of work in the graph.
//
// Exactly one of Func or Handler provides the step's work: Func directly in
// code, Handler by name through the graph's handler registry (the YAML
// path). Routing uses Router (with Destinations) when set, otherwise the
// Next edges in order.
type Step struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Category tags the step for per-category time budgets ("research"
	// steps get a longer default, for example).
	Category string `json:"category,omitempty" yaml:"category,omitempty"`

	Handler string  `json:"handler,omitempty" yaml:"handler,omitempty"`
	Func    StepFunc `json:"-" yaml:"-"`

	Next []*Edge `json:"next,omitempty" yaml:"next,omitempty"`

	RouterName   string     `json:"router,omitempty" yaml:"router,omitempty"`
	Router       RouterFunc `json:"-" yaml:"-"`
	Destinations []string   `json:"destinations,omitempty" yaml:"destinations,omitempty"`

	End bool `json:"end,omitempty" yaml:"end,omitempty"`

	// Per-step overrides; zero values fall back to executor defaults.
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

func (s *Step) allowsDestination(name string) bool {
	if len(s.Destinations) == 0 {
		return true
	}
	for _, d := range s.Destinations {
		if d == name {
			return true
		}
	}
	return false
}
