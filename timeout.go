package workflow

import (
	"context"
	"time"
)

// Default time budgets. Research-class steps routinely run long model
// calls, so the category override exists precisely for them.
const (
	DefaultWorkflowTimeout = 5 * time.Minute
	DefaultStepTimeout     = 60 * time.Second
	DefaultGracePeriod     = 5 * time.Second
)

// TimeoutConfig sets the time budgets for a run. PerStep overrides take
// precedence over PerCategory, which takes precedence over DefaultStep.
type TimeoutConfig struct {
	Workflow    time.Duration
	DefaultStep time.Duration
	PerStep     map[string]time.Duration
	PerCategory map[string]time.Duration

	// Grace is how long a canceled step gets to observe the signal before
	// it is abandoned and treated as failed.
	Grace time.Duration
}

// TimeoutManager derives run- and step-scoped contexts from a TimeoutConfig.
// All timers are released through the returned cancel functions, so no
// timers leak across runs.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a manager, filling in defaults for unset
// budgets.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	if config.Workflow <= 0 {
		config.Workflow = DefaultWorkflowTimeout
	}
	if config.DefaultStep <= 0 {
		config.DefaultStep = DefaultStepTimeout
	}
	if config.Grace <= 0 {
		config.Grace = DefaultGracePeriod
	}
	return &TimeoutManager{config: config}
}

// RunContext returns a context bounded by the whole-workflow deadline.
func (m *TimeoutManager) RunContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.config.Workflow)
}

// StepContext returns a context bounded by the step's time budget.
func (m *TimeoutManager) StepContext(ctx context.Context, step *Step) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.StepBudget(step))
}

// StepBudget resolves the time budget for a step.
func (m *TimeoutManager) StepBudget(step *Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if d, ok := m.config.PerStep[step.Name]; ok && d > 0 {
		return d
	}
	if d, ok := m.config.PerCategory[step.Category]; ok && d > 0 {
		return d
	}
	return m.config.DefaultStep
}

// Grace returns the cooperative-cancellation grace period.
func (m *TimeoutManager) Grace() time.Duration {
	return m.config.Grace
}
