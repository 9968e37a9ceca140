package workflow

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// FanOutTask pairs a branch name with the work it performs.
type FanOutTask struct {
	Name string
	Func StepFunc
}

// FanOut builds a step that runs its branches concurrently, each against an
// independent copy of the current state. Partial updates are combined
// through the schema's reducers in declared branch order, so the merged
// result is deterministic regardless of completion order. Any branch
// failure fails the whole step; the first interrupt request in branch order
// is kept.
func FanOut(schema *Schema, tasks ...FanOutTask) StepFunc {
	return func(ctx context.Context, state State) (StepOutcome, error) {
		outcomes := make([]StepOutcome, len(tasks))
		g, gctx := errgroup.WithContext(ctx)
		for i, task := range tasks {
			g.Go(func() error {
				outcome, err := task.Func(gctx, state.Copy())
				if err != nil {
					return fmt.Errorf("branch %q: %w", task.Name, err)
				}
				outcomes[i] = outcome
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return StepOutcome{}, err
		}

		merged := State{}
		var interrupt *InterruptRequest
		for _, outcome := range outcomes {
			merged = schema.Apply(merged, outcome.Update)
			if interrupt == nil {
				interrupt = outcome.Interrupt
			}
		}
		return StepOutcome{Update: merged, Interrupt: interrupt}, nil
	}
}
