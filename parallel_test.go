package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFanOutMergesInBranchOrder(t *testing.T) {
	schema := ProposalSchema()
	step := FanOut(schema,
		FanOutTask{Name: "slow", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			time.Sleep(20 * time.Millisecond)
			return Continue(State{
				ChannelResearchStatus: StatusGenerating,
				ChannelErrors:         []any{"from slow"},
			}), nil
		}},
		FanOutTask{Name: "fast", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return Continue(State{
				ChannelResearchStatus: StatusApproved,
				ChannelErrors:         []any{"from fast"},
			}), nil
		}},
	)

	outcome, err := step(context.Background(), State{})
	require.NoError(t, err)

	// Branch order wins, not completion order: "fast" finishes first but is
	// declared second, so its last-value update lands last.
	require.Equal(t, StatusApproved, outcome.Update[ChannelResearchStatus])
	require.Equal(t, []any{"from slow", "from fast"}, outcome.Update[ChannelErrors])
}

func TestFanOutBranchesSeeIndependentState(t *testing.T) {
	schema := ProposalSchema()
	step := FanOut(schema,
		FanOutTask{Name: "a", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			state["scratch"] = "a"
			return Continue(nil), nil
		}},
		FanOutTask{Name: "b", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			state["scratch"] = "b"
			return Continue(nil), nil
		}},
	)

	input := State{"scratch": "original"}
	_, err := step(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, "original", input["scratch"])
}

func TestFanOutBranchFailureFailsStep(t *testing.T) {
	schema := ProposalSchema()
	step := FanOut(schema,
		FanOutTask{Name: "ok", Func: noopStep},
		FanOutTask{Name: "broken", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return StepOutcome{}, errors.New("rate limit exceeded")
		}},
	)

	_, err := step(context.Background(), State{})
	require.Error(t, err)
	require.Contains(t, err.Error(), `branch "broken"`)
	require.Equal(t, CategoryRateLimit, Classify(err))
}

func TestFanOutKeepsFirstInterrupt(t *testing.T) {
	schema := ProposalSchema()
	step := FanOut(schema,
		FanOutTask{Name: "a", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return RequestReview(nil, InterruptRequest{ContentReference: "research"}), nil
		}},
		FanOutTask{Name: "b", Func: func(ctx context.Context, state State) (StepOutcome, error) {
			return RequestReview(nil, InterruptRequest{ContentReference: "solution"}), nil
		}},
	)

	outcome, err := step(context.Background(), State{})
	require.NoError(t, err)
	require.NotNil(t, outcome.Interrupt)
	require.Equal(t, "research", outcome.Interrupt.ContentReference)
}
