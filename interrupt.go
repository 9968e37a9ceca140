package workflow

import (
	"time"
)

// ProcessingStatus tracks where an interrupted thread sits in the review
// handoff.
type ProcessingStatus string

const (
	ProcessingNone          ProcessingStatus = ""
	ProcessingPending       ProcessingStatus = "pending"
	ProcessingAwaitingInput ProcessingStatus = "awaiting_input"
)

// InterruptStatus records whether a thread is suspended awaiting human
// input. There is at most one active interrupt per thread.
type InterruptStatus struct {
	IsInterrupted     bool             `json:"isInterrupted"`
	InterruptionPoint string           `json:"interruptionPoint,omitempty"`
	ProcessingStatus  ProcessingStatus `json:"processingStatus,omitempty"`
}

// InterruptMetadata captures what a paused step wants reviewed. It is
// created when a step requests an interrupt and discarded when feedback is
// resolved.
type InterruptMetadata struct {
	Reason           string         `json:"reason"`
	OriginStepID     string         `json:"originStepId"`
	Timestamp        time.Time      `json:"timestamp"`
	ContentReference string         `json:"contentReference"`
	EvaluationResult map[string]any `json:"evaluationResult,omitempty"`
}

// FeedbackType enumerates the human decisions that resolve an interrupt.
type FeedbackType string

const (
	FeedbackApprove    FeedbackType = "approve"
	FeedbackRevise     FeedbackType = "revise"
	FeedbackRegenerate FeedbackType = "regenerate"
)

// FeedbackPayload is the externally supplied resolution for a suspended
// thread. It is consumed exactly once.
type FeedbackPayload struct {
	Type          FeedbackType   `json:"type"`
	Comments      string         `json:"comments,omitempty"`
	SpecificEdits map[string]any `json:"specificEdits,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// State channel conversions. Interrupt bookkeeping lives inside the state
// map and must round-trip through JSON checkpoints, so it is stored as
// plain maps and read back tolerantly.

func (s InterruptStatus) toChannelValue() map[string]any {
	return map[string]any{
		"isInterrupted":     s.IsInterrupted,
		"interruptionPoint": s.InterruptionPoint,
		"processingStatus":  string(s.ProcessingStatus),
	}
}

// InterruptStatusFromState reads the interrupt status channel. An absent or
// malformed channel reads as not-interrupted.
func InterruptStatusFromState(state State) InterruptStatus {
	m, ok := state[ChannelInterruptStatus].(map[string]any)
	if !ok {
		return InterruptStatus{}
	}
	status := InterruptStatus{}
	status.IsInterrupted, _ = m["isInterrupted"].(bool)
	status.InterruptionPoint, _ = m["interruptionPoint"].(string)
	if p, ok := m["processingStatus"].(string); ok {
		status.ProcessingStatus = ProcessingStatus(p)
	}
	return status
}

func (m InterruptMetadata) toChannelValue() map[string]any {
	value := map[string]any{
		"reason":           m.Reason,
		"originStepId":     m.OriginStepID,
		"timestamp":        m.Timestamp.Format(time.RFC3339Nano),
		"contentReference": m.ContentReference,
	}
	if m.EvaluationResult != nil {
		value["evaluationResult"] = m.EvaluationResult
	}
	return value
}

// InterruptMetadataFromState reads the interrupt metadata channel, returning
// false if no metadata is recorded.
func InterruptMetadataFromState(state State) (InterruptMetadata, bool) {
	m, ok := state[ChannelInterruptMetadata].(map[string]any)
	if !ok || len(m) == 0 {
		return InterruptMetadata{}, false
	}
	md := InterruptMetadata{}
	md.Reason, _ = m["reason"].(string)
	md.OriginStepID, _ = m["originStepId"].(string)
	md.ContentReference, _ = m["contentReference"].(string)
	if ts, ok := m["timestamp"].(string); ok {
		md.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if er, ok := m["evaluationResult"].(map[string]any); ok {
		md.EvaluationResult = er
	}
	return md, true
}

func (f FeedbackPayload) toChannelValue() map[string]any {
	value := map[string]any{
		"type":      string(f.Type),
		"comments":  f.Comments,
		"timestamp": f.Timestamp.Format(time.RFC3339Nano),
	}
	if f.SpecificEdits != nil {
		value["specificEdits"] = f.SpecificEdits
	}
	return value
}

// FeedbackFromState reads the pending feedback channel, returning false if
// no feedback payload is present.
func FeedbackFromState(state State) (FeedbackPayload, bool) {
	m, ok := state[ChannelUserFeedback].(map[string]any)
	if !ok || len(m) == 0 {
		return FeedbackPayload{}, false
	}
	f := FeedbackPayload{}
	if t, ok := m["type"].(string); ok {
		f.Type = FeedbackType(t)
	}
	f.Comments, _ = m["comments"].(string)
	if ts, ok := m["timestamp"].(string); ok {
		f.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if edits, ok := m["specificEdits"].(map[string]any); ok {
		f.SpecificEdits = edits
	}
	return f, true
}

// AttachFeedback returns a new checkpoint with the feedback payload stored
// in the thread's state, superseding the given one. The thread stays paused;
// the executor consumes the payload the next time the thread runs.
func AttachFeedback(checkpoint *Checkpoint, feedback FeedbackPayload) *Checkpoint {
	if feedback.Timestamp.IsZero() {
		feedback.Timestamp = time.Now()
	}
	out := checkpoint.Copy()
	out.ID = NewCheckpointID()
	out.State[ChannelUserFeedback] = feedback.toChannelValue()
	out.Version = checkpoint.Version + 1
	out.CreatedAt = time.Now()
	return out
}

// clearedInterruptChannels is the partial update that resolves an interrupt:
// status reset, metadata and feedback discarded.
func clearedInterruptChannels() State {
	return State{
		ChannelInterruptStatus:   InterruptStatus{}.toChannelValue(),
		ChannelInterruptMetadata: map[string]any{},
		ChannelUserFeedback:      map[string]any{},
	}
}

// FeedbackResolver applies human feedback decisions to workflow state. The
// phase registry decides which fixed phases a content reference may name;
// anything else must match a key in the sections channel.
type FeedbackResolver struct {
	schema *Schema
	phases *PhaseRegistry
}

// NewFeedbackResolver creates a resolver over the given schema and phase
// registry.
func NewFeedbackResolver(schema *Schema, phases *PhaseRegistry) *FeedbackResolver {
	return &FeedbackResolver{schema: schema, phases: phases}
}

// ProcessFeedback consumes the pending feedback payload and applies it to
// the interrupted content. On success the returned state has the referenced
// content's status updated and all interrupt channels cleared. On a
// structural failure the error is appended to the state's error log and the
// thread's interrupt state is left untouched, so the caller can correct the
// input and try again.
func (r *FeedbackResolver) ProcessFeedback(state State) (State, error) {
	feedback, ok := FeedbackFromState(state)
	if !ok {
		return r.recordError(state, &MissingFeedbackError{}), &MissingFeedbackError{}
	}

	metadata, ok := InterruptMetadataFromState(state)
	if !ok {
		return r.recordError(state, &MissingInterruptMetadataError{}), &MissingInterruptMetadataError{}
	}

	reference := metadata.ContentReference
	phase, isPhase := r.phases.Lookup(reference)
	_, isSection := sectionsFromState(state)[reference].(map[string]any)
	if !isPhase && !isSection {
		err := &UnknownContentReferenceError{Reference: reference}
		return r.recordError(state, err), err
	}

	switch feedback.Type {
	case FeedbackApprove, FeedbackRevise, FeedbackRegenerate:
	default:
		err := &UnknownFeedbackTypeError{Type: string(feedback.Type)}
		return r.recordError(state, err), err
	}

	update := clearedInterruptChannels()
	resolved := false

	if isPhase {
		switch feedback.Type {
		case FeedbackApprove:
			update[phase.StatusChannel] = StatusApproved
		case FeedbackRevise:
			update[phase.StatusChannel] = StatusEdited
			update[ChannelRevisionInstructions] = reviseInstructions(feedback)
		case FeedbackRegenerate:
			update[phase.StatusChannel] = StatusStale
		}
		resolved = true
	} else if isSection {
		section := map[string]any{}
		switch feedback.Type {
		case FeedbackApprove:
			section["status"] = StatusApproved
		case FeedbackRevise:
			section["status"] = StatusEdited
			section["revisionInstructions"] = reviseInstructions(feedback)
		case FeedbackRegenerate:
			section["status"] = StatusStale
			// Clearing content forces the next generation pass to rebuild it.
			section["content"] = ""
		}
		update[ChannelSections] = map[string]any{reference: section}
		resolved = true
	}

	if !resolved {
		err := &UnresolvedFeedbackError{Type: string(feedback.Type), Reference: reference}
		return r.recordError(state, err), err
	}
	return r.schema.Apply(state, update), nil
}

func reviseInstructions(feedback FeedbackPayload) string {
	if feedback.Comments == "" {
		return DefaultReviseInstructions
	}
	return feedback.Comments
}

// recordError appends a structural feedback error to the state's error log
// without touching any other channel.
func (r *FeedbackResolver) recordError(state State, err error) State {
	event := NewErrorEvent(err, "", 0)
	return r.schema.Apply(state, State{
		ChannelErrors: []any{event.toChannelValue()},
	})
}
