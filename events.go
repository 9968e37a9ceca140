package workflow

import (
	"time"
)

// EventType identifies a lifecycle notification published by the executor.
type EventType string

const (
	EventRunStarted      EventType = "run_started"
	EventRunCompleted    EventType = "run_completed"
	EventStepStarted     EventType = "step_started"
	EventStepCompleted   EventType = "step_completed"
	EventCheckpointSaved EventType = "checkpoint_saved"
	EventInterrupted     EventType = "interrupted"
	EventResumed         EventType = "resumed"
	EventError           EventType = "error"
)

// Event is a progress notification. Events are advisory: a sink failing or
// falling behind never affects the run that produced them.
type Event struct {
	Type      EventType     `json:"type"`
	ThreadID  string        `json:"thread_id"`
	StepID    string        `json:"step_id,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Version   int           `json:"version,omitempty"`
	Category  ErrorCategory `json:"category,omitempty"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// EventSink receives executor events. Implementations must not block;
// publishing happens on the executor's goroutine.
type EventSink interface {
	Publish(event Event)
}

// NullSink discards all events.
type NullSink struct{}

func (NullSink) Publish(Event) {}

// SinkFunc adapts a function to the EventSink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(event Event) { f(event) }

// SinkChain fans events out to multiple sinks in order.
type SinkChain []EventSink

func (c SinkChain) Publish(event Event) {
	for _, sink := range c {
		sink.Publish(event)
	}
}

// ChannelSink buffers events on a bounded channel for consumers such as
// progress UIs. When the buffer is full new events are dropped rather than
// blocking step execution.
type ChannelSink struct {
	events chan Event
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{events: make(chan Event, size)}
}

func (s *ChannelSink) Publish(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

// Events returns the receive side of the sink.
func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// Close releases the channel. Publish after Close is not allowed.
func (s *ChannelSink) Close() {
	close(s.events)
}
