// Package debate drives the adversarial reasoning pipeline: retrieval,
// alternating Proposer/Skeptic rounds, synthesis, scoring and persistence,
// exposed as a totally ordered stream of typed events.
package debate

import (
	"dev.helix.reason/internal/templates"
	"dev.helix.reason/internal/trace"
)

// EventType tags an event variant.
type EventType string

const (
	EventRAGStarted         EventType = "rag_started"
	EventRAGCompleted       EventType = "rag_completed"
	EventRoundStarted       EventType = "round_started"
	EventProposerStarted    EventType = "proposer_started"
	EventProposerDelta      EventType = "proposer_delta"
	EventProposerCompleted  EventType = "proposer_completed"
	EventSkepticStarted     EventType = "skeptic_started"
	EventSkepticDelta       EventType = "skeptic_delta"
	EventSkepticCompleted   EventType = "skeptic_completed"
	EventEarlyStop          EventType = "early_stop"
	EventSynthesisStarted   EventType = "synthesis_started"
	EventSynthesisDelta     EventType = "synthesis_delta"
	EventSynthesisCompleted EventType = "synthesis_completed"
	EventCompleted          EventType = "completed"
	EventFailed             EventType = "failed"
)

// Event is one entry of a debate's ordered event stream. Fields beyond Type
// are populated per variant; absent fields are omitted on the wire.
type Event struct {
	Type       EventType         `json:"type"`
	Round      int               `json:"round,omitempty"`
	Text       string            `json:"text,omitempty"`
	DurationMs int64             `json:"durationMs,omitempty"`
	Templates  []templates.Match `json:"templates,omitempty"`
	Trace      *trace.Trace      `json:"trace,omitempty"`
	Message    string            `json:"message,omitempty"`
	Kind       string            `json:"kind,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}

// Critical reports whether the event must never be dropped by a
// back-pressured transport.
func (e Event) Critical() bool {
	return e.Terminal() || e.Type == EventEarlyStop
}
