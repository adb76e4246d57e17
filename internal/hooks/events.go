// Package hooks receives structured session.* events from agents over a
// loopback HTTP server and turns them into ordered, de-duplicated per-turn
// output on the owning chat channel.
package hooks

import (
	"encoding/json"
	"fmt"
	"io"
)

// Event types accepted on /agent-event and /opencode-event.
const (
	EventStart     = "session.start"
	EventProgress  = "session.progress"
	EventFinal     = "session.final"
	EventIdle      = "session.idle"
	EventError     = "session.error"
	EventCancelled = "session.cancelled"
)

// codexPOCSource marks events that bypass the capture-driven ignore gate.
const codexPOCSource = "codex-poc"

// AgentEvent is the tagged payload posted by agent hooks. Unknown fields
// are ignored; shape violations are rejected with 400 at the HTTP
// boundary, never half-processed.
type AgentEvent struct {
	ProjectName string `json:"projectName"`
	AgentType   string `json:"agentType,omitempty"`
	InstanceID  string `json:"instanceId,omitempty"`
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	TurnText    string `json:"turnText,omitempty"`
	TurnID      string `json:"turnId,omitempty"`
	EventID     string `json:"eventId,omitempty"`
	Seq         *int64 `json:"seq,omitempty"`
	Source      string `json:"source,omitempty"`

	// Per-event progress overrides.
	ProgressMode           string `json:"progressMode,omitempty"`
	ProgressBlockStreaming *bool  `json:"progressBlockStreaming,omitempty"`
	ProgressBlockWindowMs  *int   `json:"progressBlockWindowMs,omitempty"`
	ProgressBlockMaxChars  *int   `json:"progressBlockMaxChars,omitempty"`
}

var validEventTypes = map[string]bool{
	EventStart:     true,
	EventProgress:  true,
	EventFinal:     true,
	EventIdle:      true,
	EventError:     true,
	EventCancelled: true,
}

// ParseEvent decodes and validates an event payload.
func ParseEvent(r io.Reader) (AgentEvent, error) {
	var ev AgentEvent
	dec := json.NewDecoder(r)
	if err := dec.Decode(&ev); err != nil {
		return ev, fmt.Errorf("invalid JSON: %w", err)
	}
	if ev.ProjectName == "" {
		return ev, fmt.Errorf("projectName is required")
	}
	if !validEventTypes[ev.Type] {
		return ev, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}

// IsTerminal reports whether the event ends a turn.
func (ev AgentEvent) IsTerminal() bool {
	switch ev.Type {
	case EventFinal, EventIdle, EventError, EventCancelled:
		return true
	}
	return false
}

// SendFilesRequest is the /send-files payload.
type SendFilesRequest struct {
	ProjectName string   `json:"projectName"`
	AgentType   string   `json:"agentType,omitempty"`
	InstanceID  string   `json:"instanceId,omitempty"`
	Files       []string `json:"files"`
}
