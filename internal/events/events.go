// Package events implements the per-run event log and its fan-out to
// subscribers: append-only ordering with strictly increasing sequence
// numbers, full replay on subscribe, keep-alive pings, and bounded
// subscriber queues that drop slow readers rather than stall the run.
package events

import (
	"encoding/json"
	"time"
)

// Type names an event in a run's timeline.
type Type string

const (
	TypeStatus          Type = "status"
	TypeCloneProgress   Type = "clone_progress"
	TypeInstallProgress Type = "install_progress"
	TypeThought         Type = "thought"
	TypeToolCall        Type = "tool_call"
	TypeToolResult      Type = "tool_result"
	TypeOutput          Type = "output"
	TypeError           Type = "error"
	TypeComplete        Type = "complete"
	TypeOpencodeReady   Type = "opencode_ready"
	TypeRalphIteration  Type = "ralph_iteration"
	TypeRalphComplete   Type = "ralph_complete"

	// TypePing is a keep-alive frame. Pings are never logged and carry no
	// sequence number.
	TypePing Type = "ping"
)

// AgentEvent is one event in a run. ID is unique within the run; Seq is the
// strictly increasing per-run sequence number assigned on publish.
type AgentEvent struct {
	ID        string          `json:"id"`
	Seq       uint64          `json:"seq"`
	Type      Type            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Provider  string          `json:"provider,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an event for a provider lane with a JSON object payload.
// A payload that cannot marshal is dropped rather than failing the event.
func New(t Type, provider string, data map[string]any) AgentEvent {
	evt := AgentEvent{Type: t, Provider: provider, Timestamp: time.Now().UnixMilli()}
	if len(data) > 0 {
		if raw, err := json.Marshal(data); err == nil {
			evt.Data = raw
		}
	}
	return evt
}
