// Package protocol defines the server-to-client event protocol for copilot
// runs: the typed event envelope, the SSE wire framing, and the sequence
// tracker that enforces dedup and terminal-once semantics on the consumer
// side.
package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates the event union.
type EventType string

const (
	EventStatus  EventType = "status"
	EventMessage EventType = "message"
	EventResult  EventType = "result"
	EventError   EventType = "error"
	EventPing    EventType = "ping"
)

// Terminal reports whether the event type ends a run. At most one terminal
// event is ever applied per run.
func (t EventType) Terminal() bool {
	return t == EventResult || t == EventError
}

// Event is one unit on the stream. Exactly one payload pointer is set,
// matching Type; ping events carry no payload. Seq is assigned by the
// server, monotonically increasing per run; 0 means unsequenced (control
// events only).
type Event struct {
	Type  EventType
	RunID string
	Seq   uint64

	Status  *StatusPayload
	Message *MessagePayload
	Result  *ResultPayload
	Error   *ErrorPayload
}

// StatusPayload is a human-readable progress update. Last-write-wins per
// run; no ordering requirement beyond sequence dedup.
type StatusPayload struct {
	Phase string `json:"phase"`
	Text  string `json:"text,omitempty"`
}

// MessagePayload carries a persisted message echoed onto the stream.
type MessagePayload struct {
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	FollowUp  string `json:"follow_up,omitempty"`
}

// ResultPayload is the terminal success payload for a run.
type ResultPayload struct {
	MessageID        string `json:"message_id"`
	AssistantText    string `json:"assistant_text"`
	FollowUp         string `json:"follow_up,omitempty"`
	StepCount        int    `json:"step_count"`
	PersistenceError bool   `json:"persistence_error,omitempty"`
	Replayed         bool   `json:"replayed,omitempty"`
}

// ErrorPayload is the terminal failure payload for a run.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireEvent is the JSON shape of a frame's data line. The envelope fields
// are flattened alongside the type-specific payload.
type wireEvent struct {
	RunID string `json:"run_id"`
	Seq   uint64 `json:"seq,omitempty"`

	Status  *StatusPayload  `json:"status,omitempty"`
	Message *MessagePayload `json:"message,omitempty"`
	Result  *ResultPayload  `json:"result,omitempty"`
	Error   *ErrorPayload   `json:"error,omitempty"`
}

// MarshalData encodes the event's data line. The event type travels in the
// SSE "event:" field, not in the JSON body.
func (e *Event) MarshalData() ([]byte, error) {
	w := wireEvent{
		RunID:   e.RunID,
		Seq:     e.Seq,
		Status:  e.Status,
		Message: e.Message,
		Result:  e.Result,
		Error:   e.Error,
	}
	return json.Marshal(&w)
}

// DecodeEvent decodes a frame back into a typed event. Unknown event types
// return an error so callers can skip them without aborting the stream.
func DecodeEvent(eventType string, data []byte) (*Event, error) {
	t := EventType(eventType)
	switch t {
	case EventStatus, EventMessage, EventResult, EventError, EventPing:
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", eventType, err)
	}

	ev := &Event{
		Type:    t,
		RunID:   w.RunID,
		Seq:     w.Seq,
		Status:  w.Status,
		Message: w.Message,
		Result:  w.Result,
		Error:   w.Error,
	}

	// A typed event missing its payload is malformed, except ping which
	// never carries one.
	switch t {
	case EventStatus:
		if ev.Status == nil {
			return nil, fmt.Errorf("status event missing payload")
		}
	case EventMessage:
		if ev.Message == nil {
			return nil, fmt.Errorf("message event missing payload")
		}
	case EventResult:
		if ev.Result == nil {
			return nil, fmt.Errorf("result event missing payload")
		}
	case EventError:
		if ev.Error == nil {
			return nil, fmt.Errorf("error event missing payload")
		}
	}

	return ev, nil
}

// NewStatus builds a sequenced status event.
func NewStatus(runID string, seq uint64, phase, text string) *Event {
	return &Event{Type: EventStatus, RunID: runID, Seq: seq, Status: &StatusPayload{Phase: phase, Text: text}}
}

// NewPing builds an unsequenced ping event for the given run.
func NewPing(runID string) *Event {
	return &Event{Type: EventPing, RunID: runID}
}
