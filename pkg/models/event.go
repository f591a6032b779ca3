package models

import "time"

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	EventToolStart    AgentEventType = "tool.start"
	EventToolComplete AgentEventType = "tool.complete"
	EventToolError    AgentEventType = "tool.error"
	EventText         AgentEventType = "text"
	EventThinking     AgentEventType = "thinking"
	EventSessionIdle  AgentEventType = "session.idle"
	EventSessionError AgentEventType = "session.error"
)

// AgentEvent is the unified event stream emitted while a session is
// reasoning. It is a tagged union: Type selects the variant and exactly
// one payload pointer is non-nil for payload-carrying variants.
// SessionIdle carries no payload.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	SessionID string         `json:"session_id"`
	Time      time.Time      `json:"time"`

	Tool     *ToolEventPayload  `json:"tool,omitempty"`
	Text     *TextEventPayload  `json:"text,omitempty"`
	Thinking *TextEventPayload  `json:"thinking,omitempty"`
	Error    *ErrorEventPayload `json:"error,omitempty"`
}

// ToolEventPayload describes a tool lifecycle transition.
type ToolEventPayload struct {
	Tool   string `json:"tool"`
	CallID string `json:"call_id,omitempty"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// TextEventPayload carries a streamed text or thinking fragment.
type TextEventPayload struct {
	Delta string `json:"delta"`
}

// ErrorEventPayload carries a session-level failure.
type ErrorEventPayload struct {
	Message string `json:"message"`
}

// TextEvent builds a streamed text fragment event.
func TextEvent(sessionID, delta string) AgentEvent {
	return AgentEvent{
		Type:      EventText,
		SessionID: sessionID,
		Time:      time.Now(),
		Text:      &TextEventPayload{Delta: delta},
	}
}

// ThinkingEvent builds a streamed reasoning fragment event.
func ThinkingEvent(sessionID, delta string) AgentEvent {
	return AgentEvent{
		Type:      EventThinking,
		SessionID: sessionID,
		Time:      time.Now(),
		Thinking:  &TextEventPayload{Delta: delta},
	}
}

// IdleEvent signals that the session finished its turn.
func IdleEvent(sessionID string) AgentEvent {
	return AgentEvent{Type: EventSessionIdle, SessionID: sessionID, Time: time.Now()}
}

// ErrorEvent signals a session-level failure.
func ErrorEvent(sessionID, message string) AgentEvent {
	return AgentEvent{
		Type:      EventSessionError,
		SessionID: sessionID,
		Time:      time.Now(),
		Error:     &ErrorEventPayload{Message: message},
	}
}
