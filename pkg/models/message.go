// Package models provides domain types shared across the Fern agent host.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType identifies the surface a conversation arrived on.
type ChannelType string

const (
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelSMS      ChannelType = "sms"
	ChannelGitHub   ChannelType = "github"
	ChannelChat     ChannelType = "chat"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the variants of a message part.
type PartType string

const (
	PartText       PartType = "text"
	PartTool       PartType = "tool"
	PartReasoning  PartType = "reasoning"
	PartStepStart  PartType = "step-start"
	PartStepFinish PartType = "step-finish"
)

// ToolStatus is the lifecycle state of a tool invocation inside a message.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// Message is one entry in a session transcript. Message rows are owned by
// the LLM client; every other component reads them through queries.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Role      Role        `json:"role"`
	Time      time.Time   `json:"time"`
	Parts     []Part      `json:"parts"`
	Tokens    *TokenUsage `json:"tokens,omitempty"`
}

// TokenUsage carries the provider-reported token counts for a message.
// All three fields contribute to the tokeniser's estimate when present.
type TokenUsage struct {
	Input     int `json:"input"`
	Output    int `json:"output"`
	Reasoning int `json:"reasoning"`
}

// Total returns the sum of all counted token classes.
func (u *TokenUsage) Total() int {
	if u == nil {
		return 0
	}
	return u.Input + u.Output + u.Reasoning
}

// Part is one segment of a message. Exactly the fields for its Type are
// set: Text for text and reasoning parts, Tool/State for tool parts.
type Part struct {
	Type  PartType   `json:"type"`
	Text  string     `json:"text,omitempty"`
	Tool  string     `json:"tool,omitempty"`
	State *ToolState `json:"state,omitempty"`
}

// ToolState tracks a tool invocation carried inside a tool part.
type ToolState struct {
	Status ToolStatus      `json:"status"`
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Time   ToolTime        `json:"time"`
}

// ToolTime records when a tool invocation started and, once terminal, ended.
type ToolTime struct {
	Start time.Time  `json:"start"`
	End   *time.Time `json:"end,omitempty"`
}

// TextPart builds a plain text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ReasoningPart builds a reasoning (thinking) part.
func ReasoningPart(text string) Part {
	return Part{Type: PartReasoning, Text: text}
}

// ToolPart builds a tool part in the given state.
func ToolPart(tool string, state *ToolState) Part {
	return Part{Type: PartTool, Tool: tool, State: state}
}

// TextContent concatenates the message's text parts. Reasoning and tool
// parts are excluded.
func (m *Message) TextContent() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}
