// Package llm defines the language-model client that drives Fern sessions.
//
// The client is a black box from the host's point of view: prompts go in,
// AgentEvents come out. Each session keeps its own transcript; each turn
// streams progress to subscribers and finishes with exactly one
// session.idle or session.error event.
package llm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fernlabs/fern/pkg/models"
)

// Tool is a capability the model may invoke during a turn. Implementations
// are supplied by the host when the client is constructed.
type Tool interface {
	// Name returns the identifier the model uses to call the tool.
	Name() string

	// Description returns the summary shown to the model.
	Description() string

	// Schema returns the JSON Schema for the tool's input object.
	Schema() json.RawMessage

	// Execute runs the tool. The returned string is fed back to the model
	// verbatim; a non-nil error marks the tool result as failed.
	Execute(ctx context.Context, input json.RawMessage) (string, error)
}

// ToolInfo describes a registered tool.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// SessionOptions configures CreateSession.
type SessionOptions struct {
	// ID pins the session identifier. Empty means the client generates a
	// "chat_"-prefixed one.
	ID string

	// Title labels the session in listings.
	Title string

	// System overrides the client's default system prompt for this
	// session only.
	System string
}

// SessionInfo is the observable state of one session.
type SessionInfo struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	ShareURL string    `json:"share_url,omitempty"`
	Created  time.Time `json:"created"`
	Busy     bool      `json:"busy"`
}

// Client is the language-model surface the rest of the host programs
// against. One turn runs per session at a time; a prompt sent while a turn
// is in flight fails with a state-conflict error.
type Client interface {
	// CreateSession allocates a session and returns its info.
	CreateSession(ctx context.Context, opts SessionOptions) (SessionInfo, error)

	// SendPrompt starts a turn. It returns once the prompt is accepted;
	// progress and completion arrive on the subscriber stream. The turn
	// runs until ctx is cancelled or the model finishes.
	SendPrompt(ctx context.Context, sessionID, prompt string) error

	// Subscribe registers for the session's event stream. The cancel func
	// releases the subscription and closes the channel. Slow subscribers
	// lose events rather than stalling the turn.
	Subscribe(sessionID string) (<-chan models.AgentEvent, func(), error)

	// ListMessages returns the session transcript in order.
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)

	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// ListTools returns the tools available to the model.
	ListTools(ctx context.Context) ([]ToolInfo, error)

	// Close aborts in-flight turns, closes subscriber channels, and
	// releases all sessions.
	Close() error
}
