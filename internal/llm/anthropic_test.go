package llm

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/pkg/models"
)

type echoTool struct {
	name string
	fail bool
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echoes its input" }

func (t *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}

func (t *echoTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	if t.fail {
		return "", fault.New(fault.Transient, "echo failed")
	}
	return string(input), nil
}

type badSchemaTool struct{}

func (badSchemaTool) Name() string            { return "broken" }
func (badSchemaTool) Description() string     { return "carries an unparseable schema" }
func (badSchemaTool) Schema() json.RawMessage { return json.RawMessage(`{not json`) }
func (badSchemaTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "", nil
}

func newTestClient(t *testing.T, tools ...Tool) *Anthropic {
	t.Helper()
	client, err := NewAnthropic(AnthropicConfig{APIKey: "test-key", Tools: tools})
	if err != nil {
		t.Fatalf("NewAnthropic: %v", err)
	}
	return client
}

func TestNewAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{})
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("kind = %q, want validation", fault.KindOf(err))
	}
}

func TestNewAnthropicDefaults(t *testing.T) {
	client := newTestClient(t)
	if client.model != defaultModel {
		t.Errorf("model = %q, want %q", client.model, defaultModel)
	}
	if client.maxTokens != defaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", client.maxTokens, defaultMaxTokens)
	}
	if client.maxRetries != defaultMaxRetries {
		t.Errorf("maxRetries = %d, want %d", client.maxRetries, defaultMaxRetries)
	}
	if client.retryDelay != defaultRetryDelay {
		t.Errorf("retryDelay = %v, want %v", client.retryDelay, defaultRetryDelay)
	}
	if client.maxToolRounds != defaultMaxToolRounds {
		t.Errorf("maxToolRounds = %d, want %d", client.maxToolRounds, defaultMaxToolRounds)
	}
}

func TestNewAnthropicRejectsBadToolSchema(t *testing.T) {
	_, err := NewAnthropic(AnthropicConfig{APIKey: "test-key", Tools: []Tool{badSchemaTool{}}})
	if err == nil {
		t.Fatal("expected error for unparseable tool schema")
	}
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("kind = %q, want validation", fault.KindOf(err))
	}
}

func TestCreateSessionGeneratesChatID(t *testing.T) {
	client := newTestClient(t)
	info, err := client.CreateSession(context.Background(), SessionOptions{Title: "morning chat"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !strings.HasPrefix(info.ID, "chat_") {
		t.Errorf("id = %q, want chat_ prefix", info.ID)
	}
	if info.Created.IsZero() {
		t.Error("Created is zero")
	}
	if info.Title != "morning chat" {
		t.Errorf("title = %q", info.Title)
	}
}

func TestCreateSessionPinsID(t *testing.T) {
	client := newTestClient(t)
	info, err := client.CreateSession(context.Background(), SessionOptions{ID: "subagent_42"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if info.ID != "subagent_42" {
		t.Errorf("id = %q, want subagent_42", info.ID)
	}

	_, err = client.CreateSession(context.Background(), SessionOptions{ID: "subagent_42"})
	if !fault.IsKind(err, fault.StateConflict) {
		t.Errorf("duplicate id kind = %q, want state_conflict", fault.KindOf(err))
	}
}

func TestCreateSessionAfterClose(t *testing.T) {
	client := newTestClient(t)
	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := client.CreateSession(context.Background(), SessionOptions{})
	if !fault.IsKind(err, fault.StateConflict) {
		t.Errorf("kind = %q, want state_conflict", fault.KindOf(err))
	}
}

func TestSendPromptValidation(t *testing.T) {
	client := newTestClient(t)
	info, err := client.CreateSession(context.Background(), SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := client.SendPrompt(context.Background(), info.ID, "   "); !fault.IsKind(err, fault.Validation) {
		t.Errorf("blank prompt kind = %q, want validation", fault.KindOf(err))
	}
	if err := client.SendPrompt(context.Background(), "chat_missing", "hello"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("unknown session kind = %q, want not_found", fault.KindOf(err))
	}
}

func TestSendPromptRejectsConcurrentTurn(t *testing.T) {
	client := newTestClient(t)
	info, err := client.CreateSession(context.Background(), SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess := client.sessions[info.ID]
	sess.busy = true

	err = client.SendPrompt(context.Background(), info.ID, "hello")
	if !fault.IsKind(err, fault.StateConflict) {
		t.Errorf("kind = %q, want state_conflict", fault.KindOf(err))
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	client := newTestClient(t)
	info, err := client.CreateSession(context.Background(), SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events, cancel, err := client.Subscribe(info.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	sess := client.sessions[info.ID]
	sess.publish(models.TextEvent(info.ID, "partial"))

	select {
	case event := <-events:
		if event.Type != models.EventText {
			t.Errorf("type = %q, want text", event.Type)
		}
		if event.Text == nil || event.Text.Delta != "partial" {
			t.Errorf("delta = %+v", event.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	if _, ok := <-events; ok {
		t.Error("channel still open after cancel")
	}
}

func TestSubscribeUnknownSession(t *testing.T) {
	client := newTestClient(t)
	_, _, err := client.Subscribe("chat_missing")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("kind = %q, want not_found", fault.KindOf(err))
	}
}

func TestRunToolsRecordsLifecycle(t *testing.T) {
	client := newTestClient(t,
		&echoTool{name: "echo"},
		&echoTool{name: "boom", fail: true},
	)
	info, err := client.CreateSession(context.Background(), SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	events, cancel, err := client.Subscribe(info.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cancel()
	sess := client.sessions[info.ID]

	calls := []toolCall{
		{id: "tu_1", name: "echo", input: json.RawMessage(`{"text":"hi"}`)},
		{id: "tu_2", name: "boom", input: json.RawMessage(`{}`)},
		{id: "tu_3", name: "ghost", input: json.RawMessage(`{}`)},
	}
	parts := client.runTools(context.Background(), sess, calls)
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(parts))
	}

	if parts[0].State.Status != models.ToolCompleted {
		t.Errorf("echo status = %q", parts[0].State.Status)
	}
	if parts[0].State.Output != `{"text":"hi"}` {
		t.Errorf("echo output = %q", parts[0].State.Output)
	}
	if parts[0].State.Time.End == nil {
		t.Error("echo end time missing")
	}
	if parts[1].State.Status != models.ToolError {
		t.Errorf("boom status = %q", parts[1].State.Status)
	}
	if parts[1].State.Error == "" {
		t.Error("boom error missing")
	}
	if parts[2].State.Status != models.ToolError {
		t.Errorf("ghost status = %q", parts[2].State.Status)
	}

	wantTypes := []models.AgentEventType{
		models.EventToolStart, models.EventToolComplete,
		models.EventToolStart, models.EventToolError,
		models.EventToolStart, models.EventToolError,
	}
	for i, want := range wantTypes {
		select {
		case event := <-events:
			if event.Type != want {
				t.Errorf("event %d type = %q, want %q", i, event.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}

	if len(sess.history) != 1 {
		t.Errorf("history = %d messages, want 1 tool-result message", len(sess.history))
	}
}

func TestAppendTranscriptAssemblesParts(t *testing.T) {
	client := newTestClient(t)
	info, err := client.CreateSession(context.Background(), SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess := client.sessions[info.ID]

	result := &streamResult{
		text:     "the answer",
		thinking: "working it out",
		usage:    models.TokenUsage{Input: 5, Output: 7},
	}
	sess.appendTranscript(result, nil)

	if len(sess.transcript) != 1 {
		t.Fatalf("transcript = %d messages", len(sess.transcript))
	}
	msg := sess.transcript[0]
	if msg.Role != models.RoleAssistant {
		t.Errorf("role = %q", msg.Role)
	}
	if len(msg.Parts) != 2 || msg.Parts[0].Type != models.PartReasoning || msg.Parts[1].Type != models.PartText {
		t.Errorf("parts = %+v", msg.Parts)
	}
	if msg.Tokens.Total() != 12 {
		t.Errorf("tokens = %d, want 12", msg.Tokens.Total())
	}

	// An empty round records nothing.
	sess.appendTranscript(&streamResult{}, nil)
	if len(sess.transcript) != 1 {
		t.Errorf("transcript grew on empty round")
	}
}

func TestAppendAssistantHistoryIncludesToolUse(t *testing.T) {
	client := newTestClient(t)
	info, err := client.CreateSession(context.Background(), SessionOptions{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	sess := client.sessions[info.ID]

	sess.appendAssistantHistory(&streamResult{
		text:  "calling a tool",
		calls: []toolCall{{id: "tu_1", name: "echo", input: json.RawMessage(`{"text":"hi"}`)}},
	})
	if len(sess.history) != 1 {
		t.Fatalf("history = %d messages, want 1", len(sess.history))
	}

	sess.appendAssistantHistory(&streamResult{})
	if len(sess.history) != 1 {
		t.Errorf("history grew on empty round")
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	client := newTestClient(t)
	older, err := client.CreateSession(context.Background(), SessionOptions{ID: "chat_older"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	newer, err := client.CreateSession(context.Background(), SessionOptions{ID: "chat_newer"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	client.sessions[older.ID].info.Created = time.Now().Add(-time.Hour)
	client.sessions[newer.ID].info.Created = time.Now()

	sessions, err := client.ListSessions(context.Background())
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	if sessions[0].ID != "chat_newer" || sessions[1].ID != "chat_older" {
		t.Errorf("order = %q, %q", sessions[0].ID, sessions[1].ID)
	}
}

func TestListToolsReportsRegistered(t *testing.T) {
	client := newTestClient(t, &echoTool{name: "echo"})
	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" || tools[0].Description == "" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestConvertTools(t *testing.T) {
	params, err := convertTools([]Tool{&echoTool{name: "echo"}})
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(params) != 1 {
		t.Fatalf("params = %d", len(params))
	}
	if params[0].OfTool == nil {
		t.Fatal("OfTool is nil")
	}
	if params[0].OfTool.Name != "echo" {
		t.Errorf("name = %q", params[0].OfTool.Name)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", fault.New(fault.Transient, "429 too many requests"), true},
		{"server error", fault.New(fault.Transient, "503 service unavailable"), true},
		{"network", fault.New(fault.Transient, "dial tcp: connection refused"), true},
		{"bad request", fault.New(fault.Validation, "invalid_request_error: bad model"), false},
		{"auth", fault.New(fault.Validation, "401 authentication_error"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
