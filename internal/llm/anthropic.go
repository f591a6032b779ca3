package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/oklog/ulid/v2"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/pkg/models"
)

const (
	defaultModel         = "claude-sonnet-4-20250514"
	defaultMaxTokens     = 4096
	defaultMaxRetries    = 3
	defaultRetryDelay    = time.Second
	defaultMaxToolRounds = 8

	// subscriberBuffer bounds each subscriber channel; events beyond it
	// are dropped for that subscriber only.
	subscriberBuffer = 256

	// maxEmptyStreamEvents aborts a stream that keeps producing events
	// without content.
	maxEmptyStreamEvents = 300
)

// AnthropicConfig configures the Anthropic-backed client.
type AnthropicConfig struct {
	// APIKey is required.
	APIKey string

	// Model is the model identifier. Defaults to defaultModel.
	Model string

	// MaxTokens caps the tokens generated per model call.
	MaxTokens int

	// System is the default system prompt for new sessions.
	System string

	// MaxRetries bounds retry attempts for transient API failures.
	MaxRetries int

	// RetryDelay is the base backoff; attempt n waits RetryDelay * 2^n.
	RetryDelay time.Duration

	// MaxToolRounds bounds model/tool round trips within one turn.
	MaxToolRounds int

	// Tools are the capabilities exposed to the model.
	Tools []Tool

	Logger *slog.Logger
}

// Anthropic implements Client against the Anthropic streaming Messages
// API. Transcripts are held in memory per session.
type Anthropic struct {
	client        anthropic.Client
	model         string
	maxTokens     int
	system        string
	maxRetries    int
	retryDelay    time.Duration
	maxToolRounds int
	tools         []Tool
	toolsByName   map[string]Tool
	toolParams    []anthropic.ToolUnionParam
	logger        *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*anthropicSession
	closed   bool
	turns    sync.WaitGroup
}

type anthropicSession struct {
	mu         sync.Mutex
	info       SessionInfo
	system     string
	history    []anthropic.MessageParam
	transcript []*models.Message
	subs       map[int]chan models.AgentEvent
	nextSub    int
	busy       bool
	cancelTurn context.CancelFunc
}

// NewAnthropic builds the client. Tool schemas are validated up front so a
// bad schema fails at startup rather than mid-turn.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fault.New(fault.Validation, "anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "llm")
	}

	toolParams, err := convertTools(cfg.Tools)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Tool, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		byName[tool.Name()] = tool
	}

	return &Anthropic{
		client:        anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		system:        cfg.System,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		maxToolRounds: cfg.MaxToolRounds,
		tools:         cfg.Tools,
		toolsByName:   byName,
		toolParams:    toolParams,
		logger:        cfg.Logger,
		sessions:      make(map[string]*anthropicSession),
	}, nil
}

// CreateSession implements Client.
func (a *Anthropic) CreateSession(_ context.Context, opts SessionOptions) (SessionInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return SessionInfo{}, fault.New(fault.StateConflict, "llm client is closed")
	}

	id := opts.ID
	if id == "" {
		id = "chat_" + ulid.Make().String()
	}
	if _, exists := a.sessions[id]; exists {
		return SessionInfo{}, fault.Newf(fault.StateConflict, "session %s already exists", id)
	}

	system := a.system
	if opts.System != "" {
		system = opts.System
	}
	sess := &anthropicSession{
		info: SessionInfo{
			ID:      id,
			Title:   opts.Title,
			Created: time.Now().UTC(),
		},
		system: system,
		subs:   make(map[int]chan models.AgentEvent),
	}
	a.sessions[id] = sess

	a.logger.Info("session created", "session", id, "title", opts.Title)
	return sess.info, nil
}

// SendPrompt implements Client. The turn runs on its own goroutine until
// ctx is cancelled or the model finishes.
func (a *Anthropic) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fault.New(fault.Validation, "prompt is empty")
	}
	sess, err := a.session(sessionID)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.busy {
		sess.mu.Unlock()
		return fault.Newf(fault.StateConflict, "session %s already has a turn in flight", sessionID)
	}
	turnCtx, cancel := context.WithCancel(ctx)
	sess.busy = true
	sess.cancelTurn = cancel
	user := newTranscriptMessage(sessionID, models.RoleUser, nil, models.TextPart(prompt))
	sess.transcript = append(sess.transcript, user)
	sess.history = append(sess.history, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))
	sess.mu.Unlock()

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		cancel()
		sess.mu.Lock()
		sess.busy = false
		sess.cancelTurn = nil
		sess.mu.Unlock()
		return fault.New(fault.StateConflict, "llm client is closed")
	}
	a.turns.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.turns.Done()
		defer cancel()
		a.runTurn(turnCtx, sess)
	}()
	return nil
}

// Subscribe implements Client.
func (a *Anthropic) Subscribe(sessionID string) (<-chan models.AgentEvent, func(), error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return nil, nil, err
	}

	sess.mu.Lock()
	id := sess.nextSub
	sess.nextSub++
	ch := make(chan models.AgentEvent, subscriberBuffer)
	sess.subs[id] = ch
	sess.mu.Unlock()

	cancel := func() {
		sess.mu.Lock()
		if existing, ok := sess.subs[id]; ok {
			delete(sess.subs, id)
			close(existing)
		}
		sess.mu.Unlock()
	}
	return ch, cancel, nil
}

// ListMessages implements Client. Messages are append-only once visible,
// so sharing pointers with callers is safe.
func (a *Anthropic) ListMessages(_ context.Context, sessionID string) ([]*models.Message, error) {
	sess, err := a.session(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]*models.Message, len(sess.transcript))
	copy(out, sess.transcript)
	return out, nil
}

// ListSessions implements Client.
func (a *Anthropic) ListSessions(_ context.Context) ([]SessionInfo, error) {
	a.mu.RLock()
	sessions := make([]*anthropicSession, 0, len(a.sessions))
	for _, sess := range a.sessions {
		sessions = append(sessions, sess)
	}
	a.mu.RUnlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		sess.mu.Lock()
		info := sess.info
		info.Busy = sess.busy
		sess.mu.Unlock()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.After(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ListTools implements Client.
func (a *Anthropic) ListTools(_ context.Context) ([]ToolInfo, error) {
	out := make([]ToolInfo, 0, len(a.tools))
	for _, tool := range a.tools {
		out = append(out, ToolInfo{Name: tool.Name(), Description: tool.Description()})
	}
	return out, nil
}

// Close implements Client. In-flight turns are cancelled and awaited
// before subscriber channels close.
func (a *Anthropic) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sessions := make([]*anthropicSession, 0, len(a.sessions))
	for _, sess := range a.sessions {
		sessions = append(sessions, sess)
	}
	a.mu.Unlock()

	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.cancelTurn != nil {
			sess.cancelTurn()
		}
		sess.mu.Unlock()
	}
	a.turns.Wait()

	for _, sess := range sessions {
		sess.mu.Lock()
		for id, ch := range sess.subs {
			delete(sess.subs, id)
			close(ch)
		}
		sess.mu.Unlock()
	}
	return nil
}

func (a *Anthropic) session(id string) (*anthropicSession, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sess, ok := a.sessions[id]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "session %s not found", id)
	}
	return sess, nil
}

// toolCall is one tool_use block assembled from the stream.
type toolCall struct {
	id    string
	name  string
	input json.RawMessage
}

// streamResult is the outcome of a single model call.
type streamResult struct {
	text     string
	thinking string
	usage    models.TokenUsage
	calls    []toolCall
}

func (a *Anthropic) runTurn(ctx context.Context, sess *anthropicSession) {
	sessionID := sess.info.ID
	defer func() {
		sess.mu.Lock()
		sess.busy = false
		sess.cancelTurn = nil
		sess.mu.Unlock()
	}()

	for round := 0; round < a.maxToolRounds; round++ {
		result, err := a.streamOnce(ctx, sess)
		if err != nil {
			a.logger.Error("turn failed", "session", sessionID, "round", round, "error", err)
			sess.publish(models.ErrorEvent(sessionID, err.Error()))
			return
		}

		sess.appendAssistantHistory(result)
		if len(result.calls) == 0 {
			sess.appendTranscript(result, nil)
			sess.publish(models.IdleEvent(sessionID))
			return
		}

		toolParts := a.runTools(ctx, sess, result.calls)
		sess.appendTranscript(result, toolParts)
		if ctx.Err() != nil {
			sess.publish(models.ErrorEvent(sessionID, ctx.Err().Error()))
			return
		}
	}

	a.logger.Error("turn exceeded tool round limit", "session", sessionID, "rounds", a.maxToolRounds)
	sess.publish(models.ErrorEvent(sessionID, "tool round limit reached"))
}

// streamOnce makes one model call over the session history and assembles
// the streamed blocks, publishing deltas as they arrive.
func (a *Anthropic) streamOnce(ctx context.Context, sess *anthropicSession) (*streamResult, error) {
	params := a.buildParams(sess)
	stream, err := a.openStream(ctx, params, sess.info.ID)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	sessionID := sess.info.ID
	result := &streamResult{}
	var textBuf, thinkingBuf, toolJSON strings.Builder
	var currentTool *toolCall
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				result.usage.Input = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				currentTool = &toolCall{id: use.ID, name: use.Name}
				toolJSON.Reset()
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuf.WriteString(delta.Text)
					sess.publish(models.TextEvent(sessionID, delta.Text))
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingBuf.WriteString(delta.Thinking)
					sess.publish(models.ThinkingEvent(sessionID, delta.Thinking))
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolJSON.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				input := toolJSON.String()
				if input == "" {
					input = "{}"
				}
				currentTool.input = json.RawMessage(input)
				result.calls = append(result.calls, *currentTool)
				currentTool = nil
			}
			processed = true

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				result.usage.Output = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			result.text = textBuf.String()
			result.thinking = thinkingBuf.String()
			return result, nil

		case "error":
			return nil, fault.New(fault.Transient, "model stream reported an error")
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return nil, fault.Newf(fault.Transient, "malformed stream: %d consecutive empty events", emptyEvents)
			}
		}
	}

	if err := stream.Err(); err != nil {
		return nil, fault.Wrap(fault.Transient, err, "model stream failed")
	}
	result.text = textBuf.String()
	result.thinking = thinkingBuf.String()
	return result, nil
}

// openStream starts the streaming request, retrying transient failures
// with exponential backoff.
func (a *Anthropic) openStream(ctx context.Context, params anthropic.MessageNewParams, sessionID string) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := a.retryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			a.logger.Warn("retrying model request",
				"session", sessionID,
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		stream := a.client.Messages.NewStreaming(ctx, params)
		if err := stream.Err(); err != nil {
			stream.Close()
			lastErr = err
			if !isRetryable(err) {
				return nil, fault.Wrap(fault.Transient, err, "model request failed")
			}
			continue
		}
		return stream, nil
	}
	return nil, fault.Wrap(fault.Transient, lastErr, "model request failed after retries")
}

func (a *Anthropic) buildParams(sess *anthropicSession) anthropic.MessageNewParams {
	sess.mu.Lock()
	history := make([]anthropic.MessageParam, len(sess.history))
	copy(history, sess.history)
	system := sess.system
	sess.mu.Unlock()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  history,
		MaxTokens: int64(a.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: system,
			},
		}
	}
	if len(a.toolParams) > 0 {
		params.Tools = a.toolParams
	}
	return params
}

// runTools executes the round's tool calls in order and appends their
// results to the provider history. Lifecycle events surround each call.
func (a *Anthropic) runTools(ctx context.Context, sess *anthropicSession, calls []toolCall) []models.Part {
	sessionID := sess.info.ID
	parts := make([]models.Part, 0, len(calls))
	results := make([]anthropic.ContentBlockParamUnion, 0, len(calls))

	for _, call := range calls {
		start := time.Now().UTC()
		sess.publish(models.AgentEvent{
			Type:      models.EventToolStart,
			SessionID: sessionID,
			Time:      start,
			Tool:      &models.ToolEventPayload{Tool: call.name, CallID: call.id, Input: string(call.input)},
		})

		output, err := a.executeTool(ctx, call)
		end := time.Now().UTC()
		state := &models.ToolState{
			Input: call.input,
			Time:  models.ToolTime{Start: start, End: &end},
		}
		if err != nil {
			state.Status = models.ToolError
			state.Error = err.Error()
			a.logger.Warn("tool failed", "session", sessionID, "tool", call.name, "error", err)
			sess.publish(models.AgentEvent{
				Type:      models.EventToolError,
				SessionID: sessionID,
				Time:      end,
				Tool:      &models.ToolEventPayload{Tool: call.name, CallID: call.id, Error: err.Error()},
			})
			results = append(results, anthropic.NewToolResultBlock(call.id, err.Error(), true))
		} else {
			state.Status = models.ToolCompleted
			state.Output = output
			sess.publish(models.AgentEvent{
				Type:      models.EventToolComplete,
				SessionID: sessionID,
				Time:      end,
				Tool:      &models.ToolEventPayload{Tool: call.name, CallID: call.id, Output: output},
			})
			results = append(results, anthropic.NewToolResultBlock(call.id, output, false))
		}
		parts = append(parts, models.ToolPart(call.name, state))
	}

	sess.mu.Lock()
	sess.history = append(sess.history, anthropic.NewUserMessage(results...))
	sess.mu.Unlock()
	return parts
}

func (a *Anthropic) executeTool(ctx context.Context, call toolCall) (string, error) {
	tool, ok := a.toolsByName[call.name]
	if !ok {
		return "", fault.Newf(fault.NotFound, "unknown tool %s", call.name)
	}
	return tool.Execute(ctx, call.input)
}

// appendAssistantHistory records the round's assistant turn in the
// provider history. It must run before the round's tool results are
// appended.
func (s *anthropicSession) appendAssistantHistory(result *streamResult) {
	var blocks []anthropic.ContentBlockParamUnion
	if result.text != "" {
		blocks = append(blocks, anthropic.NewTextBlock(result.text))
	}
	for _, call := range result.calls {
		var input map[string]interface{}
		if err := json.Unmarshal(call.input, &input); err != nil {
			input = map[string]interface{}{}
		}
		blocks = append(blocks, anthropic.NewToolUseBlock(call.id, input, call.name))
	}
	if len(blocks) == 0 {
		return
	}
	s.mu.Lock()
	s.history = append(s.history, anthropic.NewAssistantMessage(blocks...))
	s.mu.Unlock()
}

// appendTranscript records the round's assistant message in the domain
// transcript. toolParts is nil for a final text-only round.
func (s *anthropicSession) appendTranscript(result *streamResult, toolParts []models.Part) {
	var parts []models.Part
	if result.thinking != "" {
		parts = append(parts, models.ReasoningPart(result.thinking))
	}
	if result.text != "" {
		parts = append(parts, models.TextPart(result.text))
	}
	parts = append(parts, toolParts...)
	if len(parts) == 0 {
		return
	}

	var usage *models.TokenUsage
	if result.usage.Total() > 0 {
		u := result.usage
		usage = &u
	}
	msg := newTranscriptMessage(s.info.ID, models.RoleAssistant, usage, parts...)

	s.mu.Lock()
	s.transcript = append(s.transcript, msg)
	s.mu.Unlock()
}

// publish fans an event out to all subscribers without blocking. A full
// subscriber drops the event.
func (s *anthropicSession) publish(event models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func newTranscriptMessage(sessionID string, role models.Role, usage *models.TokenUsage, parts ...models.Part) *models.Message {
	return &models.Message{
		ID:        "msg_" + ulid.Make().String(),
		SessionID: sessionID,
		Role:      role,
		Time:      time.Now().UTC(),
		Parts:     parts,
		Tokens:    usage,
	}
}

func convertTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			return nil, fault.Wrap(fault.Validation, err, "invalid schema for tool "+tool.Name())
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name())
		if param.OfTool == nil {
			return nil, fault.Newf(fault.Validation, "invalid schema for tool %s", tool.Name())
		}
		param.OfTool.Description = anthropic.String(tool.Description())
		out = append(out, param)
	}
	return out, nil
}

// isRetryable reports whether an API failure is worth another attempt:
// rate limits, server errors, and network blips.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
