// Package llmtest provides a scripted llm.Client for tests. Turns run
// asynchronously like the real client; responses are consumed from a
// queue, one per prompt.
package llmtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/llm"
	"github.com/fernlabs/fern/pkg/models"
)

// Prompt records one SendPrompt call.
type Prompt struct {
	SessionID string
	Text      string
}

// Response scripts one turn. The zero value produces an immediate
// session.idle with no assistant message.
type Response struct {
	// Text is the assistant reply. It is emitted as a single text event
	// and recorded in the transcript.
	Text string

	// Thinking is emitted as a thinking event and recorded as a
	// reasoning part.
	Thinking string

	// Events are published verbatim before the terminal event. SessionID
	// and Time are filled in when zero.
	Events []models.AgentEvent

	// Tokens is attached to the assistant message.
	Tokens *models.TokenUsage

	// Err makes the turn finish with session.error instead of idle.
	Err string

	// Delay holds the turn open before it finishes. Cancelling the
	// SendPrompt context during the delay ends the turn with an error.
	Delay time.Duration
}

type fakeSession struct {
	info       llm.SessionInfo
	transcript []*models.Message
	subs       map[int]chan models.AgentEvent
	nextSub    int
	busy       bool
}

// Fake is a scripted llm.Client.
type Fake struct {
	mu        sync.Mutex
	sessions  map[string]*fakeSession
	prompts   []Prompt
	queue     []Response
	fallback  Response
	tools     []llm.ToolInfo
	shareURL  string
	createErr error
	sendErr   error
	closed    bool
	msgSeq    int
	turns     sync.WaitGroup
}

// NewFake returns a Fake whose turns immediately go idle until responses
// are enqueued.
func NewFake() *Fake {
	return &Fake{sessions: make(map[string]*fakeSession)}
}

// Enqueue appends a scripted response; each SendPrompt consumes one.
func (f *Fake) Enqueue(resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, resp)
}

// SetFallback sets the response used when the queue is empty.
func (f *Fake) SetFallback(resp Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallback = resp
}

// SetShareURL makes CreateSession report a share URL.
func (f *Fake) SetShareURL(u string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shareURL = u
}

// SetTools sets what ListTools reports.
func (f *Fake) SetTools(tools []llm.ToolInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

// FailCreate makes CreateSession return err.
func (f *Fake) FailCreate(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

// FailSend makes SendPrompt return err without starting a turn.
func (f *Fake) FailSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// Prompts returns every prompt sent so far, in order.
func (f *Fake) Prompts() []Prompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Prompt, len(f.prompts))
	copy(out, f.prompts)
	return out
}

// AwaitPrompts polls until at least n prompts were sent or the timeout
// elapses, then returns them.
func (f *Fake) AwaitPrompts(n int, timeout time.Duration) []Prompt {
	deadline := time.Now().Add(timeout)
	for {
		prompts := f.Prompts()
		if len(prompts) >= n || time.Now().After(deadline) {
			return prompts
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CreateSession implements llm.Client.
func (f *Fake) CreateSession(_ context.Context, opts llm.SessionOptions) (llm.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return llm.SessionInfo{}, f.createErr
	}
	if f.closed {
		return llm.SessionInfo{}, fault.New(fault.StateConflict, "llm client is closed")
	}

	id := opts.ID
	if id == "" {
		id = "chat_" + ulid.Make().String()
	}
	if _, exists := f.sessions[id]; exists {
		return llm.SessionInfo{}, fault.Newf(fault.StateConflict, "session %s already exists", id)
	}
	sess := &fakeSession{
		info: llm.SessionInfo{
			ID:       id,
			Title:    opts.Title,
			ShareURL: f.shareURL,
			Created:  time.Now().UTC(),
		},
		subs: make(map[int]chan models.AgentEvent),
	}
	f.sessions[id] = sess
	return sess.info, nil
}

// SendPrompt implements llm.Client.
func (f *Fake) SendPrompt(ctx context.Context, sessionID, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return fault.New(fault.Validation, "prompt is empty")
	}

	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	sess, ok := f.sessions[sessionID]
	if !ok {
		f.mu.Unlock()
		return fault.Newf(fault.NotFound, "session %s not found", sessionID)
	}
	if sess.busy {
		f.mu.Unlock()
		return fault.Newf(fault.StateConflict, "session %s already has a turn in flight", sessionID)
	}
	sess.busy = true
	f.prompts = append(f.prompts, Prompt{SessionID: sessionID, Text: prompt})
	sess.transcript = append(sess.transcript, f.newMessageLocked(sessionID, models.RoleUser, nil, models.TextPart(prompt)))

	var resp Response
	if len(f.queue) > 0 {
		resp = f.queue[0]
		f.queue = f.queue[1:]
	} else {
		resp = f.fallback
	}
	f.turns.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.turns.Done()
		f.runTurn(ctx, sess, resp)
	}()
	return nil
}

func (f *Fake) runTurn(ctx context.Context, sess *fakeSession, resp Response) {
	sessionID := sess.info.ID
	finish := func(event models.AgentEvent) {
		f.mu.Lock()
		sess.busy = false
		f.publishLocked(sess, event)
		f.mu.Unlock()
	}

	if resp.Delay > 0 {
		select {
		case <-ctx.Done():
			finish(models.ErrorEvent(sessionID, ctx.Err().Error()))
			return
		case <-time.After(resp.Delay):
		}
	}

	f.mu.Lock()
	if resp.Thinking != "" {
		f.publishLocked(sess, models.ThinkingEvent(sessionID, resp.Thinking))
	}
	if resp.Text != "" {
		f.publishLocked(sess, models.TextEvent(sessionID, resp.Text))
	}
	for _, event := range resp.Events {
		if event.SessionID == "" {
			event.SessionID = sessionID
		}
		if event.Time.IsZero() {
			event.Time = time.Now().UTC()
		}
		f.publishLocked(sess, event)
	}
	var parts []models.Part
	if resp.Thinking != "" {
		parts = append(parts, models.ReasoningPart(resp.Thinking))
	}
	if resp.Text != "" {
		parts = append(parts, models.TextPart(resp.Text))
	}
	if len(parts) > 0 {
		sess.transcript = append(sess.transcript, f.newMessageLocked(sessionID, models.RoleAssistant, resp.Tokens, parts...))
	}
	f.mu.Unlock()

	if resp.Err != "" {
		finish(models.ErrorEvent(sessionID, resp.Err))
		return
	}
	finish(models.IdleEvent(sessionID))
}

// Subscribe implements llm.Client.
func (f *Fake) Subscribe(sessionID string) (<-chan models.AgentEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, nil, fault.Newf(fault.NotFound, "session %s not found", sessionID)
	}
	id := sess.nextSub
	sess.nextSub++
	ch := make(chan models.AgentEvent, 256)
	sess.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if existing, ok := sess.subs[id]; ok {
			delete(sess.subs, id)
			close(existing)
		}
	}
	return ch, cancel, nil
}

// ListMessages implements llm.Client.
func (f *Fake) ListMessages(_ context.Context, sessionID string) ([]*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, fault.Newf(fault.NotFound, "session %s not found", sessionID)
	}
	out := make([]*models.Message, len(sess.transcript))
	copy(out, sess.transcript)
	return out, nil
}

// ListSessions implements llm.Client.
func (f *Fake) ListSessions(_ context.Context) ([]llm.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.SessionInfo, 0, len(f.sessions))
	for _, sess := range f.sessions {
		info := sess.info
		info.Busy = sess.busy
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

// ListTools implements llm.Client.
func (f *Fake) ListTools(_ context.Context) ([]llm.ToolInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]llm.ToolInfo, len(f.tools))
	copy(out, f.tools)
	return out, nil
}

// Close implements llm.Client.
func (f *Fake) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	f.turns.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions {
		for id, ch := range sess.subs {
			delete(sess.subs, id)
			close(ch)
		}
	}
	return nil
}

func (f *Fake) publishLocked(sess *fakeSession, event models.AgentEvent) {
	for _, ch := range sess.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *Fake) newMessageLocked(sessionID string, role models.Role, usage *models.TokenUsage, parts ...models.Part) *models.Message {
	f.msgSeq++
	return &models.Message{
		ID:        fmt.Sprintf("msg_%d", f.msgSeq),
		SessionID: sessionID,
		Role:      role,
		Time:      time.Now().UTC(),
		Parts:     parts,
		Tokens:    usage,
	}
}

var _ llm.Client = (*Fake)(nil)
