// Package agent runs reasoning turns. A turn resolves the thread's
// session, prepends recalled context, sends the prompt, and consumes the
// event stream until the session goes idle or errors. Streamed fragments
// are fanned to an optional status sink; every turn ends by notifying the
// archiver.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fernlabs/fern/internal/archive"
	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/llm"
	"github.com/fernlabs/fern/internal/observability"
	"github.com/fernlabs/fern/internal/registry"
	"github.com/fernlabs/fern/internal/search"
	"github.com/fernlabs/fern/internal/watchdog"
	"github.com/fernlabs/fern/pkg/models"
)

// DefaultTurnTimeout bounds one reasoning turn.
const DefaultTurnTimeout = 8 * time.Minute

// StatusSink receives streamed progress fragments during a turn.
// *throttle.Throttle satisfies it.
type StatusSink interface {
	AppendText(delta string)
	AppendThinking(delta string)
}

// EventSink observes every session event consumed during turns.
// Implementations must not block; slow consumers drop events.
type EventSink interface {
	Emit(ctx context.Context, ev models.AgentEvent)
}

// MemoryOptions tunes auto-recall before each turn.
type MemoryOptions struct {
	Enabled      bool
	TopK         int
	MinRelevance float64
	MaxChars     int

	// ThreadScoped restricts archive recall to the turn's own thread.
	ThreadScoped bool
}

// Config wires a Runner.
type Config struct {
	Registry *registry.Registry
	Client   llm.Client

	// Search powers auto-memory recall. Nil disables recall.
	Search *search.Engine

	// Archive is notified after every turn. Nil skips notification.
	Archive *archive.Observer

	// Watchdog tracks consecutive LLM failures. Nil skips tracking.
	Watchdog *watchdog.Watchdog

	// Events receives every session event the runner consumes, for
	// observers outside the turn (the dashboard stream). Nil disables.
	Events EventSink

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// TurnTimeout bounds one turn. Defaults to eight minutes.
	TurnTimeout time.Duration

	Memory MemoryOptions
}

// TurnRequest describes one inbound prompt.
type TurnRequest struct {
	// ThreadID binds the turn to a channel thread. Empty runs the turn on
	// a fresh or pinned session with no thread binding.
	ThreadID string

	// SessionID pins the session directly, bypassing the thread registry.
	SessionID string

	Prompt string

	// Title labels the session if this turn creates one.
	Title string

	// Channel labels metrics and logs: whatsapp, github, chat, scheduler,
	// subagent.
	Channel string

	// Status receives streamed fragments. Nil means no streaming.
	Status StatusSink
}

// TurnResult is a completed turn.
type TurnResult struct {
	SessionID string        `json:"sessionId"`
	Response  string        `json:"response"`
	ToolCalls []string      `json:"toolCalls,omitempty"`
	Elapsed   time.Duration `json:"-"`
}

// Runner executes turns against the LLM client.
type Runner struct {
	registry *registry.Registry
	client   llm.Client
	search   *search.Engine
	archive  *archive.Observer
	watchdog *watchdog.Watchdog
	events   EventSink
	metrics  *observability.Metrics
	logger   *slog.Logger
	timeout  time.Duration
	memory   MemoryOptions
}

// New builds a Runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Registry == nil {
		return nil, fault.New(fault.Validation, "agent: registry is required")
	}
	if cfg.Client == nil {
		return nil, fault.New(fault.Validation, "agent: llm client is required")
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = DefaultTurnTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	// Recall stays bounded however the environment is tuned.
	if cfg.Memory.TopK > 10 {
		cfg.Memory.TopK = 10
	}
	return &Runner{
		registry: cfg.Registry,
		client:   cfg.Client,
		search:   cfg.Search,
		archive:  cfg.Archive,
		watchdog: cfg.Watchdog,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "agent"),
		timeout:  cfg.TurnTimeout,
		memory:   cfg.Memory,
	}, nil
}

// Run executes one turn and returns the final response. It blocks until
// the session goes idle, errors, or the turn budget expires.
func (r *Runner) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fault.New(fault.Validation, "prompt is empty")
	}
	start := time.Now()

	sessionID := req.SessionID
	if sessionID == "" {
		id, _, err := r.registry.GetOrCreateSession(ctx, req.ThreadID, req.Title)
		if err != nil {
			r.recordFailure(ctx, err)
			return nil, err
		}
		sessionID = id
	}

	// Archival sees every turn, including failed ones; messages already
	// persisted stay archivable.
	if r.archive != nil && req.ThreadID != "" {
		defer r.archive.Notify(req.ThreadID, sessionID)
	}

	prompt := req.Prompt
	if block := r.recallContext(ctx, req); block != "" {
		prompt = block + req.Prompt
	}

	// Subscribe before the prompt goes out so no event is missed.
	events, unsubscribe, err := r.client.Subscribe(sessionID)
	if err != nil {
		r.recordFailure(ctx, err)
		return nil, err
	}
	defer unsubscribe()

	turnCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.SendPrompt(turnCtx, sessionID, prompt); err != nil {
		r.recordFailure(ctx, err)
		return nil, err
	}
	r.logger.Debug("turn started", "session", sessionID, "thread", req.ThreadID, "channel", req.Channel)

	result := &TurnResult{SessionID: sessionID}
	var reply strings.Builder
	for {
		select {
		case <-turnCtx.Done():
			err := r.turnAborted(turnCtx, start)
			r.recordFailure(ctx, err)
			r.logger.Warn("turn aborted", "session", sessionID, "elapsed", time.Since(start), "error", err)
			return nil, err

		case ev, ok := <-events:
			if !ok {
				err := fault.New(fault.Transient, "event stream closed before turn completed")
				r.recordFailure(ctx, err)
				return nil, err
			}
			if r.events != nil {
				r.events.Emit(ctx, ev)
			}
			switch ev.Type {
			case models.EventText:
				reply.WriteString(ev.Text.Delta)
				if req.Status != nil {
					req.Status.AppendText(ev.Text.Delta)
				}
			case models.EventThinking:
				if req.Status != nil {
					req.Status.AppendThinking(ev.Thinking.Delta)
				}
			case models.EventToolStart:
				result.ToolCalls = append(result.ToolCalls, ev.Tool.Tool)
			case models.EventToolError:
				r.logger.Debug("tool failed", "session", sessionID, "tool", ev.Tool.Tool, "error", ev.Tool.Error)
			case models.EventSessionIdle:
				result.Response = reply.String()
				result.Elapsed = time.Since(start)
				if r.watchdog != nil {
					r.watchdog.ResetLLMFailures()
				}
				r.observeTurn(req.Channel, result.Elapsed)
				r.logger.Info("turn completed",
					"session", sessionID,
					"channel", req.Channel,
					"elapsed", result.Elapsed,
					"tool_calls", len(result.ToolCalls),
				)
				return result, nil
			case models.EventSessionError:
				err := r.sessionError(turnCtx, start, ev)
				r.recordFailure(ctx, err)
				r.logger.Warn("turn failed", "session", sessionID, "elapsed", time.Since(start), "error", err)
				return nil, err
			}
		}
	}
}

// turnAborted maps a dead turn context to the right error: the budget
// expiring is a timeout, the parent cancelling is not.
func (r *Runner) turnAborted(turnCtx context.Context, start time.Time) error {
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		return fault.TimeoutError(time.Since(start), "agent turn exceeded budget")
	}
	return fault.Wrap(fault.Transient, turnCtx.Err(), "turn aborted")
}

// sessionError maps a session.error event to an error. When the budget
// expired while the event was in flight, the timeout wins.
func (r *Runner) sessionError(turnCtx context.Context, start time.Time, ev models.AgentEvent) error {
	if errors.Is(turnCtx.Err(), context.DeadlineExceeded) {
		return fault.TimeoutError(time.Since(start), "agent turn exceeded budget")
	}
	msg := "session error"
	if ev.Error != nil && ev.Error.Message != "" {
		msg = ev.Error.Message
	}
	return fault.New(fault.Transient, msg)
}

// recordFailure bumps the watchdog for failures that indicate model
// trouble. Bad input and caller races are not LLM failures, and neither
// is a turn cut short by process shutdown.
func (r *Runner) recordFailure(ctx context.Context, err error) {
	if r.watchdog == nil || ctx.Err() != nil {
		return
	}
	switch fault.KindOf(err) {
	case fault.Validation, fault.StateConflict, fault.NotFound:
		return
	}
	r.watchdog.RecordLLMFailure()
}

func (r *Runner) observeTurn(channel string, elapsed time.Duration) {
	if r.metrics == nil {
		return
	}
	if channel == "" {
		channel = "unknown"
	}
	r.metrics.TurnDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// ErrorReply renders a turn failure as the channel-facing error message.
func ErrorReply(err error) string {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Kind == fault.Timeout {
		return fmt.Sprintf("[Fern] Timed out after %s. Try again.", fe.Elapsed.Round(time.Second))
	}
	return fmt.Sprintf("[Fern] Error: %s. Try again.", err.Error())
}
