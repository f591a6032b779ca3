// Package subagent runs delegated tasks on a bounded pool. A parent
// session creates a task, the executor claims it and runs the prompt in
// a dedicated sub-agent session, and the parent collects the outcome
// through WaitFor. Cancellation wins any race with completion, and work
// interrupted by a restart is marked failed rather than silently rerun.
package subagent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/observability"
	"github.com/fernlabs/fern/internal/storage"
)

// Agent types a task may request.
const (
	AgentExplore  = "explore"
	AgentResearch = "research"
	AgentGeneral  = "general"
)

// Task statuses. Completed, failed and cancelled are terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// StaleTaskReason is written to tasks a previous process left running.
// Tasks are one-shot, so they fail instead of re-queueing.
const StaleTaskReason = "Process restarted during execution"

// DefaultMaxConcurrent bounds simultaneous task executions.
const DefaultMaxConcurrent = 3

// terminalTTL is how long finished task rows are kept for inspection.
const terminalTTL = 7 * 24 * time.Hour

const sweepInterval = time.Hour

// ErrShuttingDown rejects waiters and spawns once shutdown has begun.
var ErrShuttingDown = fault.New(fault.StateConflict, "sub-agent executor shutting down")

// preambles frame each agent type's role ahead of the task prompt.
var preambles = map[string]string{
	AgentExplore:  "You are an exploration sub-agent. Survey the area the task points at and report back concisely on what exists and where.",
	AgentResearch: "You are a research sub-agent. Investigate the task in depth and report findings with their caveats.",
	AgentGeneral:  "You are a sub-agent. Complete the task below and report the outcome.",
}

// Task is the external view of a delegated task.
type Task struct {
	ID              string    `json:"id"`
	AgentType       string    `json:"agent_type"`
	Status          string    `json:"status"`
	Prompt          string    `json:"prompt"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Runner executes one reasoning turn in the named sub-agent session and
// returns the final text.
type Runner interface {
	RunTask(ctx context.Context, sessionID, prompt string) (string, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, sessionID, prompt string) (string, error)

// RunTask calls f.
func (f RunnerFunc) RunTask(ctx context.Context, sessionID, prompt string) (string, error) {
	return f(ctx, sessionID, prompt)
}

// SessionID returns the dedicated LLM session identifier for a task.
func SessionID(taskID string) string {
	return "subagent_" + taskID
}

// Config wires the executor.
type Config struct {
	Store  *storage.Store
	Runner Runner

	// MaxConcurrent bounds simultaneous executions. Default 3.
	MaxConcurrent int

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

type waitResult struct {
	task *Task
	err  error
}

// Executor owns the pool, the waiter registry and the task API.
type Executor struct {
	store   *storage.Store
	runner  Runner
	metrics *observability.Metrics
	logger  *slog.Logger

	sem chan struct{}

	mu       sync.Mutex
	started  bool
	shutdown bool
	baseCtx  context.Context
	waiters  map[string][]chan waitResult

	loop sync.WaitGroup
	runs sync.WaitGroup
}

// New builds a stopped executor; Start enables spawning.
func New(cfg Config) (*Executor, error) {
	if cfg.Store == nil {
		return nil, fault.New(fault.Validation, "executor requires a store")
	}
	if cfg.Runner == nil {
		return nil, fault.New(fault.Validation, "executor requires a runner")
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Executor{
		store:   cfg.Store,
		runner:  cfg.Runner,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "subagent"),
		sem:     make(chan struct{}, cfg.MaxConcurrent),
		waiters: make(map[string][]chan waitResult),
	}, nil
}

// Start fails tasks a previous process left running, purges expired
// terminal rows, and begins the periodic sweep. Executions spawned later
// run under ctx; cancelling it interrupts them.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.baseCtx = ctx
	e.mu.Unlock()

	n, err := e.store.RecoverStaleSubagentTasks(ctx, StaleTaskReason)
	if err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}
	if n > 0 {
		e.logger.Info("stale tasks failed", "count", n)
		e.observeN(StatusFailed, n)
	}
	if _, err := e.Sweep(ctx); err != nil {
		e.logger.Warn("task sweep failed", "error", err)
	}

	e.loop.Add(1)
	go func() {
		defer e.loop.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.Sweep(ctx); err != nil {
					e.logger.Warn("task sweep failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Sweep deletes terminal task rows older than the retention window.
func (e *Executor) Sweep(ctx context.Context) (int, error) {
	n, err := e.store.PurgeTerminalSubagentTasks(ctx, time.Now().Add(-terminalTTL))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("expired tasks purged", "count", n)
	}
	return n, nil
}

// Create stores a new pending task. Spawn starts it.
func (e *Executor) Create(ctx context.Context, agentType, prompt, parentSessionID string) (*Task, error) {
	switch agentType {
	case AgentExplore, AgentResearch, AgentGeneral:
	default:
		return nil, fault.Newf(fault.Validation, "unknown agent type %q", agentType)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil, fault.New(fault.Validation, "task prompt is empty")
	}
	now := time.Now().UTC()
	row := storage.SubagentTaskRow{
		ID:              ulid.Make().String(),
		AgentType:       agentType,
		Status:          StatusPending,
		Prompt:          prompt,
		ParentSessionID: parentSessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.InsertSubagentTask(ctx, row); err != nil {
		return nil, err
	}
	e.logger.Info("task created", "task", row.ID, "agent_type", agentType)
	return rowToTask(&row), nil
}

// Spawn claims a pending task and executes it on the pool. A claim that
// fails because the task is already terminal resolves waiters
// immediately; a task someone else is running resolves through that
// execution instead.
func (e *Executor) Spawn(ctx context.Context, id string) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	base := e.baseCtx
	e.mu.Unlock()
	if base == nil {
		return fault.New(fault.StateConflict, "executor not started")
	}

	claimed, err := e.store.ClaimSubagentTask(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !claimed {
		row, err := e.store.GetSubagentTask(ctx, id)
		if err != nil {
			return err
		}
		if isTerminal(row.Status) {
			e.resolve(rowToTask(row))
		}
		return nil
	}

	row, err := e.store.GetSubagentTask(ctx, id)
	if err != nil {
		return err
	}
	task := rowToTask(row)
	e.logger.Info("task spawned", "task", id, "agent_type", task.AgentType)

	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		select {
		case e.sem <- struct{}{}:
		case <-base.Done():
			// Shutdown before a slot freed; boot recovery fails the
			// row.
			return
		}
		defer func() { <-e.sem }()
		e.execute(base, task)
	}()
	return nil
}

func (e *Executor) execute(ctx context.Context, task *Task) {
	log := e.logger.With("task", task.ID, "agent_type", task.AgentType)

	result, runErr := e.runner.RunTask(ctx, SessionID(task.ID), composePrompt(task))
	if ctx.Err() != nil {
		// Shutdown interrupted the run. The row stays in running and
		// boot recovery marks it failed.
		log.Info("task interrupted by shutdown")
		return
	}

	// Re-read before the terminal write: a cancel issued while the task
	// ran wins over its outcome. The write is conditional on running as
	// well, closing the window between read and write.
	row, err := e.store.GetSubagentTask(ctx, task.ID)
	if err != nil {
		log.Error("task re-read failed", "error", err)
		e.reject(task.ID, err)
		return
	}
	if row.Status == StatusCancelled {
		log.Info("task cancelled during run")
		e.resolve(rowToTask(row))
		return
	}

	now := time.Now()
	if runErr != nil {
		if _, err := e.store.FailSubagentTask(ctx, task.ID, runErr.Error(), now); err != nil {
			log.Error("task failure write failed", "error", err)
			e.reject(task.ID, err)
			return
		}
		log.Warn("task failed", "error", runErr)
		e.observe(StatusFailed)
	} else {
		if _, err := e.store.CompleteSubagentTask(ctx, task.ID, result, now); err != nil {
			log.Error("task completion write failed", "error", err)
			e.reject(task.ID, err)
			return
		}
		log.Info("task completed")
		e.observe(StatusCompleted)
	}

	final, err := e.store.GetSubagentTask(ctx, task.ID)
	if err != nil {
		log.Error("task read-back failed", "error", err)
		e.reject(task.ID, err)
		return
	}
	e.resolve(rowToTask(final))
}

// WaitFor returns the task once it is terminal. Already-terminal tasks
// return synchronously; otherwise the call blocks until completion, ctx
// cancellation, or executor shutdown.
func (e *Executor) WaitFor(ctx context.Context, id string) (*Task, error) {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil, ErrShuttingDown
	}
	ch := make(chan waitResult, 1)
	e.waiters[id] = append(e.waiters[id], ch)
	e.mu.Unlock()

	// Registered first, checked second: a completion landing in between
	// resolves the channel instead of slipping past the check.
	row, err := e.store.GetSubagentTask(ctx, id)
	if err != nil {
		e.removeWaiter(id, ch)
		return nil, err
	}
	if isTerminal(row.Status) {
		e.removeWaiter(id, ch)
		return rowToTask(row), nil
	}

	select {
	case res := <-ch:
		return res.task, res.err
	case <-ctx.Done():
		e.removeWaiter(id, ch)
		return nil, ctx.Err()
	}
}

// Cancel marks a task cancelled and resolves its waiters. Running work
// is not interrupted, but its terminal write is skipped so the cancel
// sticks.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	changed, err := e.store.CancelSubagentTask(ctx, id, time.Now())
	if err != nil {
		return err
	}
	if !changed {
		row, err := e.store.GetSubagentTask(ctx, id)
		if err != nil {
			return err
		}
		return fault.Newf(fault.StateConflict, "task %s is already %s", id, row.Status)
	}
	e.logger.Info("task cancelled", "task", id)
	e.observe(StatusCancelled)
	if row, err := e.store.GetSubagentTask(ctx, id); err == nil {
		e.resolve(rowToTask(row))
	}
	return nil
}

// Get returns one task by id.
func (e *Executor) Get(ctx context.Context, id string) (*Task, error) {
	row, err := e.store.GetSubagentTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return rowToTask(row), nil
}

// Shutdown stops accepting spawns and waiters, rejects everyone already
// waiting, and drains in-flight executions. The sweep loop and
// executions end when the context given to Start is cancelled, so cancel
// that first.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.shutdown {
		e.mu.Unlock()
		return nil
	}
	e.shutdown = true
	waiters := e.waiters
	e.waiters = make(map[string][]chan waitResult)
	e.mu.Unlock()

	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- waitResult{err: ErrShuttingDown}
		}
	}

	done := make(chan struct{})
	go func() {
		e.loop.Wait()
		e.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolve delivers a terminal task to everyone waiting on it. Waiter
// channels are buffered so delivery never blocks.
func (e *Executor) resolve(task *Task) {
	e.mu.Lock()
	chans := e.waiters[task.ID]
	delete(e.waiters, task.ID)
	e.mu.Unlock()
	for _, ch := range chans {
		ch <- waitResult{task: task}
	}
}

func (e *Executor) reject(id string, err error) {
	e.mu.Lock()
	chans := e.waiters[id]
	delete(e.waiters, id)
	e.mu.Unlock()
	for _, ch := range chans {
		ch <- waitResult{err: err}
	}
}

func (e *Executor) removeWaiter(id string, ch chan waitResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	chans := e.waiters[id]
	for i, c := range chans {
		if c == ch {
			e.waiters[id] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(e.waiters[id]) == 0 {
		delete(e.waiters, id)
	}
}

func (e *Executor) observe(status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.SubagentTasks.WithLabelValues(status).Inc()
}

func (e *Executor) observeN(status string, n int) {
	if e.metrics == nil || n <= 0 {
		return
	}
	e.metrics.SubagentTasks.WithLabelValues(status).Add(float64(n))
}

func composePrompt(t *Task) string {
	pre, ok := preambles[t.AgentType]
	if !ok {
		pre = preambles[AgentGeneral]
	}
	return pre + "\n\n" + t.Prompt
}

func isTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func rowToTask(row *storage.SubagentTaskRow) *Task {
	return &Task{
		ID:              row.ID,
		AgentType:       row.AgentType,
		Status:          row.Status,
		Prompt:          row.Prompt,
		ParentSessionID: row.ParentSessionID,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
		CompletedAt:     row.CompletedAt,
		Result:          row.Result,
		Error:           row.Error,
	}
}
