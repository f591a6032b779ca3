package subagent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/storage"
)

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{Path: filepath.Join(t.TempDir(), "fern.db")})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestExecutor(t *testing.T, store *storage.Store, runner Runner) *Executor {
	t.Helper()
	e, err := New(Config{Store: store, Runner: runner})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func startTestExecutor(t *testing.T, store *storage.Store, runner Runner) *Executor {
	t.Helper()
	e := newTestExecutor(t, store, runner)
	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		e.Shutdown(shutdownCtx)
	})
	return e
}

func echoRunner(reply string) Runner {
	return RunnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		return reply, nil
	})
}

func TestCreateValidation(t *testing.T) {
	store := openTestStore(t)
	e := newTestExecutor(t, store, echoRunner("ok"))
	ctx := context.Background()

	if _, err := e.Create(ctx, "archaeology", "dig", ""); !fault.IsKind(err, fault.Validation) {
		t.Errorf("unknown agent type: err = %v, want validation", err)
	}
	if _, err := e.Create(ctx, AgentGeneral, "  ", ""); !fault.IsKind(err, fault.Validation) {
		t.Errorf("blank prompt: err = %v, want validation", err)
	}

	task, err := e.Create(ctx, AgentResearch, "find the tea shop", "parent-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if task.Status != StatusPending || task.AgentType != AgentResearch {
		t.Errorf("new task = %s/%s", task.AgentType, task.Status)
	}
	if task.ParentSessionID != "parent-1" {
		t.Errorf("parent session = %q", task.ParentSessionID)
	}
}

func TestSpawnRunsTaskAndWaitForResolves(t *testing.T) {
	store := openTestStore(t)

	var gotSession, gotPrompt atomic.Value
	runner := RunnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		gotSession.Store(sessionID)
		gotPrompt.Store(prompt)
		return "the shop is on Main St", nil
	})
	e := startTestExecutor(t, store, runner)
	ctx := context.Background()

	task, err := e.Create(ctx, AgentExplore, "find the tea shop", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.Spawn(ctx, task.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done, err := e.WaitFor(ctx, task.ID)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}
	if done.Result != "the shop is on Main St" {
		t.Errorf("result = %q", done.Result)
	}
	if done.CompletedAt.IsZero() {
		t.Error("completed_at not set")
	}

	if got, _ := gotSession.Load().(string); got != SessionID(task.ID) {
		t.Errorf("runner session = %q, want %q", got, SessionID(task.ID))
	}
	prompt, _ := gotPrompt.Load().(string)
	if !strings.Contains(prompt, "exploration sub-agent") {
		t.Errorf("prompt missing explore preamble: %q", prompt)
	}
	if !strings.HasSuffix(prompt, "find the tea shop") {
		t.Errorf("prompt missing task text: %q", prompt)
	}
}

func TestSpawnFailedRunMarksFailed(t *testing.T) {
	store := openTestStore(t)
	runner := RunnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		return "", errors.New("model unavailable")
	})
	e := startTestExecutor(t, store, runner)
	ctx := context.Background()

	task, _ := e.Create(ctx, AgentGeneral, "doomed", "")
	if err := e.Spawn(ctx, task.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	done, err := e.WaitFor(ctx, task.ID)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if done.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", done.Status)
	}
	if done.Error != "model unavailable" {
		t.Errorf("error = %q", done.Error)
	}
}

// Concurrent spawns of the same pending task produce exactly one
// execution: the conditional claim admits a single winner.
func TestConcurrentSpawnClaimsOnce(t *testing.T) {
	store := openTestStore(t)

	var executions atomic.Int32
	runner := RunnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		executions.Add(1)
		return "done", nil
	})
	e := startTestExecutor(t, store, runner)
	ctx := context.Background()

	task, _ := e.Create(ctx, AgentGeneral, "race me", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Spawn(ctx, task.ID); err != nil {
				t.Errorf("Spawn: %v", err)
			}
		}()
	}
	wg.Wait()

	if _, err := e.WaitFor(ctx, task.ID); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if n := executions.Load(); n != 1 {
		t.Errorf("executions = %d, want 1", n)
	}
}

// A cancel issued while the task runs wins over its outcome: the stored
// terminal status is cancelled, never completed.
func TestCancelDuringRunSticks(t *testing.T) {
	store := openTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		close(started)
		<-release
		return "too late", nil
	})
	e := startTestExecutor(t, store, runner)
	ctx := context.Background()

	task, _ := e.Create(ctx, AgentGeneral, "slow work", "")
	if err := e.Spawn(ctx, task.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	<-started
	if err := e.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	done, err := e.WaitFor(ctx, task.ID)
	if err != nil {
		t.Fatalf("WaitFor: %v", err)
	}
	if done.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", done.Status)
	}
	if done.Result != "" {
		t.Errorf("cancelled task stored result %q", done.Result)
	}
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	store := openTestStore(t)
	e := startTestExecutor(t, store, echoRunner("ok"))
	ctx := context.Background()

	task, _ := e.Create(ctx, AgentGeneral, "quick", "")
	if err := e.Spawn(ctx, task.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := e.WaitFor(ctx, task.ID); err != nil {
		t.Fatalf("WaitFor: %v", err)
	}

	if err := e.Cancel(ctx, task.ID); !fault.IsKind(err, fault.StateConflict) {
		t.Errorf("cancel completed task: err = %v, want state conflict", err)
	}
}

// Rows a previous process left in running become failed on boot: tasks
// are one-shot, so unlike jobs they are not retried.
func TestStartFailsStaleRunningTasks(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	row := storage.SubagentTaskRow{
		ID:        "01STALE0000000000000000000",
		AgentType: AgentGeneral,
		Status:    StatusRunning,
		Prompt:    "interrupted",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.InsertSubagentTask(ctx, row); err != nil {
		t.Fatalf("InsertSubagentTask: %v", err)
	}

	e := startTestExecutor(t, store, echoRunner("ok"))

	task, err := e.Get(ctx, row.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if task.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", task.Status)
	}
	if task.Error != StaleTaskReason {
		t.Errorf("error = %q, want %q", task.Error, StaleTaskReason)
	}
}

func TestWaitForAlreadyTerminalReturnsImmediately(t *testing.T) {
	store := openTestStore(t)
	e := startTestExecutor(t, store, echoRunner("ok"))
	ctx := context.Background()

	task, _ := e.Create(ctx, AgentGeneral, "quick", "")
	if err := e.Spawn(ctx, task.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := e.WaitFor(ctx, task.ID); err != nil {
		t.Fatalf("first WaitFor: %v", err)
	}

	// Second wait must not block: the row is terminal.
	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	done, err := e.WaitFor(ctx2, task.ID)
	if err != nil {
		t.Fatalf("second WaitFor: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %s", done.Status)
	}
}

func TestShutdownRejectsWaiters(t *testing.T) {
	store := openTestStore(t)

	release := make(chan struct{})
	runner := RunnerFunc(func(ctx context.Context, sessionID, prompt string) (string, error) {
		<-release
		return "", nil
	})
	e := newTestExecutor(t, store, runner)
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	if err := e.Start(runCtx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx := context.Background()

	task, _ := e.Create(ctx, AgentGeneral, "never finishes", "")
	if err := e.Spawn(ctx, task.ID); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		_, err := e.WaitFor(ctx, task.ID)
		waitErr <- err
	}()
	// Give the waiter time to register.
	time.Sleep(50 * time.Millisecond)

	cancelRun()
	close(release)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrShuttingDown) {
			t.Errorf("waiter err = %v, want ErrShuttingDown", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released")
	}

	if _, err := e.WaitFor(ctx, task.ID); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("WaitFor after shutdown: err = %v", err)
	}
	if err := e.Spawn(ctx, task.ID); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Spawn after shutdown: err = %v", err)
	}
}

func TestSweepPurgesOldTerminalRows(t *testing.T) {
	store := openTestStore(t)
	e := newTestExecutor(t, store, echoRunner("ok"))
	ctx := context.Background()

	old := time.Now().UTC().Add(-8 * 24 * time.Hour)
	stale := storage.SubagentTaskRow{
		ID:          "01OLD00000000000000000000A",
		AgentType:   AgentGeneral,
		Status:      StatusCompleted,
		Prompt:      "ancient",
		CreatedAt:   old,
		UpdatedAt:   old,
		CompletedAt: old,
	}
	if err := store.InsertSubagentTask(ctx, stale); err != nil {
		t.Fatalf("InsertSubagentTask: %v", err)
	}
	fresh, err := e.Create(ctx, AgentGeneral, "recent", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	n, err := e.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("purged = %d, want 1", n)
	}
	if _, err := e.Get(ctx, stale.ID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("stale row: err = %v, want not found", err)
	}
	if _, err := e.Get(ctx, fresh.ID); err != nil {
		t.Errorf("fresh row gone: %v", err)
	}
}

func TestSpawnUnknownTask(t *testing.T) {
	store := openTestStore(t)
	e := startTestExecutor(t, store, echoRunner("ok"))

	if err := e.Spawn(context.Background(), "no-such-task"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("err = %v, want not found", err)
	}
}
