package storage

import (
	"context"
	"testing"
	"time"

	"github.com/fernlabs/fern/internal/fault"
)

func TestSubagentTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.InsertSubagentTask(ctx, SubagentTaskRow{
		ID:              "01T",
		AgentType:       "research",
		Prompt:          "compare sqlite vector options",
		ParentSessionID: "chat_01PARENT",
	})
	if err != nil {
		t.Fatalf("InsertSubagentTask: %v", err)
	}

	got, err := s.GetSubagentTask(ctx, "01T")
	if err != nil {
		t.Fatalf("GetSubagentTask: %v", err)
	}
	if got.Status != "pending" || got.AgentType != "research" {
		t.Errorf("row = %q/%q", got.Status, got.AgentType)
	}
	if got.ParentSessionID != "chat_01PARENT" {
		t.Errorf("parent = %q", got.ParentSessionID)
	}
	if got.Result != "" || got.Error != "" || !got.CompletedAt.IsZero() {
		t.Errorf("fresh task has run state: %+v", got)
	}

	if _, err := s.GetSubagentTask(ctx, "missing"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("missing: err = %v, want not found", err)
	}
}

func TestSubagentTaskLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertSubagentTask(ctx, SubagentTaskRow{ID: "01U", AgentType: "general", Prompt: "p"}); err != nil {
		t.Fatalf("InsertSubagentTask: %v", err)
	}

	claimed, err := s.ClaimSubagentTask(ctx, "01U", now)
	if err != nil || !claimed {
		t.Fatalf("claim = (%v, %v), want (true, nil)", claimed, err)
	}
	claimed, err = s.ClaimSubagentTask(ctx, "01U", now)
	if err != nil || claimed {
		t.Fatalf("second claim = (%v, %v), want (false, nil)", claimed, err)
	}

	changed, err := s.CompleteSubagentTask(ctx, "01U", "found three options", now)
	if err != nil || !changed {
		t.Fatalf("complete = (%v, %v), want (true, nil)", changed, err)
	}
	got, err := s.GetSubagentTask(ctx, "01U")
	if err != nil {
		t.Fatalf("GetSubagentTask: %v", err)
	}
	if got.Status != "completed" || got.Result != "found three options" {
		t.Errorf("row = %q/%q", got.Status, got.Result)
	}
	if got.CompletedAt.IsZero() {
		t.Error("completed_at not set")
	}
}

func TestSubagentCancelBeatsCompletion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := s.InsertSubagentTask(ctx, SubagentTaskRow{ID: "01V", AgentType: "explore", Prompt: "p"}); err != nil {
		t.Fatalf("InsertSubagentTask: %v", err)
	}
	if _, err := s.ClaimSubagentTask(ctx, "01V", now); err != nil {
		t.Fatalf("ClaimSubagentTask: %v", err)
	}

	changed, err := s.CancelSubagentTask(ctx, "01V", now)
	if err != nil || !changed {
		t.Fatalf("cancel = (%v, %v), want (true, nil)", changed, err)
	}
	changed, err = s.CompleteSubagentTask(ctx, "01V", "late", now)
	if err != nil || changed {
		t.Fatalf("complete after cancel = (%v, %v), want (false, nil)", changed, err)
	}
	changed, err = s.FailSubagentTask(ctx, "01V", "late failure", now)
	if err != nil || changed {
		t.Fatalf("fail after cancel = (%v, %v), want (false, nil)", changed, err)
	}

	got, err := s.GetSubagentTask(ctx, "01V")
	if err != nil {
		t.Fatalf("GetSubagentTask: %v", err)
	}
	if got.Status != "cancelled" || got.Result != "" {
		t.Errorf("row = %q/%q, want cancelled with no result", got.Status, got.Result)
	}
}

func TestRecoverStaleSubagentTasksFailsThem(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"01W", "01X"} {
		if err := s.InsertSubagentTask(ctx, SubagentTaskRow{ID: id, AgentType: "general", Prompt: "p"}); err != nil {
			t.Fatalf("InsertSubagentTask(%s): %v", id, err)
		}
	}
	if _, err := s.ClaimSubagentTask(ctx, "01W", now); err != nil {
		t.Fatalf("ClaimSubagentTask: %v", err)
	}

	n, err := s.RecoverStaleSubagentTasks(ctx, "Process restarted during execution")
	if err != nil {
		t.Fatalf("RecoverStaleSubagentTasks: %v", err)
	}
	if n != 1 {
		t.Errorf("recovered = %d, want 1", n)
	}

	got, err := s.GetSubagentTask(ctx, "01W")
	if err != nil {
		t.Fatalf("GetSubagentTask: %v", err)
	}
	if got.Status != "failed" || got.Error != "Process restarted during execution" {
		t.Errorf("row = %q/%q", got.Status, got.Error)
	}

	// The untouched pending row stays pending.
	got, err = s.GetSubagentTask(ctx, "01X")
	if err != nil {
		t.Fatalf("GetSubagentTask: %v", err)
	}
	if got.Status != "pending" {
		t.Errorf("pending row = %q", got.Status)
	}
}

func TestPurgeTerminalSubagentTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-8 * 24 * time.Hour)
	recent := time.Now().Add(-time.Hour)

	insert := func(id, status string, at time.Time) {
		t.Helper()
		err := s.InsertSubagentTask(ctx, SubagentTaskRow{
			ID: id, AgentType: "general", Prompt: "p",
			Status: status, CreatedAt: at, UpdatedAt: at,
		})
		if err != nil {
			t.Fatalf("InsertSubagentTask(%s): %v", id, err)
		}
	}
	insert("old-done", "completed", old)
	insert("old-failed", "failed", old)
	insert("old-running", "running", old)
	insert("new-done", "completed", recent)

	n, err := s.PurgeTerminalSubagentTasks(ctx, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeTerminalSubagentTasks: %v", err)
	}
	if n != 2 {
		t.Errorf("purged = %d, want 2", n)
	}

	// Old but non-terminal rows and recent terminal rows survive.
	if _, err := s.GetSubagentTask(ctx, "old-running"); err != nil {
		t.Errorf("old-running: %v", err)
	}
	if _, err := s.GetSubagentTask(ctx, "new-done"); err != nil {
		t.Errorf("new-done: %v", err)
	}
	if _, err := s.GetSubagentTask(ctx, "old-done"); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("old-done: err = %v, want not found", err)
	}
}
