package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fernlabs/fern/internal/fault"
)

// SubagentTaskRow is one delegated task. The lifecycle matches jobs
// (claim by conditional update, terminal writes conditional on running)
// except that interrupted tasks are failed on recovery, not retried.
type SubagentTaskRow struct {
	ID              string
	AgentType       string
	Status          string
	Prompt          string
	ParentSessionID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     time.Time
	Result          string
	Error           string
}

// InsertSubagentTask writes a new task row. Status defaults to pending.
func (s *Store) InsertSubagentTask(ctx context.Context, row SubagentTaskRow) error {
	if row.ID == "" || row.Prompt == "" {
		return fault.New(fault.Validation, "task requires id and prompt")
	}
	now := time.Now()
	if row.Status == "" {
		row.Status = "pending"
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subagent_tasks (id, agent_type, status, prompt, parent_session_id, created_at, updated_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.AgentType, row.Status, row.Prompt,
		nullString(row.ParentSessionID),
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt),
		nullString(formatTime(row.CompletedAt)),
		nullString(row.Result), nullString(row.Error),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", row.ID, err)
	}
	return nil
}

// ClaimSubagentTask attempts the pending -> running transition and
// reports whether this caller won it.
func (s *Store) ClaimSubagentTask(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim task %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// CompleteSubagentTask stores a successful result. Conditional on the
// row still being in running so a cancel issued mid-run wins.
func (s *Store) CompleteSubagentTask(ctx context.Context, id, result string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks
		SET status = 'completed', result = ?, error = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		nullString(result), formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("complete task %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// FailSubagentTask stores a failure. Conditional on running.
func (s *Store) FailSubagentTask(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks
		SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		nullString(reason), formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// CancelSubagentTask moves a pending or running task to cancelled.
func (s *Store) CancelSubagentTask(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks
		SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel task %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// RecoverStaleSubagentTasks fails every row a previous process left in
// running. Tasks are one-shot, so unlike jobs they are not re-queued.
func (s *Store) RecoverStaleSubagentTasks(ctx context.Context, reason string) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE subagent_tasks
		SET status = 'failed', error = ?, completed_at = ?, updated_at = ?
		WHERE status = 'running'`,
		reason, formatTime(now), formatTime(now),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return int(n), nil
}

// PurgeTerminalSubagentTasks deletes terminal rows last touched before
// cutoff. Returns the number removed.
func (s *Store) PurgeTerminalSubagentTasks(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM subagent_tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	return int(n), nil
}

// GetSubagentTask returns one task by id.
func (s *Store) GetSubagentTask(ctx context.Context, id string) (*SubagentTaskRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_type, status, prompt, parent_session_id, created_at, updated_at, completed_at, result, error
		FROM subagent_tasks WHERE id = ?`, id)
	tr, err := scanSubagentTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "task %s not found", id)
	}
	return tr, err
}

func scanSubagentTask(row rowScanner) (*SubagentTaskRow, error) {
	var tr SubagentTaskRow
	var createdAt, updatedAt string
	var parent, completedAt, result, taskErr sql.NullString
	err := row.Scan(&tr.ID, &tr.AgentType, &tr.Status, &tr.Prompt,
		&parent, &createdAt, &updatedAt, &completedAt, &result, &taskErr)
	if err != nil {
		return nil, err
	}
	tr.ParentSessionID = parent.String
	tr.CreatedAt = parseTime(createdAt)
	tr.UpdatedAt = parseTime(updatedAt)
	tr.CompletedAt = parseTime(completedAt.String)
	tr.Result = result.String
	tr.Error = taskErr.String
	return &tr, nil
}
