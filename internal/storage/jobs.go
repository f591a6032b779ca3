package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernlabs/fern/internal/fault"
)

// JobRow is one durable scheduled job. Status moves pending -> running ->
// terminal; the pending -> running edge is the only contended one and is
// taken with a conditional update so exactly one claimer wins.
type JobRow struct {
	ID              string
	Type            string
	Status          string
	Prompt          string
	ScheduledAt     time.Time
	CronExpr        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     time.Time
	LastRunResponse string
	LastError       string
	Metadata        map[string]string
}

// InsertJob writes a new job row. Status defaults to pending.
func (s *Store) InsertJob(ctx context.Context, row JobRow) error {
	if row.ID == "" || row.Prompt == "" {
		return fault.New(fault.Validation, "job requires id and prompt")
	}
	if row.ScheduledAt.IsZero() {
		return fault.New(fault.Validation, "job requires a scheduled time")
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

	meta, err := marshalMetadata(row.Metadata)
	if err != nil {
		return fmt.Errorf("marshal job metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs (id, type, status, prompt, scheduled_at, cron_expr, created_at, updated_at, completed_at, last_run_response, last_error, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Type, row.Status, row.Prompt,
		formatSched(row.ScheduledAt), nullString(row.CronExpr),
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt),
		nullString(formatTime(row.CompletedAt)),
		nullString(row.LastRunResponse), nullString(row.LastError), meta,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", row.ID, err)
	}
	return nil
}

// DueJobs returns pending jobs whose scheduled time has passed, oldest
// scheduled first, up to limit.
func (s *Store) DueJobs(ctx context.Context, now time.Time, limit int) ([]*JobRow, error) {
	if limit <= 0 {
		limit = 3
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, prompt, scheduled_at, cron_expr, created_at, updated_at, completed_at, last_run_response, last_error, metadata
		FROM scheduled_jobs
		WHERE status = 'pending' AND scheduled_at <= ?
		ORDER BY scheduled_at ASC LIMIT ?`,
		formatSched(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// ClaimJob attempts the pending -> running transition. It reports true
// only when this caller changed the row; a concurrent claimer or a cancel
// that got there first yields false with no error.
func (s *Store) ClaimJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// CompleteJob finishes a one-shot run. The write is conditional on the
// row still being in running so a cancel issued mid-run wins.
func (s *Store) CompleteJob(ctx context.Context, id, response string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = 'completed', completed_at = ?, last_run_response = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		formatTime(at), nullString(response), formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("complete job %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// RearmJob returns a recurring job to pending with its next fire time.
// Conditional on running for the same cancel-wins reason as CompleteJob.
func (s *Store) RearmJob(ctx context.Context, id string, next time.Time, response string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = 'pending', scheduled_at = ?, last_run_response = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		formatSched(next), nullString(response), formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("rearm job %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// FailJob records a failed run. Conditional on running.
func (s *Store) FailJob(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = 'failed', last_error = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		nullString(reason), formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("fail job %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// CancelJob moves a pending or running job to cancelled. Running jobs are
// not interrupted; the terminal writes skip rows that left running, so
// the cancel sticks once the in-flight run returns.
func (s *Store) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = 'cancelled', completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'running')`,
		formatTime(at), formatTime(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return oneRowChanged(res)
}

// RecoverStaleJobs resets rows left in running by a previous process back
// to pending so they are dispatched again. Returns the number reset.
func (s *Store) RecoverStaleJobs(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = 'pending', updated_at = ?
		WHERE status = 'running'`,
		formatTime(time.Now()),
	)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(n), nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*JobRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, prompt, scheduled_at, cron_expr, created_at, updated_at, completed_at, last_run_response, last_error, metadata
		FROM scheduled_jobs WHERE id = ?`, id)
	jr, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "job %s not found", id)
	}
	return jr, err
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string, limit int) ([]*JobRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, type, status, prompt, scheduled_at, cron_expr, created_at, updated_at, completed_at, last_run_response, last_error, metadata FROM scheduled_jobs`
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*JobRow, error) {
	var out []*JobRow
	for rows.Next() {
		jr, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, jr)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (*JobRow, error) {
	var jr JobRow
	var scheduledAt, createdAt, updatedAt string
	var cronExpr, completedAt, lastResponse, lastError sql.NullString
	var meta string
	err := row.Scan(&jr.ID, &jr.Type, &jr.Status, &jr.Prompt,
		&scheduledAt, &cronExpr, &createdAt, &updatedAt,
		&completedAt, &lastResponse, &lastError, &meta)
	if err != nil {
		return nil, err
	}
	jr.ScheduledAt = parseTime(scheduledAt)
	jr.CronExpr = cronExpr.String
	jr.CreatedAt = parseTime(createdAt)
	jr.UpdatedAt = parseTime(updatedAt)
	jr.CompletedAt = parseTime(completedAt.String)
	jr.LastRunResponse = lastResponse.String
	jr.LastError = lastError.String
	jr.Metadata = unmarshalMetadata(meta)
	return &jr, nil
}

func oneRowChanged(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// nullString maps "" to NULL so optional columns stay NULL instead of
// accumulating empty strings.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatSched renders a schedule instant as fixed-width RFC 3339 UTC.
// The due query compares these strings lexicographically, which only
// matches time order when every value has the same width, so sub-second
// precision is dropped. The poll loop is far coarser anyway.
func formatSched(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func marshalMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unmarshalMetadata tolerates malformed stored metadata; a row with
// unreadable metadata is still a runnable job.
func unmarshalMetadata(s string) map[string]string {
	if s == "" || s == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
