package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fernlabs/fern/internal/fault"
)

// ThreadSessionRow binds a channel thread to its live LLM session. One
// row per thread; replacing the session rewrites the row.
type ThreadSessionRow struct {
	ThreadID  string
	SessionID string
	ShareURL  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertThreadSession writes the binding, replacing any previous session
// for the thread.
func (s *Store) UpsertThreadSession(ctx context.Context, row ThreadSessionRow) error {
	if row.ThreadID == "" || row.SessionID == "" {
		return fault.New(fault.Validation, "thread session requires thread_id and session_id")
	}
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_sessions (thread_id, session_id, share_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			session_id = excluded.session_id,
			share_url  = excluded.share_url,
			updated_at = excluded.updated_at`,
		row.ThreadID, row.SessionID, row.ShareURL,
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert thread session %s: %w", row.ThreadID, err)
	}
	return nil
}

// TouchThreadSession bumps updated_at so the binding survives the TTL
// sweep.
func (s *Store) TouchThreadSession(ctx context.Context, threadID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE thread_sessions SET updated_at = ? WHERE thread_id = ?`,
		formatTime(at), threadID,
	)
	if err != nil {
		return fmt.Errorf("touch thread session %s: %w", threadID, err)
	}
	return nil
}

// GetThreadSession returns the binding for a thread.
func (s *Store) GetThreadSession(ctx context.Context, threadID string) (*ThreadSessionRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, session_id, share_url, created_at, updated_at
		FROM thread_sessions WHERE thread_id = ?`, threadID)

	var ts ThreadSessionRow
	var shareURL, createdAt, updatedAt sql.NullString
	err := row.Scan(&ts.ThreadID, &ts.SessionID, &shareURL, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "no session bound to thread %s", threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread session %s: %w", threadID, err)
	}
	ts.ShareURL = shareURL.String
	ts.CreatedAt = parseTime(createdAt.String)
	ts.UpdatedAt = parseTime(updatedAt.String)
	return &ts, nil
}

// DeleteThreadSession drops the binding. Deleting an absent thread is a
// no-op.
func (s *Store) DeleteThreadSession(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM thread_sessions WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete thread session %s: %w", threadID, err)
	}
	return nil
}

// DeleteExpiredThreadSessions removes bindings last touched before cutoff
// and reports how many were dropped.
func (s *Store) DeleteExpiredThreadSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_sessions WHERE updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expire thread sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListThreadSessions returns every binding, most recently touched first.
func (s *Store) ListThreadSessions(ctx context.Context) ([]*ThreadSessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, session_id, share_url, created_at, updated_at
		FROM thread_sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list thread sessions: %w", err)
	}
	defer rows.Close()

	var out []*ThreadSessionRow
	for rows.Next() {
		var ts ThreadSessionRow
		var shareURL, createdAt, updatedAt sql.NullString
		if err := rows.Scan(&ts.ThreadID, &ts.SessionID, &shareURL, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan thread session: %w", err)
		}
		ts.ShareURL = shareURL.String
		ts.CreatedAt = parseTime(createdAt.String)
		ts.UpdatedAt = parseTime(updatedAt.String)
		out = append(out, &ts)
	}
	return out, rows.Err()
}
