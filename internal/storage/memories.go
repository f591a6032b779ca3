package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fernlabs/fern/internal/fault"
)

// MemoryRow is one persistent memory: a typed piece of knowledge the agent
// chose to keep across conversations.
type MemoryRow struct {
	ID        string
	Type      string
	Content   string
	Tags      []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InsertMemory writes the memory and its shadow rows in one transaction.
func (s *Store) InsertMemory(ctx context.Context, row MemoryRow, embedding []float32) error {
	if row.ID == "" || row.Content == "" {
		return fault.New(fault.Validation, "memory requires id and content")
	}
	now := time.Now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}

	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin memory insert: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.Type, row.Content, string(tags),
		formatTime(row.CreatedAt), formatTime(row.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", row.ID, err)
	}

	if s.fts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories_fts (content, memory_id) VALUES (?, ?)`,
			row.Content, row.ID,
		)
		if err != nil {
			return fmt.Errorf("insert memory fts %s: %w", row.ID, err)
		}
	}

	if s.vecMode != vectorNone && len(embedding) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories_vec (memory_id, embedding) VALUES (?, ?)`,
			row.ID, VectorToBlob(embedding),
		)
		if err != nil {
			return fmt.Errorf("insert memory vector %s: %w", row.ID, err)
		}
	}

	return tx.Commit()
}

// UpdateMemory replaces content, tags and shadows for an existing memory.
func (s *Store) UpdateMemory(ctx context.Context, row MemoryRow, embedding []float32) error {
	if row.ID == "" {
		return fault.New(fault.Validation, "memory id required")
	}
	row.UpdatedAt = time.Now()

	tags, err := json.Marshal(row.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin memory update: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE memories SET type = ?, content = ?, tags = ?, updated_at = ? WHERE id = ?`,
		row.Type, row.Content, string(tags), formatTime(row.UpdatedAt), row.ID,
	)
	if err != nil {
		return fmt.Errorf("update memory %s: %w", row.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.NotFound, "memory %s not found", row.ID)
	}

	if s.fts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, row.ID); err != nil {
			return fmt.Errorf("clear memory fts %s: %w", row.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO memories_fts (content, memory_id) VALUES (?, ?)`, row.Content, row.ID); err != nil {
			return fmt.Errorf("reindex memory fts %s: %w", row.ID, err)
		}
	}

	if s.vecMode != vectorNone {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories_vec WHERE memory_id = ?`, row.ID); err != nil {
			return fmt.Errorf("clear memory vector %s: %w", row.ID, err)
		}
		if len(embedding) > 0 {
			if _, err := tx.ExecContext(ctx, `INSERT INTO memories_vec (memory_id, embedding) VALUES (?, ?)`, row.ID, VectorToBlob(embedding)); err != nil {
				return fmt.Errorf("reindex memory vector %s: %w", row.ID, err)
			}
		}
	}

	return tx.Commit()
}

// DeleteMemory removes the memory and every shadow row in one transaction.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin memory delete: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete memory %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.NotFound, "memory %s not found", id)
	}

	if s.fts {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories_fts WHERE memory_id = ?`, id); err != nil {
			return fmt.Errorf("delete memory fts %s: %w", id, err)
		}
	}
	if s.vecMode != vectorNone {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memories_vec WHERE memory_id = ?`, id); err != nil {
			return fmt.Errorf("delete memory vector %s: %w", id, err)
		}
	}

	return tx.Commit()
}

// GetMemory returns one memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*MemoryRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, content, tags, created_at, updated_at FROM memories WHERE id = ?`, id)
	mr, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "memory %s not found", id)
	}
	return mr, err
}

// GetMemoriesByIDs returns the named rows keyed by id.
func (s *Store) GetMemoriesByIDs(ctx context.Context, ids []string) (map[string]*MemoryRow, error) {
	out := make(map[string]*MemoryRow, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, type, content, tags, created_at, updated_at
		FROM memories WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		mr, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out[mr.ID] = mr
	}
	return out, rows.Err()
}

// ListMemories returns memories newest first, optionally filtered by type.
func (s *Store) ListMemories(ctx context.Context, memType string, limit int) ([]*MemoryRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT id, type, content, tags, created_at, updated_at FROM memories`
	args := []any{}
	if memType != "" {
		q += ` WHERE type = ?`
		args = append(args, memType)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []*MemoryRow
	for rows.Next() {
		mr, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, mr)
	}
	return out, rows.Err()
}

// MemoriesByVector returns up to limit memory ids nearest to query.
func (s *Store) MemoriesByVector(ctx context.Context, query []float32, limit int) ([]VectorHit, error) {
	if s.vecMode == vectorNone || len(query) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	if s.vecMode == vectorVec0 {
		return s.scanVectorHits(ctx,
			`SELECT memory_id, distance FROM memories_vec WHERE embedding MATCH ? AND k = ?`,
			VectorToBlob(query), limit)
	}
	return s.rankBlobs(ctx, `SELECT memory_id, embedding FROM memories_vec`, query, limit)
}

// MemoriesByText returns memory ids matching the FTS query, best first.
func (s *Store) MemoriesByText(ctx context.Context, match string, limit int) ([]string, error) {
	if !s.fts || strings.TrimSpace(match) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id FROM memories_fts WHERE memories_fts MATCH ? ORDER BY rank LIMIT ?`,
		match, limit)
	if err != nil {
		return nil, fmt.Errorf("memory text search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan memory text hit: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanMemory(row rowScanner) (*MemoryRow, error) {
	var mr MemoryRow
	var tags string
	var createdAt, updatedAt string
	if err := row.Scan(&mr.ID, &mr.Type, &mr.Content, &tags, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &mr.Tags); err != nil {
		mr.Tags = nil
	}
	mr.CreatedAt = parseTime(createdAt)
	mr.UpdatedAt = parseTime(updatedAt)
	return &mr, nil
}
