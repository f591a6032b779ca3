package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fernlabs/fern/internal/fault"
)

// SummaryRow is the indexed form of one archived chunk: the summary text
// plus enough metadata to rank and attribute it. The full chunk body lives
// in a file owned by the archiver.
type SummaryRow struct {
	ChunkID      string
	ThreadID     string
	Summary      string
	TokenCount   int
	MessageCount int
	TimeStart    time.Time
	TimeEnd      time.Time
	CreatedAt    time.Time
}

// VectorHit is one nearest-neighbour result. Distance is cosine distance,
// so smaller is closer and score = 1 - distance.
type VectorHit struct {
	ID       string
	Distance float64
}

// InsertSummary writes the summary row and both shadow rows in one
// transaction. A nil or empty embedding skips the vector shadow (the row
// remains findable through text search).
func (s *Store) InsertSummary(ctx context.Context, row SummaryRow, embedding []float32) error {
	if row.ChunkID == "" || row.ThreadID == "" {
		return fault.New(fault.Validation, "summary row requires chunk_id and thread_id")
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary insert: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			_ = err
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO summaries (chunk_id, thread_id, summary, token_count, message_count, time_start, time_end, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ChunkID, row.ThreadID, row.Summary, row.TokenCount, row.MessageCount,
		formatTime(row.TimeStart), formatTime(row.TimeEnd), formatTime(row.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert summary %s: %w", row.ChunkID, err)
	}

	if s.fts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO summaries_fts (summary, chunk_id, thread_id) VALUES (?, ?, ?)`,
			row.Summary, row.ChunkID, row.ThreadID,
		)
		if err != nil {
			return fmt.Errorf("insert summary fts %s: %w", row.ChunkID, err)
		}
	}

	if s.vecMode != vectorNone && len(embedding) > 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO summaries_vec (chunk_id, embedding) VALUES (?, ?)`,
			row.ChunkID, VectorToBlob(embedding),
		)
		if err != nil {
			return fmt.Errorf("insert summary vector %s: %w", row.ChunkID, err)
		}
	}

	return tx.Commit()
}

// SummariesByVector returns up to limit chunk ids nearest to query,
// optionally restricted to one thread. Unavailable vector storage yields
// an empty result, not an error.
func (s *Store) SummariesByVector(ctx context.Context, query []float32, threadID string, limit int) ([]VectorHit, error) {
	if s.vecMode == vectorNone || len(query) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	if s.vecMode == vectorVec0 {
		q := `SELECT chunk_id, distance FROM summaries_vec WHERE embedding MATCH ? AND k = ?`
		args := []any{VectorToBlob(query), limit}
		if threadID != "" {
			q += ` AND chunk_id IN (SELECT chunk_id FROM summaries WHERE thread_id = ?)`
			args = append(args, threadID)
		}
		return s.scanVectorHits(ctx, q, args...)
	}

	q := `SELECT v.chunk_id, v.embedding FROM summaries_vec v`
	args := []any{}
	if threadID != "" {
		q += ` JOIN summaries t ON t.chunk_id = v.chunk_id WHERE t.thread_id = ?`
		args = append(args, threadID)
	}
	return s.rankBlobs(ctx, q, query, limit, args...)
}

// SummariesByText returns chunk ids matching the FTS query, best match
// first. Returns nil when FTS5 is unavailable.
func (s *Store) SummariesByText(ctx context.Context, match string, threadID string, limit int) ([]string, error) {
	if !s.fts || strings.TrimSpace(match) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	q := `SELECT chunk_id FROM summaries_fts WHERE summaries_fts MATCH ?`
	args := []any{match}
	if threadID != "" {
		q += ` AND thread_id = ?`
		args = append(args, threadID)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("summary text search: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan summary text hit: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSummary returns one summary row by chunk id.
func (s *Store) GetSummary(ctx context.Context, chunkID string) (*SummaryRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT chunk_id, thread_id, summary, token_count, message_count, time_start, time_end, created_at
		FROM summaries WHERE chunk_id = ?`, chunkID)
	sr, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Newf(fault.NotFound, "summary %s not found", chunkID)
	}
	return sr, err
}

// GetSummariesByIDs returns the named rows keyed by chunk id. Missing ids
// are simply absent from the map.
func (s *Store) GetSummariesByIDs(ctx context.Context, ids []string) (map[string]*SummaryRow, error) {
	out := make(map[string]*SummaryRow, len(ids))
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
		SELECT chunk_id, thread_id, summary, token_count, message_count, time_start, time_end, created_at
		FROM summaries WHERE chunk_id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		sr, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out[sr.ChunkID] = sr
	}
	return out, rows.Err()
}

// ListSummaries returns rows for a thread (all threads when threadID is
// empty), newest first.
func (s *Store) ListSummaries(ctx context.Context, threadID string, limit int) ([]*SummaryRow, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT chunk_id, thread_id, summary, token_count, message_count, time_start, time_end, created_at FROM summaries`
	args := []any{}
	if threadID != "" {
		q += ` WHERE thread_id = ?`
		args = append(args, threadID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []*SummaryRow
	for rows.Next() {
		sr, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// scanVectorHits runs a vec0 KNN query that yields (id, distance) pairs.
func (s *Store) scanVectorHits(ctx context.Context, query string, args ...any) ([]VectorHit, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var h VectorHit
		if err := rows.Scan(&h.ID, &h.Distance); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// rankBlobs loads (id, embedding) rows and ranks them in process by cosine
// distance against query.
func (s *Store) rankBlobs(ctx context.Context, querySQL string, query []float32, limit int, args ...any) ([]VectorHit, error) {
	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("vector scan: %w", err)
	}
	defer rows.Close()

	var hits []VectorHit
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		sim := CosineSimilarity(query, BlobToVector(blob))
		hits = append(hits, VectorHit{ID: id, Distance: 1 - sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (*SummaryRow, error) {
	var sr SummaryRow
	var timeStart, timeEnd, createdAt sql.NullString
	err := row.Scan(&sr.ChunkID, &sr.ThreadID, &sr.Summary, &sr.TokenCount, &sr.MessageCount,
		&timeStart, &timeEnd, &createdAt)
	if err != nil {
		return nil, err
	}
	sr.TimeStart = parseTime(timeStart.String)
	sr.TimeEnd = parseTime(timeEnd.String)
	sr.CreatedAt = parseTime(createdAt.String)
	return &sr, nil
}

// formatTime renders t as RFC 3339 UTC, or "" for the zero time so NULL
// survives round trips.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
