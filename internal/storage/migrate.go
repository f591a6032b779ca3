package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// legacySummariesFile is the pre-database summary log, one JSON object per
// line, kept next to the database file by earlier releases.
const legacySummariesFile = "summaries.jsonl"

// BatchEmbedder is the slice of the embeddings client the migration needs.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type legacySummary struct {
	ThreadID     string    `json:"threadId"`
	Summary      string    `json:"summary"`
	TokenCount   int       `json:"tokenCount"`
	MessageCount int       `json:"messageCount"`
	TimeStart    time.Time `json:"timeStart"`
	TimeEnd      time.Time `json:"timeEnd"`
	CreatedAt    time.Time `json:"createdAt"`
}

// MigrateLegacySummaries imports the legacy JSONL summary log if one
// exists: embed in one batch, insert every row, then remove the file so
// the import never repeats. A nil embedder (or an embedding failure)
// imports the rows text-only rather than losing them.
func (s *Store) MigrateLegacySummaries(ctx context.Context, embed BatchEmbedder) error {
	if s.path == "" {
		return nil
	}
	path := filepath.Join(filepath.Dir(s.path), legacySummariesFile)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open legacy summaries: %w", err)
	}
	defer f.Close()

	var entries []legacySummary
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var entry legacySummary
		if err := json.Unmarshal(raw, &entry); err != nil {
			s.logger.Warn("skipping malformed legacy summary", "line", line, "error", err)
			continue
		}
		if entry.Summary == "" || entry.ThreadID == "" {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read legacy summaries: %w", err)
	}

	if len(entries) == 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove legacy summaries: %w", err)
		}
		return nil
	}

	var vectors [][]float32
	if embed != nil && s.vecMode != vectorNone {
		texts := make([]string, len(entries))
		for i, e := range entries {
			texts[i] = e.Summary
		}
		vectors, err = embed.EmbedBatch(ctx, texts)
		if err != nil {
			s.logger.Warn("legacy summary embedding failed, importing text-only", "error", err)
			vectors = nil
		}
	}

	for i, e := range entries {
		row := SummaryRow{
			ChunkID:      "chunk_" + ulid.Make().String(),
			ThreadID:     e.ThreadID,
			Summary:      e.Summary,
			TokenCount:   e.TokenCount,
			MessageCount: e.MessageCount,
			TimeStart:    e.TimeStart,
			TimeEnd:      e.TimeEnd,
			CreatedAt:    e.CreatedAt,
		}
		var vec []float32
		if i < len(vectors) {
			vec = vectors[i]
		}
		if err := s.InsertSummary(ctx, row, vec); err != nil {
			return fmt.Errorf("import legacy summary %d: %w", i, err)
		}
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove legacy summaries: %w", err)
	}

	s.logger.Info("imported legacy summaries", "count", len(entries))
	return nil
}
