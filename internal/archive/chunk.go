package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/tokens"
	"github.com/fernlabs/fern/pkg/models"
)

// Chunk is one archived slice of a thread's transcript, persisted as
// <root>/<threadId>/<chunkId>.json. The summary row in storage indexes it
// for recall; the file keeps the full message bodies.
type Chunk struct {
	ID           string            `json:"id"`
	ThreadID     string            `json:"threadId"`
	SessionID    string            `json:"sessionId"`
	Summary      string            `json:"summary"`
	Messages     []*models.Message `json:"messages"`
	TokenCount   int               `json:"tokenCount"`
	MessageCount int               `json:"messageCount"`
	MessageRange MessageRange      `json:"messageRange"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// MessageRange records the inclusive bounds of the archived slice.
type MessageRange struct {
	FirstID string    `json:"firstId"`
	LastID  string    `json:"lastId"`
	FirstTS time.Time `json:"firstTs"`
	LastTS  time.Time `json:"lastTs"`
}

// buildChunk returns the longest prefix of msgs whose token total stays
// within maxTokens. A first message larger than the cap is admitted alone.
func buildChunk(msgs []*models.Message, maxTokens int) ([]*models.Message, int) {
	total := 0
	n := 0
	for i, msg := range msgs {
		cost := tokens.Estimate(msg)
		if i > 0 && total+cost > maxTokens {
			break
		}
		total += cost
		n = i + 1
	}
	return msgs[:n], total
}

func writeChunk(root string, chunk *Chunk) error {
	dir := threadDir(root, chunk.ThreadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}

	data, err := json.MarshalIndent(chunk, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chunk: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, chunk.ID+".json"), data, 0o644); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	return nil
}

// ReadChunk loads one archived chunk file.
func ReadChunk(root, threadID, chunkID string) (*Chunk, error) {
	path := filepath.Join(threadDir(root, threadID), filepath.Base(chunkID)+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fault.Newf(fault.NotFound, "chunk %s not found for thread %s", chunkID, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}

	var chunk Chunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("decode chunk %s: %w", chunkID, err)
	}
	return &chunk, nil
}
