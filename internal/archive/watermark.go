package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Watermark is the per-thread archival cursor. It records how far into the
// transcript archival has progressed and which session the indices belong
// to: a fresh session restarts the transcript, so indices from an older
// session no longer apply. TotalArchivedTokens and TotalChunks accumulate
// for the lifetime of the thread, across session rollovers.
type Watermark struct {
	LastArchivedIndex     int       `json:"lastArchivedIndex"`
	LastArchivedMessageID string    `json:"lastArchivedMessageId"`
	TotalArchivedTokens   int       `json:"totalArchivedTokens"`
	TotalChunks           int       `json:"totalChunks"`
	LastArchivedAt        time.Time `json:"lastArchivedAt"`
	SessionID             string    `json:"sessionId"`
}

const watermarkFile = "watermark.json"

// threadDir maps a thread id onto its chunk directory. Path separators
// and parent references in the id are flattened before joining.
func threadDir(root, threadID string) string {
	seg := strings.ReplaceAll(threadID, "/", "_")
	seg = strings.ReplaceAll(seg, string(os.PathSeparator), "_")
	seg = strings.ReplaceAll(seg, "..", "__")
	return filepath.Join(root, seg)
}

// LoadWatermark reads the cursor for a thread. A missing file returns
// (nil, nil): the thread has no archived prefix yet.
func LoadWatermark(root, threadID string) (*Watermark, error) {
	data, err := os.ReadFile(filepath.Join(threadDir(root, threadID), watermarkFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read watermark: %w", err)
	}

	var wm Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return nil, fmt.Errorf("decode watermark: %w", err)
	}
	return &wm, nil
}

// SaveWatermark replaces the cursor for a thread. The write goes through
// a temp file and rename, so readers only ever see a complete cursor.
func SaveWatermark(root, threadID string, wm *Watermark) error {
	dir := threadDir(root, threadID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create chunk dir: %w", err)
	}

	data, err := json.MarshalIndent(wm, "", "  ")
	if err != nil {
		return fmt.Errorf("encode watermark: %w", err)
	}

	tmp := filepath.Join(dir, watermarkFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write watermark: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, watermarkFile)); err != nil {
		return fmt.Errorf("replace watermark: %w", err)
	}
	return nil
}
