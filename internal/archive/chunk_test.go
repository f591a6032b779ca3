package archive

import (
	"testing"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/pkg/models"
)

func TestBuildChunkPacksWithinCap(t *testing.T) {
	now := time.Now()
	msgs := []*models.Message{
		textMsg("m1", 40, now),
		textMsg("m2", 40, now),
		textMsg("m3", 40, now),
	}

	chunk, total := buildChunk(msgs, 200)
	if len(chunk) != 3 {
		t.Fatalf("chunk length = %d, want 3", len(chunk))
	}
	if total != 120 {
		t.Errorf("total = %d, want 120", total)
	}
}

func TestBuildChunkStopsBeforeCap(t *testing.T) {
	now := time.Now()
	msgs := []*models.Message{
		textMsg("m1", 40, now),
		textMsg("m2", 200, now),
	}

	chunk, total := buildChunk(msgs, 200)
	if len(chunk) != 1 {
		t.Fatalf("chunk length = %d, want 1", len(chunk))
	}
	if chunk[0].ID != "m1" || total != 40 {
		t.Errorf("chunk = %q at %d tokens, want m1 at 40", chunk[0].ID, total)
	}
}

func TestBuildChunkExactCapAdmitted(t *testing.T) {
	now := time.Now()
	msgs := []*models.Message{
		textMsg("m1", 100, now),
		textMsg("m2", 100, now),
		textMsg("m3", 1, now),
	}

	chunk, total := buildChunk(msgs, 200)
	if len(chunk) != 2 || total != 200 {
		t.Errorf("chunk = %d messages at %d tokens, want 2 at 200", len(chunk), total)
	}
}

func TestBuildChunkAdmitsOversizedFirst(t *testing.T) {
	now := time.Now()
	msgs := []*models.Message{
		textMsg("m1", 500, now),
		textMsg("m2", 10, now),
	}

	chunk, total := buildChunk(msgs, 200)
	if len(chunk) != 1 {
		t.Fatalf("chunk length = %d, want 1", len(chunk))
	}
	if chunk[0].ID != "m1" || total != 500 {
		t.Errorf("chunk = %q at %d tokens, want m1 at 500", chunk[0].ID, total)
	}
}

func TestBuildChunkEmptyInput(t *testing.T) {
	chunk, total := buildChunk(nil, 200)
	if len(chunk) != 0 || total != 0 {
		t.Errorf("chunk = %d messages at %d tokens, want empty", len(chunk), total)
	}
}

func TestReadChunkMissing(t *testing.T) {
	_, err := ReadChunk(t.TempDir(), "t1", "chunk_nope")
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("err = %v, want not-found", err)
	}
}
