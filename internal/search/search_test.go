package search

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/storage"
)

// mapEmbedder returns canned vectors by exact text, defaulting to the
// first basis vector.
type mapEmbedder struct {
	vectors map[string][]float32
	fail    bool
}

func (e *mapEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.fail {
		return nil, fault.New(fault.Transient, "embedder down")
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	return basis(0), nil
}

func (e *mapEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *mapEmbedder) Dimension() int { return 8 }

func basis(i int) []float32 {
	v := make([]float32, 8)
	v[i] = 1
	return v
}

func negate(v []float32) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = -x
	}
	return out
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "fern.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertMemory(t *testing.T, s *storage.Store, id, content string, createdAt time.Time, vec []float32) {
	t.Helper()
	err := s.InsertMemory(context.Background(), storage.MemoryRow{
		ID:        id,
		Type:      "fact",
		Content:   content,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, vec)
	if err != nil {
		t.Fatalf("InsertMemory(%s): %v", id, err)
	}
}

func insertSummary(t *testing.T, s *storage.Store, chunkID, threadID, summary string, timeEnd time.Time, vec []float32) {
	t.Helper()
	err := s.InsertSummary(context.Background(), storage.SummaryRow{
		ChunkID:  chunkID,
		ThreadID: threadID,
		Summary:  summary,
		TimeEnd:  timeEnd,
	}, vec)
	if err != nil {
		t.Fatalf("InsertSummary(%s): %v", chunkID, err)
	}
}

func TestMatchQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", `"hello" AND "world"`},
		{"don't stop-me now!", `"don" AND "t" AND "stop" AND "me" AND "now"`},
		{`"quoted" (terms)`, `"quoted" AND "terms"`},
		{"café 42", `"café" AND "42"`},
		{"!!!", ""},
		{"", ""},
		{"single", `"single"`},
	}
	for _, tt := range tests {
		if got := MatchQuery(tt.in); got != tt.want {
			t.Errorf("MatchQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecencyValue(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		ts   time.Time
		want float64
	}{
		{"now", now, 1},
		{"half life", now.Add(-30 * 24 * time.Hour), 0.5},
		{"three half lives", now.Add(-90 * 24 * time.Hour), 0.125},
		{"missing", time.Time{}, 0.5},
		{"future", now.Add(24 * time.Hour), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recencyValue(now, tt.ts); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("recencyValue = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	engine := New(Config{Store: openTestStore(t)})
	if _, err := engine.Search(context.Background(), "  ", Options{}); !fault.IsKind(err, fault.Validation) {
		t.Errorf("kind = %q, want validation", fault.KindOf(err))
	}
}

func TestHybridRanking(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	insertMemory(t, store, "01MEMA", "alpha rockets", now, basis(0))
	insertMemory(t, store, "01MEMB", "alpha gardens", now, basis(1))

	engine := New(Config{
		Store:    store,
		Embedder: &mapEmbedder{vectors: map[string][]float32{"alpha": basis(0)}},
	})

	results, err := engine.Search(context.Background(), "alpha", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ID != "01MEMA" {
		t.Errorf("top = %q, want the vector-near memory", results[0].ID)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("scores not descending: %v, %v", results[0].Score, results[1].Score)
	}
	if results[0].Source != SourceMemory || results[0].Type != "fact" {
		t.Errorf("result metadata = %+v", results[0])
	}

	// A higher floor keeps only the strong hit.
	strict, err := engine.Search(context.Background(), "alpha", Options{MinScore: 0.5})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(strict) != 1 || strict[0].ID != "01MEMA" {
		t.Errorf("strict results = %+v", strict)
	}
}

func TestEmbedFailureDegradesToTextOnly(t *testing.T) {
	store := openTestStore(t)
	insertMemory(t, store, "01MEMA", "postgres tuning notes", time.Now(), basis(0))

	engine := New(Config{Store: store, Embedder: &mapEmbedder{fail: true}})
	results, err := engine.Search(context.Background(), "postgres", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ID != "01MEMA" {
		t.Errorf("results = %+v", results)
	}
}

func TestThreadFilterScopesArchives(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	insertSummary(t, store, "chunk_t1", "whatsapp_a", "deploy notes for api", now, basis(0))
	insertSummary(t, store, "chunk_t2", "whatsapp_b", "deploy notes for web", now, basis(0))
	insertMemory(t, store, "01MEMX", "deploy window is tuesday", now, basis(0))

	engine := New(Config{
		Store:    store,
		Embedder: &mapEmbedder{vectors: map[string][]float32{"deploy": basis(0)}},
	})
	results, err := engine.Search(context.Background(), "deploy", Options{ThreadID: "whatsapp_a"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	var archives, memories int
	for _, r := range results {
		switch r.Source {
		case SourceArchive:
			archives++
			if r.ID != "chunk_t1" {
				t.Errorf("archive hit from wrong thread: %+v", r)
			}
			if r.ThreadID != "whatsapp_a" {
				t.Errorf("thread = %q", r.ThreadID)
			}
		case SourceMemory:
			memories++
		}
	}
	if archives != 1 {
		t.Errorf("archive hits = %d, want 1", archives)
	}
	if memories != 1 {
		t.Errorf("memory hits = %d, want 1 (memories are global)", memories)
	}
}

func TestNewerMemoryWinsRecencyTiebreak(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	// Older inserted first so it takes the best FTS rank position; the
	// recency blend must still put the newer one on top.
	insertMemory(t, store, "01OLD", "X", now.Add(-90*24*time.Hour), basis(0))
	insertMemory(t, store, "01NEW", "X", now, basis(0))

	engine := New(Config{
		Store:    store,
		Embedder: &mapEmbedder{vectors: map[string][]float32{"X": basis(0)}},
	})
	results, err := engine.Search(context.Background(), "X", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].ID != "01NEW" || results[1].ID != "01OLD" {
		t.Fatalf("order = %q, %q; want newer first", results[0].ID, results[1].ID)
	}
	if !(results[0].Score > results[1].Score) {
		t.Errorf("newer score %v not strictly greater than older %v", results[0].Score, results[1].Score)
	}
}

func TestScoreBounds(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	// A spread of ages and an opposite-direction vector (cosine distance
	// 2) probe both ends of the scales.
	insertMemory(t, store, "01FRESH", "bounds probe fresh", now, basis(0))
	insertMemory(t, store, "01STALE", "bounds probe stale", now.Add(-365*24*time.Hour), basis(0))
	insertMemory(t, store, "01ANTI", "bounds probe anti", now, negate(basis(0)))
	insertSummary(t, store, "chunk_nots", "t", "bounds probe chunk", time.Time{}, basis(0))

	engine := New(Config{
		Store:    store,
		Embedder: &mapEmbedder{vectors: map[string][]float32{"bounds probe": basis(0)}},
	})
	results, err := engine.Search(context.Background(), "bounds probe", Options{Limit: 10, MinScore: 0.0001})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	for _, r := range results {
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score out of bounds: %+v", r)
		}
	}
}

func TestMissingTimestampNeutralRecency(t *testing.T) {
	store := openTestStore(t)
	insertSummary(t, store, "chunk_nots", "t", "orphaned summary text", time.Time{}, nil)

	engine := New(Config{Store: store})
	results, err := engine.Search(context.Background(), "orphaned summary", Options{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	// Text-only, best rank: relevance 0.3, recency 0.5.
	want := 0.85*0.3 + 0.15*0.5
	if math.Abs(results[0].Score-want) > 1e-9 {
		t.Errorf("score = %v, want %v", results[0].Score, want)
	}
	if !results[0].Timestamp.IsZero() {
		t.Errorf("timestamp = %v, want zero", results[0].Timestamp)
	}
}

func TestLimitSlicesRanked(t *testing.T) {
	store := openTestStore(t)
	now := time.Now()
	ids := []string{"01AAA", "01BBB", "01CCC", "01DDD", "01EEE", "01FFF", "01GGG"}
	for i, id := range ids {
		insertMemory(t, store, id, "common needle", now.Add(-time.Duration(i)*24*time.Hour), basis(0))
	}

	engine := New(Config{
		Store:    store,
		Embedder: &mapEmbedder{vectors: map[string][]float32{"common needle": basis(0)}},
	})
	results, err := engine.Search(context.Background(), "common needle", Options{Limit: 3, MinScore: 0.0001})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i-1].Score < results[i].Score {
			t.Errorf("not descending at %d: %v < %v", i, results[i-1].Score, results[i].Score)
		}
	}
}
