package memstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/storage"
)

// stubEmbedder returns a fixed vector and counts calls.
type stubEmbedder struct {
	calls int
	fail  bool
}

func (e *stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls++
	if e.fail {
		return nil, fault.New(fault.Transient, "embedder down")
	}
	vec := make([]float32, 8)
	vec[0] = 1
	return vec, nil
}

func (e *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (e *stubEmbedder) Dimension() int { return 8 }

func newTestService(t *testing.T) (*Service, *stubEmbedder) {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Config{
		Path: filepath.Join(t.TempDir(), "fern.db"),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	embedder := &stubEmbedder{}
	return New(Config{Store: store, Embedder: embedder}), embedder
}

func TestAddAndGet(t *testing.T) {
	svc, embedder := newTestService(t)
	ctx := context.Background()

	mem, err := svc.Add(ctx, TypePreference, "prefers short replies", []string{"style"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if mem.ID == "" {
		t.Error("id not generated")
	}
	if embedder.calls != 1 {
		t.Errorf("embed calls = %d, want 1", embedder.calls)
	}

	got, err := svc.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Type != TypePreference || got.Content != "prefers short replies" {
		t.Errorf("got = %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "style" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestAddValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Add(ctx, Type("opinion"), "content", nil); !fault.IsKind(err, fault.Validation) {
		t.Errorf("bad type kind = %q, want validation", fault.KindOf(err))
	}
	if _, err := svc.Add(ctx, TypeFact, "   ", nil); !fault.IsKind(err, fault.Validation) {
		t.Errorf("blank content kind = %q, want validation", fault.KindOf(err))
	}
}

func TestAddSurvivesEmbedFailure(t *testing.T) {
	svc, embedder := newTestService(t)
	embedder.fail = true
	ctx := context.Background()

	mem, err := svc.Add(ctx, TypeFact, "the deploy window is Tuesday", nil)
	if err != nil {
		t.Fatalf("Add with failing embedder: %v", err)
	}
	if _, err := svc.Get(ctx, mem.ID); err != nil {
		t.Errorf("row missing after degraded write: %v", err)
	}
}

func TestUpdateReEmbedsAndPreservesIdentity(t *testing.T) {
	svc, embedder := newTestService(t)
	ctx := context.Background()

	mem, err := svc.Add(ctx, TypeLearning, "retries fix the flake", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	updated, err := svc.Update(ctx, mem.ID, "retries only mask the flake", []string{"ci"})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if embedder.calls != 2 {
		t.Errorf("embed calls = %d, want 2", embedder.calls)
	}
	if updated.Type != TypeLearning {
		t.Errorf("type changed to %q", updated.Type)
	}
	if !updated.CreatedAt.Equal(mem.CreatedAt) {
		t.Errorf("created changed: %v vs %v", updated.CreatedAt, mem.CreatedAt)
	}
	if !updated.UpdatedAt.After(mem.UpdatedAt) {
		t.Errorf("updated not bumped: %v vs %v", updated.UpdatedAt, mem.UpdatedAt)
	}

	got, err := svc.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "retries only mask the flake" {
		t.Errorf("content = %q", got.Content)
	}
}

func TestUpdateMissing(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Update(context.Background(), "01MISSING", "new content", nil)
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("kind = %q, want not_found", fault.KindOf(err))
	}
}

func TestDelete(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	mem, err := svc.Add(ctx, TypeFact, "short-lived", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := svc.Delete(ctx, mem.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := svc.Get(ctx, mem.ID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("kind = %q, want not_found", fault.KindOf(err))
	}
	if err := svc.Delete(ctx, mem.ID); !fault.IsKind(err, fault.NotFound) {
		t.Errorf("double delete kind = %q, want not_found", fault.KindOf(err))
	}
}

func TestListFilterAndOrder(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	entries := []struct {
		t       Type
		content string
	}{
		{TypeFact, "first fact"},
		{TypePreference, "a preference"},
		{TypeFact, "second fact"},
	}
	for _, e := range entries {
		if _, err := svc.Add(ctx, e.t, e.content, nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	all, err := svc.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d", len(all))
	}
	if all[0].Content != "second fact" {
		t.Errorf("newest first violated: %q", all[0].Content)
	}

	facts, err := svc.List(ctx, TypeFact, 10)
	if err != nil {
		t.Fatalf("List(fact): %v", err)
	}
	if len(facts) != 2 {
		t.Errorf("facts = %d, want 2", len(facts))
	}

	if _, err := svc.List(ctx, Type("opinion"), 10); !fault.IsKind(err, fault.Validation) {
		t.Errorf("bad type kind = %q, want validation", fault.KindOf(err))
	}
}
