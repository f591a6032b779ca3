package registry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/llm/llmtest"
	"github.com/fernlabs/fern/internal/storage"
)

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

func TestGetOrCreateBindsThread(t *testing.T) {
	store := openTestStore(t)
	fake := llmtest.NewFake()
	fake.SetShareURL("https://example.test/s/abc")
	r := New(Config{Store: store, Client: fake})
	ctx := context.Background()

	sessionID, shareURL, err := r.GetOrCreateSession(ctx, "whatsapp_+15550000", "chat with dana")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if !strings.HasPrefix(sessionID, "chat_") {
		t.Errorf("session = %q, want chat_ prefix", sessionID)
	}
	if shareURL != "https://example.test/s/abc" {
		t.Errorf("share url = %q", shareURL)
	}

	row, err := store.GetThreadSession(ctx, "whatsapp_+15550000")
	if err != nil {
		t.Fatalf("binding not persisted: %v", err)
	}
	if row.SessionID != sessionID || row.ShareURL != shareURL {
		t.Errorf("row = %+v", row)
	}
}

func TestGetOrCreateReusesSession(t *testing.T) {
	store := openTestStore(t)
	fake := llmtest.NewFake()
	r := New(Config{Store: store, Client: fake})
	ctx := context.Background()

	first, _, err := r.GetOrCreateSession(ctx, "sms_+15551111", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	second, _, err := r.GetOrCreateSession(ctx, "sms_+15551111", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if first != second {
		t.Errorf("sessions differ: %q vs %q", first, second)
	}

	sessions, err := fake.ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Errorf("llm sessions = %d, want 1", len(sessions))
	}
}

func TestEmptyThreadAlwaysCreates(t *testing.T) {
	store := openTestStore(t)
	fake := llmtest.NewFake()
	r := New(Config{Store: store, Client: fake})
	ctx := context.Background()

	first, _, err := r.GetOrCreateSession(ctx, "", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	second, _, err := r.GetOrCreateSession(ctx, "", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if first == second {
		t.Errorf("unbound sessions should differ, both %q", first)
	}

	rows, err := store.ListThreadSessions(ctx)
	if err != nil {
		t.Fatalf("ListThreadSessions: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want none for unbound sessions", len(rows))
	}
}

func TestTTLExpiryCreatesFreshSession(t *testing.T) {
	store := openTestStore(t)
	fake := llmtest.NewFake()
	r := New(Config{Store: store, Client: fake, TTL: time.Hour})
	ctx := context.Background()

	first, _, err := r.GetOrCreateSession(ctx, "whatsapp_old", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	// Age the binding past the TTL on both layers.
	stale := time.Now().Add(-2 * time.Hour)
	r.mu.Lock()
	r.entries["whatsapp_old"].updatedAt = stale
	r.mu.Unlock()
	err = store.UpsertThreadSession(ctx, storage.ThreadSessionRow{
		ThreadID:  "whatsapp_old",
		SessionID: first,
		UpdatedAt: stale,
	})
	if err != nil {
		t.Fatalf("UpsertThreadSession: %v", err)
	}

	second, _, err := r.GetOrCreateSession(ctx, "whatsapp_old", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if second == first {
		t.Errorf("expired binding was reused: %q", second)
	}
}

func TestRotateDropsBinding(t *testing.T) {
	store := openTestStore(t)
	fake := llmtest.NewFake()
	r := New(Config{Store: store, Client: fake})
	ctx := context.Background()

	first, _, err := r.GetOrCreateSession(ctx, "github_acme/repo", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if err := r.Rotate(ctx, "github_acme/repo"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if _, err := store.GetThreadSession(ctx, "github_acme/repo"); !fault.IsKind(err, fault.NotFound) {
		t.Error("row survived rotation")
	}

	second, _, err := r.GetOrCreateSession(ctx, "github_acme/repo", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if second == first {
		t.Errorf("rotated thread got the old session %q", second)
	}

	if err := r.Rotate(ctx, "never_bound"); err != nil {
		t.Errorf("rotate unbound thread: %v", err)
	}
}

func TestBindingSurvivesRestart(t *testing.T) {
	store := openTestStore(t)
	fake := llmtest.NewFake()
	ctx := context.Background()

	first := New(Config{Store: store, Client: fake})
	sessionID, _, err := first.GetOrCreateSession(ctx, "sms_+15552222", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	// A new registry over the same store stands in for a restart.
	second := New(Config{Store: store, Client: fake})
	recovered, _, err := second.GetOrCreateSession(ctx, "sms_+15552222", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	if recovered != sessionID {
		t.Errorf("recovered = %q, want %q", recovered, sessionID)
	}
}

func TestCreateFailurePropagates(t *testing.T) {
	store := openTestStore(t)
	fake := llmtest.NewFake()
	fake.FailCreate(errors.New("upstream down"))
	r := New(Config{Store: store, Client: fake})

	_, _, err := r.GetOrCreateSession(context.Background(), "whatsapp_fail", "")
	if err == nil {
		t.Fatal("expected error")
	}
	if _, ok := r.Lookup("whatsapp_fail"); ok {
		t.Error("binding cached despite failure")
	}
}

func TestLookupRespectsTTL(t *testing.T) {
	store := openTestStore(t)
	fake := llmtest.NewFake()
	r := New(Config{Store: store, Client: fake, TTL: time.Hour})
	ctx := context.Background()

	sessionID, _, err := r.GetOrCreateSession(ctx, "whatsapp_peek", "")
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}
	b, ok := r.Lookup("whatsapp_peek")
	if !ok || b.SessionID != sessionID {
		t.Errorf("Lookup = %+v, %v", b, ok)
	}

	r.mu.Lock()
	r.entries["whatsapp_peek"].updatedAt = time.Now().Add(-2 * time.Hour)
	r.mu.Unlock()
	if _, ok := r.Lookup("whatsapp_peek"); ok {
		t.Error("expired entry still visible")
	}
}
