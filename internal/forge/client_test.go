package forge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/fernlabs/fern/internal/fault"
)

// newTestClient creates a Client backed by the given handler. The test
// server is closed automatically when the test finishes.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	c, err := NewClient(ClientConfig{Token: "test-token", BaseURL: ts.URL, HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func testPush() *Push {
	return &Push{
		Repo:   "acme/widgets",
		Branch: "main",
		Pusher: "alice",
		Before: "1111111111111111111111111111111111111111",
		After:  "2222222222222222222222222222222222222222",
	}
}

func comparePath(p *Push) string {
	return fmt.Sprintf("GET /api/v3/repos/acme/widgets/compare/%s...%s", p.Before, p.After)
}

func TestCompareChangesRendersFileDigest(t *testing.T) {
	push := testPush()
	mux := http.NewServeMux()
	mux.HandleFunc(comparePath(push), func(w http.ResponseWriter, _ *http.Request) {
		resp := map[string]any{
			"total_commits": 2,
			"files": []map[string]any{
				{"filename": "internal/retry/retry.go", "additions": 10, "deletions": 2, "status": "modified"},
				{"filename": "internal/retry/retry_test.go", "additions": 15, "deletions": 0, "status": "modified"},
				{"filename": "docs/CHANGELOG.md", "additions": 0, "deletions": 5, "status": "modified"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	c := newTestClient(t, mux)
	got, err := c.CompareChanges(context.Background(), push)
	if err != nil {
		t.Fatalf("CompareChanges: %v", err)
	}

	want := "Files changed (3, +25 -7):\n" +
		"- internal/retry/retry.go (+10 -2)\n" +
		"- internal/retry/retry_test.go (+15 -0)\n" +
		"- docs/CHANGELOG.md (+0 -5)"
	if got != want {
		t.Errorf("digest = %q, want %q", got, want)
	}
}

func TestCompareChangesTruncatesLongFileList(t *testing.T) {
	push := testPush()
	files := make([]map[string]any, 25)
	for i := range files {
		files[i] = map[string]any{"filename": fmt.Sprintf("pkg/file%02d.go", i), "additions": 1, "deletions": 0}
	}
	mux := http.NewServeMux()
	mux.HandleFunc(comparePath(push), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"files": files})
	})

	c := newTestClient(t, mux)
	got, err := c.CompareChanges(context.Background(), push)
	if err != nil {
		t.Fatalf("CompareChanges: %v", err)
	}
	if !strings.HasPrefix(got, "Files changed (25, +25 -0):") {
		t.Errorf("digest header = %q", got)
	}
	if !strings.Contains(got, "pkg/file19.go") {
		t.Errorf("digest missing twentieth file:\n%s", got)
	}
	if strings.Contains(got, "pkg/file20.go") {
		t.Errorf("digest lists more than twenty files:\n%s", got)
	}
	if !strings.Contains(got, "...and 5 more files") {
		t.Errorf("digest missing overflow note:\n%s", got)
	}
}

func TestCompareChangesNoFiles(t *testing.T) {
	push := testPush()
	mux := http.NewServeMux()
	mux.HandleFunc(comparePath(push), func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"files": []any{}})
	})

	c := newTestClient(t, mux)
	got, err := c.CompareChanges(context.Background(), push)
	if err != nil {
		t.Fatalf("CompareChanges: %v", err)
	}
	if got != "" {
		t.Errorf("digest = %q, want empty", got)
	}
}

func TestCompareChangesSkipsZeroSHA(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request to %s", r.URL.Path)
	}))

	push := testPush()
	push.Before = strings.Repeat("0", 40)
	_, err := c.CompareChanges(context.Background(), push)
	if err == nil {
		t.Fatal("expected error for zero SHA")
	}
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("kind = %q, want validation", fault.KindOf(err))
	}
}

func TestCompareChangesAPIError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"boom"}`, http.StatusInternalServerError)
	}))

	_, err := c.CompareChanges(context.Background(), testPush())
	if err == nil {
		t.Fatal("expected error from API failure")
	}
	if !fault.IsKind(err, fault.Transient) {
		t.Errorf("kind = %q, want transient", fault.KindOf(err))
	}
}

func TestSplitRepo(t *testing.T) {
	tests := []struct {
		in        string
		owner     string
		name      string
		wantError bool
	}{
		{in: "acme/widgets", owner: "acme", name: "widgets"},
		{in: "acme/deep/name", owner: "acme", name: "deep/name"},
		{in: "widgets", wantError: true},
		{in: "/widgets", wantError: true},
		{in: "acme/", wantError: true},
		{in: "", wantError: true},
	}
	for _, tt := range tests {
		owner, name, err := splitRepo(tt.in)
		if tt.wantError {
			if err == nil {
				t.Errorf("splitRepo(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitRepo(%q): %v", tt.in, err)
			continue
		}
		if owner != tt.owner || name != tt.name {
			t.Errorf("splitRepo(%q) = %q, %q, want %q, %q", tt.in, owner, name, tt.owner, tt.name)
		}
	}
}
