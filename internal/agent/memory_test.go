package agent

import (
	"strings"
	"testing"

	"github.com/fernlabs/fern/internal/search"
)

func TestRenderContextFormatsHits(t *testing.T) {
	results := []search.Result{
		{Source: search.SourceMemory, Type: "preference", Text: "Prefers metric units."},
		{Source: search.SourceArchive, Text: "Discussed the rocket budget; settled on 40k."},
	}

	got := renderContext(results, 2000)
	if !strings.HasPrefix(got, "## Relevant Context\n\nThe following information may be relevant:\n\n") {
		t.Errorf("missing header:\n%s", got)
	}
	if !strings.Contains(got, "### Memory (preference)\nPrefers metric units.\n") {
		t.Errorf("missing memory block:\n%s", got)
	}
	if !strings.Contains(got, "### Conversation archive\nDiscussed the rocket budget; settled on 40k.\n") {
		t.Errorf("missing archive block:\n%s", got)
	}
	if !strings.HasSuffix(got, "---\n\n") {
		t.Errorf("missing footer:\n%s", got)
	}

	// Hits render in ranking order.
	if strings.Index(got, "Prefers metric") > strings.Index(got, "rocket budget") {
		t.Errorf("hits out of order:\n%s", got)
	}
}

func TestRenderContextBudget(t *testing.T) {
	results := []search.Result{
		{Source: search.SourceMemory, Text: strings.Repeat("x", 500)},
		{Source: search.SourceMemory, Text: "short fact"},
	}

	// The oversized first hit is skipped; the short one still fits.
	got := renderContext(results, 100)
	if strings.Contains(got, "xxxx") {
		t.Errorf("oversized hit included:\n%s", got)
	}
	if !strings.Contains(got, "short fact") {
		t.Errorf("short hit lost:\n%s", got)
	}
}

func TestRenderContextEmpty(t *testing.T) {
	if got := renderContext(nil, 2000); got != "" {
		t.Errorf("renderContext(nil) = %q", got)
	}
	blank := []search.Result{{Source: search.SourceMemory, Text: "   "}}
	if got := renderContext(blank, 2000); got != "" {
		t.Errorf("renderContext(blank) = %q", got)
	}
}

func TestSourceLabel(t *testing.T) {
	tests := []struct {
		res  search.Result
		want string
	}{
		{search.Result{Source: search.SourceMemory, Type: "fact"}, "Memory (fact)"},
		{search.Result{Source: search.SourceMemory}, "Memory"},
		{search.Result{Source: search.SourceArchive}, "Conversation archive"},
	}
	for _, tt := range tests {
		if got := sourceLabel(tt.res); got != tt.want {
			t.Errorf("sourceLabel(%+v) = %q, want %q", tt.res, got, tt.want)
		}
	}
}
