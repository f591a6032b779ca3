package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/fernlabs/fern/internal/search"
)

const (
	contextHeader = "## Relevant Context\n\nThe following information may be relevant:\n\n"
	contextFooter = "---\n\n"
)

// recallContext runs auto-memory retrieval and renders the block
// prepended to the prompt. Recall never blocks a turn: failures and empty
// results both degrade to no context.
func (r *Runner) recallContext(ctx context.Context, req TurnRequest) string {
	if !r.memory.Enabled || r.search == nil {
		return ""
	}
	opts := search.Options{
		Limit:    r.memory.TopK,
		MinScore: r.memory.MinRelevance,
	}
	if r.memory.ThreadScoped {
		opts.ThreadID = req.ThreadID
	}

	results, err := r.search.Search(ctx, req.Prompt, opts)
	if err != nil {
		r.logger.Warn("memory recall failed", "thread", req.ThreadID, "error", err)
		return ""
	}
	block := renderContext(results, r.memory.MaxChars)
	if block != "" {
		r.logger.Debug("context recalled", "thread", req.ThreadID, "hits", len(results))
	}
	return block
}

// renderContext formats recall hits into a context block. maxChars bounds
// the hit text, not the scaffolding; an oversized hit is skipped so a
// shorter one further down the ranking can still fit.
func renderContext(results []search.Result, maxChars int) string {
	if len(results) == 0 {
		return ""
	}
	if maxChars <= 0 {
		maxChars = 2000
	}

	var b strings.Builder
	used, written := 0, 0
	for _, res := range results {
		text := strings.TrimSpace(res.Text)
		if text == "" {
			continue
		}
		if used+len(text) > maxChars {
			continue
		}
		used += len(text)
		written++
		fmt.Fprintf(&b, "### %s\n%s\n\n", sourceLabel(res), text)
	}
	if written == 0 {
		return ""
	}
	return contextHeader + b.String() + contextFooter
}

func sourceLabel(res search.Result) string {
	if res.Source == search.SourceMemory {
		if res.Type != "" {
			return "Memory (" + res.Type + ")"
		}
		return "Memory"
	}
	return "Conversation archive"
}
