// Package search answers "what do we know about X" across archived
// conversation chunks and persistent memories. Vector similarity and
// full-text rank are fused into one score, then blended with recency so
// stale knowledge decays instead of dominating.
package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/fernlabs/fern/internal/embeddings"
	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/observability"
	"github.com/fernlabs/fern/internal/storage"
)

const (
	defaultLimit    = 5
	defaultMinScore = 0.05

	// defaultVectorWeight/defaultTextWeight fuse the two retrieval stages
	// into one relevance value.
	defaultVectorWeight = 0.7
	defaultTextWeight   = 0.3

	// defaultRelevanceWeight/defaultRecencyWeight blend relevance with
	// age decay for the final score.
	defaultRelevanceWeight = 0.85
	defaultRecencyWeight   = 0.15

	// recencyHalfLifeDays halves an entry's recency value every 30 days.
	recencyHalfLifeDays = 30.0
)

// Source tells which index a result came from.
type Source string

const (
	SourceArchive Source = "archive"
	SourceMemory  Source = "memory"
)

// Result is one recall hit.
type Result struct {
	Source Source  `json:"source"`
	ID     string  `json:"id"`
	Text   string  `json:"text"`
	Score  float64 `json:"relevance_score"`

	// ThreadID is set for archive results.
	ThreadID string `json:"thread_id,omitempty"`

	// Type and Tags are set for memory results.
	Type string   `json:"type,omitempty"`
	Tags []string `json:"tags,omitempty"`

	// Timestamp is the time recency decay was computed from: chunk end
	// time for archives, creation time for memories. Zero when the
	// entity has no usable timestamp.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Options narrows one search.
type Options struct {
	// ThreadID restricts archive hits to one thread. Memories are global.
	ThreadID string

	// Limit caps results. Non-positive means 5.
	Limit int

	// MinScore drops weak results. Non-positive means 0.05.
	MinScore float64
}

// Config configures the engine. Zero weights fall back to the defaults;
// overriding them shifts the vector/text and relevance/recency balances.
type Config struct {
	Store    *storage.Store
	Embedder embeddings.Client
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	VectorWeight    float64
	TextWeight      float64
	RelevanceWeight float64
	RecencyWeight   float64
}

// Engine runs hybrid searches.
type Engine struct {
	store    *storage.Store
	embedder embeddings.Client
	logger   *slog.Logger
	metrics  *observability.Metrics

	vectorWeight    float64
	textWeight      float64
	relevanceWeight float64
	recencyWeight   float64
}

// New builds an Engine. A nil embedder serves text-only recall.
func New(cfg Config) *Engine {
	if cfg.Embedder == nil {
		cfg.Embedder = embeddings.Disabled{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "search")
	}
	if cfg.VectorWeight <= 0 {
		cfg.VectorWeight = defaultVectorWeight
	}
	if cfg.TextWeight <= 0 {
		cfg.TextWeight = defaultTextWeight
	}
	if cfg.RelevanceWeight <= 0 {
		cfg.RelevanceWeight = defaultRelevanceWeight
	}
	if cfg.RecencyWeight <= 0 {
		cfg.RecencyWeight = defaultRecencyWeight
	}
	return &Engine{
		store:           cfg.Store,
		embedder:        cfg.Embedder,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		vectorWeight:    cfg.VectorWeight,
		textWeight:      cfg.TextWeight,
		relevanceWeight: cfg.RelevanceWeight,
		recencyWeight:   cfg.RecencyWeight,
	}
}

// candidate accumulates per-entity stage scores before fusion. The two
// stages can both hit the same entity; each side keeps its max.
type candidate struct {
	source      Source
	id          string
	vectorScore float64
	textScore   float64
}

// Search runs the full pipeline: embed, vector stage, FTS stage, merge,
// fuse, recency blend, threshold, rank.
func (e *Engine) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fault.New(fault.Validation, "search query is empty")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = defaultMinScore
	}

	start := time.Now()
	mode := "text_only"
	defer func() {
		if e.metrics != nil {
			e.metrics.SearchDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
		}
	}()

	cands := make(map[string]*candidate)
	upsert := func(source Source, id string) *candidate {
		key := string(source) + "/" + id
		c, ok := cands[key]
		if !ok {
			c = &candidate{source: source, id: id}
			cands[key] = c
		}
		return c
	}

	// Vector stage. A failed embed is not an error: recall degrades to
	// text scoring.
	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.logger.Debug("vector stage skipped", "error", err)
		queryVec = nil
	}
	if len(queryVec) > 0 && e.store.VectorReady() {
		mode = "hybrid"

		summaryHits, err := e.store.SummariesByVector(ctx, queryVec, opts.ThreadID, limit)
		if err != nil {
			return nil, err
		}
		for _, hit := range summaryHits {
			c := upsert(SourceArchive, hit.ID)
			c.vectorScore = math.Max(c.vectorScore, clamp01(1-hit.Distance))
		}

		memoryHits, err := e.store.MemoriesByVector(ctx, queryVec, limit)
		if err != nil {
			return nil, err
		}
		for _, hit := range memoryHits {
			c := upsert(SourceMemory, hit.ID)
			c.vectorScore = math.Max(c.vectorScore, clamp01(1-hit.Distance))
		}
	}

	// FTS stage. Rank position maps to 1/(1+position), so the best match
	// scores 1 and the tail decays toward 0.
	if match := MatchQuery(query); match != "" && e.store.FTSReady() {
		summaryIDs, err := e.store.SummariesByText(ctx, match, opts.ThreadID, limit)
		if err != nil {
			return nil, err
		}
		for i, id := range summaryIDs {
			c := upsert(SourceArchive, id)
			c.textScore = math.Max(c.textScore, 1/float64(1+i))
		}

		memoryIDs, err := e.store.MemoriesByText(ctx, match, limit)
		if err != nil {
			return nil, err
		}
		for i, id := range memoryIDs {
			c := upsert(SourceMemory, id)
			c.textScore = math.Max(c.textScore, 1/float64(1+i))
		}
	}

	if len(cands) == 0 {
		return nil, nil
	}

	results, err := e.score(ctx, cands, minScore)
	if err != nil {
		return nil, err
	}
	if len(results) > limit {
		results = results[:limit]
	}
	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = r.Result
	}
	return out, nil
}

type scored struct {
	Result
	recency float64
}

// score loads the candidate entities, fuses stage scores with recency and
// returns survivors ranked best-first.
func (e *Engine) score(ctx context.Context, cands map[string]*candidate, minScore float64) ([]scored, error) {
	var chunkIDs, memoryIDs []string
	for _, c := range cands {
		switch c.source {
		case SourceArchive:
			chunkIDs = append(chunkIDs, c.id)
		case SourceMemory:
			memoryIDs = append(memoryIDs, c.id)
		}
	}
	summaries, err := e.store.GetSummariesByIDs(ctx, chunkIDs)
	if err != nil {
		return nil, err
	}
	memories, err := e.store.GetMemoriesByIDs(ctx, memoryIDs)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var results []scored
	for _, c := range cands {
		r := scored{Result: Result{Source: c.source, ID: c.id}}
		switch c.source {
		case SourceArchive:
			row, ok := summaries[c.id]
			if !ok {
				continue
			}
			r.Text = row.Summary
			r.ThreadID = row.ThreadID
			r.Timestamp = row.TimeEnd
		case SourceMemory:
			row, ok := memories[c.id]
			if !ok {
				continue
			}
			r.Text = row.Content
			r.Type = row.Type
			r.Tags = row.Tags
			r.Timestamp = row.CreatedAt
		}

		relevance := e.vectorWeight*c.vectorScore + e.textWeight*c.textScore
		r.recency = recencyValue(now, r.Timestamp)
		r.Score = e.relevanceWeight*relevance + e.recencyWeight*r.recency
		if r.Score < minScore {
			continue
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].recency != results[j].recency {
			return results[i].recency > results[j].recency
		}
		return results[i].ID < results[j].ID
	})
	return results, nil
}

// recencyValue decays from 1 toward 0 with a 30-day half-life. A missing
// timestamp sits at the neutral midpoint.
func recencyValue(now, ts time.Time) float64 {
	if ts.IsZero() {
		return 0.5
	}
	ageDays := now.Sub(ts).Hours() / 24
	if ageDays <= 0 {
		return 1
	}
	return math.Pow(0.5, ageDays/recencyHalfLifeDays)
}

// MatchQuery reduces free text to an FTS5 query: alphanumeric runs, each
// quoted, joined by AND. Returns "" when the text has no indexable runs.
func MatchQuery(text string) string {
	var terms []string
	var run strings.Builder
	flush := func() {
		if run.Len() > 0 {
			terms = append(terms, `"`+run.String()+`"`)
			run.Reset()
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			run.WriteRune(r)
			continue
		}
		flush()
	}
	flush()
	return strings.Join(terms, " AND ")
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
