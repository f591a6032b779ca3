// Package archive moves settled transcript prefixes out of live context.
// After each agent turn an observer is notified; once a thread's
// unarchived suffix crosses a token threshold, the oldest messages are
// sliced into a summarised chunk file plus an indexed summary row. A
// watermark file per thread records the archived prefix so restarts
// resume where they left off and never archive the same message twice.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fernlabs/fern/internal/embeddings"
	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/observability"
	"github.com/fernlabs/fern/internal/storage"
	"github.com/fernlabs/fern/internal/tokens"
	"github.com/fernlabs/fern/pkg/models"
)

const (
	// DefaultThreshold is the unarchived-token count that triggers a pass.
	DefaultThreshold = 25000

	// DefaultMin defers archival of a trailing chunk smaller than this
	// while more messages are still arriving behind it.
	DefaultMin = 15000

	// DefaultMax caps the tokens packed into one chunk.
	DefaultMax = 40000
)

// Archival pass outcomes, used as the metric label.
const (
	outcomeArchived = "archived"
	outcomeSkipped  = "skipped"
	outcomeDeferred = "deferred"
	outcomeError    = "error"
)

// MessageLister supplies the live transcript for a session. LLM clients
// satisfy it.
type MessageLister interface {
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
}

// Config wires an Observer.
type Config struct {
	// Dir is the chunk root, usually <data dir>/chunks.
	Dir string

	Client     MessageLister
	Store      *storage.Store
	Embedder   embeddings.Client
	Summarizer Summarizer

	// Threshold, Min and Max are token budgets. Zero values take the
	// package defaults.
	Threshold int
	Min       int
	Max       int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Observer runs archival passes. Each thread gets its own single-slot
// trigger queue and worker, so passes for one thread never overlap and
// bursts of triggers coalesce into a single pass.
type Observer struct {
	dir        string
	client     MessageLister
	store      *storage.Store
	embedder   embeddings.Client
	summarizer Summarizer
	threshold  int
	min        int
	max        int
	logger     *slog.Logger
	metrics    *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	queues map[string]chan trigger
	closed bool
}

type trigger struct {
	threadID  string
	sessionID string
}

// New builds an Observer. Workers start lazily on the first Notify for
// each thread.
func New(cfg Config) (*Observer, error) {
	if cfg.Dir == "" {
		return nil, fault.New(fault.Validation, "archive chunk directory is required")
	}
	if cfg.Client == nil || cfg.Store == nil {
		return nil, fault.New(fault.Validation, "archive requires a message source and a store")
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Min <= 0 {
		cfg.Min = DefaultMin
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Embedder == nil {
		cfg.Embedder = embeddings.Disabled{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "archive")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Observer{
		dir:        cfg.Dir,
		client:     cfg.Client,
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		summarizer: cfg.Summarizer,
		threshold:  cfg.Threshold,
		min:        cfg.Min,
		max:        cfg.Max,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string]chan trigger),
	}, nil
}

// Root returns the chunk root directory.
func (o *Observer) Root() string {
	return o.dir
}

// Notify reports that a turn completed on the thread. It never blocks:
// when a pass is already queued for the thread the trigger is absorbed
// into it, and after Close triggers are dropped.
func (o *Observer) Notify(threadID, sessionID string) {
	if threadID == "" || sessionID == "" {
		return
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	ch, ok := o.queues[threadID]
	if !ok {
		ch = make(chan trigger, 1)
		o.queues[threadID] = ch
		o.wg.Add(1)
		go o.worker(ch)
	}
	o.mu.Unlock()

	select {
	case ch <- trigger{threadID: threadID, sessionID: sessionID}:
	default:
	}
}

// Close stops the workers and waits for any in-flight pass to unwind.
func (o *Observer) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	return nil
}

func (o *Observer) worker(ch <-chan trigger) {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case t := <-ch:
			o.run(t)
		}
	}
}

func (o *Observer) run(t trigger) {
	started := time.Now()
	outcome, err := o.archiveOnce(o.ctx, t.threadID, t.sessionID)
	if o.metrics != nil {
		o.metrics.ArchiveRuns.WithLabelValues(outcome).Inc()
	}
	if err != nil {
		o.logger.Error("archival pass failed", "thread", t.threadID, "error", err)
		return
	}
	if outcome == outcomeArchived {
		o.logger.Info("archived chunk", "thread", t.threadID, "elapsed", time.Since(started))
	}
}

// archiveOnce runs a single archival pass for one thread.
//
// The watermark only advances after both the chunk file and the summary
// row are durable. A failure anywhere leaves the cursor untouched, so the
// next trigger retries the same span.
func (o *Observer) archiveOnce(ctx context.Context, threadID, sessionID string) (string, error) {
	msgs, err := o.client.ListMessages(ctx, sessionID)
	if err != nil {
		return outcomeError, fmt.Errorf("list messages: %w", err)
	}

	wm, err := LoadWatermark(o.dir, threadID)
	if err != nil {
		o.logger.Warn("unreadable watermark, restarting archival from index zero",
			"thread", threadID, "error", err)
		wm = nil
	}

	start := 0
	var totalTokens, totalChunks int
	if wm != nil {
		if wm.SessionID == sessionID {
			start = wm.LastArchivedIndex + 1
		} else {
			o.logger.Info("session rollover, archival restarts at index zero",
				"thread", threadID, "old_session", wm.SessionID, "new_session", sessionID)
		}
		totalTokens = wm.TotalArchivedTokens
		totalChunks = wm.TotalChunks
	}

	if start >= len(msgs) {
		return outcomeSkipped, nil
	}
	suffix := msgs[start:]
	if tokens.EstimateMessages(suffix) < o.threshold {
		return outcomeSkipped, nil
	}

	chunkMsgs, chunkTokens := buildChunk(suffix, o.max)
	if len(chunkMsgs) == 0 {
		return outcomeSkipped, nil
	}
	// An undersized chunk with messages still queued behind it will grow
	// on a later pass. Only the true tail of a thread may fall below Min.
	if chunkTokens < o.min && len(chunkMsgs) < len(suffix) {
		return outcomeDeferred, nil
	}

	summary := o.summarize(ctx, chunkMsgs)

	now := time.Now().UTC()
	first, last := chunkMsgs[0], chunkMsgs[len(chunkMsgs)-1]
	chunk := &Chunk{
		ID:           "chunk_" + ulid.Make().String(),
		ThreadID:     threadID,
		SessionID:    sessionID,
		Summary:      summary,
		Messages:     chunkMsgs,
		TokenCount:   chunkTokens,
		MessageCount: len(chunkMsgs),
		MessageRange: MessageRange{
			FirstID: first.ID,
			LastID:  last.ID,
			FirstTS: first.Time,
			LastTS:  last.Time,
		},
		CreatedAt: now,
	}
	if err := writeChunk(o.dir, chunk); err != nil {
		return outcomeError, err
	}

	row := storage.SummaryRow{
		ChunkID:      chunk.ID,
		ThreadID:     threadID,
		Summary:      summary,
		TokenCount:   chunkTokens,
		MessageCount: len(chunkMsgs),
		TimeStart:    first.Time,
		TimeEnd:      last.Time,
		CreatedAt:    now,
	}
	if err := o.store.InsertSummary(ctx, row, o.embed(ctx, summary)); err != nil {
		return outcomeError, fmt.Errorf("index summary: %w", err)
	}

	next := &Watermark{
		LastArchivedIndex:     start + len(chunkMsgs) - 1,
		LastArchivedMessageID: last.ID,
		TotalArchivedTokens:   totalTokens + chunkTokens,
		TotalChunks:           totalChunks + 1,
		LastArchivedAt:        now,
		SessionID:             sessionID,
	}
	if err := SaveWatermark(o.dir, threadID, next); err != nil {
		return outcomeError, fmt.Errorf("advance watermark: %w", err)
	}

	if o.metrics != nil {
		o.metrics.ChunksWritten.Inc()
	}
	return outcomeArchived, nil
}

func (o *Observer) summarize(ctx context.Context, msgs []*models.Message) string {
	if o.summarizer == nil {
		return SummaryUnavailable
	}
	summary, err := o.summarizer.Summarize(ctx, msgs)
	if err != nil {
		o.logger.Warn("summarisation failed, archiving with placeholder", "error", err)
		return SummaryUnavailable
	}
	return summary
}

func (o *Observer) embed(ctx context.Context, text string) []float32 {
	vec, err := o.embedder.Embed(ctx, text)
	if err != nil {
		o.logger.Warn("summary embedding failed, indexing text-only", "error", err)
		return nil
	}
	return vec
}
