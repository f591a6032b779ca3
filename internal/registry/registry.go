// Package registry binds channel threads to live LLM sessions. A thread
// keeps its session until a caller rotates it or the TTL expires it; the
// binding lives in memory for the fast path and in the thread_sessions
// table so it survives restarts.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/llm"
	"github.com/fernlabs/fern/internal/storage"
)

const defaultTTL = time.Hour

// Config configures the registry.
type Config struct {
	Store  *storage.Store
	Client llm.Client

	// TTL evicts bindings not touched within it. Defaults to one hour.
	TTL time.Duration

	Logger *slog.Logger
}

// Binding is one thread's live session.
type Binding struct {
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id"`
	ShareURL  string `json:"share_url,omitempty"`
}

type entry struct {
	sessionID string
	shareURL  string
	updatedAt time.Time
}

// Registry maps threads to sessions.
type Registry struct {
	store  *storage.Store
	client llm.Client
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

// New builds a Registry. Bindings are loaded lazily from the table on
// first access, so a restart needs no warm-up.
func New(cfg Config) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "registry")
	}
	return &Registry{
		store:   cfg.Store,
		client:  cfg.Client,
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		entries: make(map[string]*entry),
	}
}

// GetOrCreateSession returns the live session for a thread, creating one
// through the LLM client when the thread has none. An empty threadID
// always creates a fresh unbound session. Expired bindings are purged on
// every call.
func (r *Registry) GetOrCreateSession(ctx context.Context, threadID, title string) (string, string, error) {
	if threadID == "" {
		info, err := r.client.CreateSession(ctx, llm.SessionOptions{Title: title})
		if err != nil {
			return "", "", err
		}
		return info.ID, info.ShareURL, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	r.sweepLocked(ctx, now)

	if e, ok := r.entries[threadID]; ok {
		e.updatedAt = now
		if err := r.store.TouchThreadSession(ctx, threadID, now); err != nil {
			r.logger.Warn("touch failed", "thread", threadID, "error", err)
		}
		return e.sessionID, e.shareURL, nil
	}

	// Miss in memory; the table may still have the binding from a
	// previous process.
	row, err := r.store.GetThreadSession(ctx, threadID)
	if err == nil {
		e := &entry{sessionID: row.SessionID, shareURL: row.ShareURL, updatedAt: now}
		r.entries[threadID] = e
		if err := r.store.TouchThreadSession(ctx, threadID, now); err != nil {
			r.logger.Warn("touch failed", "thread", threadID, "error", err)
		}
		r.logger.Debug("binding recovered", "thread", threadID, "session", row.SessionID)
		return e.sessionID, e.shareURL, nil
	}
	if !fault.IsKind(err, fault.NotFound) {
		return "", "", err
	}

	info, err := r.client.CreateSession(ctx, llm.SessionOptions{Title: title})
	if err != nil {
		return "", "", err
	}
	e := &entry{sessionID: info.ID, shareURL: info.ShareURL, updatedAt: now}
	r.entries[threadID] = e
	err = r.store.UpsertThreadSession(ctx, storage.ThreadSessionRow{
		ThreadID:  threadID,
		SessionID: info.ID,
		ShareURL:  info.ShareURL,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return "", "", err
	}

	r.logger.Info("session bound", "thread", threadID, "session", info.ID)
	return info.ID, info.ShareURL, nil
}

// Rotate drops the thread's binding so the next access creates a fresh
// session. Rotating an unbound thread is a no-op.
func (r *Registry) Rotate(ctx context.Context, threadID string) error {
	if threadID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, threadID)
	if err := r.store.DeleteThreadSession(ctx, threadID); err != nil {
		return err
	}
	r.logger.Info("binding rotated", "thread", threadID)
	return nil
}

// Lookup returns the binding without creating or touching anything.
func (r *Registry) Lookup(threadID string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[threadID]
	if !ok || time.Since(e.updatedAt) > r.ttl {
		return Binding{}, false
	}
	return Binding{ThreadID: threadID, SessionID: e.sessionID, ShareURL: e.shareURL}, true
}

// sweepLocked purges expired bindings from memory and the table. Caller
// holds the write lock.
func (r *Registry) sweepLocked(ctx context.Context, now time.Time) {
	cutoff := now.Add(-r.ttl)
	for threadID, e := range r.entries {
		if e.updatedAt.Before(cutoff) {
			delete(r.entries, threadID)
		}
	}
	n, err := r.store.DeleteExpiredThreadSessions(ctx, cutoff)
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Debug("bindings expired", "count", n)
	}
}
