// Package memstore is the typed persistent memory layer: facts,
// preferences and learnings the agent keeps across conversations. Writes
// embed their content so hybrid search can recall them; a failed embed
// degrades the row to text-only recall instead of losing it.
package memstore

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fernlabs/fern/internal/embeddings"
	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/storage"
)

// Type classifies a memory.
type Type string

const (
	TypeFact       Type = "fact"
	TypePreference Type = "preference"
	TypeLearning   Type = "learning"
)

// ValidType reports whether t is one of the known memory types.
func ValidType(t Type) bool {
	switch t {
	case TypeFact, TypePreference, TypeLearning:
		return true
	}
	return false
}

// Memory is one stored entry.
type Memory struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config configures the store.
type Config struct {
	Store    *storage.Store
	Embedder embeddings.Client
	Logger   *slog.Logger
}

// Service provides typed CRUD over memories.
type Service struct {
	store    *storage.Store
	embedder embeddings.Client
	logger   *slog.Logger
}

// New builds the service. A nil embedder disables vector indexing.
func New(cfg Config) *Service {
	if cfg.Embedder == nil {
		cfg.Embedder = embeddings.Disabled{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "memstore")
	}
	return &Service{
		store:    cfg.Store,
		embedder: cfg.Embedder,
		logger:   cfg.Logger,
	}
}

// Add stores a new memory and returns it with its generated id.
func (s *Service) Add(ctx context.Context, t Type, content string, tags []string) (*Memory, error) {
	if !ValidType(t) {
		return nil, fault.Newf(fault.Validation, "unknown memory type %q", t)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fault.New(fault.Validation, "memory content is empty")
	}

	now := time.Now().UTC()
	row := storage.MemoryRow{
		ID:        ulid.Make().String(),
		Type:      string(t),
		Content:   content,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertMemory(ctx, row, s.embed(ctx, content)); err != nil {
		return nil, err
	}

	s.logger.Info("memory added", "id", row.ID, "type", t)
	return rowToMemory(&row), nil
}

// Update replaces a memory's content and tags, re-embedding the new
// content. Type and creation time are immutable.
func (s *Service) Update(ctx context.Context, id, content string, tags []string) (*Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fault.New(fault.Validation, "memory content is empty")
	}
	existing, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	row := storage.MemoryRow{
		ID:        existing.ID,
		Type:      existing.Type,
		Content:   content,
		Tags:      tags,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.UpdateMemory(ctx, row, s.embed(ctx, content)); err != nil {
		return nil, err
	}
	return rowToMemory(&row), nil
}

// Delete removes a memory and its index rows.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteMemory(ctx, id); err != nil {
		return err
	}
	s.logger.Info("memory deleted", "id", id)
	return nil
}

// Get returns one memory by id.
func (s *Service) Get(ctx context.Context, id string) (*Memory, error) {
	row, err := s.store.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}
	return rowToMemory(row), nil
}

// List returns memories newest first, optionally filtered by type. A
// non-positive limit defaults to 100.
func (s *Service) List(ctx context.Context, t Type, limit int) ([]*Memory, error) {
	if t != "" && !ValidType(t) {
		return nil, fault.Newf(fault.Validation, "unknown memory type %q", t)
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.store.ListMemories(ctx, string(t), limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Memory, len(rows))
	for i, row := range rows {
		out[i] = rowToMemory(row)
	}
	return out, nil
}

// embed returns content's vector, or nil when embedding is unavailable.
// The row still lands in the table and the FTS shadow.
func (s *Service) embed(ctx context.Context, content string) []float32 {
	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		s.logger.Warn("embed failed, storing text-only", "error", err)
		return nil
	}
	return vec
}

func rowToMemory(row *storage.MemoryRow) *Memory {
	return &Memory{
		ID:        row.ID,
		Type:      Type(row.Type),
		Content:   row.Content,
		Tags:      row.Tags,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
