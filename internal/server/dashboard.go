package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fernlabs/fern/internal/archive"
	"github.com/fernlabs/fern/internal/memstore"
	"github.com/fernlabs/fern/internal/search"
)

// Dashboard read APIs. Responses are JSON objects keyed on the plural
// entity name so the UI can consume them uniformly.

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Client == nil {
		s.jsonError(w, "sessions unavailable", http.StatusNotFound)
		return
	}
	sessions, err := s.cfg.Client.ListSessions(r.Context())
	if err != nil {
		s.faultError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/internal/sessions/")
	if id == "" || strings.Contains(id, "/") {
		s.jsonError(w, "session id required", http.StatusBadRequest)
		return
	}
	if s.cfg.Client == nil {
		s.jsonError(w, "sessions unavailable", http.StatusNotFound)
		return
	}
	messages, err := s.cfg.Client.ListMessages(r.Context(), id)
	if err != nil {
		s.faultError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"session":  map[string]string{"id": id},
		"messages": messages,
	})
}

// handleMemories lists memories, or searches them when ?q= is present.
func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Memories == nil {
		s.jsonError(w, "memories unavailable", http.StatusNotFound)
		return
	}

	if q := r.URL.Query().Get("q"); q != "" && s.cfg.Search != nil {
		results, err := s.cfg.Search.Search(r.Context(), q, search.Options{
			Limit: parseIntParam(r, "limit", 10),
		})
		if err != nil {
			s.faultError(w, err)
			return
		}
		hits := results[:0]
		for _, res := range results {
			if res.Source == search.SourceMemory {
				hits = append(hits, res)
			}
		}
		s.jsonResponse(w, http.StatusOK, map[string]any{"memories": hits})
		return
	}

	memType := memstore.Type(r.URL.Query().Get("type"))
	memories, err := s.cfg.Memories.List(r.Context(), memType, parseIntParam(r, "limit", 0))
	if err != nil {
		s.faultError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"memories": memories})
}

// archiveEntry is the list form of one archived chunk.
type archiveEntry struct {
	ChunkID      string    `json:"chunkId"`
	ThreadID     string    `json:"threadId"`
	Summary      string    `json:"summary"`
	TokenCount   int       `json:"tokenCount"`
	MessageCount int       `json:"messageCount"`
	TimeStart    time.Time `json:"timeStart,omitzero"`
	TimeEnd      time.Time `json:"timeEnd,omitzero"`
	CreatedAt    time.Time `json:"createdAt"`
}

func (s *Server) handleArchives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Store == nil {
		s.jsonError(w, "archives unavailable", http.StatusNotFound)
		return
	}
	rows, err := s.cfg.Store.ListSummaries(r.Context(), r.URL.Query().Get("threadId"), parseIntParam(r, "limit", 100))
	if err != nil {
		s.faultError(w, err)
		return
	}
	entries := make([]archiveEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, archiveEntry{
			ChunkID:      row.ChunkID,
			ThreadID:     row.ThreadID,
			Summary:      row.Summary,
			TokenCount:   row.TokenCount,
			MessageCount: row.MessageCount,
			TimeStart:    row.TimeStart,
			TimeEnd:      row.TimeEnd,
			CreatedAt:    row.CreatedAt,
		})
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"archives": entries})
}

// handleArchiveGet returns one full chunk: the summary row locates the
// thread, the chunk file supplies the message bodies.
func (s *Server) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	chunkID := strings.TrimPrefix(r.URL.Path, "/internal/archives/")
	if chunkID == "" || strings.Contains(chunkID, "/") {
		s.jsonError(w, "chunk id required", http.StatusBadRequest)
		return
	}
	if s.cfg.Store == nil {
		s.jsonError(w, "archives unavailable", http.StatusNotFound)
		return
	}
	row, err := s.cfg.Store.GetSummary(r.Context(), chunkID)
	if err != nil {
		s.faultError(w, err)
		return
	}
	chunk, err := archive.ReadChunk(s.cfg.ArchiveRoot, row.ThreadID, chunkID)
	if err != nil {
		s.faultError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"archive": chunk})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Scheduler == nil {
		s.jsonError(w, "jobs unavailable", http.StatusNotFound)
		return
	}
	jobs, err := s.cfg.Scheduler.List(r.Context(), r.URL.Query().Get("status"), parseIntParam(r, "limit", 100))
	if err != nil {
		s.faultError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Client == nil {
		s.jsonError(w, "tools unavailable", http.StatusNotFound)
		return
	}
	tools, err := s.cfg.Client.ListTools(r.Context())
	if err != nil {
		s.faultError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"tools": tools})
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
