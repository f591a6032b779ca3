// Package server is Fern's HTTP surface: webhook ingestion, the dev chat
// endpoint, health and metrics, and the read-only dashboard APIs under
// /internal/. Webhook handlers acknowledge fast and run turns in the
// background; upstream gateways time out in seconds while turns can take
// minutes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernlabs/fern/internal/agent"
	"github.com/fernlabs/fern/internal/channel"
	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/forge"
	"github.com/fernlabs/fern/internal/llm"
	"github.com/fernlabs/fern/internal/memstore"
	"github.com/fernlabs/fern/internal/observability"
	"github.com/fernlabs/fern/internal/scheduler"
	"github.com/fernlabs/fern/internal/search"
	"github.com/fernlabs/fern/internal/storage"
)

// Config wires the HTTP server.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string

	Runner *agent.Runner
	Client llm.Client

	// Memories, Search, Scheduler, Store and ArchiveRoot back the
	// dashboard read APIs. Any may be nil; the matching endpoints then
	// report not found.
	Memories    *memstore.Service
	Search      *search.Engine
	Scheduler   *scheduler.Scheduler
	Store       *storage.Store
	ArchiveRoot string

	// Verifier checks inbound channel webhook signatures. Nil accepts
	// everything (no public URL configured).
	Verifier *channel.Verifier

	// Sender posts replies and status updates back over the channel.
	// Nil drops outbound messages (dev mode).
	Sender *channel.Sender

	// OwnNumber is this host's channel identity; inbound messages from
	// it are loop-filtered.
	OwnNumber string

	// IgnoreSenders drops inbound channel messages from these senders.
	IgnoreSenders []string

	// Receiver validates and decodes GitHub deliveries.
	Receiver *forge.Receiver

	// Forge enriches accepted pushes with a commit-context digest. Nil
	// skips enrichment.
	Forge *forge.Client

	// Hub streams agent events to dashboard websocket clients. Nil
	// disables /internal/events.
	Hub *Hub

	// StatusInterval paces outbound progress updates. Zero takes the
	// throttle default.
	StatusInterval time.Duration

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Server owns the listener and the handler tree.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	httpServer *http.Server
	listener   net.Listener

	// background tracks in-flight webhook turns so Stop can drain them.
	background backgroundGroup
}

// New builds a Server.
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fault.New(fault.Validation, "server: listen address is required")
	}
	if cfg.Runner == nil {
		return nil, fault.New(fault.Validation, "server: runner is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "server"),
		metrics: cfg.Metrics,
	}
	return s, nil
}

// Handler returns the full route tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/webhooks/whatsapp", s.handleChannelWebhook)
	mux.HandleFunc("/webhooks/github", s.handleGitHubWebhook)

	mux.HandleFunc("/internal/sessions", s.handleSessions)
	mux.HandleFunc("/internal/sessions/", s.handleSessionGet)
	mux.HandleFunc("/internal/memories", s.handleMemories)
	mux.HandleFunc("/internal/archives", s.handleArchives)
	mux.HandleFunc("/internal/archives/", s.handleArchiveGet)
	mux.HandleFunc("/internal/jobs", s.handleJobs)
	mux.HandleFunc("/internal/tools", s.handleTools)
	if s.cfg.Hub != nil {
		mux.Handle("/internal/events", s.cfg.Hub)
	}

	mux.Handle("/metrics", promhttp.Handler())

	return s.instrument(mux)
}

// Start begins serving. It returns once the listener is bound; serve
// errors after that are logged.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("http server started", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the listener, then waits for background webhook turns to
// finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("http server shutdown error", "error", err)
		}
		s.httpServer = nil
	}
	return s.background.Wait(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// handleChat runs one synchronous turn for the CLI and dev tooling.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}
	if s.metrics != nil {
		s.metrics.MessageReceived("chat")
	}

	res, err := s.cfg.Runner.Run(r.Context(), agent.TurnRequest{
		SessionID: req.SessionID,
		Prompt:    req.Message,
		Channel:   "chat",
		Title:     "Chat session",
	})
	if err != nil {
		s.faultError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// instrument wraps the handler tree with request ids, access logging and
// the HTTP metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := observability.WithRequestID(r.Context(), uuid.NewString())
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		if s.metrics != nil {
			s.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), elapsed.Seconds())
		}
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"elapsed", elapsed,
			"request_id", observability.RequestID(ctx),
		)
	})
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, message string, status int) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// faultError maps an error's fault kind to its HTTP status.
func (s *Server) faultError(w http.ResponseWriter, err error) {
	s.jsonError(w, err.Error(), fault.HTTPStatus(err))
}
