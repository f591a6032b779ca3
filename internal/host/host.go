// Package host composes the Fern process: it builds every component from
// configuration, wires them together, and owns the phased shutdown
// sequence. cmd/fern is a thin CLI shell around this package.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/fernlabs/fern/internal/agent"
	"github.com/fernlabs/fern/internal/archive"
	"github.com/fernlabs/fern/internal/channel"
	"github.com/fernlabs/fern/internal/config"
	"github.com/fernlabs/fern/internal/embeddings"
	"github.com/fernlabs/fern/internal/forge"
	"github.com/fernlabs/fern/internal/llm"
	"github.com/fernlabs/fern/internal/memstore"
	"github.com/fernlabs/fern/internal/observability"
	"github.com/fernlabs/fern/internal/registry"
	"github.com/fernlabs/fern/internal/scheduler"
	"github.com/fernlabs/fern/internal/search"
	"github.com/fernlabs/fern/internal/server"
	"github.com/fernlabs/fern/internal/storage"
	"github.com/fernlabs/fern/internal/subagent"
	"github.com/fernlabs/fern/internal/watchdog"
)

// Options overrides pieces of the composition, mainly for tests: a
// scripted LLM client, a fake embedder, an isolated metrics registry.
type Options struct {
	Client   llm.Client
	Embedder embeddings.Client
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Host is the assembled process.
type Host struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store    *storage.Store
	embedder embeddings.Client
	client   llm.Client
	registry *registry.Registry
	observer *archive.Observer
	engine   *search.Engine
	memories *memstore.Service
	sched    *scheduler.Scheduler
	executor *subagent.Executor
	wd       *watchdog.Watchdog
	runner   *agent.Runner
	hub      *server.Hub
	srv      *server.Server

	coordinator *Coordinator
	traceFlush  func(context.Context) error

	// bgCancel stops the poll and sweep loops so their Stop calls can
	// drain.
	bgCancel context.CancelFunc

	// fatal receives the watchdog trip reason. The serve loop treats a
	// receive as a shutdown request.
	fatal chan string
}

// New builds the whole component graph. Nothing is running yet; Start
// brings the loops and the listener up.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Host, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	h := &Host{
		cfg:         cfg,
		logger:      logger.With("component", "host"),
		metrics:     metrics,
		coordinator: NewCoordinator(logger),
		fatal:       make(chan string, 1),
	}

	_, traceFlush := observability.NewTracer(observability.TraceConfig{
		ServiceName:  "fern",
		Endpoint:     cfg.Telemetry.Endpoint,
		SamplingRate: cfg.Telemetry.SampleRate,
		Insecure:     cfg.Telemetry.Insecure,
	})
	h.traceFlush = traceFlush

	store, err := storage.Open(ctx, storage.Config{
		Path:   cfg.DatabasePath(),
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	h.store = store

	h.embedder = opts.Embedder
	if h.embedder == nil && cfg.Model.OpenAIAPIKey != "" {
		emb, err := embeddings.NewOpenAI(embeddings.Config{
			APIKey: cfg.Model.OpenAIAPIKey,
			Model:  cfg.Archival.EmbeddingModel,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build embeddings client: %w", err)
		}
		h.embedder = emb
	}

	// One-time import of the pre-database summary log.
	if err := store.MigrateLegacySummaries(ctx, h.embedder); err != nil {
		logger.Warn("legacy summary migration failed", "error", err)
	}

	h.client = opts.Client
	if h.client == nil {
		cl, err := llm.NewAnthropic(llm.AnthropicConfig{
			APIKey: cfg.Model.AnthropicAPIKey,
			Model:  cfg.Model.Name,
			Logger: logger,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build llm client: %w", err)
		}
		h.client = cl
	}

	h.wd, err = watchdog.New(watchdog.Config{
		StatePath:            cfg.WatchdogStatePath(),
		MaxLLMFailures:       cfg.Watchdog.MaxLLMFailures,
		MaxSchedulerFailures: cfg.Watchdog.MaxSchedulerFailures,
		OnShutdown: func(reason string) {
			select {
			case h.fatal <- reason:
			default:
			}
		},
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build watchdog: %w", err)
	}

	h.registry = registry.New(registry.Config{
		Store:  store,
		Client: h.client,
		TTL:    cfg.Agent.SessionTTL,
		Logger: logger,
	})

	var summarizer archive.Summarizer
	if cfg.Model.OpenAIAPIKey != "" {
		summarizer, err = archive.NewOpenAISummarizer(archive.SummarizerConfig{
			APIKey:    cfg.Model.OpenAIAPIKey,
			Model:     cfg.Archival.SummarisationModel,
			MaxTokens: cfg.Archival.MaxSummaryTokens,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build summarizer: %w", err)
		}
	}

	h.observer, err = archive.New(archive.Config{
		Dir:        cfg.ChunksPath(),
		Client:     h.client,
		Store:      store,
		Embedder:   h.embedder,
		Summarizer: summarizer,
		Threshold:  cfg.Archival.ChunkThreshold,
		Min:        cfg.Archival.ChunkMin,
		Max:        cfg.Archival.ChunkMax,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build archive observer: %w", err)
	}

	h.engine = search.New(search.Config{
		Store:    store,
		Embedder: h.embedder,
		Metrics:  metrics,
		Logger:   logger,
	})

	h.memories = memstore.New(memstore.Config{
		Store:    store,
		Embedder: h.embedder,
		Logger:   logger,
	})

	h.hub = server.NewHub(logger)

	h.runner, err = agent.New(agent.Config{
		Registry:    h.registry,
		Client:      h.client,
		Search:      h.engine,
		Archive:     h.observer,
		Watchdog:    h.wd,
		Events:      h.hub,
		Metrics:     metrics,
		Logger:      logger,
		TurnTimeout: cfg.Agent.TurnTimeout,
		Memory: agent.MemoryOptions{
			Enabled:      cfg.AutoMemory.Enabled,
			TopK:         cfg.AutoMemory.TopK,
			MinRelevance: cfg.AutoMemory.MinRelevance,
			MaxChars:     cfg.AutoMemory.MaxChars,
			ThreadScoped: cfg.AutoMemory.ThreadScoped,
		},
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build agent runner: %w", err)
	}

	if cfg.Scheduler.Enabled {
		h.sched, err = scheduler.New(scheduler.Config{
			Store:         store,
			Runner:        scheduler.RunnerFunc(h.runScheduledJob),
			PollInterval:  cfg.Scheduler.PollInterval,
			MaxConcurrent: cfg.Scheduler.MaxConcurrent,
			Watchdog:      h.wd,
			Metrics:       metrics,
			Logger:        logger,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build scheduler: %w", err)
		}
	}

	if cfg.Subagent.Enabled {
		h.executor, err = subagent.New(subagent.Config{
			Store:         store,
			Runner:        subagent.RunnerFunc(h.runSubagentTask),
			MaxConcurrent: cfg.Subagent.MaxConcurrent,
			Metrics:       metrics,
			Logger:        logger,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build subagent executor: %w", err)
		}
	}

	var sender *channel.Sender
	if cfg.Channel.AccountSID != "" && cfg.Channel.AuthToken != "" && cfg.Channel.FromNumber != "" {
		sender, err = channel.NewSender(channel.SenderConfig{
			AccountSID: cfg.Channel.AccountSID,
			AuthToken:  cfg.Channel.AuthToken,
			From:       cfg.Channel.FromNumber,
			Logger:     logger,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build channel sender: %w", err)
		}
	}

	var forgeClient *forge.Client
	if cfg.GitHub.Token != "" {
		forgeClient, err = forge.NewClient(forge.ClientConfig{
			Token:  cfg.GitHub.Token,
			Logger: logger,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build github client: %w", err)
		}
	}

	h.srv, err = server.New(server.Config{
		Addr:        net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Runner:      h.runner,
		Client:      h.client,
		Memories:    h.memories,
		Search:      h.engine,
		Scheduler:   h.sched,
		Store:       store,
		ArchiveRoot: cfg.ChunksPath(),
		Verifier:    channel.NewVerifier(cfg.Channel.AuthToken, cfg.Server.WebhookBaseURL),
		Sender:      sender,
		OwnNumber:   cfg.Channel.FromNumber,
		Receiver:    forge.NewReceiver(cfg.GitHub.WebhookSecret, logger),
		Forge:       forgeClient,
		Hub:         h.hub,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build http server: %w", err)
	}

	h.registerShutdown()
	return h, nil
}

// runScheduledJob executes one scheduled job through the reasoning loop.
// Each job gets its own thread so recall and archival stay job-scoped.
func (h *Host) runScheduledJob(ctx context.Context, job *scheduler.Job) (string, error) {
	res, err := h.runner.Run(ctx, agent.TurnRequest{
		ThreadID: "scheduler_" + job.ID,
		Prompt:   job.Prompt,
		Channel:  "scheduler",
		Title:    "Scheduled job " + job.ID,
	})
	if err != nil {
		return "", err
	}
	return res.Response, nil
}

// runSubagentTask executes one delegated task in its dedicated session.
func (h *Host) runSubagentTask(ctx context.Context, sessionID, prompt string) (string, error) {
	res, err := h.runner.Run(ctx, agent.TurnRequest{
		SessionID: sessionID,
		Prompt:    prompt,
		Channel:   "subagent",
	})
	if err != nil {
		return "", err
	}
	return res.Response, nil
}

func (h *Host) registerShutdown() {
	h.coordinator.Register(PhaseListener, "http", func(ctx context.Context) error {
		return h.srv.Stop(ctx)
	})

	if h.sched != nil {
		h.coordinator.Register(PhaseServices, "scheduler", func(ctx context.Context) error {
			return h.sched.Stop(ctx)
		})
	}
	if h.executor != nil {
		h.coordinator.Register(PhaseServices, "subagent", func(ctx context.Context) error {
			return h.executor.Shutdown(ctx)
		})
	}
	h.coordinator.Register(PhaseServices, "archive", func(context.Context) error {
		return h.observer.Close()
	})
	h.coordinator.Register(PhaseServices, "events", func(context.Context) error {
		h.hub.Close()
		return nil
	})

	h.coordinator.Register(PhaseConnections, "llm", func(context.Context) error {
		return h.client.Close()
	})

	h.coordinator.Register(PhaseStorage, "storage", func(context.Context) error {
		return h.store.Close()
	})
	h.coordinator.Register(PhaseStorage, "telemetry", func(ctx context.Context) error {
		if h.traceFlush == nil {
			return nil
		}
		return h.traceFlush(ctx)
	})
}

// Start brings up the background loops and the HTTP listener.
func (h *Host) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	h.bgCancel = cancel

	if h.sched != nil {
		if err := h.sched.Start(bgCtx); err != nil {
			cancel()
			return fmt.Errorf("start scheduler: %w", err)
		}
	}
	if h.executor != nil {
		if err := h.executor.Start(bgCtx); err != nil {
			cancel()
			return fmt.Errorf("start subagent executor: %w", err)
		}
	}
	if err := h.srv.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("start http server: %w", err)
	}

	h.logger.Info("fern started",
		"addr", h.srv.Addr(),
		"scheduler", h.sched != nil,
		"subagents", h.executor != nil,
	)
	return nil
}

// Addr returns the bound HTTP address once started.
func (h *Host) Addr() string { return h.srv.Addr() }

// Runner exposes the turn runner for in-process callers.
func (h *Host) Runner() *agent.Runner { return h.runner }

// Subagents returns the executor, or nil when disabled.
func (h *Host) Subagents() *subagent.Executor { return h.executor }

// Scheduler returns the job scheduler, or nil when disabled.
func (h *Host) Scheduler() *scheduler.Scheduler { return h.sched }

// Fatal delivers the watchdog trip reason. The serve loop shuts the
// process down when it receives.
func (h *Host) Fatal() <-chan string { return h.fatal }

// Shutdown drains and closes everything in phase order. Safe to call more
// than once; later calls return the recorded results.
func (h *Host) Shutdown(ctx context.Context) []StopResult {
	if h.bgCancel != nil {
		h.bgCancel()
	}
	return h.coordinator.Shutdown(ctx)
}

// DefaultShutdownTimeout bounds the whole shutdown sequence.
const DefaultShutdownTimeout = 30 * time.Second
