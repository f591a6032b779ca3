package host

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Phase orders shutdown work. Lower phases run first: the listener stops
// accepting before services drain, services drain before external
// connections close, the database closes last.
type Phase int

const (
	// PhaseListener stops the HTTP surface from accepting new work.
	PhaseListener Phase = iota
	// PhaseServices drains background loops: scheduler, sub-agents,
	// archival, the event hub.
	PhaseServices
	// PhaseConnections closes external clients (LLM sessions).
	PhaseConnections
	// PhaseStorage closes the database and flushes telemetry.
	PhaseStorage
	phaseCount
)

func (p Phase) String() string {
	switch p {
	case PhaseListener:
		return "listener"
	case PhaseServices:
		return "services"
	case PhaseConnections:
		return "connections"
	case PhaseStorage:
		return "storage"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// StopFunc performs one component's shutdown. The context carries the
// remaining shutdown budget.
type StopFunc func(ctx context.Context) error

type stopHandler struct {
	name string
	fn   StopFunc
}

// StopResult records one handler's outcome.
type StopResult struct {
	Name    string
	Phase   Phase
	Elapsed time.Duration
	Err     error
}

// Coordinator runs registered shutdown handlers in phase order. Within a
// phase, handlers run concurrently; a phase must finish before the next
// begins. Shutdown runs at most once.
type Coordinator struct {
	logger *slog.Logger

	mu       sync.Mutex
	handlers [phaseCount][]stopHandler

	once    sync.Once
	done    chan struct{}
	results []StopResult
}

// NewCoordinator builds an empty coordinator.
func NewCoordinator(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger: logger.With("component", "host"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler to a phase.
func (c *Coordinator) Register(phase Phase, name string, fn StopFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if phase < 0 || phase >= phaseCount {
		phase = PhaseStorage
	}
	c.handlers[phase] = append(c.handlers[phase], stopHandler{name: name, fn: fn})
}

// Done is closed once shutdown has started.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Shutdown runs every registered handler. Handlers that fail or time out
// are logged and do not block later phases; the context bounds the whole
// sequence.
func (c *Coordinator) Shutdown(ctx context.Context) []StopResult {
	c.once.Do(func() {
		close(c.done)
		start := time.Now()
		c.logger.Info("shutdown started")

		for phase := Phase(0); phase < phaseCount; phase++ {
			c.mu.Lock()
			handlers := c.handlers[phase]
			c.mu.Unlock()
			if len(handlers) == 0 {
				continue
			}

			c.logger.Debug("shutdown phase", "phase", phase.String(), "handlers", len(handlers))
			c.results = append(c.results, c.runPhase(ctx, phase, handlers)...)

			if ctx.Err() != nil {
				c.logger.Warn("shutdown budget exhausted", "phase", phase.String())
				break
			}
		}
		c.logger.Info("shutdown complete", "elapsed", time.Since(start))
	})
	return c.results
}

func (c *Coordinator) runPhase(ctx context.Context, phase Phase, handlers []stopHandler) []StopResult {
	results := make([]StopResult, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h stopHandler) {
			defer wg.Done()
			results[i] = c.runHandler(ctx, phase, h)
		}(i, h)
	}
	wg.Wait()
	return results
}

func (c *Coordinator) runHandler(ctx context.Context, phase Phase, h stopHandler) StopResult {
	start := time.Now()

	errCh := make(chan error, 1)
	go func() { errCh <- h.fn(ctx) }()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}

	res := StopResult{Name: h.name, Phase: phase, Elapsed: time.Since(start), Err: err}
	if err != nil {
		c.logger.Warn("shutdown handler failed",
			"handler", h.name, "phase", phase.String(), "error", err)
	} else {
		c.logger.Debug("shutdown handler done",
			"handler", h.name, "elapsed", res.Elapsed)
	}
	return res
}
