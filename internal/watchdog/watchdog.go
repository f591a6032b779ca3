// Package watchdog trips a clean shutdown when component failures repeat.
// The LLM-failure counter is persisted to disk, so a crash loop that
// restarts the process between failures is still detected. The scheduler
// counter is in-memory only; scheduler trouble does not outlive a restart.
package watchdog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fernlabs/fern/internal/fault"
	"github.com/fernlabs/fern/internal/observability"
)

const (
	// DefaultMaxLLMFailures trips shutdown after this many consecutive
	// LLM failures without a successful turn in between.
	DefaultMaxLLMFailures = 5

	// DefaultMaxSchedulerFailures trips shutdown after this many
	// consecutive scheduler poll failures.
	DefaultMaxSchedulerFailures = 10
)

// state is the persisted counter file layout.
type state struct {
	LLMFailures int `json:"llmFailures"`
}

// Config configures a Watchdog.
type Config struct {
	// StatePath is the persisted counter file. Required.
	StatePath string

	MaxLLMFailures       int
	MaxSchedulerFailures int

	// OnShutdown is invoked once when a threshold trips. The callback owns
	// the shutdown sequence: stop background loops, close the store, exit.
	OnShutdown func(reason string)

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Watchdog counts consecutive failures and requests a clean shutdown when
// a threshold is reached.
type Watchdog struct {
	statePath    string
	maxLLM       int
	maxScheduler int
	onShutdown   func(reason string)
	metrics      *observability.Metrics
	logger       *slog.Logger

	mu                sync.Mutex
	llmFailures       int
	schedulerFailures int
	tripped           bool
}

// New creates a watchdog and loads the persisted LLM-failure count.
func New(cfg Config) (*Watchdog, error) {
	if cfg.StatePath == "" {
		return nil, fault.New(fault.Validation, "watchdog: state path is required")
	}
	if cfg.MaxLLMFailures <= 0 {
		cfg.MaxLLMFailures = DefaultMaxLLMFailures
	}
	if cfg.MaxSchedulerFailures <= 0 {
		cfg.MaxSchedulerFailures = DefaultMaxSchedulerFailures
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "watchdog: create state directory")
	}

	w := &Watchdog{
		statePath:    cfg.StatePath,
		maxLLM:       cfg.MaxLLMFailures,
		maxScheduler: cfg.MaxSchedulerFailures,
		onShutdown:   cfg.OnShutdown,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With("component", "watchdog"),
	}
	w.llmFailures = loadCount(cfg.StatePath, w.logger)
	if w.llmFailures > 0 {
		w.logger.Info("loaded persisted failure count", "llm_failures", w.llmFailures)
	}
	w.gauge()
	return w, nil
}

// loadCount reads the persisted counter. A missing file means zero; a
// corrupt one is removed so the next bump rewrites it cleanly.
func loadCount(path string, logger *slog.Logger) int {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("watchdog state unreadable, starting at zero", "error", err)
		}
		return 0
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		logger.Warn("watchdog state corrupt, starting at zero", "error", err)
		_ = os.Remove(path)
		return 0
	}
	if st.LLMFailures < 0 {
		return 0
	}
	return st.LLMFailures
}

// RecordLLMFailure bumps the persisted LLM-failure counter and reports
// whether the threshold has been reached. The shutdown callback fires once
// per process, on the first bump at or past the threshold.
func (w *Watchdog) RecordLLMFailure() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.llmFailures++
	w.persistLocked()
	w.gauge()
	if w.llmFailures < w.maxLLM {
		return false
	}
	w.tripLocked(fmt.Sprintf("llm failures reached %d (threshold %d)", w.llmFailures, w.maxLLM))
	return true
}

// RecordSchedulerFailure bumps the in-memory scheduler-failure counter and
// reports whether the threshold has been reached.
func (w *Watchdog) RecordSchedulerFailure() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.schedulerFailures++
	w.gauge()
	if w.schedulerFailures < w.maxScheduler {
		return false
	}
	w.tripLocked(fmt.Sprintf("scheduler failures reached %d (threshold %d)", w.schedulerFailures, w.maxScheduler))
	return true
}

// ResetLLMFailures zeroes the persisted counter after a successful turn.
func (w *Watchdog) ResetLLMFailures() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.llmFailures == 0 {
		return
	}
	w.llmFailures = 0
	w.persistLocked()
	w.gauge()
}

// ResetSchedulerFailures zeroes the scheduler counter after a clean poll.
func (w *Watchdog) ResetSchedulerFailures() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.schedulerFailures = 0
	w.gauge()
}

// LLMFailures returns the current persisted failure count.
func (w *Watchdog) LLMFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.llmFailures
}

// SchedulerFailures returns the current in-memory failure count.
func (w *Watchdog) SchedulerFailures() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.schedulerFailures
}

// BumpStartupFailure increments the persisted LLM-failure counter without
// constructing a watchdog. Fatal start-up failures call this on their way
// out so a crash loop that never reaches serving still accumulates.
func BumpStartupFailure(statePath string) error {
	if statePath == "" {
		return fault.New(fault.Validation, "watchdog: state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	count := loadCount(statePath, slog.Default())
	data, err := json.Marshal(state{LLMFailures: count + 1})
	if err != nil {
		return fmt.Errorf("marshal failure counter: %w", err)
	}
	data = append(data, '\n')
	return os.WriteFile(statePath, data, 0o644)
}

// tripLocked fires the shutdown callback once per process lifetime.
func (w *Watchdog) tripLocked(reason string) {
	if w.tripped {
		return
	}
	w.tripped = true
	w.logger.Error("failure threshold reached, requesting shutdown", "reason", reason)
	if w.onShutdown == nil {
		return
	}
	// The recorder usually sits inside the very loop shutdown must drain,
	// so the callback gets its own goroutine.
	go w.onShutdown(reason)
}

// gauge mirrors the counters to metrics. Callers are serialised: record
// and reset hold the lock, New has exclusive access.
func (w *Watchdog) gauge() {
	if w.metrics == nil {
		return
	}
	w.metrics.WatchdogFailures.WithLabelValues("llm").Set(float64(w.llmFailures))
	w.metrics.WatchdogFailures.WithLabelValues("scheduler").Set(float64(w.schedulerFailures))
}

// persistLocked rewrites the whole counter file. Failures are logged but
// do not block the bump; the in-memory count stays authoritative for this
// process.
func (w *Watchdog) persistLocked() {
	data, err := json.Marshal(state{LLMFailures: w.llmFailures})
	if err != nil {
		w.logger.Warn("marshal failure counter", "error", err)
		return
	}
	data = append(data, '\n')
	if err := os.WriteFile(w.statePath, data, 0o644); err != nil {
		w.logger.Warn("persist failure counter", "error", err)
	}
}
