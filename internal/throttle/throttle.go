// Package throttle rate-limits streaming progress updates back to a
// channel. Model deltas arrive every few milliseconds; messaging channels
// tolerate an update every second or two. The throttle accumulates
// fragments and flushes at most once per interval, preferring answer text
// over thinking and truncating to a channel-friendly length.
package throttle

import (
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"
)

const (
	// DefaultMinInterval is the minimum spacing between flushes.
	DefaultMinInterval = 1500 * time.Millisecond

	// DefaultMaxChars caps the flushed text length.
	DefaultMaxChars = 150
)

// Config wires a Throttle.
type Config struct {
	// MinInterval is the minimum time between flushes. Zero takes the
	// default.
	MinInterval time.Duration

	// MaxChars caps each flushed update, counted in runes. Zero takes
	// the default.
	MaxChars int

	// Send delivers one flushed update. Calls are serialised.
	Send func(text string)

	Logger *slog.Logger
}

// Throttle coalesces streamed fragments into paced status updates.
//
// The first append flushes immediately. Later appends inside the minimum
// interval buffer up and arm a single timer for the remainder; the timer
// flush carries everything accumulated since the last one.
type Throttle struct {
	minInterval time.Duration
	maxChars    int
	send        func(string)
	logger      *slog.Logger

	mu        sync.Mutex
	text      strings.Builder
	thinking  strings.Builder
	timer     *time.Timer
	lastFlush time.Time
	destroyed bool

	// sendMu keeps at most one flush in flight.
	sendMu sync.Mutex
}

// New builds a Throttle. A nil Send discards updates.
func New(cfg Config) *Throttle {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Send == nil {
		cfg.Send = func(string) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "throttle")
	}

	return &Throttle{
		minInterval: cfg.MinInterval,
		maxChars:    cfg.MaxChars,
		send:        cfg.Send,
		logger:      cfg.Logger,
	}
}

// AppendText buffers an answer fragment.
func (t *Throttle) AppendText(s string) {
	t.append(s, false)
}

// AppendThinking buffers a reasoning fragment. Thinking is only flushed
// while no answer text has accumulated.
func (t *Throttle) AppendThinking(s string) {
	t.append(s, true)
}

func (t *Throttle) append(s string, thinking bool) {
	if s == "" {
		return
	}

	t.mu.Lock()
	if thinking {
		t.thinking.WriteString(s)
	} else {
		t.text.WriteString(s)
	}
	if t.destroyed {
		// Content keeps accumulating for a final explicit Flush, but no
		// timers are armed once destroyed.
		t.mu.Unlock()
		return
	}

	now := time.Now()
	since := now.Sub(t.lastFlush)
	if since >= t.minInterval {
		payload := t.drainLocked(now)
		t.mu.Unlock()
		t.deliver(payload)
		return
	}
	if t.timer == nil {
		t.timer = time.AfterFunc(t.minInterval-since, t.timerFlush)
	}
	t.mu.Unlock()
}

// Flush sends whatever has accumulated, regardless of the interval. It
// still drains after Destroy.
func (t *Throttle) Flush() {
	t.mu.Lock()
	payload := t.drainLocked(time.Now())
	t.mu.Unlock()
	t.deliver(payload)
}

// Destroy cancels any pending timer. Buffered content survives and an
// explicit Flush still drains it.
func (t *Throttle) Destroy() {
	t.mu.Lock()
	t.destroyed = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
}

func (t *Throttle) timerFlush() {
	t.mu.Lock()
	t.timer = nil
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	payload := t.drainLocked(time.Now())
	t.mu.Unlock()
	t.deliver(payload)
}

// drainLocked empties both buffers, picks the payload and stamps the
// flush time. Empty buffers produce no payload and no stamp. Caller
// holds mu.
func (t *Throttle) drainLocked(now time.Time) string {
	text := strings.TrimSpace(t.text.String())
	thinking := strings.TrimSpace(t.thinking.String())
	t.text.Reset()
	t.thinking.Reset()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	payload := text
	if payload == "" {
		payload = thinking
	}
	if payload == "" {
		return ""
	}
	t.lastFlush = now
	return Truncate(payload, t.maxChars)
}

func (t *Throttle) deliver(payload string) {
	if payload == "" {
		return
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	t.logger.Debug("status flush", "chars", len(payload))
	t.send(payload)
}

// Truncate shortens s to at most max runes. It prefers cutting at the
// last sentence boundary inside the window; failing that it cuts at the
// last word boundary and appends an ellipsis.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	window := runes[:max]

	lastSentence := -1
	for i, r := range window {
		switch r {
		case '.', '!', '?':
			// Sentence-final only when followed by whitespace in the
			// original text, so "3.14" never splits.
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				lastSentence = i
			}
		}
	}
	if lastSentence > 0 {
		return strings.TrimSpace(string(window[:lastSentence+1]))
	}

	cut := max - 1
	lastSpace := -1
	for i := 0; i < cut; i++ {
		if unicode.IsSpace(window[i]) {
			lastSpace = i
		}
	}
	if lastSpace > 0 {
		return strings.TrimSpace(string(window[:lastSpace])) + "…"
	}
	return string(window[:cut]) + "…"
}
