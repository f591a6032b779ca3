// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the host process.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the process-wide logger.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format selects the handler: "json" (production) or "text" (development).
	Format string

	// Output is the log destination. Defaults to os.Stderr so log lines
	// never interleave with command output on stdout.
	Output io.Writer
}

// Patterns matched against string attribute values before they are emitted.
// Covers Anthropic/OpenAI API keys and bearer tokens that tend to leak into
// error messages from HTTP clients.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{16,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9]{32,}`),
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9_\-.]{16,}`),
}

// Attribute keys whose values are always masked regardless of content.
var sensitiveKeys = map[string]bool{
	"api_key":       true,
	"auth_token":    true,
	"authorization": true,
	"password":      true,
	"secret":        true,
	"token":         true,
	"webhook_secret": true,
}

// NewLogger builds a *slog.Logger per the config. Callers typically install
// it as the process default:
//
//	slog.SetDefault(observability.NewLogger(cfg))
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(config.Level),
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(config.Format, "text") {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	return slog.New(handler)
}

// ParseLevel converts a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(a.Key, "-", "_"))
	if sensitiveKeys[key] {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if v := Redact(a.Value.String()); v != a.Value.String() {
			return slog.String(a.Key, v)
		}
	}
	return a
}

// Redact masks credential-shaped substrings in s.
func Redact(s string) string {
	for _, re := range redactPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

type contextKey string

// RequestIDKey carries the per-request correlation ID through contexts.
const RequestIDKey contextKey = "request_id"

// WithRequestID returns a context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID returns the request ID from ctx, or "".
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
