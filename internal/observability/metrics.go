package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the host exports.
//
// Registered once at startup; the collectors surface on /metrics via the
// standard promhttp handler. Label cardinality is kept deliberately low:
// channel names, provider/model pairs and status strings only, never
// per-session or per-thread identifiers.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (whatsapp|sms|github|chat), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model requests.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (input|output)
	LLMTokensUsed *prometheus.CounterVec

	// TurnDuration measures full agent turn latency in seconds.
	// Labels: channel
	TurnDuration *prometheus.HistogramVec

	// ActiveSessions gauges live thread sessions by channel.
	ActiveSessions *prometheus.GaugeVec

	// ArchiveRuns counts archival observer passes.
	// Labels: outcome (archived|skipped|error)
	ArchiveRuns *prometheus.CounterVec

	// ChunksWritten counts chunk files persisted by the archiver.
	ChunksWritten prometheus.Counter

	// SearchDuration measures recall query latency in seconds.
	// Labels: mode (hybrid|text_only)
	SearchDuration *prometheus.HistogramVec

	// JobExecutions counts scheduler job completions.
	// Labels: status (completed|failed|recovered)
	JobExecutions *prometheus.CounterVec

	// SubagentTasks counts sub-agent task terminal transitions.
	// Labels: status (completed|failed|cancelled)
	SubagentTasks *prometheus.CounterVec

	// WebhookRequests counts inbound webhook deliveries.
	// Labels: channel, outcome (accepted|rejected|invalid|ignored)
	WebhookRequests *prometheus.CounterVec

	// WatchdogFailures gauges the persisted consecutive-failure counters.
	// Labels: counter (llm|scheduler)
	WatchdogFailures *prometheus.GaugeVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequestCounter counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequestCounter *prometheus.CounterVec
}

// NewMetrics registers all collectors with the default Prometheus registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fern_messages_total",
				Help: "Total messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fern_llm_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fern_llm_requests_total",
				Help: "Total model API requests by provider, model and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fern_llm_tokens_total",
				Help: "Total tokens consumed by provider, model and type",
			},
			[]string{"provider", "model", "type"},
		),

		TurnDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fern_turn_duration_seconds",
				Help:    "Duration of complete agent turns in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 480},
			},
			[]string{"channel"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fern_active_sessions",
				Help: "Current live thread sessions by channel",
			},
			[]string{"channel"},
		),

		ArchiveRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fern_archive_runs_total",
				Help: "Archival observer passes by outcome",
			},
			[]string{"outcome"},
		),

		ChunksWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "fern_archive_chunks_written_total",
				Help: "Chunk files persisted by the archiver",
			},
		),

		SearchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fern_search_duration_seconds",
				Help:    "Duration of recall queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"mode"},
		),

		JobExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fern_job_executions_total",
				Help: "Scheduler job completions by status",
			},
			[]string{"status"},
		),

		SubagentTasks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fern_subagent_tasks_total",
				Help: "Sub-agent task terminal transitions by status",
			},
			[]string{"status"},
		),

		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fern_webhook_requests_total",
				Help: "Inbound webhook deliveries by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		WatchdogFailures: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fern_watchdog_failures",
				Help: "Persisted consecutive-failure counters",
			},
			[]string{"counter"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fern_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fern_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// MessageReceived increments the inbound message counter for a channel.
func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the outbound message counter for a channel.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordLLMRequest records latency, status and token usage for one model call.
func (m *Metrics) RecordLLMRequest(provider, model, status string, seconds float64, inputTokens, outputTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(seconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
	}
}

// RecordWebhook records one inbound webhook delivery.
func (m *Metrics) RecordWebhook(channel, outcome string) {
	m.WebhookRequests.WithLabelValues(channel, outcome).Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, seconds float64) {
	m.HTTPRequestCounter.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(seconds)
}
