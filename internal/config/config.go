// Package config loads Fern's configuration from an optional YAML file and
// the environment. Environment variables override file values; defaults
// fill anything left unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Fern.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Model      ModelConfig      `yaml:"model"`
	Archival   ArchivalConfig   `yaml:"archival"`
	AutoMemory AutoMemoryConfig `yaml:"auto_memory"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Subagent   SubagentConfig   `yaml:"subagent"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Agent      AgentConfig      `yaml:"agent"`
	Channel    ChannelConfig    `yaml:"channel"`
	GitHub     GitHubConfig     `yaml:"github"`
	Logging    LoggingConfig    `yaml:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// WebhookBaseURL is the public URL the channel provider signs
	// against. Signature verification is enforced only when set.
	WebhookBaseURL string `yaml:"webhook_base_url"`
}

type StorageConfig struct {
	// Path is the data directory. The database lives at <path>/fern.db,
	// chunk files under <path>/chunks/.
	Path string `yaml:"path"`
}

type ModelConfig struct {
	Provider        string `yaml:"provider"`
	Name            string `yaml:"name"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string `yaml:"openai_api_key"`
}

type ArchivalConfig struct {
	// ChunkThreshold is the unarchived-token count that triggers a
	// chunking pass.
	ChunkThreshold int `yaml:"chunk_threshold"`

	// ChunkMin defers archival of a trailing chunk smaller than this
	// when more messages are still arriving.
	ChunkMin int `yaml:"chunk_min"`

	// ChunkMax caps the token size of a single chunk.
	ChunkMax int `yaml:"chunk_max"`

	SummarisationModel string `yaml:"summarisation_model"`
	MaxSummaryTokens   int    `yaml:"max_summary_tokens"`
	EmbeddingModel     string `yaml:"embedding_model"`
}

type AutoMemoryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	TopK         int     `yaml:"top_k"`
	MinRelevance float64 `yaml:"min_relevance"`
	MaxChars     int     `yaml:"max_chars"`
	ThreadScoped bool    `yaml:"thread_scoped"`
}

type SchedulerConfig struct {
	Enabled       bool          `yaml:"enabled"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

type SubagentConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxConcurrent int  `yaml:"max_concurrent"`
}

type WatchdogConfig struct {
	MaxLLMFailures       int `yaml:"max_llm_failures"`
	MaxSchedulerFailures int `yaml:"max_scheduler_failures"`
}

type AgentConfig struct {
	// TurnTimeout is the hard budget for a single reasoning turn.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// SessionTTL bounds thread-to-session reuse.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type ChannelConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// FromNumber is the sender identity for outbound channel messages.
	FromNumber string `yaml:"from_number"`
}

type GitHubConfig struct {
	WebhookSecret string `yaml:"webhook_secret"`

	// Token enables commit-context fetches for push events when set.
	Token string `yaml:"token"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TelemetryConfig struct {
	// Endpoint is the OTLP gRPC collector address. Tracing is disabled
	// when empty.
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
	Insecure   bool    `yaml:"insecure"`
}

// Load reads the optional YAML file at path, applies environment
// overrides, then defaults. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a configuration from the environment alone.
func FromEnv() (*Config, error) {
	return Load("")
}

func applyEnv(cfg *Config) {
	envString(&cfg.Server.Host, "HOST")
	envInt(&cfg.Server.Port, "PORT")
	envString(&cfg.Server.WebhookBaseURL, "WEBHOOK_BASE_URL")

	envString(&cfg.Storage.Path, "STORAGE_PATH")

	envString(&cfg.Model.Provider, "MODEL_PROVIDER")
	envString(&cfg.Model.Name, "MODEL_NAME")
	envString(&cfg.Model.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envString(&cfg.Model.OpenAIAPIKey, "OPENAI_API_KEY")

	envInt(&cfg.Archival.ChunkThreshold, "CHUNK_TOKEN_THRESHOLD")
	envInt(&cfg.Archival.ChunkMin, "CHUNK_TOKEN_MIN")
	envInt(&cfg.Archival.ChunkMax, "CHUNK_TOKEN_MAX")
	envString(&cfg.Archival.SummarisationModel, "SUMMARISATION_MODEL")
	envInt(&cfg.Archival.MaxSummaryTokens, "MAX_SUMMARY_TOKENS")
	envString(&cfg.Archival.EmbeddingModel, "EMBEDDING_MODEL")

	envBool(&cfg.AutoMemory.Enabled, "AUTO_MEMORY_ENABLED")
	envInt(&cfg.AutoMemory.TopK, "AUTO_MEMORY_TOP_K")
	envFloat(&cfg.AutoMemory.MinRelevance, "AUTO_MEMORY_MIN_RELEVANCE")
	envInt(&cfg.AutoMemory.MaxChars, "AUTO_MEMORY_MAX_CHARS")
	envBool(&cfg.AutoMemory.ThreadScoped, "AUTO_MEMORY_THREAD_SCOPED")

	envBool(&cfg.Scheduler.Enabled, "SCHEDULER_ENABLED")
	envMillis(&cfg.Scheduler.PollInterval, "SCHEDULER_POLL_INTERVAL_MS")
	envInt(&cfg.Scheduler.MaxConcurrent, "SCHEDULER_MAX_CONCURRENT")

	envBool(&cfg.Subagent.Enabled, "SUBAGENT_ENABLED")
	envInt(&cfg.Subagent.MaxConcurrent, "SUBAGENT_MAX_CONCURRENT")

	envInt(&cfg.Watchdog.MaxLLMFailures, "WATCHDOG_MAX_LLM_FAILURES")
	envInt(&cfg.Watchdog.MaxSchedulerFailures, "WATCHDOG_MAX_SCHEDULER_FAILURES")

	envMillis(&cfg.Agent.TurnTimeout, "AGENT_TURN_TIMEOUT_MS")
	envMillis(&cfg.Agent.SessionTTL, "THREAD_SESSION_TTL_MS")

	envString(&cfg.Channel.AccountSID, "TWILIO_ACCOUNT_SID")
	envString(&cfg.Channel.AuthToken, "TWILIO_AUTH_TOKEN")
	envString(&cfg.Channel.FromNumber, "TWILIO_FROM_NUMBER")

	envString(&cfg.GitHub.WebhookSecret, "GITHUB_WEBHOOK_SECRET")
	envString(&cfg.GitHub.Token, "GITHUB_TOKEN")

	envString(&cfg.Logging.Level, "LOG_LEVEL")
	envString(&cfg.Logging.Format, "LOG_FORMAT")

	envString(&cfg.Telemetry.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	envFloat(&cfg.Telemetry.SampleRate, "OTEL_TRACES_SAMPLE_RATE")
	envBool(&cfg.Telemetry.Insecure, "OTEL_EXPORTER_OTLP_INSECURE")
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = defaultStoragePath()
	}
	if cfg.Model.Provider == "" {
		cfg.Model.Provider = "anthropic"
	}
	if cfg.Model.Name == "" {
		cfg.Model.Name = "claude-sonnet-4-20250514"
	}
	if cfg.Archival.ChunkThreshold == 0 {
		cfg.Archival.ChunkThreshold = 25000
	}
	if cfg.Archival.ChunkMin == 0 {
		cfg.Archival.ChunkMin = 15000
	}
	if cfg.Archival.ChunkMax == 0 {
		cfg.Archival.ChunkMax = 40000
	}
	if cfg.Archival.SummarisationModel == "" {
		cfg.Archival.SummarisationModel = "gpt-4o-mini"
	}
	if cfg.Archival.MaxSummaryTokens == 0 {
		cfg.Archival.MaxSummaryTokens = 512
	}
	if cfg.Archival.EmbeddingModel == "" {
		cfg.Archival.EmbeddingModel = "text-embedding-3-small"
	}
	if !envPresent("AUTO_MEMORY_ENABLED") && !cfg.AutoMemory.Enabled {
		cfg.AutoMemory.Enabled = true
	}
	if cfg.AutoMemory.TopK == 0 {
		cfg.AutoMemory.TopK = 5
	}
	if cfg.AutoMemory.MinRelevance == 0 {
		cfg.AutoMemory.MinRelevance = 0.25
	}
	if cfg.AutoMemory.MaxChars == 0 {
		cfg.AutoMemory.MaxChars = 2000
	}
	if !envPresent("SCHEDULER_ENABLED") && !cfg.Scheduler.Enabled {
		cfg.Scheduler.Enabled = true
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = 60 * time.Second
	}
	if cfg.Scheduler.MaxConcurrent == 0 {
		cfg.Scheduler.MaxConcurrent = 3
	}
	if !envPresent("SUBAGENT_ENABLED") && !cfg.Subagent.Enabled {
		cfg.Subagent.Enabled = true
	}
	if cfg.Subagent.MaxConcurrent == 0 {
		cfg.Subagent.MaxConcurrent = 3
	}
	if cfg.Watchdog.MaxLLMFailures == 0 {
		cfg.Watchdog.MaxLLMFailures = 5
	}
	if cfg.Watchdog.MaxSchedulerFailures == 0 {
		cfg.Watchdog.MaxSchedulerFailures = 10
	}
	if cfg.Agent.TurnTimeout == 0 {
		cfg.Agent.TurnTimeout = 8 * time.Minute
	}
	if cfg.Agent.SessionTTL == 0 {
		cfg.Agent.SessionTTL = time.Hour
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Server.Port)
	}
	if c.Archival.ChunkMin > c.Archival.ChunkMax {
		return fmt.Errorf("config: chunk_min %d exceeds chunk_max %d", c.Archival.ChunkMin, c.Archival.ChunkMax)
	}
	if c.Archival.ChunkThreshold <= 0 {
		return fmt.Errorf("config: chunk_threshold must be positive")
	}
	if c.AutoMemory.TopK > 10 {
		return fmt.Errorf("config: auto_memory top_k %d exceeds maximum 10", c.AutoMemory.TopK)
	}
	if c.AutoMemory.MinRelevance < 0 || c.AutoMemory.MinRelevance > 1 {
		return fmt.Errorf("config: auto_memory min_relevance %v outside 0..1", c.AutoMemory.MinRelevance)
	}
	if c.Scheduler.PollInterval < 0 {
		return fmt.Errorf("config: scheduler poll_interval must be positive")
	}
	if c.Agent.TurnTimeout < 0 {
		return fmt.Errorf("config: agent turn_timeout must be positive")
	}
	return nil
}

// DatabasePath returns the SQLite file path under the storage directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.Path, "fern.db")
}

// ChunksPath returns the chunk-file root under the storage directory.
func (c *Config) ChunksPath() string {
	return filepath.Join(c.Storage.Path, "chunks")
}

// WatchdogStatePath returns the persisted failure-counter file path.
func (c *Config) WatchdogStatePath() string {
	return filepath.Join(os.TempDir(), "fern-watchdog-state")
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fern-data"
	}
	return filepath.Join(home, ".fern")
}
