// Package config defines the arbiter configuration model and loading.
//
// Configuration is read from a YAML file, defaulted, optionally
// overridden from ARBITER_SECTION_FIELD environment variables, and
// validated before anything starts.
package config

import (
	"time"

	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/retention"
)

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Storage      StorageConfig      `yaml:"storage"`
	Rules        RulesConfig        `yaml:"rules"`
	Evaluation   EvaluationConfig   `yaml:"evaluation"`
	Deliberation DeliberationConfig `yaml:"deliberation"`
	Retention    RetentionConfig    `yaml:"retention"`
	Bus          BusConfig          `yaml:"bus"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Audit        AuditConfig        `yaml:"audit"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// ListenAddress is the host:port to bind.
	// Default: ":8080"
	ListenAddress string `yaml:"listen_address"`

	// ReadTimeout bounds reading a whole request.
	// Default: 30s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// WriteTimeout bounds writing a whole response.
	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// IdleTimeout bounds keep-alive idle connections.
	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxBodyBytes caps request body size.
	// Default: 1 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	// Default: "memory"
	Backend string `yaml:"backend"`

	// Path is the SQLite database file (sqlite backend only).
	Path string `yaml:"path"`

	// BusyTimeout is the SQLite lock wait.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// RulesConfig configures the rule source.
type RulesConfig struct {
	// Path is a rule YAML file or a directory of them.
	Path string `yaml:"path"`

	// Watch reloads rules when the source files change.
	// Default: true
	Watch bool `yaml:"watch"`
}

// EvaluationConfig configures the policy engine.
type EvaluationConfig struct {
	// Timeout bounds one event evaluation.
	// Default: 500ms
	Timeout time.Duration `yaml:"timeout"`

	// MaxContentLength caps the content bytes pattern matching scans.
	// Default: 64 KiB
	MaxContentLength int `yaml:"max_content_length"`
}

// ProviderConfig selects the reasoning provider.
type ProviderConfig struct {
	// Kind is "stub" or "gemini".
	// Default: "stub"
	Kind string `yaml:"kind"`

	// APIKey authenticates against the provider (gemini only).
	APIKey string `yaml:"api_key"`

	// Model names the provider model (gemini only).
	// Default: "gemini-1.5-flash"
	Model string `yaml:"model"`
}

// DeliberationConfig configures multi-agent deliberation.
type DeliberationConfig struct {
	// Enabled turns deliberation on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Provider selects the reasoning backend.
	Provider ProviderConfig `yaml:"provider"`

	// Personas are the configured participant profiles.
	Personas []*deliberation.Persona `yaml:"personas"`

	// Workflows shape sessions per tenant.
	Workflows []*deliberation.Workflow `yaml:"workflows"`
}

// RetentionConfig configures ephemeral retention.
type RetentionConfig struct {
	// SweepSchedule is the cron expression for the wipe sweep.
	// Default: "* * * * *" (every minute)
	SweepSchedule string `yaml:"sweep_schedule"`

	// Policies are the ephemeral-retention policies workflows reference.
	Policies []*retention.Policy `yaml:"policies"`
}

// WebSocketConfig configures the websocket fan-out hub.
type WebSocketConfig struct {
	// Enabled mounts the /ws endpoint.
	// Default: false
	Enabled bool `yaml:"enabled"`
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	// Enabled turns Kafka publishing on.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Brokers is the broker address list.
	Brokers []string `yaml:"brokers"`

	// Topic is the Kafka topic messages are written to.
	// Default: "arbiter-events"
	Topic string `yaml:"topic"`
}

// BusConfig configures the outbound message bus transports.
type BusConfig struct {
	// BufferSize is the per-subscriber channel buffer for the in-proc bus.
	// Default: 64
	BufferSize int `yaml:"buffer_size"`

	WebSocket WebSocketConfig `yaml:"websocket"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

// TelemetryConfig configures metrics exposure.
type TelemetryConfig struct {
	// MetricsEnabled mounts /metrics.
	// Default: true
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// Namespace prefixes all metric names.
	// Default: "arbiter"
	Namespace string `yaml:"namespace"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// BufferSize is the async write queue length.
	// Default: 1024
	BufferSize int `yaml:"buffer_size"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	// Default: "info"
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: "text"
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
