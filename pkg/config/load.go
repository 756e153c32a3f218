package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, applies defaults and
// validates. Environment variables are not consulted; use
// LoadConfigWithEnvOverrides for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	// Booleans that default to true are pre-set so an absent key keeps
	// the default while an explicit false wins.
	cfg := Config{}
	cfg.Rules.Watch = true
	cfg.Telemetry.MetricsEnabled = true

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides in the form
// ARBITER_SECTION_FIELD (e.g. ARBITER_SERVER_LISTEN_ADDRESS).
// Environment variables take precedence over the file.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("ARBITER_SERVER_LISTEN_ADDRESS"); val != "" {
		cfg.Server.ListenAddress = val
	}
	if val := os.Getenv("ARBITER_SERVER_READ_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if val := os.Getenv("ARBITER_SERVER_WRITE_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}
	if val := os.Getenv("ARBITER_SERVER_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Server.ShutdownTimeout = d
		}
	}

	if val := os.Getenv("ARBITER_STORAGE_BACKEND"); val != "" {
		cfg.Storage.Backend = val
	}
	if val := os.Getenv("ARBITER_STORAGE_PATH"); val != "" {
		cfg.Storage.Path = val
	}

	if val := os.Getenv("ARBITER_RULES_PATH"); val != "" {
		cfg.Rules.Path = val
	}
	if val := os.Getenv("ARBITER_RULES_WATCH"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Rules.Watch = b
		}
	}

	if val := os.Getenv("ARBITER_EVALUATION_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Evaluation.Timeout = d
		}
	}

	if val := os.Getenv("ARBITER_DELIBERATION_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Deliberation.Enabled = b
		}
	}
	if val := os.Getenv("ARBITER_PROVIDER_KIND"); val != "" {
		cfg.Deliberation.Provider.Kind = val
	}
	if val := os.Getenv("ARBITER_PROVIDER_API_KEY"); val != "" {
		cfg.Deliberation.Provider.APIKey = val
	}
	if val := os.Getenv("ARBITER_PROVIDER_MODEL"); val != "" {
		cfg.Deliberation.Provider.Model = val
	}

	if val := os.Getenv("ARBITER_RETENTION_SWEEP_SCHEDULE"); val != "" {
		cfg.Retention.SweepSchedule = val
	}

	if val := os.Getenv("ARBITER_BUS_KAFKA_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Bus.Kafka.Enabled = b
		}
	}
	if val := os.Getenv("ARBITER_BUS_KAFKA_BROKERS"); val != "" {
		cfg.Bus.Kafka.Brokers = splitList(val)
	}

	if val := os.Getenv("ARBITER_LOGGING_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("ARBITER_LOGGING_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
