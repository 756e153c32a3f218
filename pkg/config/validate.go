package config

import (
	"fmt"

	"sentinel-hq/arbiter/pkg/deliberation"
)

// Validate checks the configuration for errors that would surface later
// as runtime failures. It is called after defaults and after overrides.
func Validate(cfg *Config) error {
	if cfg.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be \"memory\" or \"sqlite\", got %q", cfg.Storage.Backend)
	}

	if cfg.Evaluation.Timeout <= 0 {
		return fmt.Errorf("evaluation.timeout must be positive")
	}
	if cfg.Evaluation.MaxContentLength <= 0 {
		return fmt.Errorf("evaluation.max_content_length must be positive")
	}

	if cfg.Deliberation.Enabled {
		switch cfg.Deliberation.Provider.Kind {
		case "stub":
		case "gemini":
			if cfg.Deliberation.Provider.APIKey == "" {
				return fmt.Errorf("deliberation.provider.api_key is required for the gemini provider")
			}
		default:
			return fmt.Errorf("deliberation.provider.kind must be \"stub\" or \"gemini\", got %q",
				cfg.Deliberation.Provider.Kind)
		}

		// Workflow and persona cross-validation happens in the registry;
		// here we only check what the registry cannot see.
		for _, wf := range cfg.Deliberation.Workflows {
			if wf.RetentionID != "" && !hasPolicy(cfg, wf.RetentionID) {
				return fmt.Errorf("workflow %s references unknown retention policy %q", wf.ID, wf.RetentionID)
			}
		}
	}

	for _, p := range cfg.Retention.Policies {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	if cfg.Bus.Kafka.Enabled && len(cfg.Bus.Kafka.Brokers) == 0 {
		return fmt.Errorf("bus.kafka.brokers is required when kafka is enabled")
	}

	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}

	return nil
}

// hasPolicy reports whether a retention policy with the ID exists.
func hasPolicy(cfg *Config, id string) bool {
	for _, p := range cfg.Retention.Policies {
		if p.ID == id {
			return true
		}
	}
	return false
}

// BuildRegistry constructs the deliberation registry from the
// configured workflows and personas, running their validation.
func (c *Config) BuildRegistry() (*deliberation.Registry, error) {
	return deliberation.NewRegistry(c.Deliberation.Workflows, c.Deliberation.Personas)
}
