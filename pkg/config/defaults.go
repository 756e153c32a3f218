package config

import "time"

// ApplyDefaults fills zero-valued fields with their documented defaults.
// Booleans that default to true are handled by LoadConfig before
// unmarshalling, since YAML cannot distinguish false from absent.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 120 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.BusyTimeout == 0 {
		cfg.Storage.BusyTimeout = 5 * time.Second
	}

	if cfg.Evaluation.Timeout == 0 {
		cfg.Evaluation.Timeout = 500 * time.Millisecond
	}
	if cfg.Evaluation.MaxContentLength == 0 {
		cfg.Evaluation.MaxContentLength = 64 << 10
	}

	if cfg.Deliberation.Provider.Kind == "" {
		cfg.Deliberation.Provider.Kind = "stub"
	}
	if cfg.Deliberation.Provider.Model == "" {
		cfg.Deliberation.Provider.Model = "gemini-1.5-flash"
	}

	if cfg.Retention.SweepSchedule == "" {
		cfg.Retention.SweepSchedule = "* * * * *"
	}

	if cfg.Bus.BufferSize == 0 {
		cfg.Bus.BufferSize = 64
	}
	if cfg.Bus.Kafka.Topic == "" {
		cfg.Bus.Kafka.Topic = "arbiter-events"
	}

	if cfg.Telemetry.Namespace == "" {
		cfg.Telemetry.Namespace = "arbiter"
	}

	if cfg.Audit.BufferSize == 0 {
		cfg.Audit.BufferSize = 1024
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}
