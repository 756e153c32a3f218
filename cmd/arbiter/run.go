package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"sentinel-hq/arbiter/pkg/audit"
	"sentinel-hq/arbiter/pkg/bus"
	"sentinel-hq/arbiter/pkg/config"
	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/deliberation/provider/gemini"
	"sentinel-hq/arbiter/pkg/gateway"
	"sentinel-hq/arbiter/pkg/limits/ratelimit"
	"sentinel-hq/arbiter/pkg/policy/engine"
	"sentinel-hq/arbiter/pkg/retention"
	"sentinel-hq/arbiter/pkg/rules"
	"sentinel-hq/arbiter/pkg/server"
	"sentinel-hq/arbiter/pkg/storage"
	"sentinel-hq/arbiter/pkg/telemetry/metrics"
	"sentinel-hq/arbiter/pkg/violation"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the arbiter server",
	Long: `Start the arbiter server with the specified configuration.

The server ingests agent events, evaluates them against tenant policy
rules, records violations, and runs deliberation sessions for flagged
events.

Examples:
  # Start with default config
  arbiter run

  # Start with custom config
  arbiter run --config /etc/arbiter/config.yaml

  # Override listen address
  arbiter run --listen 0.0.0.0:9090

  # Validate config without starting
  arbiter run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Logging.Level = runFlags.logLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	setupLogging(&cfg.Logging)

	if runFlags.dryRun {
		fmt.Println("configuration valid")
		return nil
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Storage backend
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// Rule source and snapshot store
	source := rules.NewFileSource(cfg.Rules.Path)
	ruleStore := rules.NewStore(source)

	tenants, err := source.Tenants(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rule files: %w", err)
	}
	for _, tenant := range tenants {
		if _, err := ruleStore.Refresh(ctx, tenant); err != nil {
			return fmt.Errorf("failed to build rule snapshot for tenant %s: %w", tenant, err)
		}
	}

	if cfg.Rules.Watch {
		watcher, err := rules.NewWatcher(source, ruleStore)
		if err != nil {
			return fmt.Errorf("failed to watch rule files: %w", err)
		}
		watcher.Start(ctx)
		defer watcher.Close()
	}

	// Telemetry
	var reg *metrics.Registry
	if cfg.Telemetry.MetricsEnabled {
		reg = metrics.NewRegistry(&metrics.Config{Namespace: cfg.Telemetry.Namespace})
	}

	// Policy engine
	evaluator := engine.NewEvaluator(ratelimit.NewLimiter(), &engine.Config{
		Timeout:          cfg.Evaluation.Timeout,
		MaxContentLength: cfg.Evaluation.MaxContentLength,
	}, reg.EvaluationOrNil())

	// Message bus
	var publishers []bus.Publisher
	inproc := bus.New()
	publishers = append(publishers, inproc)

	var hub *bus.Hub
	if cfg.Bus.WebSocket.Enabled {
		hub = bus.NewHub()
		publishers = append(publishers, hub)
	}
	if cfg.Bus.Kafka.Enabled {
		kafka := bus.NewKafkaPublisher(cfg.Bus.Kafka.Brokers, cfg.Bus.Kafka.Topic)
		defer kafka.Close()
		publishers = append(publishers, kafka)
	}
	publisher := bus.NewMulti(publishers...)

	// Audit trail, persisted alongside everything else
	trail := audit.NewTrail(store, cfg.Audit.BufferSize)
	defer trail.Close()

	// Violation recording
	recorder := violation.NewRecorder(store, publisher, 0)
	defer recorder.Close()
	violations := violation.NewService(store, publisher)

	// Deliberation
	var (
		registry     *deliberation.Registry
		orchestrator *deliberation.Orchestrator
	)
	if cfg.Deliberation.Enabled {
		registry, err = cfg.BuildRegistry()
		if err != nil {
			return fmt.Errorf("failed to load workflows: %w", err)
		}

		provider, err := buildProvider(ctx, &cfg.Deliberation.Provider)
		if err != nil {
			return err
		}

		orchestrator = deliberation.NewOrchestrator(store, registry, provider, publisher, trail, reg.SessionsOrNil())
		defer orchestrator.Close()

		scheduler, err := retention.NewScheduler(store, cfg.Retention.Policies, registry,
			&retention.Config{SweepSchedule: cfg.Retention.SweepSchedule}, reg.SessionsOrNil())
		if err != nil {
			return fmt.Errorf("failed to create retention scheduler: %w", err)
		}
		scheduler.SetCanceller(orchestrator.Cancel)
		orchestrator.SetTerminalHook(scheduler.OnTerminal)

		if err := scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start retention scheduler: %w", err)
		}
		defer scheduler.Stop()
	}

	gw, err := gateway.New(gateway.Options{
		Store:      store,
		RuleStore:  ruleStore,
		Evaluator:  evaluator,
		Recorder:   recorder,
		Violations: violations,
		Workflows:  registry,
		Sessions:   orchestrator,
		Publisher:  publisher,
		Trail:      trail,
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	slog.Info("arbiter starting",
		"version", Version,
		"storage", cfg.Storage.Backend,
		"tenants", len(tenants),
		"deliberation", cfg.Deliberation.Enabled,
	)

	srv := server.NewServer(&cfg.Server, gw, reg, hub)
	return srv.Start(ctx)
}

// openStore opens the configured storage backend.
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		store, err := storage.NewSQLiteStoreWithConfig(storage.SQLiteConfig{
			Path:        cfg.Storage.Path,
			BusyTimeout: cfg.Storage.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return store, nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

// buildProvider constructs the configured reasoning provider.
func buildProvider(ctx context.Context, cfg *config.ProviderConfig) (deliberation.ReasoningProvider, error) {
	switch cfg.Kind {
	case "gemini":
		provider, err := gemini.New(ctx, gemini.Config{
			APIKey: cfg.APIKey,
			Model:  cfg.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create gemini provider: %w", err)
		}
		return provider, nil
	default:
		return &deliberation.StaticProvider{
			Default: deliberation.Assessment{
				Vote:       "flag",
				Confidence: 0.5,
				Reasoning:  "no reasoning provider configured",
			},
		}, nil
	}
}

// setupLogging installs the process-wide slog default.
func setupLogging(cfg *config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
