package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/telemetry/metrics"
)

// Store is the persistence surface the scheduler needs.
// The storage package's backends implement it.
type Store interface {
	UpdateSession(ctx context.Context, s *deliberation.Session) error
	ListInstances(ctx context.Context, sessionID string) ([]*deliberation.AgentInstance, error)
	UpdateInstance(ctx context.Context, inst *deliberation.AgentInstance) error
	ListMessages(ctx context.Context, sessionID string) ([]*deliberation.Message, error)
	UpdateMessage(ctx context.Context, m *deliberation.Message) error

	// ListWipeDue returns unwiped sessions whose wipe time is at or
	// before now.
	ListWipeDue(ctx context.Context, now time.Time) ([]*deliberation.Session, error)

	// ListActiveSessions returns sessions in a non-terminal status.
	ListActiveSessions(ctx context.Context) ([]*deliberation.Session, error)
}

// Budgets resolves a session's duration budget from its workflow.
type Budgets interface {
	SessionBudget(workflowID string) (time.Duration, bool)
}

// Config contains scheduler configuration.
type Config struct {
	// SweepSchedule is the cron expression driving the retention sweep.
	// Default: every minute.
	SweepSchedule string
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{SweepSchedule: "* * * * *"}
}

// Scheduler applies retention policies to terminal sessions and enforces
// session duration budgets on orphaned ones.
type Scheduler struct {
	store    Store
	policies map[string]*Policy
	budgets  Budgets
	config   *Config
	cron     *cron.Cron
	logger   *slog.Logger
	metrics  *metrics.SessionMetrics

	// cancel aborts a still-running session when the sweep forces it
	// to time out. Optional.
	cancel func(sessionID string)

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a retention scheduler. Policies are indexed by ID;
// metrics and budgets may be nil.
func NewScheduler(store Store, policies []*Policy, budgets Budgets, config *Config, m *metrics.SessionMetrics) (*Scheduler, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.SweepSchedule == "" {
		config.SweepSchedule = "* * * * *"
	}

	index := make(map[string]*Policy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := index[p.ID]; dup {
			return nil, fmt.Errorf("duplicate retention policy %q", p.ID)
		}
		index[p.ID] = p
	}

	return &Scheduler{
		store:    store,
		policies: index,
		budgets:  budgets,
		config:   config,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "retention.scheduler"),
		metrics:  m,
	}, nil
}

// SetCanceller installs the session cancel hook used when forcing a
// timeout on a still-running session.
func (s *Scheduler) SetCanceller(cancel func(sessionID string)) {
	s.cancel = cancel
}

// Policy returns a policy by ID.
func (s *Scheduler) Policy(id string) (*Policy, bool) {
	p, ok := s.policies[id]
	return p, ok
}

// OnTerminal is the orchestrator's terminal-state hook. It schedules or
// immediately applies the session's wipe.
func (s *Scheduler) OnTerminal(ctx context.Context, session *deliberation.Session) {
	if session.RetentionID == "" {
		return
	}
	policy, ok := s.policies[session.RetentionID]
	if !ok {
		s.logger.Warn("session references unknown retention policy",
			"session_id", session.ID,
			"retention_id", session.RetentionID,
		)
		return
	}

	now := time.Now().UTC()
	wipeAt := policy.wipeAt(now)
	session.WipeAt = &wipeAt
	if err := s.store.UpdateSession(ctx, session); err != nil {
		s.logger.Error("wipe scheduling failed", "session_id", session.ID, "error", err)
		return
	}

	if policy.Mode == ModeImmediate {
		s.wipe(ctx, session, policy)
		return
	}

	s.logger.Info("session wipe scheduled",
		"session_id", session.ID,
		"mode", policy.Mode,
		"wipe_at", wipeAt,
	)
}

// Start begins the periodic sweep.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("retention scheduler already running")
	}
	if _, err := cron.ParseStandard(s.config.SweepSchedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.SweepSchedule, err)
	}

	_, err := s.cron.AddFunc(s.config.SweepSchedule, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retention sweep: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("retention scheduler started", "schedule", s.config.SweepSchedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop stops the sweep and waits for a running cycle to complete.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("retention scheduler stopped")
	}
}

// Sweep runs one retention cycle: apply due wipes, then force-terminate
// sessions that outlived their workflow's duration budget.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	due, err := s.store.ListWipeDue(ctx, now)
	if err != nil {
		s.logger.Error("wipe-due query failed", "error", err)
	} else {
		for _, session := range due {
			policy, ok := s.policies[session.RetentionID]
			if !ok {
				continue
			}
			s.wipe(ctx, session, policy)
		}
	}

	s.enforceBudgets(ctx, now)
}

// enforceBudgets force-terminates non-terminal sessions older than their
// workflow budget. The orchestrator's own deadline normally gets there
// first; this catches sessions orphaned by a crash or restart.
func (s *Scheduler) enforceBudgets(ctx context.Context, now time.Time) {
	if s.budgets == nil {
		return
	}

	active, err := s.store.ListActiveSessions(ctx)
	if err != nil {
		s.logger.Error("active-session query failed", "error", err)
		return
	}

	for _, session := range active {
		budget, ok := s.budgets.SessionBudget(session.WorkflowID)
		if !ok || now.Sub(session.StartedAt) <= budget {
			continue
		}

		if s.cancel != nil {
			s.cancel(session.ID)
		}

		// A pending session has no legal edge to timed_out; it fails
		// instead and records why.
		to := deliberation.StatusTimedOut
		if !deliberation.CanTransition(session.Status, to) {
			to = deliberation.StatusFailed
			session.ErrorMessage = "exceeded session duration budget before analysis"
		}
		if err := session.Transition(to); err != nil {
			continue
		}
		if err := s.store.UpdateSession(ctx, session); err != nil {
			s.logger.Error("forced termination write failed", "session_id", session.ID, "error", err)
			continue
		}

		s.logger.Warn("session force-terminated",
			"session_id", session.ID,
			"workflow_id", session.WorkflowID,
			"age", now.Sub(session.StartedAt),
			"budget", budget,
		)
		s.OnTerminal(ctx, session)
	}
}

// wipe destroys the policy's field set on the session. The verdict and
// the audit trail are untouched. With crypto-shred, each targeted value
// is first overwritten in storage with random bytes so the old plaintext
// cannot be recovered from the backing pages, then blanked.
func (s *Scheduler) wipe(ctx context.Context, session *deliberation.Session, policy *Policy) {
	if session.Wiped {
		return
	}

	for _, field := range policy.fields() {
		switch field {
		case FieldMessages:
			s.wipeMessages(ctx, session, policy.CryptoShred)
		case FieldInstanceReasoning:
			s.wipeInstances(ctx, session, policy.CryptoShred)
		case FieldErrorMessage:
			if policy.CryptoShred && session.ErrorMessage != "" {
				session.ErrorMessage = shred(session.ErrorMessage)
				if err := s.store.UpdateSession(ctx, session); err != nil {
					s.logger.Error("error-message shred failed", "session_id", session.ID, "error", err)
				}
			}
			session.ErrorMessage = ""
		}
	}

	session.Wiped = true
	if err := s.store.UpdateSession(ctx, session); err != nil {
		s.logger.Error("wipe completion write failed", "session_id", session.ID, "error", err)
		return
	}

	s.metrics.RecordWipe(string(policy.Mode))
	s.logger.Info("session wiped",
		"session_id", session.ID,
		"mode", policy.Mode,
		"crypto_shred", policy.CryptoShred,
		"fields", policy.fields(),
	)
}

func (s *Scheduler) wipeMessages(ctx context.Context, session *deliberation.Session, cryptoShred bool) {
	messages, err := s.store.ListMessages(ctx, session.ID)
	if err != nil {
		s.logger.Error("message wipe load failed", "session_id", session.ID, "error", err)
		return
	}

	for _, m := range messages {
		if cryptoShred {
			m.Content = shred(m.Content)
			if err := s.store.UpdateMessage(ctx, m); err != nil {
				s.logger.Error("message shred failed", "message_id", m.ID, "error", err)
			}
		}
		m.Content = ""
		m.Vote = ""
		m.Confidence = 0
		if err := s.store.UpdateMessage(ctx, m); err != nil {
			s.logger.Error("message wipe failed", "message_id", m.ID, "error", err)
		}
	}
}

func (s *Scheduler) wipeInstances(ctx context.Context, session *deliberation.Session, cryptoShred bool) {
	instances, err := s.store.ListInstances(ctx, session.ID)
	if err != nil {
		s.logger.Error("instance wipe load failed", "session_id", session.ID, "error", err)
		return
	}

	for _, inst := range instances {
		if cryptoShred {
			inst.FinalReasoning = shred(inst.FinalReasoning)
			if err := s.store.UpdateInstance(ctx, inst); err != nil {
				s.logger.Error("instance shred failed", "instance_id", inst.ID, "error", err)
			}
		}
		inst.FinalReasoning = ""
		if err := s.store.UpdateInstance(ctx, inst); err != nil {
			s.logger.Error("instance wipe failed", "instance_id", inst.ID, "error", err)
		}
	}
}
