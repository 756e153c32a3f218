package deliberation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentinel-hq/arbiter/pkg/audit"
	"sentinel-hq/arbiter/pkg/bus"
	"sentinel-hq/arbiter/pkg/event"
	"sentinel-hq/arbiter/pkg/telemetry/metrics"
)

// Store is the persistence surface the orchestrator needs.
// The storage package's backends implement it.
type Store interface {
	PutSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	PutInstance(ctx context.Context, inst *AgentInstance) error
	UpdateInstance(ctx context.Context, inst *AgentInstance) error
	ListInstances(ctx context.Context, sessionID string) ([]*AgentInstance, error)
	PutMessage(ctx context.Context, m *Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)
	PutVerdict(ctx context.Context, v *Verdict) error
	GetVerdict(ctx context.Context, sessionID string) (*Verdict, error)
}

// persistTimeout bounds individual storage writes made by session
// goroutines, including terminal writes after the session deadline.
const persistTimeout = 5 * time.Second

// Orchestrator drives deliberation sessions through the state machine.
//
// Each session runs in its own goroutine with a context bounded by the
// workflow's duration budget; provider calls are I/O-bound and never
// block other sessions. When the budget expires mid-round, outstanding
// provider calls are abandoned and the session transitions to timed_out.
type Orchestrator struct {
	store     Store
	registry  *Registry
	provider  ReasoningProvider
	publisher bus.Publisher
	trail     *audit.Trail
	metrics   *metrics.SessionMetrics
	logger    *slog.Logger

	// onTerminal is invoked once a session reaches a terminal state;
	// the retention scheduler hooks in here.
	onTerminal func(ctx context.Context, s *Session)

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewOrchestrator creates a deliberation orchestrator.
// The publisher, trail and metrics may be nil.
func NewOrchestrator(store Store, registry *Registry, provider ReasoningProvider, publisher bus.Publisher, trail *audit.Trail, m *metrics.SessionMetrics) *Orchestrator {
	return &Orchestrator{
		store:     store,
		registry:  registry,
		provider:  provider,
		publisher: publisher,
		trail:     trail,
		metrics:   m,
		logger:    slog.Default().With("component", "deliberation.orchestrator"),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// SetTerminalHook installs the callback invoked on terminal sessions.
// Must be called before the first StartSession.
func (o *Orchestrator) SetTerminalHook(fn func(ctx context.Context, s *Session)) {
	o.onTerminal = fn
}

// StartSession creates a pending session for the event under the given
// workflow and starts driving it in the background. The returned session
// reflects the pending state; progress is observable via the store and
// the session's bus topic.
func (o *Orchestrator) StartSession(ctx context.Context, ev *event.Event, workflowID string, trigger Trigger) (*Session, error) {
	wf, err := o.registry.Get(workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Enabled {
		return nil, fmt.Errorf("workflow %q: %w", workflowID, ErrWorkflowDisabled)
	}
	if wf.TenantID != ev.TenantID {
		return nil, fmt.Errorf("workflow %q belongs to tenant %q, event to %q: %w",
			workflowID, wf.TenantID, ev.TenantID, ErrWorkflowNotFound)
	}

	session := NewSession(ev.TenantID, ev.ID, wf.ID, trigger)
	session.RetentionID = wf.RetentionID
	if err := o.store.PutSession(ctx, session); err != nil {
		return nil, err
	}

	instances := make([]*AgentInstance, 0, len(wf.Steps))
	for i, step := range wf.Steps {
		persona, _ := o.registry.Persona(step.PersonaID)
		inst := &AgentInstance{
			ID:             uuid.NewString(),
			SessionID:      session.ID,
			PersonaID:      persona.ID,
			PersonaName:    persona.Name,
			Step:           i,
			PromptTemplate: step.PromptTemplate,
		}
		if err := o.store.PutInstance(ctx, inst); err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}

	o.audit(session, "session.started", map[string]any{
		"workflow_id": wf.ID,
		"trigger":     string(trigger),
		"instances":   len(instances),
	})
	o.logger.Info("deliberation session started",
		"session_id", session.ID,
		"tenant_id", session.TenantID,
		"event_id", ev.ID,
		"workflow_id", wf.ID,
		"trigger", trigger,
	)

	o.wg.Add(1)
	go o.run(session, wf, instances, ev)

	return session, nil
}

// Cancel forces the session's context to expire, abandoning any
// outstanding provider call.
func (o *Orchestrator) Cancel(sessionID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[sessionID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close waits for all running sessions to reach a terminal state.
func (o *Orchestrator) Close() {
	o.wg.Wait()
}

// run drives one session from pending to a terminal state.
func (o *Orchestrator) run(session *Session, wf *Workflow, instances []*AgentInstance, ev *event.Event) {
	defer o.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), wf.durationOrDefault())
	o.mu.Lock()
	o.cancels[session.ID] = cancel
	o.mu.Unlock()
	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, session.ID)
		o.mu.Unlock()
	}()

	if err := o.transition(session, StatusAnalyzing); err != nil {
		o.logger.Error("session transition failed", "session_id", session.ID, "error", err)
		return
	}

	// Round 1: independent initial assessments.
	if err := o.runRound(ctx, session, wf, instances, ev, 1, KindAnalysis); err != nil {
		o.terminate(session, err)
		return
	}

	if err := o.transition(session, StatusDeliberating); err != nil {
		o.logger.Error("session transition failed", "session_id", session.ID, "error", err)
		return
	}

	// Argument rounds up to the workflow cap.
	rounds := wf.roundsOrDefault()
	for round := 2; round <= rounds; round++ {
		if err := o.runRound(ctx, session, wf, instances, ev, round, KindArgument); err != nil {
			o.terminate(session, err)
			return
		}
	}

	if err := o.transition(session, StatusVoting); err != nil {
		o.logger.Error("session transition failed", "session_id", session.ID, "error", err)
		return
	}

	o.resolveVotes(session, wf, instances, rounds)
	o.finish(session, rounds)
}

// resolveVotes records each instance's final vote, applies the consensus
// strategy and settles the session into completed or failed.
func (o *Orchestrator) resolveVotes(session *Session, wf *Workflow, instances []*AgentInstance, rounds int) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	votes := make([]FinalVote, 0, len(instances))
	for _, inst := range instances {
		msg := &Message{
			ID:         uuid.NewString(),
			SessionID:  session.ID,
			InstanceID: inst.ID,
			Round:      rounds + 1,
			Kind:       KindVote,
			Vote:       inst.FinalVote,
			Confidence: inst.FinalConfidence,
			Content:    inst.FinalReasoning,
			CreatedAt:  time.Now().UTC(),
		}
		if err := o.store.PutMessage(ctx, msg); err != nil {
			o.logger.Error("vote message write failed", "session_id", session.ID, "error", err)
		}
		votes = append(votes, FinalVote{
			PersonaName: inst.PersonaName,
			Vote:        inst.FinalVote,
			Confidence:  inst.FinalConfidence,
			Reasoning:   inst.FinalReasoning,
		})
	}

	outcome := NewResolver(wf.Consensus).Resolve(votes)
	if !outcome.Reached {
		session.ErrorMessage = "consensus not reached: " + outcome.Reasoning
		if err := o.transition(session, StatusFailed); err != nil {
			o.logger.Error("session transition failed", "session_id", session.ID, "error", err)
		}
		return
	}

	verdict := &Verdict{
		ID:               uuid.NewString(),
		SessionID:        session.ID,
		Decision:         outcome.Decision,
		Confidence:       outcome.Confidence,
		Reasoning:        outcome.Reasoning,
		ConsensusReached: true,
		Dissents:         outcome.Dissents,
		CreatedAt:        time.Now().UTC(),
	}
	if err := o.store.PutVerdict(ctx, verdict); err != nil {
		session.ErrorMessage = "verdict write failed: " + err.Error()
		if terr := o.transition(session, StatusFailed); terr != nil {
			o.logger.Error("session transition failed", "session_id", session.ID, "error", terr)
		}
		return
	}

	if err := o.transition(session, StatusCompleted); err != nil {
		o.logger.Error("session transition failed", "session_id", session.ID, "error", err)
		return
	}

	o.audit(session, "session.completed", map[string]any{
		"decision":   string(verdict.Decision),
		"confidence": verdict.Confidence,
		"dissents":   len(verdict.Dissents),
	})
}

// runRound executes one round across all instances. Contiguous parallel
// steps execute as one concurrent wave; the round advances only after
// every participant in the wave has finished. Sequential steps run one
// at a time in step order.
func (o *Orchestrator) runRound(ctx context.Context, session *Session, wf *Workflow, instances []*AgentInstance, ev *event.Event, round int, kind MessageKind) error {
	transcript := ""
	if kind == KindArgument {
		transcript = o.transcript(session.ID)
	}

	i := 0
	for i < len(instances) {
		if wf.Steps[instances[i].Step].Mode != ModeParallel {
			if err := o.runInstance(ctx, session, wf, instances[i], ev, round, kind, transcript); err != nil {
				return err
			}
			i++
			continue
		}

		// Wave of contiguous parallel steps.
		j := i
		for j < len(instances) && wf.Steps[instances[j].Step].Mode == ModeParallel {
			j++
		}
		if err := o.runWave(ctx, session, wf, instances[i:j], ev, round, kind, transcript); err != nil {
			return err
		}
		i = j
	}
	return nil
}

// runWave runs a set of instances concurrently and waits for all of them.
func (o *Orchestrator) runWave(ctx context.Context, session *Session, wf *Workflow, wave []*AgentInstance, ev *event.Event, round int, kind MessageKind, transcript string) error {
	var wg sync.WaitGroup
	errs := make([]error, len(wave))

	for idx, inst := range wave {
		wg.Add(1)
		go func(idx int, inst *AgentInstance) {
			defer wg.Done()
			errs[idx] = o.runInstance(ctx, session, wf, inst, ev, round, kind, transcript)
		}(idx, inst)
	}
	wg.Wait()

	// Deadline expiry wins over provider errors so the session lands in
	// timed_out rather than failed when both happened in one wave.
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		if first == nil {
			first = err
		}
	}
	return first
}

// runInstance makes one provider call for one instance and records the
// resulting message.
func (o *Orchestrator) runInstance(ctx context.Context, session *Session, wf *Workflow, inst *AgentInstance, ev *event.Event, round int, kind MessageKind, transcript string) error {
	persona, ok := o.registry.Persona(inst.PersonaID)
	if !ok {
		return fmt.Errorf("instance %s: unknown persona %q", inst.ID, inst.PersonaID)
	}

	tmpl := inst.PromptTemplate
	if tmpl == "" {
		if kind == KindArgument {
			tmpl = defaultArgueTemplate
		} else {
			tmpl = defaultAssessTemplate
		}
	}
	prompt := renderPrompt(tmpl, persona, ev, transcript)

	var assessment *Assessment
	var err error
	if kind == KindArgument {
		assessment, err = o.callProvider(ctx, func(ctx context.Context) (*Assessment, error) {
			return o.provider.Argue(ctx, *persona, prompt)
		})
	} else {
		assessment, err = o.callProvider(ctx, func(ctx context.Context) (*Assessment, error) {
			return o.provider.Assess(ctx, *persona, prompt)
		})
	}
	if err != nil {
		return fmt.Errorf("provider call for persona %q round %d: %w", persona.Name, round, err)
	}

	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	msg := &Message{
		ID:         uuid.NewString(),
		SessionID:  session.ID,
		InstanceID: inst.ID,
		Round:      round,
		Kind:       kind,
		Vote:       assessment.Vote,
		Confidence: assessment.Confidence,
		Content:    assessment.Reasoning,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.PutMessage(persistCtx, msg); err != nil {
		return fmt.Errorf("message write for instance %s: %w", inst.ID, err)
	}

	inst.FinalVote = assessment.Vote
	inst.FinalConfidence = assessment.Confidence
	inst.FinalReasoning = assessment.Reasoning
	if err := o.store.UpdateInstance(persistCtx, inst); err != nil {
		return fmt.Errorf("instance update for %s: %w", inst.ID, err)
	}

	o.publish(session, "session.message", msg)
	return nil
}

// callProvider invokes the reasoning provider and abandons the call when
// the session deadline passes: the goroutine's eventual result is
// discarded, never awaited.
func (o *Orchestrator) callProvider(ctx context.Context, call func(context.Context) (*Assessment, error)) (*Assessment, error) {
	type result struct {
		assessment *Assessment
		err        error
	}
	ch := make(chan result, 1)
	go func() {
		a, err := call(ctx)
		ch <- result{a, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.assessment, r.err
	}
}

// transcript renders the session's messages so far for argument prompts.
func (o *Orchestrator) transcript(sessionID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	messages, err := o.store.ListMessages(ctx, sessionID)
	if err != nil {
		o.logger.Error("transcript load failed", "session_id", sessionID, "error", err)
		return ""
	}

	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[round %d] %s votes %s (%.2f): %s\n", m.Round, m.InstanceID, m.Vote, m.Confidence, m.Content)
	}
	return b.String()
}

// terminate settles a session that hit an error or the deadline.
func (o *Orchestrator) terminate(session *Session, cause error) {
	to := StatusFailed
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) {
		to = StatusTimedOut
	} else {
		session.ErrorMessage = cause.Error()
	}

	if err := o.transition(session, to); err != nil {
		o.logger.Error("session transition failed", "session_id", session.ID, "error", err)
		return
	}
	o.finish(session, 0)
}

// finish emits terminal-state telemetry and fires the retention hook.
func (o *Orchestrator) finish(session *Session, rounds int) {
	duration := time.Duration(0)
	if session.CompletedAt != nil {
		duration = session.CompletedAt.Sub(session.StartedAt)
	}
	o.metrics.RecordSession(string(session.Status), duration, rounds)

	o.logger.Info("deliberation session finished",
		"session_id", session.ID,
		"tenant_id", session.TenantID,
		"status", session.Status,
		"duration", duration,
		"error", session.ErrorMessage,
	)

	if o.onTerminal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		o.onTerminal(ctx, session)
	}
}

// transition applies a state machine step, persists it and publishes it.
func (o *Orchestrator) transition(session *Session, to Status) error {
	if err := session.Transition(to); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.store.UpdateSession(ctx, session); err != nil {
		return err
	}

	o.publish(session, "session.transition", map[string]any{
		"session_id": session.ID,
		"status":     string(session.Status),
		"error":      session.ErrorMessage,
	})
	if to.Terminal() {
		o.audit(session, "session."+string(to), map[string]any{"error": session.ErrorMessage})
	}
	return nil
}

func (o *Orchestrator) publish(session *Session, msgType string, payload any) {
	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	o.publisher.Publish(ctx, bus.Message{
		Topic:    bus.SessionTopic(session.ID),
		Type:     msgType,
		TenantID: session.TenantID,
		Payload:  payload,
	})
}

func (o *Orchestrator) audit(session *Session, action string, metadata map[string]any) {
	if o.trail == nil {
		return
	}
	o.trail.Record(session.TenantID, action, "analysis_session", session.ID, metadata)
}
