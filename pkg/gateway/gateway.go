// Package gateway ties the ingestion surface to the policy engine, the
// violation recorder and the deliberation orchestrator.
//
// SubmitEvent is the hot path: persist, evaluate, apply, and hand the
// follow-on work (violations, publishing, audit, deliberation) to
// background goroutines so the caller gets the decision with minimal
// latency. Evaluation failures never surface to the submitter; the
// event simply stays pending for later inspection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sentinel-hq/arbiter/pkg/audit"
	"sentinel-hq/arbiter/pkg/bus"
	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/event"
	"sentinel-hq/arbiter/pkg/policy/engine"
	"sentinel-hq/arbiter/pkg/rules"
	"sentinel-hq/arbiter/pkg/storage"
	"sentinel-hq/arbiter/pkg/violation"
)

// RuleDeleter removes a policy rule from the backing rule source.
// Implementations that cannot delete (read-only file sources) may be
// omitted; DeleteRule then only performs the referential check.
type RuleDeleter interface {
	DeleteRule(ctx context.Context, tenantID, ruleID string) error
}

// Gateway is the event ingestion and administration service.
type Gateway struct {
	store      storage.Store
	ruleStore  *rules.Store
	evaluator  *engine.Evaluator
	recorder   *violation.Recorder
	violations *violation.Service
	workflows  *deliberation.Registry
	sessions   *deliberation.Orchestrator
	publisher  bus.Publisher
	trail      *audit.Trail
	deleter    RuleDeleter
	logger     *slog.Logger

	// background tracks follow-on goroutines so Close can drain them.
	background sync.WaitGroup
}

// Options carries the collaborators the gateway wires together.
// Store, RuleStore and Evaluator are required; everything else is
// optional and disables the corresponding follow-on work when nil.
type Options struct {
	Store      storage.Store
	RuleStore  *rules.Store
	Evaluator  *engine.Evaluator
	Recorder   *violation.Recorder
	Violations *violation.Service
	Workflows  *deliberation.Registry
	Sessions   *deliberation.Orchestrator
	Publisher  bus.Publisher
	Trail      *audit.Trail
	Deleter    RuleDeleter
}

// New creates a gateway from its collaborators.
func New(opts Options) (*Gateway, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway requires a store")
	}
	if opts.RuleStore == nil {
		return nil, fmt.Errorf("gateway requires a rule store")
	}
	if opts.Evaluator == nil {
		return nil, fmt.Errorf("gateway requires an evaluator")
	}

	return &Gateway{
		store:      opts.Store,
		ruleStore:  opts.RuleStore,
		evaluator:  opts.Evaluator,
		recorder:   opts.Recorder,
		violations: opts.Violations,
		workflows:  opts.Workflows,
		sessions:   opts.Sessions,
		publisher:  opts.Publisher,
		trail:      opts.Trail,
		deleter:    opts.Deleter,
		logger:     slog.Default().With("component", "gateway"),
	}, nil
}

// SubmitEvent ingests one event: persist it as pending, evaluate it
// against the tenant's current rule snapshot, apply the outcome, and
// kick off follow-on work in the background.
//
// An evaluation failure is not a submission failure: the event is
// persisted and returned in pending status, and the error is logged.
func (g *Gateway) SubmitEvent(ctx context.Context, ev *event.Event) (*event.Event, error) {
	if err := g.store.PutEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist event: %w", err)
	}

	snap, err := g.ruleStore.Snapshot(ctx, ev.TenantID)
	if err != nil {
		g.logger.Error("rule snapshot unavailable, event left pending",
			"tenant_id", ev.TenantID, "event_id", ev.ID, "error", err)
		return ev, nil
	}

	result, err := g.evaluator.Evaluate(ctx, ev, snap)
	if err != nil {
		g.logger.Error("evaluation failed, event left pending",
			"tenant_id", ev.TenantID, "event_id", ev.ID, "error", err)
		return ev, nil
	}

	reason := ""
	if result.Action != event.ActionAllow {
		reason = engine.FlagReason(result)
	}
	if err := ev.ApplyResult(result, reason); err != nil {
		return nil, fmt.Errorf("apply result to event %s: %w", ev.ID, err)
	}
	if err := g.store.UpdateEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("update event %s: %w", ev.ID, err)
	}

	g.spawn("event follow-up", func() { g.afterEvaluation(ev, snap) })
	return ev, nil
}

// afterEvaluation runs the follow-on work for one evaluated event:
// violation records, bus publish, audit, and deliberation dispatch.
// Each piece is independent; one failing never stops the others.
func (g *Gateway) afterEvaluation(ev *event.Event, snap *rules.Snapshot) {
	result := ev.Result

	if g.recorder != nil && result != nil {
		for _, match := range result.Matches {
			if match.Action == event.ActionAllow {
				continue
			}
			g.recorder.Record(violation.FromMatch(ev, match, severityFor(snap, match)))
		}
	}

	if g.publisher != nil {
		msg := bus.Message{
			Topic:     bus.EventTopic(ev.TenantID),
			Type:      "event.evaluated",
			TenantID:  ev.TenantID,
			Payload:   ev,
			Timestamp: time.Now().UTC(),
		}
		if err := g.publisher.Publish(context.Background(), msg); err != nil {
			g.logger.Warn("event publish failed", "event_id", ev.ID, "error", err)
		}
	}

	if g.trail != nil {
		g.trail.Record(ev.TenantID, "event.evaluated", "event", ev.ID, map[string]any{
			"status": string(ev.Status),
		})
	}

	if ev.Status == event.StatusFlagged {
		g.dispatchDeliberation(ev, deliberation.TriggerAutomatic, "")
	}
}

// dispatchDeliberation starts a session for the event if a workflow
// matches (or the named workflow, for manual triggers).
func (g *Gateway) dispatchDeliberation(ev *event.Event, trigger deliberation.Trigger, workflowID string) {
	if g.sessions == nil || g.workflows == nil {
		return
	}

	if workflowID == "" {
		wf := g.workflows.Match(ev.TenantID, ev.Type)
		if wf == nil {
			return
		}
		workflowID = wf.ID
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session, err := g.sessions.StartSession(ctx, ev, workflowID, trigger)
	if err != nil {
		g.logger.Error("deliberation start failed",
			"event_id", ev.ID, "workflow_id", workflowID, "error", err)
		return
	}
	g.logger.Info("deliberation started",
		"event_id", ev.ID, "session_id", session.ID, "workflow_id", workflowID)
}

// ManualTrigger starts a deliberation session for an already-ingested
// event, regardless of its evaluation outcome.
func (g *Gateway) ManualTrigger(ctx context.Context, tenantID, eventID, workflowID string) (*deliberation.Session, error) {
	if g.sessions == nil {
		return nil, fmt.Errorf("deliberation is not configured")
	}

	ev, err := g.store.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}

	if workflowID == "" {
		wf := g.workflows.Match(tenantID, ev.Type)
		if wf == nil {
			return nil, fmt.Errorf("no workflow matches tenant %s event type %s: %w",
				tenantID, ev.Type, deliberation.ErrWorkflowNotFound)
		}
		workflowID = wf.ID
	}

	return g.sessions.StartSession(ctx, ev, workflowID, deliberation.TriggerManual)
}

// GetEvent returns the tenant's event.
func (g *Gateway) GetEvent(ctx context.Context, tenantID, id string) (*event.Event, error) {
	return g.store.GetEvent(ctx, tenantID, id)
}

// RuleChanged rebuilds the tenant's rule snapshot after a rule write.
func (g *Gateway) RuleChanged(ctx context.Context, tenantID string) error {
	if _, err := g.ruleStore.Refresh(ctx, tenantID); err != nil {
		return fmt.Errorf("refresh rules for tenant %s: %w", tenantID, err)
	}
	if g.trail != nil {
		g.trail.Record(tenantID, "rules.refreshed", "tenant", tenantID, nil)
	}
	return nil
}

// DeleteRule removes a policy rule. Rules referenced by existing
// violation records cannot be deleted; disable them instead.
func (g *Gateway) DeleteRule(ctx context.Context, tenantID, ruleID string) error {
	n, err := g.store.CountViolationsByRule(ctx, tenantID, ruleID)
	if err != nil {
		return fmt.Errorf("count violations for rule %s: %w", ruleID, err)
	}
	if n > 0 {
		return fmt.Errorf("rule %s has %d violations: %w", ruleID, n, rules.ErrRuleInUse)
	}

	if g.deleter != nil {
		if err := g.deleter.DeleteRule(ctx, tenantID, ruleID); err != nil {
			return fmt.Errorf("delete rule %s: %w", ruleID, err)
		}
	}

	if g.trail != nil {
		g.trail.Record(tenantID, "rule.deleted", "rule", ruleID, nil)
	}
	return g.RuleChanged(ctx, tenantID)
}

// ResolveViolation marks a violation resolved, exactly once.
func (g *Gateway) ResolveViolation(ctx context.Context, tenantID, id, resolvedBy, note string) (*violation.Violation, error) {
	if g.violations == nil {
		return nil, errors.New("violation service is not configured")
	}
	v, err := g.violations.Resolve(ctx, tenantID, id, resolvedBy, note)
	if err != nil {
		return nil, err
	}
	if g.trail != nil {
		g.trail.Record(tenantID, "violation.resolved", "violation", id, map[string]any{
			"resolved_by": resolvedBy,
		})
	}
	return v, nil
}

// Close waits for in-flight background work to finish.
func (g *Gateway) Close() {
	g.background.Wait()
}

// spawn runs fn on a tracked goroutine, recovering panics so one bad
// follow-up cannot take down the process.
func (g *Gateway) spawn(name string, fn func()) {
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		fn()
	}()
}

// severityFor resolves the severity to record for a match. Pattern
// rules inherit the highest severity among their referenced detection
// rules; everything else falls back on the action.
func severityFor(snap *rules.Snapshot, match event.RuleMatch) string {
	if snap != nil && match.RuleType == string(rules.TypePatternMatch) {
		best := ""
		for _, rule := range snap.Rules {
			if rule.ID != match.RuleID || rule.Config.Pattern == nil {
				continue
			}
			for _, id := range rule.Config.Pattern.DetectionRuleIDs {
				if det, ok := snap.Detections[id]; ok && severityRank(det.Severity) > severityRank(best) {
					best = det.Severity
				}
			}
		}
		if best != "" {
			return best
		}
	}

	switch match.Action {
	case event.ActionBlock:
		return "high"
	case event.ActionFlag:
		return "medium"
	default:
		return "low"
	}
}

func severityRank(s string) int {
	switch s {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium":
		return 2
	case "low":
		return 1
	default:
		return 0
	}
}
