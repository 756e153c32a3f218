package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sentinel-hq/arbiter/pkg/event"
	"sentinel-hq/arbiter/pkg/limits/ratelimit"
	"sentinel-hq/arbiter/pkg/rules"
	"sentinel-hq/arbiter/pkg/telemetry/metrics"
)

// DefaultMaxContentLength is the default input cap for regex matching.
const DefaultMaxContentLength = 64 * 1024

// Config contains evaluator configuration.
type Config struct {
	// Timeout is the total time budget for one evaluation.
	// Default: 500ms.
	Timeout time.Duration

	// MaxContentLength caps the content length given to regex matching.
	// Default: 64 KiB.
	MaxContentLength int
}

// DefaultConfig returns the default evaluator configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:          500 * time.Millisecond,
		MaxContentLength: DefaultMaxContentLength,
	}
}

// CustomHook evaluates a custom-type rule. It returns whether the rule
// matched and an optional detail string.
type CustomHook func(ctx context.Context, rule *rules.PolicyRule, ev *event.Event) (bool, string, error)

// Evaluator orchestrates all enabled rules for a tenant against one event.
type Evaluator struct {
	limiter    *ratelimit.Limiter
	matcher    *Matcher
	config     *Config
	customHook CustomHook
	logger     *slog.Logger
	metrics    *metrics.EvaluationMetrics
}

// NewEvaluator creates a policy evaluator.
// The limiter must be shared across all ingestion paths so rate_limit
// rules count every event; metrics may be nil.
func NewEvaluator(limiter *ratelimit.Limiter, config *Config, m *metrics.EvaluationMetrics) *Evaluator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = 500 * time.Millisecond
	}

	return &Evaluator{
		limiter: limiter,
		matcher: NewMatcher(config.MaxContentLength),
		config:  config,
		logger:  slog.Default().With("component", "policy.evaluator"),
		metrics: m,
	}
}

// SetCustomHook installs the evaluation hook for custom-type rules.
func (e *Evaluator) SetCustomHook(hook CustomHook) {
	e.customHook = hook
}

// Evaluate runs the snapshot's rules against the event and resolves a
// final action. It never mutates the event; callers apply the result.
//
// On error no result is returned: the caller leaves the event pending
// and logs, so a broken rule never blocks ingestion of other events.
func (e *Evaluator) Evaluate(ctx context.Context, ev *event.Event, snap *rules.Snapshot) (*event.EvaluationResult, error) {
	start := time.Now()

	evalCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	result := &event.EvaluationResult{Action: event.ActionAllow}

	for _, rule := range snap.Rules {
		select {
		case <-evalCtx.Done():
			e.metrics.RecordError(ev.TenantID)
			return nil, &TimeoutError{EventID: ev.ID, Timeout: e.config.Timeout}
		default:
		}

		result.RulesEvaluated++

		matched, detail, err := e.evaluateRule(evalCtx, rule, snap, ev)
		if err != nil {
			e.metrics.RecordError(ev.TenantID)
			return nil, err
		}
		if !matched {
			continue
		}

		e.metrics.RecordRuleHit(string(rule.Type), string(rule.Action))

		// Allowlist short-circuit: a matching allowlist forces allow
		// regardless of any later rule. Allowlist rules are ordered
		// first in the snapshot, so nothing has matched yet.
		if rule.Type == rules.TypeAllowlist {
			result.Action = event.ActionAllow
			result.Matches = []event.RuleMatch{matchFor(rule, detail)}
			break
		}

		result.Matches = append(result.Matches, matchFor(rule, detail))
		switch rule.Action {
		case event.ActionFlag:
			result.FlagMatches++
		case event.ActionBlock:
			result.BlockMatches++
		}
		result.Action = event.MostSevere(result.Action, rule.Action)
	}

	result.Duration = time.Since(start)
	result.EvaluatedAt = time.Now().UTC()

	e.metrics.RecordEvaluation(ev.TenantID, string(result.Action), result.Duration)
	e.logger.Debug("event evaluated",
		"event_id", ev.ID,
		"tenant_id", ev.TenantID,
		"action", result.Action,
		"rules_evaluated", result.RulesEvaluated,
		"matches", len(result.Matches),
		"duration", result.Duration,
	)

	return result, nil
}

// evaluateRule dispatches on the closed rule type set.
func (e *Evaluator) evaluateRule(ctx context.Context, rule *rules.PolicyRule, snap *rules.Snapshot, ev *event.Event) (bool, string, error) {
	switch rule.Type {
	case rules.TypeRateLimit:
		return e.evaluateRateLimit(rule, ev)
	case rules.TypePatternMatch:
		return e.evaluatePattern(rule, snap, ev)
	case rules.TypeBlocklist, rules.TypeAllowlist:
		return e.evaluateValueList(rule, ev)
	case rules.TypePayloadSize:
		return e.evaluatePayloadSize(rule, ev)
	case rules.TypeCustom:
		if e.customHook == nil {
			return false, "", nil
		}
		return e.customHook(ctx, rule, ev)
	default:
		return false, "", &RuleError{RuleID: rule.ID, Message: fmt.Sprintf("unknown rule type %q", rule.Type)}
	}
}

func (e *Evaluator) evaluateRateLimit(rule *rules.PolicyRule, ev *event.Event) (bool, string, error) {
	cfg := rule.Config.RateLimit
	if cfg == nil {
		return false, "", &RuleError{RuleID: rule.ID, Message: "missing rate_limit config"}
	}

	key := ev.TenantID + "/" + rule.ID
	res := e.limiter.Record(key, int64(cfg.MaxEvents), cfg.Window())
	if !res.Exceeded {
		return false, "", nil
	}
	return true, fmt.Sprintf("%d events in %ds window (max %d)", res.Count, cfg.WindowSeconds, cfg.MaxEvents), nil
}

func (e *Evaluator) evaluatePattern(rule *rules.PolicyRule, snap *rules.Snapshot, ev *event.Event) (bool, string, error) {
	cfg := rule.Config.Pattern
	if cfg == nil {
		return false, "", &RuleError{RuleID: rule.ID, Message: "missing pattern config"}
	}

	for _, detID := range cfg.DetectionRuleIDs {
		det, ok := snap.Detections[detID]
		if !ok {
			// Disabled or deleted detections referenced by an enabled
			// rule are skipped, not fatal.
			continue
		}
		matched, err := e.matcher.Matches(det, ev.Content)
		if err != nil {
			return false, "", err
		}
		if matched {
			return true, fmt.Sprintf("detection %s (%s)", det.Name, det.Category), nil
		}
	}
	return false, "", nil
}

func (e *Evaluator) evaluateValueList(rule *rules.PolicyRule, ev *event.Event) (bool, string, error) {
	cfg := rule.Config.ValueList
	if cfg == nil {
		return false, "", &RuleError{RuleID: rule.ID, Message: "missing value_list config"}
	}

	content := strings.ToLower(ev.Content)
	for _, value := range cfg.Values {
		v := strings.ToLower(value)
		if cfg.Exact {
			if content == v {
				return true, fmt.Sprintf("exact match on %q", value), nil
			}
			continue
		}
		if strings.Contains(content, v) {
			return true, fmt.Sprintf("contains %q", value), nil
		}
	}
	return false, "", nil
}

func (e *Evaluator) evaluatePayloadSize(rule *rules.PolicyRule, ev *event.Event) (bool, string, error) {
	cfg := rule.Config.PayloadSize
	if cfg == nil {
		return false, "", &RuleError{RuleID: rule.ID, Message: "missing payload_size config"}
	}

	if cfg.MaxContentBytes > 0 && int64(len(ev.Content)) > cfg.MaxContentBytes {
		return true, fmt.Sprintf("content %d bytes exceeds %d", len(ev.Content), cfg.MaxContentBytes), nil
	}

	if cfg.MaxPayloadBytes > 0 && len(ev.Payload) > 0 {
		serialized, err := json.Marshal(ev.Payload)
		if err != nil {
			return false, "", &RuleError{RuleID: rule.ID, Message: "payload not serializable", Cause: err}
		}
		if int64(len(serialized)) > cfg.MaxPayloadBytes {
			return true, fmt.Sprintf("payload %d bytes exceeds %d", len(serialized), cfg.MaxPayloadBytes), nil
		}
	}

	return false, "", nil
}

func matchFor(rule *rules.PolicyRule, detail string) event.RuleMatch {
	return event.RuleMatch{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		RuleType: string(rule.Type),
		Action:   rule.Action,
		Detail:   detail,
	}
}

// FlagReason builds the human-readable flagged-reason text from matches.
func FlagReason(result *event.EvaluationResult) string {
	if len(result.Matches) == 0 {
		return ""
	}
	parts := make([]string, 0, len(result.Matches))
	for _, m := range result.Matches {
		if m.Action == event.ActionAllow {
			continue
		}
		if m.Detail != "" {
			parts = append(parts, fmt.Sprintf("%s: %s", m.RuleName, m.Detail))
		} else {
			parts = append(parts, m.RuleName)
		}
	}
	return strings.Join(parts, "; ")
}
