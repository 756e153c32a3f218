package event

import "time"

// RuleMatch summarizes a single matched rule within an evaluation.
type RuleMatch struct {
	// RuleID is the identifier of the matched policy rule.
	RuleID string `json:"rule_id"`

	// RuleName is the human-readable rule name.
	RuleName string `json:"rule_name"`

	// RuleType is the rule type tag ("rate_limit", "pattern_match", ...).
	RuleType string `json:"rule_type"`

	// Action is the action the matched rule requested.
	Action Action `json:"action"`

	// Detail describes what matched (detection rule, list value, byte count).
	Detail string `json:"detail,omitempty"`
}

// EvaluationResult is the outcome of running a rule snapshot against one event.
type EvaluationResult struct {
	// Action is the resolved final action (most severe across matches).
	Action Action `json:"action"`

	// Matches lists every rule that matched, in evaluation order.
	Matches []RuleMatch `json:"matches,omitempty"`

	// RulesEvaluated is the number of enabled rules considered.
	RulesEvaluated int `json:"rules_evaluated"`

	// FlagMatches counts matched rules requesting flag.
	FlagMatches int `json:"flag_matches"`

	// BlockMatches counts matched rules requesting block.
	BlockMatches int `json:"block_matches"`

	// Duration is the wall-clock evaluation time.
	Duration time.Duration `json:"duration"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`
}
