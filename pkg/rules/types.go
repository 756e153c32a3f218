package rules

import (
	"fmt"
	"time"

	"sentinel-hq/arbiter/pkg/event"
)

// Type is the closed set of policy rule types.
type Type string

const (
	TypeRateLimit    Type = "rate_limit"
	TypePatternMatch Type = "pattern_match"
	TypeBlocklist    Type = "blocklist"
	TypeAllowlist    Type = "allowlist"
	TypePayloadSize  Type = "payload_size"
	TypeCustom       Type = "custom"
)

// Valid reports whether t is a known rule type.
func (t Type) Valid() bool {
	switch t {
	case TypeRateLimit, TypePatternMatch, TypeBlocklist, TypeAllowlist, TypePayloadSize, TypeCustom:
		return true
	}
	return false
}

// PolicyRule is a tenant-scoped evaluation rule.
type PolicyRule struct {
	// ID is the unique rule identifier.
	ID string `yaml:"id" json:"id"`

	// TenantID scopes the rule to one tenant.
	TenantID string `yaml:"tenant_id" json:"tenant_id"`

	// Name is the human-readable rule name.
	Name string `yaml:"name" json:"name"`

	// Type selects the evaluation strategy.
	Type Type `yaml:"type" json:"type"`

	// Action is taken when the rule matches.
	Action event.Action `yaml:"action" json:"action"`

	// Priority orders evaluation; higher priorities are evaluated first.
	Priority int `yaml:"priority" json:"priority"`

	// Enabled rules are the only ones included in snapshots.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Config holds the type-specific configuration. Exactly the section
	// matching Type must be set.
	Config RuleConfig `yaml:"config" json:"config"`

	// CreatedAt is when the rule was first stored.
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at"`
}

// RuleConfig is the tagged union of per-type configurations.
// The section matching the rule's Type must be non-nil; all others nil.
type RuleConfig struct {
	RateLimit   *RateLimitConfig   `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Pattern     *PatternConfig     `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	ValueList   *ValueListConfig   `yaml:"value_list,omitempty" json:"value_list,omitempty"`
	PayloadSize *PayloadSizeConfig `yaml:"payload_size,omitempty" json:"payload_size,omitempty"`
}

// RateLimitConfig configures a rate_limit rule.
type RateLimitConfig struct {
	// MaxEvents is the number of events permitted inside the window.
	MaxEvents int `yaml:"max_events" json:"max_events"`

	// WindowSeconds is the sliding window length in seconds.
	WindowSeconds int `yaml:"window_seconds" json:"window_seconds"`
}

// Window returns the configured window as a duration.
func (c *RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// PatternConfig configures a pattern_match rule.
type PatternConfig struct {
	// DetectionRuleIDs references the detection rules to evaluate.
	// The rule matches if any referenced detection rule matches.
	DetectionRuleIDs []string `yaml:"detection_rule_ids" json:"detection_rule_ids"`
}

// ValueListConfig configures blocklist and allowlist rules.
type ValueListConfig struct {
	// Values is the membership list tested against event content.
	Values []string `yaml:"values" json:"values"`

	// Exact requires whole-content equality instead of substring match.
	Exact bool `yaml:"exact,omitempty" json:"exact,omitempty"`
}

// PayloadSizeConfig configures a payload_size rule.
type PayloadSizeConfig struct {
	// MaxContentBytes caps the byte length of the event content.
	// 0 disables the content check.
	MaxContentBytes int64 `yaml:"max_content_bytes" json:"max_content_bytes"`

	// MaxPayloadBytes caps the JSON-serialized size of the structured
	// payload. 0 disables the payload check.
	MaxPayloadBytes int64 `yaml:"max_payload_bytes" json:"max_payload_bytes"`
}

// Validate checks the rule for write-time configuration errors.
func (r *PolicyRule) Validate() error {
	if r.ID == "" {
		return &ConfigError{RuleID: r.ID, Reason: "rule id is required"}
	}
	if r.TenantID == "" {
		return &ConfigError{RuleID: r.ID, Reason: "tenant id is required"}
	}
	if !r.Type.Valid() {
		return &ConfigError{RuleID: r.ID, Reason: fmt.Sprintf("unknown rule type %q", r.Type)}
	}
	if !r.Action.Valid() {
		return &ConfigError{RuleID: r.ID, Reason: fmt.Sprintf("unknown action %q", r.Action)}
	}

	switch r.Type {
	case TypeRateLimit:
		c := r.Config.RateLimit
		if c == nil {
			return &ConfigError{RuleID: r.ID, Reason: "rate_limit config is required"}
		}
		if c.MaxEvents <= 0 {
			return &ConfigError{RuleID: r.ID, Reason: "max_events must be positive"}
		}
		if c.WindowSeconds <= 0 {
			return &ConfigError{RuleID: r.ID, Reason: "window_seconds must be positive"}
		}

	case TypePatternMatch:
		c := r.Config.Pattern
		if c == nil || len(c.DetectionRuleIDs) == 0 {
			return &ConfigError{RuleID: r.ID, Reason: "pattern config requires at least one detection rule reference"}
		}

	case TypeBlocklist, TypeAllowlist:
		c := r.Config.ValueList
		if c == nil || len(c.Values) == 0 {
			return &ConfigError{RuleID: r.ID, Reason: "value_list config requires at least one value"}
		}

	case TypePayloadSize:
		c := r.Config.PayloadSize
		if c == nil {
			return &ConfigError{RuleID: r.ID, Reason: "payload_size config is required"}
		}
		if c.MaxContentBytes < 0 || c.MaxPayloadBytes < 0 {
			return &ConfigError{RuleID: r.ID, Reason: "size thresholds must not be negative"}
		}
		if c.MaxContentBytes == 0 && c.MaxPayloadBytes == 0 {
			return &ConfigError{RuleID: r.ID, Reason: "payload_size config must set at least one threshold"}
		}

	case TypeCustom:
		// Custom rules carry no built-in config; they are an extension
		// point resolved by the evaluator's custom hook.
	}

	return nil
}
