package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DetectionType is the closed set of detection rule types.
type DetectionType string

const (
	DetectionRegex    DetectionType = "regex"
	DetectionKeyword  DetectionType = "keyword"
	DetectionSemantic DetectionType = "semantic"
)

// Limits applied to regex patterns at write time. Patterns that exceed
// them are rejected before they can be stored enabled, so the evaluation
// path never runs an unbounded pattern.
const (
	// MaxPatternLength caps the regex source length.
	MaxPatternLength = 512

	// MaxQuantifiedGroups caps the number of quantified groups in one pattern.
	MaxQuantifiedGroups = 16
)

// DetectionRule is a tenant-scoped pattern definition referenced by
// pattern_match policy rules.
type DetectionRule struct {
	// ID is the unique detection rule identifier.
	ID string `yaml:"id" json:"id"`

	// TenantID scopes the detection rule to one tenant.
	TenantID string `yaml:"tenant_id" json:"tenant_id"`

	// Name is the human-readable name.
	Name string `yaml:"name" json:"name"`

	// Type selects the matching strategy.
	Type DetectionType `yaml:"type" json:"type"`

	// Pattern is the regex source (regex type only).
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	// Keywords is the case-insensitive keyword list (keyword type only).
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`

	// Category groups related detections ("prompt_injection", "exfiltration", ...).
	Category string `yaml:"category,omitempty" json:"category,omitempty"`

	// Severity is the reported severity when the detection matches.
	Severity string `yaml:"severity,omitempty" json:"severity,omitempty"`

	// Enabled detections are the only ones included in snapshots.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// CreatedAt is when the detection rule was first stored.
	CreatedAt time.Time `yaml:"created_at,omitempty" json:"created_at"`

	// compiled is the cached regex, populated by Validate.
	compiled *regexp.Regexp

	// loweredKeywords caches the lowercased keyword list.
	loweredKeywords []string
}

// Validate checks the detection rule and compiles its pattern.
// Regex rules must compile and pass the backtracking-risk screen before
// they can be stored; this is a write-time check, never an evaluation-time
// check.
func (d *DetectionRule) Validate() error {
	if d.ID == "" {
		return &PatternError{RuleID: d.ID, Reason: "detection rule id is required"}
	}
	if d.TenantID == "" {
		return &PatternError{RuleID: d.ID, Reason: "tenant id is required"}
	}

	switch d.Type {
	case DetectionRegex:
		if d.Pattern == "" {
			return &PatternError{RuleID: d.ID, Reason: "regex detection requires a pattern"}
		}
		if len(d.Pattern) > MaxPatternLength {
			return &PatternError{
				RuleID: d.ID,
				Reason: fmt.Sprintf("pattern length %d exceeds limit %d", len(d.Pattern), MaxPatternLength),
			}
		}
		if err := screenPattern(d.Pattern); err != nil {
			return &PatternError{RuleID: d.ID, Reason: err.Error()}
		}
		re, err := regexp.Compile(d.Pattern)
		if err != nil {
			return &PatternError{RuleID: d.ID, Reason: fmt.Sprintf("invalid regex: %v", err)}
		}
		d.compiled = re

	case DetectionKeyword:
		if len(d.Keywords) == 0 {
			return &PatternError{RuleID: d.ID, Reason: "keyword detection requires at least one keyword"}
		}
		d.loweredKeywords = make([]string, len(d.Keywords))
		for i, kw := range d.Keywords {
			if strings.TrimSpace(kw) == "" {
				return &PatternError{RuleID: d.ID, Reason: "empty keyword"}
			}
			d.loweredKeywords[i] = strings.ToLower(kw)
		}

	case DetectionSemantic:
		// Semantic detection is an extension point; it carries no
		// local pattern and never matches in the base engine.

	default:
		return &PatternError{RuleID: d.ID, Reason: fmt.Sprintf("unknown detection type %q", d.Type)}
	}

	return nil
}

// Compiled returns the cached regex, or nil if the rule is not a
// validated regex rule.
func (d *DetectionRule) Compiled() *regexp.Regexp {
	return d.compiled
}

// LoweredKeywords returns the cached lowercase keyword list.
func (d *DetectionRule) LoweredKeywords() []string {
	return d.loweredKeywords
}

// screenPattern rejects regex sources with catastrophic-backtracking
// risk. Go's RE2 engine is linear-time, but the screen keeps patterns
// portable to backtracking engines and caps worst-case constants:
// a quantifier applied to a group that itself contains a quantifier
// (e.g. "(a+)+") is rejected, as is an excessive number of quantified
// groups.
func screenPattern(pattern string) error {
	quantified := 0
	// depthHasQuantifier[i] records whether a quantifier was seen inside
	// the group at nesting depth i.
	var depthHasQuantifier []bool

	escaped := false
	inClass := false
	for i := 0; i < len(pattern); i++ {
		ch := pattern[i]

		if escaped {
			escaped = false
			continue
		}

		switch ch {
		case '\\':
			escaped = true
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '(':
			if !inClass {
				depthHasQuantifier = append(depthHasQuantifier, false)
			}
		case ')':
			if inClass || len(depthHasQuantifier) == 0 {
				continue
			}
			inner := depthHasQuantifier[len(depthHasQuantifier)-1]
			depthHasQuantifier = depthHasQuantifier[:len(depthHasQuantifier)-1]

			if inner && isQuantifier(pattern, i+1) {
				return fmt.Errorf("nested quantifier at offset %d", i+1)
			}
			if inner && len(depthHasQuantifier) > 0 {
				// Propagate so "((a+)b)+" is caught one level up.
				depthHasQuantifier[len(depthHasQuantifier)-1] = true
			}
		case '*', '+', '?', '{':
			if inClass {
				continue
			}
			quantified++
			if quantified > MaxQuantifiedGroups {
				return fmt.Errorf("more than %d quantifiers", MaxQuantifiedGroups)
			}
			if len(depthHasQuantifier) > 0 {
				depthHasQuantifier[len(depthHasQuantifier)-1] = true
			}
		}
	}

	return nil
}

// isQuantifier reports whether pattern[i] starts a quantifier.
func isQuantifier(pattern string, i int) bool {
	if i >= len(pattern) {
		return false
	}
	switch pattern[i] {
	case '*', '+', '?', '{':
		return true
	}
	return false
}
