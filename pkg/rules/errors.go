package rules

import (
	"errors"
	"fmt"
)

// Sentinel errors for store and lifecycle operations.
var (
	// ErrTenantNotFound indicates no rules are known for the tenant.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrRuleNotFound indicates the referenced policy rule does not exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrDetectionNotFound indicates a referenced detection rule does not exist.
	ErrDetectionNotFound = errors.New("detection rule not found")

	// ErrRuleInUse indicates a rule cannot be deleted because violation
	// records still reference it.
	ErrRuleInUse = errors.New("rule is referenced by existing violations")
)

// ConfigError indicates a malformed policy rule configuration.
// Configuration errors are rejected at write time and never reach the
// evaluation path.
type ConfigError struct {
	RuleID string
	Reason string
}

// Error returns the error message.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("rule %s: invalid configuration: %s", e.RuleID, e.Reason)
}

// PatternError indicates an invalid or unsafe detection pattern.
type PatternError struct {
	RuleID string
	Reason string
}

// Error returns the error message.
func (e *PatternError) Error() string {
	return fmt.Sprintf("detection rule %s: %s", e.RuleID, e.Reason)
}
