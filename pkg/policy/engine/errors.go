package engine

import (
	"fmt"
	"time"
)

// RuleError indicates a single rule could not be evaluated.
type RuleError struct {
	RuleID  string
	Message string
	Cause   error
}

// Error returns the error message.
func (e *RuleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("rule %s: %s: %v", e.RuleID, e.Message, e.Cause)
	}
	return fmt.Sprintf("rule %s: %s", e.RuleID, e.Message)
}

// Unwrap returns the underlying cause.
func (e *RuleError) Unwrap() error {
	return e.Cause
}

// TimeoutError indicates an evaluation exceeded its time budget.
type TimeoutError struct {
	EventID string
	Timeout time.Duration
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("event %s: evaluation timeout after %v", e.EventID, e.Timeout)
}
