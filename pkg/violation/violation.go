// Package violation defines policy violation records and their
// asynchronous recorder.
//
// One violation is created per rule match that produced a flag or block.
// Violations stay unresolved until a reviewer resolves them exactly once;
// resolving an already-resolved violation is an idempotency error, not a
// no-op.
package violation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sentinel-hq/arbiter/pkg/event"
)

// Sentinel errors.
var (
	// ErrNotFound indicates the violation does not exist.
	ErrNotFound = errors.New("violation not found")

	// ErrAlreadyResolved indicates a second resolution attempt.
	ErrAlreadyResolved = errors.New("violation already resolved")
)

// Violation links an event to the rule match that flagged or blocked it.
type Violation struct {
	// ID is the unique violation identifier.
	ID string `json:"id"`

	// TenantID scopes the violation.
	TenantID string `json:"tenant_id"`

	// EventID is the evaluated event.
	EventID string `json:"event_id"`

	// RuleID and RuleName identify the matched rule.
	RuleID   string `json:"rule_id"`
	RuleName string `json:"rule_name"`

	// Action is the action the match produced (flag or block).
	Action event.Action `json:"action"`

	// Severity is the reported severity.
	Severity string `json:"severity,omitempty"`

	// Detail describes what matched.
	Detail string `json:"detail,omitempty"`

	// Resolved is set exactly once by a reviewer.
	Resolved       bool       `json:"resolved"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	ResolutionNote string     `json:"resolution_note,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`

	// CreatedAt is when the violation was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// FromMatch builds a violation from one rule match on an event.
func FromMatch(ev *event.Event, match event.RuleMatch, severity string) *Violation {
	return &Violation{
		ID:        uuid.NewString(),
		TenantID:  ev.TenantID,
		EventID:   ev.ID,
		RuleID:    match.RuleID,
		RuleName:  match.RuleName,
		Action:    match.Action,
		Severity:  severity,
		Detail:    match.Detail,
		CreatedAt: time.Now().UTC(),
	}
}

// Resolve marks the violation resolved. The first resolution wins;
// later attempts return ErrAlreadyResolved and leave the original
// resolution data intact.
func (v *Violation) Resolve(resolvedBy, note string) error {
	if v.Resolved {
		return fmt.Errorf("violation %s resolved by %s at %s: %w",
			v.ID, v.ResolvedBy, v.ResolvedAt.Format(time.RFC3339), ErrAlreadyResolved)
	}
	now := time.Now().UTC()
	v.Resolved = true
	v.ResolvedBy = resolvedBy
	v.ResolutionNote = note
	v.ResolvedAt = &now
	return nil
}
