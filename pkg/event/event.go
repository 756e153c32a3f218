package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action is the outcome of evaluating policy rules against an event.
type Action string

const (
	// ActionAllow permits the event without further processing.
	ActionAllow Action = "allow"

	// ActionFlag marks the event as suspicious and eligible for deliberation.
	ActionFlag Action = "flag"

	// ActionBlock rejects the event outright.
	ActionBlock Action = "block"
)

// severity defines the total order block > flag > allow used when
// multiple rules match the same event.
var severity = map[Action]int{
	ActionAllow: 0,
	ActionFlag:  1,
	ActionBlock: 2,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := severity[a]
	return ok
}

// MoreSevere reports whether a is strictly more severe than b.
func (a Action) MoreSevere(b Action) bool {
	return severity[a] > severity[b]
}

// MostSevere returns the more severe of two actions.
func MostSevere(a, b Action) Action {
	if b.MoreSevere(a) {
		return b
	}
	return a
}

// Status is the lifecycle state of an event.
// An event starts pending and transitions exactly once to a terminal status.
type Status string

const (
	StatusPending Status = "pending"
	StatusAllowed Status = "allowed"
	StatusFlagged Status = "flagged"
	StatusBlocked Status = "blocked"
)

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool {
	return s == StatusAllowed || s == StatusFlagged || s == StatusBlocked
}

// StatusFor maps an evaluation action to the event status it produces.
func StatusFor(a Action) Status {
	switch a {
	case ActionFlag:
		return StatusFlagged
	case ActionBlock:
		return StatusBlocked
	default:
		return StatusAllowed
	}
}

// Type classifies the kind of activity an agent event describes.
type Type string

const (
	TypeMessage    Type = "message"
	TypeToolCall   Type = "tool_call"
	TypeAPICall    Type = "api_call"
	TypeFileAccess Type = "file_access"
	TypeCustom     Type = "custom"
)

// Valid reports whether t is a known event type.
func (t Type) Valid() bool {
	switch t {
	case TypeMessage, TypeToolCall, TypeAPICall, TypeFileAccess, TypeCustom:
		return true
	}
	return false
}

// Event is a single activity record produced by an external agent.
//
// Events are immutable once evaluated except for the status fields:
// Status, Result and FlaggedReason are set exactly once when the policy
// evaluator finishes.
type Event struct {
	// ID is the unique event identifier (UUID).
	ID string `json:"id"`

	// TenantID scopes the event to one tenant.
	TenantID string `json:"tenant_id"`

	// AgentID identifies the source agent within the tenant.
	AgentID string `json:"agent_id"`

	// Type classifies the activity.
	Type Type `json:"type"`

	// Content is the textual payload evaluated by detection rules.
	Content string `json:"content"`

	// Payload carries arbitrary structured data attached to the event.
	Payload map[string]any `json:"payload,omitempty"`

	// SeverityHint is an optional severity suggestion from the producer.
	SeverityHint string `json:"severity_hint,omitempty"`

	// ReceivedAt is when the event entered the system.
	ReceivedAt time.Time `json:"received_at"`

	// Status is pending until evaluation completes.
	Status Status `json:"status"`

	// Result holds the evaluation outcome once the event leaves pending.
	Result *EvaluationResult `json:"result,omitempty"`

	// FlaggedReason summarizes why the event was flagged or blocked.
	FlaggedReason string `json:"flagged_reason,omitempty"`
}

// New creates a pending event with a fresh ID and receive timestamp.
func New(tenantID, agentID string, typ Type, content string, payload map[string]any) *Event {
	return &Event{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		AgentID:    agentID,
		Type:       typ,
		Content:    content,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
		Status:     StatusPending,
	}
}

// ApplyResult records the evaluation result on the event and moves it to
// its terminal status. An event is evaluated at most once: applying a
// result to a non-pending event returns a TransitionError and leaves the
// event unchanged.
func (e *Event) ApplyResult(result *EvaluationResult, reason string) error {
	if e.Status != StatusPending {
		return &TransitionError{EventID: e.ID, From: e.Status, To: StatusFor(result.Action)}
	}
	e.Status = StatusFor(result.Action)
	e.Result = result
	e.FlaggedReason = reason
	return nil
}

// TransitionError indicates an attempt to re-evaluate an already
// evaluated event.
type TransitionError struct {
	EventID string
	From    Status
	To      Status
}

// Error returns the error message.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %s: illegal status transition %s -> %s", e.EventID, e.From, e.To)
}
