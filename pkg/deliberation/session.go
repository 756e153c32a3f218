package deliberation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sentinel-hq/arbiter/pkg/event"
)

// Sentinel errors.
var (
	// ErrSessionNotFound indicates the session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrWorkflowNotFound indicates the referenced workflow does not exist.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowDisabled indicates the workflow is not enabled.
	ErrWorkflowDisabled = errors.New("workflow is disabled")

	// ErrVerdictExists indicates a second verdict creation attempt.
	ErrVerdictExists = errors.New("session already has a verdict")
)

// Status is the deliberation session state.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAnalyzing    Status = "analyzing"
	StatusDeliberating Status = "deliberating"
	StatusVoting       Status = "voting"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
)

// transitions is the complete legal transition table. Terminal states
// have no entry.
var transitions = map[Status][]Status{
	StatusPending:      {StatusAnalyzing, StatusFailed},
	StatusAnalyzing:    {StatusDeliberating, StatusFailed, StatusTimedOut},
	StatusDeliberating: {StatusVoting, StatusFailed, StatusTimedOut},
	StatusVoting:       {StatusCompleted, StatusFailed, StatusTimedOut},
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError indicates an attempted transition outside the table.
type TransitionError struct {
	SessionID string
	From      Status
	To        Status
}

// Error returns the error message.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("session %s: illegal transition %s -> %s", e.SessionID, e.From, e.To)
}

// Trigger records how a session was started.
type Trigger string

const (
	TriggerAutomatic Trigger = "automatic"
	TriggerManual    Trigger = "manual"
)

// Session is one deliberation over a flagged event. It exclusively owns
// its agent instances, messages and verdict; they are wiped together
// under the tenant's ephemeral-retention policy, never independently.
type Session struct {
	// ID is the unique session identifier.
	ID string `json:"id"`

	// TenantID scopes the session.
	TenantID string `json:"tenant_id"`

	// EventID is the originating event.
	EventID string `json:"event_id"`

	// WorkflowID is the workflow that shaped the session.
	WorkflowID string `json:"workflow_id"`

	// Trigger records whether the session started automatically or manually.
	Trigger Trigger `json:"trigger"`

	// Status is the state machine position.
	Status Status `json:"status"`

	// StartedAt and CompletedAt bound the session's lifetime.
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ErrorMessage captures the failure cause for failed sessions.
	ErrorMessage string `json:"error_message,omitempty"`

	// RetentionID links the ephemeral-retention policy, if any.
	RetentionID string `json:"retention_id,omitempty"`

	// WipeAt is when the retention wipe is due, once scheduled.
	WipeAt *time.Time `json:"wipe_at,omitempty"`

	// Wiped records that the retention wipe has been applied.
	Wiped bool `json:"wiped"`
}

// NewSession creates a pending session for the event under the workflow.
func NewSession(tenantID, eventID, workflowID string, trigger Trigger) *Session {
	return &Session{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		EventID:    eventID,
		WorkflowID: workflowID,
		Trigger:    trigger,
		Status:     StatusPending,
		StartedAt:  time.Now().UTC(),
	}
}

// Transition moves the session to the next status, rejecting anything
// outside the transition table. The session is unchanged on error.
func (s *Session) Transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return &TransitionError{SessionID: s.ID, From: s.Status, To: to}
	}
	s.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		s.CompletedAt = &now
	}
	return nil
}

// AgentInstance is one persona participating in a session.
type AgentInstance struct {
	// ID is the unique instance identifier.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// PersonaID and PersonaName identify the configured persona.
	PersonaID   string `json:"persona_id"`
	PersonaName string `json:"persona_name"`

	// Step is the workflow step index the instance was created from.
	Step int `json:"step"`

	// PromptTemplate is the optional per-step template override.
	PromptTemplate string `json:"prompt_template,omitempty"`

	// FinalVote and FinalConfidence track the instance's latest position.
	FinalVote       event.Action `json:"final_vote,omitempty"`
	FinalConfidence float64      `json:"final_confidence,omitempty"`

	// FinalReasoning is the free text behind the latest position.
	FinalReasoning string `json:"final_reasoning,omitempty"`
}

// MessageKind classifies a deliberation message.
type MessageKind string

const (
	KindAnalysis MessageKind = "analysis"
	KindArgument MessageKind = "argument"
	KindVote     MessageKind = "vote"
)

// Message is one analysis, argument or vote emitted by an instance.
// Round numbers order the transcript.
type Message struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// SessionID and InstanceID locate the message.
	SessionID  string `json:"session_id"`
	InstanceID string `json:"instance_id"`

	// Round is the deliberation round the message belongs to (1-based).
	Round int `json:"round"`

	// Kind classifies the message.
	Kind MessageKind `json:"kind"`

	// Vote and Confidence carry the position taken in this message.
	Vote       event.Action `json:"vote,omitempty"`
	Confidence float64      `json:"confidence,omitempty"`

	// Content is the free-text reasoning.
	Content string `json:"content"`

	// CreatedAt orders messages within a round.
	CreatedAt time.Time `json:"created_at"`
}

// Dissent records a minority position on a completed session.
type Dissent struct {
	PersonaName string       `json:"persona_name"`
	Vote        event.Action `json:"vote"`
	Reasoning   string       `json:"reasoning,omitempty"`
}

// Verdict is the consensus outcome of a completed session.
// A session owns at most one verdict, created exactly once.
type Verdict struct {
	// ID is the unique verdict identifier.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Decision is the aggregated outcome.
	Decision event.Action `json:"decision"`

	// Confidence is the aggregate confidence of the winning side.
	Confidence float64 `json:"confidence"`

	// Reasoning summarizes how the decision was reached.
	Reasoning string `json:"reasoning"`

	// ConsensusReached reports whether the consensus policy was satisfied.
	ConsensusReached bool `json:"consensus_reached"`

	// Dissents lists minority votes with their reasoning.
	Dissents []Dissent `json:"dissents,omitempty"`

	// CreatedAt is when the verdict was created.
	CreatedAt time.Time `json:"created_at"`
}
