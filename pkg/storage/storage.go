// Package storage provides the persistence backends for events,
// violations, deliberation sessions and audit entries.
//
// Two backends implement the Store interface: an in-memory store for
// tests and development, and a SQLite store for durable deployments.
// The consumer packages (violation, deliberation, retention, audit)
// each declare the narrow interface they need; both backends satisfy
// all of them.
package storage

import (
	"context"
	"errors"
	"time"

	"sentinel-hq/arbiter/pkg/audit"
	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/event"
	"sentinel-hq/arbiter/pkg/violation"
)

// ErrEventNotFound indicates the event does not exist for the tenant.
// A tenant mismatch surfaces as not-found, never as another tenant's data.
var ErrEventNotFound = errors.New("event not found")

// Store is the full persistence surface.
type Store interface {
	// Events
	PutEvent(ctx context.Context, ev *event.Event) error
	GetEvent(ctx context.Context, tenantID, id string) (*event.Event, error)
	UpdateEvent(ctx context.Context, ev *event.Event) error

	// Violations
	PutViolation(ctx context.Context, v *violation.Violation) error
	GetViolation(ctx context.Context, tenantID, id string) (*violation.Violation, error)
	UpdateViolation(ctx context.Context, v *violation.Violation) error
	CountViolationsByRule(ctx context.Context, tenantID, ruleID string) (int64, error)

	// Sessions
	PutSession(ctx context.Context, s *deliberation.Session) error
	UpdateSession(ctx context.Context, s *deliberation.Session) error
	GetSession(ctx context.Context, id string) (*deliberation.Session, error)
	PutInstance(ctx context.Context, inst *deliberation.AgentInstance) error
	UpdateInstance(ctx context.Context, inst *deliberation.AgentInstance) error
	ListInstances(ctx context.Context, sessionID string) ([]*deliberation.AgentInstance, error)
	PutMessage(ctx context.Context, m *deliberation.Message) error
	UpdateMessage(ctx context.Context, m *deliberation.Message) error
	ListMessages(ctx context.Context, sessionID string) ([]*deliberation.Message, error)
	PutVerdict(ctx context.Context, v *deliberation.Verdict) error
	GetVerdict(ctx context.Context, sessionID string) (*deliberation.Verdict, error)
	ListWipeDue(ctx context.Context, now time.Time) ([]*deliberation.Session, error)
	ListActiveSessions(ctx context.Context) ([]*deliberation.Session, error)

	// Audit
	WriteAudit(ctx context.Context, entry *audit.Entry) error

	Close() error
}
