package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sentinel-hq/arbiter/pkg/audit"
	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/event"
	"sentinel-hq/arbiter/pkg/violation"
)

// MemoryStore implements Store using in-memory maps. It is intended for
// tests and development; records are copied on the way in and out so
// callers never share mutable state with the store.
type MemoryStore struct {
	mu         sync.RWMutex
	events     map[string]*event.Event
	violations map[string]*violation.Violation
	sessions   map[string]*deliberation.Session
	instances  map[string][]*deliberation.AgentInstance
	messages   map[string][]*deliberation.Message
	verdicts   map[string]*deliberation.Verdict
	auditLog   []*audit.Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string]*event.Event),
		violations: make(map[string]*violation.Violation),
		sessions:   make(map[string]*deliberation.Session),
		instances:  make(map[string][]*deliberation.AgentInstance),
		messages:   make(map[string][]*deliberation.Message),
		verdicts:   make(map[string]*deliberation.Verdict),
	}
}

// PutEvent stores a copy of the event.
func (s *MemoryStore) PutEvent(ctx context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

// GetEvent returns a copy of the event, scoped to the tenant.
func (s *MemoryStore) GetEvent(ctx context.Context, tenantID, id string) (*event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[id]
	if !ok || ev.TenantID != tenantID {
		return nil, fmt.Errorf("event %s for tenant %s: %w", id, tenantID, ErrEventNotFound)
	}
	cp := *ev
	return &cp, nil
}

// UpdateEvent replaces the stored event.
func (s *MemoryStore) UpdateEvent(ctx context.Context, ev *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[ev.ID]; !ok {
		return fmt.Errorf("event %s: %w", ev.ID, ErrEventNotFound)
	}
	cp := *ev
	s.events[ev.ID] = &cp
	return nil
}

// PutViolation stores a copy of the violation.
func (s *MemoryStore) PutViolation(ctx context.Context, v *violation.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *v
	s.violations[v.ID] = &cp
	return nil
}

// GetViolation returns a copy of the violation, scoped to the tenant.
func (s *MemoryStore) GetViolation(ctx context.Context, tenantID, id string) (*violation.Violation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.violations[id]
	if !ok || v.TenantID != tenantID {
		return nil, fmt.Errorf("violation %s for tenant %s: %w", id, tenantID, violation.ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

// UpdateViolation replaces the stored violation.
func (s *MemoryStore) UpdateViolation(ctx context.Context, v *violation.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.violations[v.ID]; !ok {
		return fmt.Errorf("violation %s: %w", v.ID, violation.ErrNotFound)
	}
	cp := *v
	s.violations[v.ID] = &cp
	return nil
}

// CountViolationsByRule counts violations referencing the rule.
func (s *MemoryStore) CountViolationsByRule(ctx context.Context, tenantID, ruleID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, v := range s.violations {
		if v.TenantID == tenantID && v.RuleID == ruleID {
			n++
		}
	}
	return n, nil
}

// PutSession stores a copy of the session.
func (s *MemoryStore) PutSession(ctx context.Context, sess *deliberation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// UpdateSession replaces the stored session.
func (s *MemoryStore) UpdateSession(ctx context.Context, sess *deliberation.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %s: %w", sess.ID, deliberation.ErrSessionNotFound)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// GetSession returns a copy of the session.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*deliberation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, deliberation.ErrSessionNotFound)
	}
	cp := *sess
	return &cp, nil
}

// PutInstance appends a copy of the instance to its session.
func (s *MemoryStore) PutInstance(ctx context.Context, inst *deliberation.AgentInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *inst
	s.instances[inst.SessionID] = append(s.instances[inst.SessionID], &cp)
	return nil
}

// UpdateInstance replaces the stored instance.
func (s *MemoryStore) UpdateInstance(ctx context.Context, inst *deliberation.AgentInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.instances[inst.SessionID] {
		if existing.ID == inst.ID {
			cp := *inst
			s.instances[inst.SessionID][i] = &cp
			return nil
		}
	}
	return fmt.Errorf("instance %s: %w", inst.ID, deliberation.ErrSessionNotFound)
}

// ListInstances returns copies of the session's instances in step order.
func (s *MemoryStore) ListInstances(ctx context.Context, sessionID string) ([]*deliberation.AgentInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*deliberation.AgentInstance, 0, len(s.instances[sessionID]))
	for _, inst := range s.instances[sessionID] {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

// PutMessage appends a copy of the message to its session transcript.
func (s *MemoryStore) PutMessage(ctx context.Context, m *deliberation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	return nil
}

// UpdateMessage replaces the stored message.
func (s *MemoryStore) UpdateMessage(ctx context.Context, m *deliberation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.messages[m.SessionID] {
		if existing.ID == m.ID {
			cp := *m
			s.messages[m.SessionID][i] = &cp
			return nil
		}
	}
	return fmt.Errorf("message %s: %w", m.ID, deliberation.ErrSessionNotFound)
}

// ListMessages returns copies of the session's messages in insertion
// order (round order, since rounds are written sequentially).
func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]*deliberation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*deliberation.Message, 0, len(s.messages[sessionID]))
	for _, m := range s.messages[sessionID] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// PutVerdict stores the session's verdict, exactly once.
func (s *MemoryStore) PutVerdict(ctx context.Context, v *deliberation.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.verdicts[v.SessionID]; exists {
		return fmt.Errorf("session %s: %w", v.SessionID, deliberation.ErrVerdictExists)
	}
	cp := *v
	s.verdicts[v.SessionID] = &cp
	return nil
}

// GetVerdict returns a copy of the session's verdict.
func (s *MemoryStore) GetVerdict(ctx context.Context, sessionID string) (*deliberation.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.verdicts[sessionID]
	if !ok {
		return nil, fmt.Errorf("verdict for session %s: %w", sessionID, deliberation.ErrSessionNotFound)
	}
	cp := *v
	return &cp, nil
}

// ListWipeDue returns unwiped sessions whose wipe time has arrived.
func (s *MemoryStore) ListWipeDue(ctx context.Context, now time.Time) ([]*deliberation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*deliberation.Session
	for _, sess := range s.sessions {
		if sess.Wiped || sess.WipeAt == nil || sess.WipeAt.After(now) {
			continue
		}
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

// ListActiveSessions returns sessions in a non-terminal status.
func (s *MemoryStore) ListActiveSessions(ctx context.Context) ([]*deliberation.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*deliberation.Session
	for _, sess := range s.sessions {
		if !sess.Status.Terminal() {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

// WriteAudit appends a copy of the audit entry.
func (s *MemoryStore) WriteAudit(ctx context.Context, entry *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *entry
	s.auditLog = append(s.auditLog, &cp)
	return nil
}

// AuditEntries returns copies of all audit entries, for tests.
func (s *MemoryStore) AuditEntries() []*audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*audit.Entry, 0, len(s.auditLog))
	for _, e := range s.auditLog {
		cp := *e
		out = append(out, &cp)
	}
	return out
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
