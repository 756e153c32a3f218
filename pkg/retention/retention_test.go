package retention

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"sentinel-hq/arbiter/pkg/deliberation"
)

// fakeStore is an in-memory Store for scheduler tests.
type fakeStore struct {
	mu        sync.Mutex
	sessions  map[string]*deliberation.Session
	instances map[string][]*deliberation.AgentInstance
	messages  map[string][]*deliberation.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions:  make(map[string]*deliberation.Session),
		instances: make(map[string][]*deliberation.AgentInstance),
		messages:  make(map[string][]*deliberation.Message),
	}
}

func (f *fakeStore) UpdateSession(ctx context.Context, s *deliberation.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeStore) ListInstances(ctx context.Context, sessionID string) ([]*deliberation.AgentInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*deliberation.AgentInstance, 0, len(f.instances[sessionID]))
	for _, inst := range f.instances[sessionID] {
		cp := *inst
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateInstance(ctx context.Context, inst *deliberation.AgentInstance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.instances[inst.SessionID] {
		if existing.ID == inst.ID {
			cp := *inst
			f.instances[inst.SessionID][i] = &cp
		}
	}
	return nil
}

func (f *fakeStore) ListMessages(ctx context.Context, sessionID string) ([]*deliberation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*deliberation.Message, 0, len(f.messages[sessionID]))
	for _, m := range f.messages[sessionID] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) UpdateMessage(ctx context.Context, m *deliberation.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.messages[m.SessionID] {
		if existing.ID == m.ID {
			cp := *m
			f.messages[m.SessionID][i] = &cp
		}
	}
	return nil
}

func (f *fakeStore) ListWipeDue(ctx context.Context, now time.Time) ([]*deliberation.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*deliberation.Session
	for _, s := range f.sessions {
		if !s.Wiped && s.WipeAt != nil && !s.WipeAt.After(now) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) ListActiveSessions(ctx context.Context) ([]*deliberation.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*deliberation.Session
	for _, s := range f.sessions {
		if !s.Status.Terminal() {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) session(t *testing.T, id string) *deliberation.Session {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		t.Fatalf("session %s not in store", id)
	}
	cp := *s
	return &cp
}

// staticBudgets maps workflow IDs to fixed duration budgets.
type staticBudgets map[string]time.Duration

func (b staticBudgets) SessionBudget(workflowID string) (time.Duration, bool) {
	d, ok := b[workflowID]
	return d, ok
}

// seedSession stores a completed session with one instance and two
// messages, all carrying content to wipe.
func seedSession(t *testing.T, store *fakeStore, retentionID string) *deliberation.Session {
	t.Helper()
	session := deliberation.NewSession("tenant-a", "ev-1", "wf-1", deliberation.TriggerAutomatic)
	session.RetentionID = retentionID
	for _, to := range []deliberation.Status{
		deliberation.StatusAnalyzing, deliberation.StatusDeliberating,
		deliberation.StatusVoting, deliberation.StatusCompleted,
	} {
		if err := session.Transition(to); err != nil {
			t.Fatalf("seed transition failed: %v", err)
		}
	}
	if err := store.UpdateSession(context.Background(), session); err != nil {
		t.Fatalf("seed session failed: %v", err)
	}

	store.mu.Lock()
	store.instances[session.ID] = []*deliberation.AgentInstance{
		{ID: "inst-1", SessionID: session.ID, PersonaName: "skeptic", FinalVote: "block", FinalReasoning: "looked like an exfil attempt"},
	}
	store.messages[session.ID] = []*deliberation.Message{
		{ID: "msg-1", SessionID: session.ID, InstanceID: "inst-1", Round: 1, Kind: deliberation.KindAnalysis, Vote: "block", Confidence: 0.9, Content: "initial analysis text"},
		{ID: "msg-2", SessionID: session.ID, InstanceID: "inst-1", Round: 2, Kind: deliberation.KindVote, Vote: "block", Confidence: 0.9, Content: "final vote text"},
	}
	store.mu.Unlock()
	return session
}

func newTestScheduler(t *testing.T, store *fakeStore, policies []*Policy, budgets Budgets) *Scheduler {
	t.Helper()
	s, err := NewScheduler(store, policies, budgets, nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	return s
}

// ============================================================================
// Policy Tests
// ============================================================================

func TestPolicy_Validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr string
	}{
		{"immediate valid", Policy{ID: "p1", Mode: ModeImmediate}, ""},
		{"delayed valid", Policy{ID: "p2", Mode: ModeDelayed, Delay: time.Minute}, ""},
		{"scheduled valid", Policy{ID: "p3", Mode: ModeScheduled, Delay: time.Hour}, ""},
		{"missing id", Policy{Mode: ModeImmediate}, "id is required"},
		{"unknown mode", Policy{ID: "p4", Mode: "eventually"}, "unknown mode"},
		{"delayed without delay", Policy{ID: "p5", Mode: ModeDelayed}, "requires a positive delay"},
		{"scheduled without delay", Policy{ID: "p6", Mode: ModeScheduled}, "requires a positive delay"},
		{"unknown field", Policy{ID: "p7", Mode: ModeImmediate, WipeFields: []string{"verdict"}}, "unknown wipe field"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestPolicy_FieldsDefault(t *testing.T) {
	p := &Policy{ID: "p1", Mode: ModeImmediate}
	got := p.fields()
	if len(got) != 2 || got[0] != FieldMessages || got[1] != FieldInstanceReasoning {
		t.Errorf("fields() = %v", got)
	}

	p.WipeFields = []string{FieldErrorMessage}
	if got := p.fields(); len(got) != 1 || got[0] != FieldErrorMessage {
		t.Errorf("fields() = %v", got)
	}
}

func TestPolicy_WipeAt(t *testing.T) {
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	immediate := &Policy{ID: "p1", Mode: ModeImmediate}
	if got := immediate.wipeAt(now); !got.Equal(now) {
		t.Errorf("immediate wipeAt = %v, want %v", got, now)
	}

	delayed := &Policy{ID: "p2", Mode: ModeDelayed, Delay: 10 * time.Minute}
	if got := delayed.wipeAt(now); !got.Equal(now.Add(10 * time.Minute)) {
		t.Errorf("delayed wipeAt = %v", got)
	}
}

func TestShred_SameLengthRandomHex(t *testing.T) {
	original := "the agent tried to read ~/.ssh/id_rsa"
	got := shred(original)

	if len(got) != len(original) {
		t.Fatalf("shred length = %d, want %d", len(got), len(original))
	}
	if got == original {
		t.Error("shred returned the original value")
	}
	for _, c := range got {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Fatalf("shred output contains non-hex %q", c)
		}
	}

	if shred("") != "" {
		t.Error("shred of empty string must be empty")
	}
}

// ============================================================================
// Scheduler Tests
// ============================================================================

func TestNewScheduler_RejectsBadPolicies(t *testing.T) {
	if _, err := NewScheduler(newFakeStore(), []*Policy{{ID: "p1", Mode: "bogus"}}, nil, nil, nil); err == nil {
		t.Error("Expected invalid policy to be rejected")
	}

	_, err := NewScheduler(newFakeStore(), []*Policy{
		{ID: "p1", Mode: ModeImmediate},
		{ID: "p1", Mode: ModeImmediate},
	}, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "duplicate retention policy") {
		t.Errorf("error = %v, want duplicate policy", err)
	}
}

func TestScheduler_OnTerminal_ImmediateWipes(t *testing.T) {
	store := newFakeStore()
	sched := newTestScheduler(t, store, []*Policy{{ID: "ghost", Mode: ModeImmediate}}, nil)

	session := seedSession(t, store, "ghost")
	sched.OnTerminal(context.Background(), session)

	got := store.session(t, session.ID)
	if !got.Wiped {
		t.Fatal("Expected session to be wiped immediately")
	}
	if got.WipeAt == nil {
		t.Error("Expected WipeAt to be recorded")
	}

	messages, _ := store.ListMessages(context.Background(), session.ID)
	for _, m := range messages {
		if m.Content != "" || m.Vote != "" || m.Confidence != 0 {
			t.Errorf("message %s not wiped: %+v", m.ID, m)
		}
	}
	instances, _ := store.ListInstances(context.Background(), session.ID)
	for _, inst := range instances {
		if inst.FinalReasoning != "" {
			t.Errorf("instance %s reasoning not wiped", inst.ID)
		}
		// The vote itself is retained; only the reasoning is wiped.
		if inst.FinalVote == "" {
			t.Errorf("instance %s vote was wiped", inst.ID)
		}
	}
}

func TestScheduler_OnTerminal_DelayedSchedulesOnly(t *testing.T) {
	store := newFakeStore()
	sched := newTestScheduler(t, store, []*Policy{{ID: "ghost", Mode: ModeDelayed, Delay: time.Hour}}, nil)

	session := seedSession(t, store, "ghost")
	before := time.Now().UTC()
	sched.OnTerminal(context.Background(), session)

	got := store.session(t, session.ID)
	if got.Wiped {
		t.Fatal("Delayed wipe must not apply at terminal time")
	}
	if got.WipeAt == nil || got.WipeAt.Before(before.Add(59*time.Minute)) {
		t.Errorf("WipeAt = %v, want about an hour out", got.WipeAt)
	}

	messages, _ := store.ListMessages(context.Background(), session.ID)
	if messages[0].Content == "" {
		t.Error("message content wiped before the delay elapsed")
	}
}

func TestScheduler_OnTerminal_NoPolicyIsNoOp(t *testing.T) {
	store := newFakeStore()
	sched := newTestScheduler(t, store, nil, nil)

	session := seedSession(t, store, "")
	sched.OnTerminal(context.Background(), session)

	got := store.session(t, session.ID)
	if got.Wiped || got.WipeAt != nil {
		t.Errorf("session without retention policy was touched: %+v", got)
	}
}

func TestScheduler_Sweep_WipesDueSessions(t *testing.T) {
	store := newFakeStore()
	sched := newTestScheduler(t, store, []*Policy{{ID: "ghost", Mode: ModeScheduled, Delay: time.Minute}}, nil)

	due := seedSession(t, store, "ghost")
	past := time.Now().UTC().Add(-time.Second)
	due.WipeAt = &past
	store.UpdateSession(context.Background(), due)

	notYet := seedSession(t, store, "ghost")
	future := time.Now().UTC().Add(time.Hour)
	notYet.WipeAt = &future
	store.UpdateSession(context.Background(), notYet)

	sched.Sweep(context.Background())

	if !store.session(t, due.ID).Wiped {
		t.Error("Expected due session to be wiped")
	}
	if store.session(t, notYet.ID).Wiped {
		t.Error("Future-dated session wiped early")
	}
}

func TestScheduler_Wipe_SkipsAlreadyWiped(t *testing.T) {
	store := newFakeStore()
	sched := newTestScheduler(t, store, []*Policy{{ID: "ghost", Mode: ModeImmediate}}, nil)

	session := seedSession(t, store, "ghost")
	sched.OnTerminal(context.Background(), session)

	// Re-seed a message, then wipe again: the second pass must not run.
	store.mu.Lock()
	store.messages[session.ID][0].Content = "recovered content"
	store.mu.Unlock()

	wiped := store.session(t, session.ID)
	sched.wipe(context.Background(), wiped, &Policy{ID: "ghost", Mode: ModeImmediate})

	messages, _ := store.ListMessages(context.Background(), session.ID)
	if messages[0].Content != "recovered content" {
		t.Error("wipe ran again on an already-wiped session")
	}
}

func TestScheduler_Wipe_ErrorMessageField(t *testing.T) {
	store := newFakeStore()
	policy := &Policy{ID: "ghost", Mode: ModeImmediate, WipeFields: []string{FieldErrorMessage}, CryptoShred: true}
	sched := newTestScheduler(t, store, []*Policy{policy}, nil)

	session := deliberation.NewSession("tenant-a", "ev-1", "wf-1", deliberation.TriggerAutomatic)
	session.RetentionID = "ghost"
	session.ErrorMessage = "provider leaked a secret in its reasoning"
	session.Transition(deliberation.StatusFailed)
	store.UpdateSession(context.Background(), session)

	sched.OnTerminal(context.Background(), session)

	got := store.session(t, session.ID)
	if got.ErrorMessage != "" {
		t.Errorf("error message = %q, want empty", got.ErrorMessage)
	}
	if !got.Wiped {
		t.Error("Expected session marked wiped")
	}
}

func TestScheduler_EnforceBudgets_ForcesTimeout(t *testing.T) {
	store := newFakeStore()
	sched := newTestScheduler(t, store, nil, staticBudgets{"wf-1": time.Minute})

	var cancelled []string
	sched.SetCanceller(func(id string) { cancelled = append(cancelled, id) })

	stuck := deliberation.NewSession("tenant-a", "ev-1", "wf-1", deliberation.TriggerAutomatic)
	stuck.StartedAt = time.Now().UTC().Add(-time.Hour)
	stuck.Transition(deliberation.StatusAnalyzing)
	store.UpdateSession(context.Background(), stuck)

	fresh := deliberation.NewSession("tenant-a", "ev-2", "wf-1", deliberation.TriggerAutomatic)
	fresh.Transition(deliberation.StatusAnalyzing)
	store.UpdateSession(context.Background(), fresh)

	sched.Sweep(context.Background())

	if got := store.session(t, stuck.ID); got.Status != deliberation.StatusTimedOut {
		t.Errorf("stuck session status = %s, want timed_out", got.Status)
	}
	if got := store.session(t, fresh.ID); got.Status != deliberation.StatusAnalyzing {
		t.Errorf("fresh session status = %s, want analyzing", got.Status)
	}
	if len(cancelled) != 1 || cancelled[0] != stuck.ID {
		t.Errorf("cancelled = %v, want [%s]", cancelled, stuck.ID)
	}
}

func TestScheduler_EnforceBudgets_PendingFails(t *testing.T) {
	store := newFakeStore()
	sched := newTestScheduler(t, store, nil, staticBudgets{"wf-1": time.Minute})

	// A pending session has no legal edge to timed_out.
	orphan := deliberation.NewSession("tenant-a", "ev-1", "wf-1", deliberation.TriggerAutomatic)
	orphan.StartedAt = time.Now().UTC().Add(-time.Hour)
	store.UpdateSession(context.Background(), orphan)

	sched.Sweep(context.Background())

	got := store.session(t, orphan.ID)
	if got.Status != deliberation.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "duration budget") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
}

func TestScheduler_StartRejectsBadSchedule(t *testing.T) {
	sched, err := NewScheduler(newFakeStore(), nil, nil, &Config{SweepSchedule: "not a cron"}, nil)
	if err != nil {
		t.Fatalf("NewScheduler failed: %v", err)
	}
	if err := sched.Start(context.Background()); err == nil {
		t.Error("Expected invalid schedule to be rejected")
	}
}
