package rules

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Provider supplies the raw rule set for a tenant. Implementations are
// the file source in this package and the persistence layer.
type Provider interface {
	// LoadRules returns all policy and detection rules for the tenant,
	// enabled or not. The store filters and orders them.
	LoadRules(ctx context.Context, tenantID string) ([]*PolicyRule, []*DetectionRule, error)
}

// Snapshot is an immutable view of a tenant's enabled rules.
//
// Rules are pre-ordered for evaluation: allowlist rules first (they
// short-circuit to allow), then descending priority. Detections are
// indexed by ID. A snapshot is never mutated after construction; a
// refresh builds a replacement and swaps the tenant's pointer.
type Snapshot struct {
	// TenantID is the tenant this snapshot belongs to.
	TenantID string

	// Rules are the enabled policy rules in evaluation order.
	Rules []*PolicyRule

	// Detections indexes enabled detection rules by ID.
	Detections map[string]*DetectionRule

	// Version increases on every refresh.
	Version int64

	// BuiltAt is when the snapshot was constructed.
	BuiltAt time.Time
}

// Store holds one snapshot per tenant and refreshes them on demand.
//
// Reads are lock-free on the snapshot contents: the store only guards the
// tenant -> snapshot pointer map. Evaluators therefore always see a
// consistent rule set, never a partially updated one.
type Store struct {
	provider  Provider
	snapshots sync.Map // tenantID -> *Snapshot
	versions  sync.Map // tenantID -> *versionCounter
	logger    *slog.Logger

	// refreshMu serializes refreshes per store to keep version numbers
	// monotonic. Refreshes are rare relative to reads.
	refreshMu sync.Mutex
}

type versionCounter struct {
	mu sync.Mutex
	n  int64
}

// NewStore creates a rule store backed by the given provider.
func NewStore(provider Provider) *Store {
	return &Store{
		provider: provider,
		logger:   slog.Default().With("component", "rules.store"),
	}
}

// Snapshot returns the current snapshot for the tenant, loading it from
// the provider on first access.
func (s *Store) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	if snap, ok := s.snapshots.Load(tenantID); ok {
		return snap.(*Snapshot), nil
	}
	return s.Refresh(ctx, tenantID)
}

// Refresh rebuilds the tenant's snapshot from the provider and swaps it
// in atomically. Concurrent readers keep the old snapshot until the swap
// completes.
func (s *Store) Refresh(ctx context.Context, tenantID string) (*Snapshot, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	policyRules, detections, err := s.provider.LoadRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	snap := buildSnapshot(tenantID, policyRules, detections)
	snap.Version = s.nextVersion(tenantID)
	s.snapshots.Store(tenantID, snap)

	s.logger.Info("rule snapshot refreshed",
		"tenant_id", tenantID,
		"version", snap.Version,
		"rule_count", len(snap.Rules),
		"detection_count", len(snap.Detections),
	)

	return snap, nil
}

// Invalidate drops the tenant's snapshot so the next read reloads it.
func (s *Store) Invalidate(tenantID string) {
	s.snapshots.Delete(tenantID)
}

func (s *Store) nextVersion(tenantID string) int64 {
	v, _ := s.versions.LoadOrStore(tenantID, &versionCounter{})
	counter := v.(*versionCounter)
	counter.mu.Lock()
	defer counter.mu.Unlock()
	counter.n++
	return counter.n
}

// buildSnapshot filters to enabled rules and orders them for evaluation.
// Allowlist rules are hoisted ahead of everything else so an allowlist
// match can short-circuit before any other rule runs; the remaining rules
// sort by descending priority, ties broken by ID for determinism.
func buildSnapshot(tenantID string, policyRules []*PolicyRule, detections []*DetectionRule) *Snapshot {
	enabled := make([]*PolicyRule, 0, len(policyRules))
	for _, r := range policyRules {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	sort.SliceStable(enabled, func(i, j int) bool {
		a, b := enabled[i], enabled[j]
		aAllow := a.Type == TypeAllowlist
		bAllow := b.Type == TypeAllowlist
		if aAllow != bAllow {
			return aAllow
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})

	index := make(map[string]*DetectionRule, len(detections))
	for _, d := range detections {
		if d.Enabled {
			index[d.ID] = d
		}
	}

	return &Snapshot{
		TenantID:   tenantID,
		Rules:      enabled,
		Detections: index,
		BuiltAt:    time.Now().UTC(),
	}
}
