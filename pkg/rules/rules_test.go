package rules

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"sentinel-hq/arbiter/pkg/event"
)

// ============================================================================
// Policy Rule Validation Tests
// ============================================================================

func TestPolicyRule_Validate_RateLimit(t *testing.T) {
	rule := &PolicyRule{
		ID:       "r1",
		TenantID: "tenant-a",
		Type:     TypeRateLimit,
		Action:   event.ActionFlag,
		Config: RuleConfig{
			RateLimit: &RateLimitConfig{MaxEvents: 10, WindowSeconds: 60},
		},
	}
	if err := rule.Validate(); err != nil {
		t.Fatalf("valid rate_limit rule rejected: %v", err)
	}

	// Zero max_events must be rejected
	rule.Config.RateLimit.MaxEvents = 0
	var cerr *ConfigError
	if err := rule.Validate(); !errors.As(err, &cerr) {
		t.Errorf("Expected ConfigError for zero max_events, got %v", err)
	}
}

func TestPolicyRule_Validate_MissingConfig(t *testing.T) {
	for _, typ := range []Type{TypeRateLimit, TypePatternMatch, TypeBlocklist, TypeAllowlist, TypePayloadSize} {
		rule := &PolicyRule{
			ID:       "r1",
			TenantID: "tenant-a",
			Type:     typ,
			Action:   event.ActionFlag,
		}
		if err := rule.Validate(); err == nil {
			t.Errorf("Expected %s rule without config to be rejected", typ)
		}
	}
}

func TestPolicyRule_Validate_UnknownType(t *testing.T) {
	rule := &PolicyRule{ID: "r1", TenantID: "tenant-a", Type: "bogus", Action: event.ActionFlag}
	if err := rule.Validate(); err == nil {
		t.Error("Expected unknown rule type to be rejected")
	}
}

// ============================================================================
// Detection Rule Tests
// ============================================================================

func TestDetectionRule_Validate_Regex(t *testing.T) {
	d := &DetectionRule{
		ID:       "d1",
		TenantID: "tenant-a",
		Type:     DetectionRegex,
		Pattern:  `api[_-]?key\s*[:=]`,
		Enabled:  true,
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("valid regex detection rejected: %v", err)
	}
	if d.Compiled() == nil {
		t.Error("Expected Validate to cache the compiled regex")
	}
}

func TestDetectionRule_Validate_InvalidRegex(t *testing.T) {
	d := &DetectionRule{ID: "d1", TenantID: "tenant-a", Type: DetectionRegex, Pattern: `(unclosed`}
	var perr *PatternError
	if err := d.Validate(); !errors.As(err, &perr) {
		t.Errorf("Expected PatternError for invalid regex, got %v", err)
	}
}

func TestDetectionRule_Validate_Keywords(t *testing.T) {
	d := &DetectionRule{
		ID:       "d1",
		TenantID: "tenant-a",
		Type:     DetectionKeyword,
		Keywords: []string{"Password", "SECRET"},
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("valid keyword detection rejected: %v", err)
	}

	got := d.LoweredKeywords()
	if len(got) != 2 || got[0] != "password" || got[1] != "secret" {
		t.Errorf("LoweredKeywords = %v", got)
	}
}

// ============================================================================
// Pattern Screening Tests
// ============================================================================

func TestScreenPattern_NestedQuantifier(t *testing.T) {
	// Classic catastrophic-backtracking shapes must be rejected at
	// write time.
	rejected := []string{
		`(a+)+`,
		`(a*)*b`,
		`((a+)b)+`,
		`(\d{2,4})+`,
	}
	for _, p := range rejected {
		if err := screenPattern(p); err == nil {
			t.Errorf("Expected pattern %q to be rejected", p)
		}
	}
}

func TestScreenPattern_AcceptsSafePatterns(t *testing.T) {
	accepted := []string{
		`api[_-]?key`,
		`\b\d{3}-\d{2}-\d{4}\b`,
		`(foo|bar)baz`,
		`[a+b]+`,     // quantifier chars inside a class are literals
		`\(a\+\)\+`,  // escaped metacharacters
		`(abc)+ def`, // quantified group without inner quantifier
	}
	for _, p := range accepted {
		if err := screenPattern(p); err != nil {
			t.Errorf("Expected pattern %q to pass, got %v", p, err)
		}
	}
}

func TestScreenPattern_TooManyQuantifiers(t *testing.T) {
	p := ""
	for i := 0; i <= MaxQuantifiedGroups; i++ {
		p += "a+"
	}
	if err := screenPattern(p); err == nil {
		t.Errorf("Expected %d quantifiers to be rejected", MaxQuantifiedGroups+1)
	}
}

// ============================================================================
// Snapshot Tests
// ============================================================================

func TestBuildSnapshot_Ordering(t *testing.T) {
	policyRules := []*PolicyRule{
		{ID: "low", Type: TypeBlocklist, Priority: 10, Enabled: true},
		{ID: "high", Type: TypeBlocklist, Priority: 100, Enabled: true},
		{ID: "disabled", Type: TypeBlocklist, Priority: 500, Enabled: false},
		{ID: "allow", Type: TypeAllowlist, Priority: 1, Enabled: true},
		{ID: "tie-b", Type: TypeRateLimit, Priority: 50, Enabled: true},
		{ID: "tie-a", Type: TypeRateLimit, Priority: 50, Enabled: true},
	}

	snap := buildSnapshot("tenant-a", policyRules, nil)

	want := []string{"allow", "high", "tie-a", "tie-b", "low"}
	if len(snap.Rules) != len(want) {
		t.Fatalf("snapshot has %d rules, want %d", len(snap.Rules), len(want))
	}
	for i, id := range want {
		if snap.Rules[i].ID != id {
			t.Errorf("rules[%d] = %s, want %s", i, snap.Rules[i].ID, id)
		}
	}
}

func TestBuildSnapshot_FiltersDisabledDetections(t *testing.T) {
	detections := []*DetectionRule{
		{ID: "on", TenantID: "tenant-a", Type: DetectionKeyword, Keywords: []string{"x"}, Enabled: true},
		{ID: "off", TenantID: "tenant-a", Type: DetectionKeyword, Keywords: []string{"y"}, Enabled: false},
	}
	snap := buildSnapshot("tenant-a", nil, detections)

	if _, ok := snap.Detections["on"]; !ok {
		t.Error("Expected enabled detection in snapshot")
	}
	if _, ok := snap.Detections["off"]; ok {
		t.Error("Disabled detection leaked into snapshot")
	}
}

// ============================================================================
// Store Tests
// ============================================================================

type staticProvider struct {
	rules      []*PolicyRule
	detections []*DetectionRule
	err        error
	loads      int
}

func (p *staticProvider) LoadRules(ctx context.Context, tenantID string) ([]*PolicyRule, []*DetectionRule, error) {
	p.loads++
	if p.err != nil {
		return nil, nil, p.err
	}
	return p.rules, p.detections, nil
}

func TestStore_SnapshotCachesUntilRefresh(t *testing.T) {
	provider := &staticProvider{
		rules: []*PolicyRule{{ID: "r1", Type: TypeBlocklist, Enabled: true}},
	}
	store := NewStore(provider)

	snap1, err := store.Snapshot(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	snap2, err := store.Snapshot(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snap1 != snap2 {
		t.Error("Expected cached snapshot pointer on second read")
	}
	if provider.loads != 1 {
		t.Errorf("provider loaded %d times, want 1", provider.loads)
	}
}

func TestStore_RefreshBumpsVersion(t *testing.T) {
	provider := &staticProvider{}
	store := NewStore(provider)

	snap1, err := store.Refresh(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	snap2, err := store.Refresh(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	if snap2.Version <= snap1.Version {
		t.Errorf("version did not advance: %d then %d", snap1.Version, snap2.Version)
	}
}

func TestStore_InvalidateForcesReload(t *testing.T) {
	provider := &staticProvider{}
	store := NewStore(provider)

	if _, err := store.Snapshot(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	store.Invalidate("tenant-a")
	if _, err := store.Snapshot(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if provider.loads != 2 {
		t.Errorf("provider loaded %d times, want 2", provider.loads)
	}
}

// ============================================================================
// File Source Tests
// ============================================================================

const testRuleFile = `
tenant_id: tenant-a
rules:
  - id: block-secrets
    tenant_id: tenant-a
    name: Block secrets
    type: pattern_match
    action: block
    priority: 100
    enabled: true
    config:
      pattern:
        detection_rule_ids: [api-keys]
detections:
  - id: api-keys
    tenant_id: tenant-a
    name: API keys
    type: regex
    pattern: 'api[_-]?key'
    severity: high
    enabled: true
`

func TestFileSource_LoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant-a.yaml")
	if err := os.WriteFile(path, []byte(testRuleFile), 0o644); err != nil {
		t.Fatal(err)
	}

	source := NewFileSource(dir)
	policyRules, detections, err := source.LoadRules(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("LoadRules failed: %v", err)
	}

	if len(policyRules) != 1 || policyRules[0].ID != "block-secrets" {
		t.Errorf("unexpected rules: %+v", policyRules)
	}
	if len(detections) != 1 || detections[0].ID != "api-keys" {
		t.Errorf("unexpected detections: %+v", detections)
	}
	if detections[0].Compiled() == nil {
		t.Error("Expected loaded regex detection to be compiled")
	}
}

func TestFileSource_UnknownTenant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tenant-a.yaml")
	if err := os.WriteFile(path, []byte(testRuleFile), 0o644); err != nil {
		t.Fatal(err)
	}

	source := NewFileSource(dir)
	_, _, err := source.LoadRules(context.Background(), "tenant-z")
	if !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}
}

func TestFileSource_RejectsWholeFileOnInvalidRule(t *testing.T) {
	// One bad rule poisons the whole file: the tenant must never see a
	// partially valid rule set.
	bad := `
tenant_id: tenant-a
rules:
  - id: ok
    tenant_id: tenant-a
    type: blocklist
    action: block
    enabled: true
    config:
      value_list:
        values: [rm -rf]
  - id: broken
    tenant_id: tenant-a
    type: rate_limit
    action: flag
    enabled: true
    config:
      rate_limit:
        max_events: 0
        window_seconds: 60
`
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tenant-a.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	source := NewFileSource(dir)
	if _, _, err := source.LoadRules(context.Background(), "tenant-a"); err == nil {
		t.Error("Expected invalid file to be rejected whole")
	}
}
