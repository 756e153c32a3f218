package deliberation

import (
	"math"
	"strings"
	"testing"

	"sentinel-hq/arbiter/pkg/event"
)

func fv(persona string, vote event.Action, confidence float64) FinalVote {
	return FinalVote{PersonaName: persona, Vote: vote, Confidence: confidence, Reasoning: persona + " reasoning"}
}

// ============================================================================
// Unanimous Strategy Tests
// ============================================================================

func TestUnanimousResolver_AllAgree(t *testing.T) {
	r := NewResolver(ConsensusPolicy{Mode: ConsensusUnanimous})
	out := r.Resolve([]FinalVote{
		fv("skeptic", event.ActionBlock, 0.9),
		fv("advocate", event.ActionBlock, 0.7),
		fv("arbiter", event.ActionBlock, 0.8),
	})

	if !out.Reached {
		t.Fatal("Expected consensus to be reached")
	}
	if out.Decision != event.ActionBlock {
		t.Errorf("decision = %s, want block", out.Decision)
	}
	if math.Abs(out.Confidence-0.8) > 1e-9 {
		t.Errorf("confidence = %f, want 0.8", out.Confidence)
	}
	if len(out.Dissents) != 0 {
		t.Errorf("Expected no dissents, got %d", len(out.Dissents))
	}
	if !strings.Contains(out.Reasoning, "unanimous") {
		t.Errorf("reasoning = %q", out.Reasoning)
	}
}

func TestUnanimousResolver_OneDissenter(t *testing.T) {
	r := NewResolver(ConsensusPolicy{Mode: ConsensusUnanimous})
	out := r.Resolve([]FinalVote{
		fv("skeptic", event.ActionBlock, 0.9),
		fv("advocate", event.ActionAllow, 0.6),
		fv("arbiter", event.ActionBlock, 0.8),
	})

	if out.Reached {
		t.Fatal("Expected no consensus with a dissenter")
	}
	if len(out.Dissents) != 1 {
		t.Fatalf("dissents = %d, want 1", len(out.Dissents))
	}
	if out.Dissents[0].PersonaName != "advocate" || out.Dissents[0].Vote != event.ActionAllow {
		t.Errorf("unexpected dissent %+v", out.Dissents[0])
	}
}

// ============================================================================
// Majority Strategy Tests
// ============================================================================

func TestMajorityResolver_StrictMajority(t *testing.T) {
	r := NewResolver(ConsensusPolicy{Mode: ConsensusMajority})
	out := r.Resolve([]FinalVote{
		fv("a", event.ActionFlag, 0.6),
		fv("b", event.ActionFlag, 0.8),
		fv("c", event.ActionAllow, 0.9),
	})

	if !out.Reached {
		t.Fatal("Expected 2 of 3 to reach consensus")
	}
	if out.Decision != event.ActionFlag {
		t.Errorf("decision = %s, want flag", out.Decision)
	}
	// Mean of winning side only.
	if math.Abs(out.Confidence-0.7) > 1e-9 {
		t.Errorf("confidence = %f, want 0.7", out.Confidence)
	}
	if len(out.Dissents) != 1 || out.Dissents[0].PersonaName != "c" {
		t.Errorf("unexpected dissents %+v", out.Dissents)
	}
}

func TestMajorityResolver_TieFails(t *testing.T) {
	r := NewResolver(ConsensusPolicy{Mode: ConsensusMajority})
	out := r.Resolve([]FinalVote{
		fv("a", event.ActionBlock, 0.9),
		fv("b", event.ActionAllow, 0.9),
	})

	if out.Reached {
		t.Fatal("Expected a 1-1 tie to fail")
	}
	if out.Reasoning != "no strict majority" {
		t.Errorf("reasoning = %q", out.Reasoning)
	}
}

func TestMajorityResolver_ExactHalfFails(t *testing.T) {
	r := NewResolver(ConsensusPolicy{Mode: ConsensusMajority})
	out := r.Resolve([]FinalVote{
		fv("a", event.ActionBlock, 0.9),
		fv("b", event.ActionBlock, 0.9),
		fv("c", event.ActionFlag, 0.5),
		fv("d", event.ActionAllow, 0.5),
	})

	// 2 of 4 is not strict.
	if out.Reached {
		t.Fatal("Expected 2 of 4 to fail strict majority")
	}
}

// ============================================================================
// Quorum Strategy Tests
// ============================================================================

func TestQuorumResolver_ThresholdMet(t *testing.T) {
	r := NewResolver(ConsensusPolicy{Mode: ConsensusQuorum, Quorum: 0.6})
	out := r.Resolve([]FinalVote{
		fv("a", event.ActionFlag, 0.7),
		fv("b", event.ActionFlag, 0.7),
		fv("c", event.ActionFlag, 0.7),
		fv("d", event.ActionAllow, 0.9),
		fv("e", event.ActionAllow, 0.9),
	})

	if !out.Reached {
		t.Fatal("Expected 3 of 5 to pass a 0.6 quorum")
	}
	if out.Decision != event.ActionFlag {
		t.Errorf("decision = %s, want flag", out.Decision)
	}
	if len(out.Dissents) != 2 {
		t.Errorf("dissents = %d, want 2", len(out.Dissents))
	}
}

func TestQuorumResolver_BelowThreshold(t *testing.T) {
	r := NewResolver(ConsensusPolicy{Mode: ConsensusQuorum, Quorum: 0.75})
	out := r.Resolve([]FinalVote{
		fv("a", event.ActionBlock, 0.9),
		fv("b", event.ActionBlock, 0.9),
		fv("c", event.ActionAllow, 0.4),
	})

	if out.Reached {
		t.Fatal("Expected 2 of 3 to miss a 0.75 quorum")
	}
	if !strings.Contains(out.Reasoning, "quorum requires") {
		t.Errorf("reasoning = %q", out.Reasoning)
	}
}

func TestQuorumResolver_TieFailsEvenAtThreshold(t *testing.T) {
	r := NewResolver(ConsensusPolicy{Mode: ConsensusQuorum, Quorum: 0.5})
	out := r.Resolve([]FinalVote{
		fv("a", event.ActionBlock, 0.9),
		fv("b", event.ActionAllow, 0.9),
	})

	if out.Reached {
		t.Fatal("Expected a tie to fail regardless of threshold")
	}
}

// ============================================================================
// Shared Helpers
// ============================================================================

func TestResolvers_EmptyVotes(t *testing.T) {
	for _, policy := range []ConsensusPolicy{
		{Mode: ConsensusUnanimous},
		{Mode: ConsensusMajority},
		{Mode: ConsensusQuorum, Quorum: 0.5},
	} {
		out := NewResolver(policy).Resolve(nil)
		if out.Reached {
			t.Errorf("%s: Expected no consensus with zero votes", policy.Mode)
		}
		if out.Reasoning != "no votes cast" {
			t.Errorf("%s: reasoning = %q", policy.Mode, out.Reasoning)
		}
	}
}

func TestVoteCounts_LeaderSeverityTiebreak(t *testing.T) {
	// With equal counts the leader reported alongside dissents is the
	// more severe action.
	counts := tally([]FinalVote{
		fv("a", event.ActionAllow, 0.5),
		fv("b", event.ActionBlock, 0.5),
	})
	if got := counts.leader(); got != event.ActionBlock {
		t.Errorf("leader = %s, want block", got)
	}
	if !counts.tied(event.ActionBlock) {
		t.Error("Expected tie detection")
	}
}
