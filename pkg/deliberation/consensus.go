package deliberation

import (
	"fmt"

	"sentinel-hq/arbiter/pkg/event"
)

// FinalVote is one instance's final position entering the voting phase.
type FinalVote struct {
	PersonaName string
	Vote        event.Action
	Confidence  float64
	Reasoning   string
}

// Outcome is the aggregated result of the voting phase.
type Outcome struct {
	// Decision is the winning vote when consensus is reached.
	Decision event.Action

	// Confidence is the mean confidence of the winning side.
	Confidence float64

	// Reached reports whether the consensus policy was satisfied.
	Reached bool

	// Dissents lists the losing-side votes with their reasoning.
	Dissents []Dissent

	// Reasoning summarizes the aggregation.
	Reasoning string
}

// Resolver aggregates final votes into an outcome. The exact aggregation
// rule is a pluggable strategy selected by the workflow's consensus
// policy.
type Resolver interface {
	Resolve(votes []FinalVote) *Outcome
}

// NewResolver returns the strategy for the policy. The policy must have
// been validated with the workflow.
func NewResolver(policy ConsensusPolicy) Resolver {
	switch policy.Mode {
	case ConsensusUnanimous:
		return unanimousResolver{}
	case ConsensusQuorum:
		return quorumResolver{threshold: policy.Quorum}
	default:
		return majorityResolver{}
	}
}

// unanimousResolver requires every vote to agree.
type unanimousResolver struct{}

func (unanimousResolver) Resolve(votes []FinalVote) *Outcome {
	if len(votes) == 0 {
		return &Outcome{Reasoning: "no votes cast"}
	}

	first := votes[0].Vote
	for _, v := range votes[1:] {
		if v.Vote != first {
			return &Outcome{
				Reached:   false,
				Dissents:  collectDissents(votes, tally(votes).leader()),
				Reasoning: "votes were not unanimous",
			}
		}
	}

	return &Outcome{
		Decision:   first,
		Confidence: meanConfidence(votes, first),
		Reached:    true,
		Reasoning:  fmt.Sprintf("unanimous %s from %d participants", first, len(votes)),
	}
}

// majorityResolver requires a strict majority; ties mean no consensus.
type majorityResolver struct{}

func (majorityResolver) Resolve(votes []FinalVote) *Outcome {
	if len(votes) == 0 {
		return &Outcome{Reasoning: "no votes cast"}
	}

	counts := tally(votes)
	leader := counts.leader()
	if counts[leader]*2 <= len(votes) || counts.tied(leader) {
		return &Outcome{
			Reached:   false,
			Dissents:  collectDissents(votes, leader),
			Reasoning: "no strict majority",
		}
	}

	return &Outcome{
		Decision:   leader,
		Confidence: meanConfidence(votes, leader),
		Reached:    true,
		Dissents:   collectDissents(votes, leader),
		Reasoning:  fmt.Sprintf("majority %s (%d of %d)", leader, counts[leader], len(votes)),
	}
}

// quorumResolver requires the leading vote to reach a configured
// fraction of all votes; ties mean no consensus.
type quorumResolver struct {
	threshold float64
}

func (r quorumResolver) Resolve(votes []FinalVote) *Outcome {
	if len(votes) == 0 {
		return &Outcome{Reasoning: "no votes cast"}
	}

	counts := tally(votes)
	leader := counts.leader()
	fraction := float64(counts[leader]) / float64(len(votes))
	if fraction < r.threshold || counts.tied(leader) {
		return &Outcome{
			Reached:   false,
			Dissents:  collectDissents(votes, leader),
			Reasoning: fmt.Sprintf("leading vote at %.0f%%, quorum requires %.0f%%", fraction*100, r.threshold*100),
		}
	}

	return &Outcome{
		Decision:   leader,
		Confidence: meanConfidence(votes, leader),
		Reached:    true,
		Dissents:   collectDissents(votes, leader),
		Reasoning:  fmt.Sprintf("quorum %s (%d of %d, threshold %.0f%%)", leader, counts[leader], len(votes), r.threshold*100),
	}
}

type voteCounts map[event.Action]int

func tally(votes []FinalVote) voteCounts {
	counts := make(voteCounts)
	for _, v := range votes {
		counts[v.Vote]++
	}
	return counts
}

// leader returns the action with the most votes. Ties break toward the
// more severe action so reporting is deterministic; tie detection is the
// resolvers' job.
func (c voteCounts) leader() event.Action {
	best := event.ActionAllow
	bestCount := -1
	for _, action := range []event.Action{event.ActionBlock, event.ActionFlag, event.ActionAllow} {
		if n, ok := c[action]; ok && n > bestCount {
			best = action
			bestCount = n
		}
	}
	return best
}

// tied reports whether another action matches the leader's count.
func (c voteCounts) tied(leader event.Action) bool {
	for action, n := range c {
		if action != leader && n == c[leader] {
			return true
		}
	}
	return false
}

func meanConfidence(votes []FinalVote, winning event.Action) float64 {
	var sum float64
	var n int
	for _, v := range votes {
		if v.Vote == winning {
			sum += v.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func collectDissents(votes []FinalVote, winning event.Action) []Dissent {
	var dissents []Dissent
	for _, v := range votes {
		if v.Vote != winning {
			dissents = append(dissents, Dissent{
				PersonaName: v.PersonaName,
				Vote:        v.Vote,
				Reasoning:   v.Reasoning,
			})
		}
	}
	return dissents
}
