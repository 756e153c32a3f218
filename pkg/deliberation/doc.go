// Package deliberation implements the multi-agent deliberation workflow
// that flagged events escalate into.
//
// # State Machine
//
// An AnalysisSession moves through a fixed transition table:
//
//	pending       -> analyzing | failed
//	analyzing     -> deliberating | failed | timed_out
//	deliberating  -> voting | failed | timed_out
//	voting        -> completed | failed | timed_out
//	completed, failed, timed_out are terminal
//
// Any transition outside the table is rejected with a TransitionError
// and the session keeps its prior status.
//
// # Flow
//
// A session owns one AgentInstance per workflow step. During analyzing,
// each instance independently produces an initial assessment (round 1)
// through the reasoning provider. During deliberating, instances exchange
// argument rounds up to the workflow's round cap, sequentially or in
// parallel per the step's execution mode. During voting, the consensus
// resolver aggregates final votes; if the configured policy is satisfied
// a Verdict is created exactly once and the session completes, otherwise
// it fails.
//
// Provider errors fail the session with the error captured in its error
// message; terminal sessions are never retried in place. A session
// exceeding its duration budget transitions to timed_out even mid-round:
// outstanding provider calls are abandoned, not awaited.
package deliberation
