// Arbiter is a policy evaluation and deliberation service for AI agent
// activity.
//
// It ingests agent events, evaluates them against tenant-scoped policy
// rules (rate limits, pattern detection, blocklists, payload caps), and
// escalates flagged events to multi-agent deliberation panels that vote
// on a verdict. Ephemeral-retention policies can destroy deliberation
// transcripts after the verdict is recorded.
//
// Usage:
//
//	# Start the server with default configuration
//	arbiter run
//
//	# Start with a custom configuration file
//	arbiter run --config /etc/arbiter/config.yaml
//
//	# Validate configuration and rule files without starting
//	arbiter validate
//
//	# Show version information
//	arbiter version
package main

func main() {
	Execute()
}
