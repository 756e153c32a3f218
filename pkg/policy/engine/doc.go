// Package engine implements the event policy evaluator.
//
// # Evaluation
//
// The Evaluator runs a tenant's rule snapshot against one event. Rules
// are evaluated in snapshot order (allowlist rules first, then descending
// priority). Each rule type has a closed evaluation strategy:
//
//   - rate_limit: increments a sliding counter keyed by (tenant, rule)
//     and matches when the window count exceeds the configured maximum
//   - pattern_match: matches if any referenced detection rule matches
//   - blocklist: matches on membership of event content in the value list
//   - allowlist: on membership match, short-circuits the evaluation to
//     allow regardless of later rules
//   - payload_size: matches when content or serialized payload exceed the
//     configured byte thresholds
//   - custom: delegated to an optional hook; never matches without one
//
// The final action is the most severe action among matched rules
// (block > flag > allow); with no matches the event is allowed.
//
// # Failure Semantics
//
// A failure mid-evaluation (e.g. a corrupt rule configuration that
// slipped past write-time validation) returns an error and no result.
// Callers treat that as "event stays pending" and log it; evaluation
// errors never propagate to the ingestion response path.
package engine
