// Package rules defines tenant-scoped policy and detection rules and the
// read-mostly snapshot store the evaluator reads them from.
//
// # Rule Model
//
// A PolicyRule pairs a closed rule type (rate_limit, pattern_match,
// blocklist, allowlist, payload_size, custom) with an action (allow, flag,
// block), a priority and a type-specific configuration. A DetectionRule is
// a reusable pattern definition (regex, keyword list, or semantic stub)
// referenced by pattern_match rules.
//
// # Validation
//
// Configuration errors are write-time errors: rules and detection patterns
// are validated before they can be stored enabled, so the evaluation path
// never sees an invalid regex or a malformed config. Regex patterns are
// additionally screened for catastrophic-backtracking risk (pattern length
// cap and nested-quantifier detection).
//
// # Snapshot Store
//
// The Store keeps one immutable Snapshot per tenant. Evaluators read the
// current snapshot without locking rule data; a refresh builds a complete
// replacement snapshot and swaps it in atomically, so readers never observe
// partially updated rule sets.
package rules
