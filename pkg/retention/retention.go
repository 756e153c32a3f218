// Package retention applies ephemeral-retention ("ghost protocol")
// policies to completed deliberation sessions.
//
// A policy linked to a workflow selects a wipe mode (immediate, delayed
// or scheduled), the session fields to destroy, and whether to
// crypto-shred them (overwrite with random bytes at the storage layer
// before nulling, to defeat storage-level recovery). The verdict and the
// audit trail are always retained.
//
// The scheduler also force-terminates sessions that outlive their
// workflow's duration budget, independent of wipe timing.
package retention

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// Mode selects when the wipe happens relative to the terminal state.
type Mode string

const (
	// ModeImmediate wipes as soon as the session terminates.
	ModeImmediate Mode = "immediate"

	// ModeDelayed wipes a configured delay after termination.
	ModeDelayed Mode = "delayed"

	// ModeScheduled behaves like delayed but is applied by the sweep
	// only, letting operators batch wipes off-peak.
	ModeScheduled Mode = "scheduled"
)

// Wipeable field names. The verdict and audit trail are not listed:
// they are never wipeable.
const (
	// FieldMessages destroys deliberation message content and votes.
	FieldMessages = "messages"

	// FieldInstanceReasoning destroys per-instance final reasoning.
	FieldInstanceReasoning = "instance_reasoning"

	// FieldErrorMessage destroys the session error message.
	FieldErrorMessage = "error_message"
)

// Policy is one ephemeral-retention configuration, referenced by
// workflows via its ID.
type Policy struct {
	// ID is the unique policy identifier.
	ID string `yaml:"id" json:"id"`

	// Mode selects the wipe timing.
	Mode Mode `yaml:"mode" json:"mode"`

	// Delay is the wait before wiping (delayed and scheduled modes).
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`

	// WipeFields selects what to destroy. Empty defaults to messages
	// and instance reasoning.
	WipeFields []string `yaml:"wipe_fields,omitempty" json:"wipe_fields,omitempty"`

	// CryptoShred overwrites targeted fields with random bytes before
	// nulling them.
	CryptoShred bool `yaml:"crypto_shred,omitempty" json:"crypto_shred,omitempty"`
}

// Validate checks the policy definition at load time.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("retention policy id is required")
	}
	switch p.Mode {
	case ModeImmediate:
	case ModeDelayed, ModeScheduled:
		if p.Delay <= 0 {
			return fmt.Errorf("retention policy %s: %s mode requires a positive delay", p.ID, p.Mode)
		}
	default:
		return fmt.Errorf("retention policy %s: unknown mode %q", p.ID, p.Mode)
	}
	for _, f := range p.WipeFields {
		switch f {
		case FieldMessages, FieldInstanceReasoning, FieldErrorMessage:
		default:
			return fmt.Errorf("retention policy %s: unknown wipe field %q", p.ID, f)
		}
	}
	return nil
}

// fields returns the effective wipe field set.
func (p *Policy) fields() []string {
	if len(p.WipeFields) == 0 {
		return []string{FieldMessages, FieldInstanceReasoning}
	}
	return p.WipeFields
}

// wipeAt computes the wipe due time for a session terminating at now.
func (p *Policy) wipeAt(now time.Time) time.Time {
	if p.Mode == ModeImmediate {
		return now
	}
	return now.Add(p.Delay)
}

// shred returns a random-hex string of the same length as s, used as the
// destructive overwrite value.
func shred(s string) string {
	if s == "" {
		return ""
	}
	buf := make([]byte, (len(s)+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand read failures are not recoverable; fall back to
		// blanking so the wipe still removes the plaintext.
		return ""
	}
	return hex.EncodeToString(buf)[:len(s)]
}
