package deliberation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"sentinel-hq/arbiter/pkg/event"
)

// ExecutionMode controls how a step runs within a round.
type ExecutionMode string

const (
	// ModeSequential runs the step after the previous one finishes.
	ModeSequential ExecutionMode = "sequential"

	// ModeParallel runs the step concurrently with adjacent parallel
	// steps; the round advances only after all of them finish.
	ModeParallel ExecutionMode = "parallel"
)

// Persona is a configured AI participant profile.
type Persona struct {
	// ID is the unique persona identifier.
	ID string `yaml:"id" json:"id"`

	// Name is the display name used in verdicts and dissents.
	Name string `yaml:"name" json:"name"`

	// Role is a short description of the persona's perspective.
	Role string `yaml:"role" json:"role"`

	// SystemPrompt primes the reasoning provider for this persona.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
}

// Step is one workflow step; each step contributes one agent instance.
type Step struct {
	// PersonaID references the participating persona.
	PersonaID string `yaml:"persona_id" json:"persona_id"`

	// Mode is the step's execution mode. Default: sequential.
	Mode ExecutionMode `yaml:"mode,omitempty" json:"mode,omitempty"`

	// PromptTemplate optionally overrides the workflow prompt template
	// for this step. Placeholders: {{persona_role}}, {{event_content}},
	// {{event_type}}, {{transcript}}.
	PromptTemplate string `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
}

// ConsensusMode selects the vote aggregation strategy.
type ConsensusMode string

const (
	ConsensusUnanimous ConsensusMode = "unanimous"
	ConsensusMajority  ConsensusMode = "majority"
	ConsensusQuorum    ConsensusMode = "quorum"
)

// ConsensusPolicy configures how final votes aggregate into a verdict.
type ConsensusPolicy struct {
	// Mode selects the strategy.
	Mode ConsensusMode `yaml:"mode" json:"mode"`

	// Quorum is the winning-fraction threshold for quorum mode,
	// in (0, 1]. Ignored by the other modes.
	Quorum float64 `yaml:"quorum,omitempty" json:"quorum,omitempty"`
}

// Workflow shapes deliberation sessions for a tenant.
type Workflow struct {
	// ID is the unique workflow identifier.
	ID string `yaml:"id" json:"id"`

	// TenantID scopes the workflow.
	TenantID string `yaml:"tenant_id" json:"tenant_id"`

	// Name is the human-readable workflow name.
	Name string `yaml:"name" json:"name"`

	// Enabled workflows are the only ones matched against flagged events.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// EventTypes restricts matching to these event types.
	// Empty matches every type.
	EventTypes []event.Type `yaml:"event_types,omitempty" json:"event_types,omitempty"`

	// Steps define the panel, one agent instance per step.
	Steps []Step `yaml:"steps" json:"steps"`

	// MaxRounds caps the total rounds including the initial analysis
	// round. Default: 3.
	MaxRounds int `yaml:"max_rounds,omitempty" json:"max_rounds,omitempty"`

	// MaxRetries is consumed by the external scheduler that re-triggers
	// a fresh session after a failure; the orchestrator itself never
	// retries a terminal session.
	MaxRetries int `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`

	// Consensus configures vote aggregation.
	Consensus ConsensusPolicy `yaml:"consensus" json:"consensus"`

	// MaxSessionDuration is the session's total time budget.
	// Default: 5 minutes.
	MaxSessionDuration time.Duration `yaml:"max_session_duration,omitempty" json:"max_session_duration,omitempty"`

	// RetentionID links an ephemeral-retention policy. Empty means the
	// session transcript is retained normally.
	RetentionID string `yaml:"retention_id,omitempty" json:"retention_id,omitempty"`
}

// Validate checks the workflow definition at load time.
func (w *Workflow) Validate(personas map[string]*Persona) error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	if w.TenantID == "" {
		return fmt.Errorf("workflow %s: tenant id is required", w.ID)
	}
	if len(w.Steps) == 0 {
		return fmt.Errorf("workflow %s: at least one step is required", w.ID)
	}
	for i, step := range w.Steps {
		if _, ok := personas[step.PersonaID]; !ok {
			return fmt.Errorf("workflow %s step %d: unknown persona %q", w.ID, i, step.PersonaID)
		}
		switch step.Mode {
		case "", ModeSequential, ModeParallel:
		default:
			return fmt.Errorf("workflow %s step %d: unknown execution mode %q", w.ID, i, step.Mode)
		}
	}
	switch w.Consensus.Mode {
	case ConsensusUnanimous, ConsensusMajority:
	case ConsensusQuorum:
		if w.Consensus.Quorum <= 0 || w.Consensus.Quorum > 1 {
			return fmt.Errorf("workflow %s: quorum must be in (0, 1]", w.ID)
		}
	default:
		return fmt.Errorf("workflow %s: unknown consensus mode %q", w.ID, w.Consensus.Mode)
	}
	return nil
}

// roundsOrDefault returns the configured round cap with the default applied.
func (w *Workflow) roundsOrDefault() int {
	if w.MaxRounds <= 0 {
		return 3
	}
	return w.MaxRounds
}

// durationOrDefault returns the session budget with the default applied.
func (w *Workflow) durationOrDefault() time.Duration {
	if w.MaxSessionDuration <= 0 {
		return 5 * time.Minute
	}
	return w.MaxSessionDuration
}

// Registry holds workflow and persona definitions loaded from config.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
	byTenant  map[string][]*Workflow
	personas  map[string]*Persona
}

// NewRegistry builds a registry from validated definitions.
func NewRegistry(workflows []*Workflow, personas []*Persona) (*Registry, error) {
	r := &Registry{
		workflows: make(map[string]*Workflow),
		byTenant:  make(map[string][]*Workflow),
		personas:  make(map[string]*Persona),
	}

	for _, p := range personas {
		if p.ID == "" {
			return nil, fmt.Errorf("persona id is required")
		}
		if _, dup := r.personas[p.ID]; dup {
			return nil, fmt.Errorf("duplicate persona %q", p.ID)
		}
		r.personas[p.ID] = p
	}

	for _, w := range workflows {
		if err := w.Validate(r.personas); err != nil {
			return nil, err
		}
		if _, dup := r.workflows[w.ID]; dup {
			return nil, fmt.Errorf("duplicate workflow %q", w.ID)
		}
		r.workflows[w.ID] = w
		r.byTenant[w.TenantID] = append(r.byTenant[w.TenantID], w)
	}

	return r, nil
}

// Get returns a workflow by ID.
func (r *Registry) Get(id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, ErrWorkflowNotFound)
	}
	return w, nil
}

// Persona returns a persona by ID.
func (r *Registry) Persona(id string) (*Persona, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.personas[id]
	return p, ok
}

// SessionBudget returns the workflow's total session time budget.
// It satisfies the retention scheduler's budget lookup.
func (r *Registry) SessionBudget(workflowID string) (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workflows[workflowID]
	if !ok {
		return 0, false
	}
	return w.durationOrDefault(), true
}

// Match returns the first enabled workflow for the tenant that accepts
// the event type, or nil when no workflow matches.
func (r *Registry) Match(tenantID string, typ event.Type) *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.byTenant[tenantID] {
		if !w.Enabled {
			continue
		}
		if len(w.EventTypes) == 0 {
			return w
		}
		for _, t := range w.EventTypes {
			if t == typ {
				return w
			}
		}
	}
	return nil
}

// defaultAssessTemplate is used when neither the step nor the workflow
// provides a prompt template.
const defaultAssessTemplate = `You are {{persona_role}}.
An autonomous agent produced the following {{event_type}} event, which was
flagged by policy rules:

{{event_content}}

Assess whether this event should be allowed, flagged for human review, or
blocked. Respond with your vote, a confidence between 0 and 1, and your
reasoning.`

const defaultArgueTemplate = `You are {{persona_role}}.
The panel is deliberating a flagged {{event_type}} event:

{{event_content}}

Transcript so far:
{{transcript}}

Consider the other panelists' positions and restate or revise your own.
Respond with your vote, a confidence between 0 and 1, and your reasoning.`

// renderPrompt fills the placeholder set shared by assess and argue
// prompts.
func renderPrompt(tmpl string, persona *Persona, ev *event.Event, transcript string) string {
	return strings.NewReplacer(
		"{{persona_role}}", persona.Role,
		"{{event_type}}", string(ev.Type),
		"{{event_content}}", ev.Content,
		"{{transcript}}", transcript,
	).Replace(tmpl)
}
