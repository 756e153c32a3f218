package deliberation

import (
	"context"

	"sentinel-hq/arbiter/pkg/event"
)

// Assessment is one reasoning provider response: a vote, a confidence
// in [0, 1] and free-text reasoning.
type Assessment struct {
	Vote       event.Action `json:"vote"`
	Confidence float64      `json:"confidence"`
	Reasoning  string       `json:"reasoning"`
}

// ReasoningProvider is the opaque external model call made once per
// instance per round. Implementations must honor context cancellation:
// the orchestrator abandons outstanding calls when a session times out.
type ReasoningProvider interface {
	// Assess produces the persona's independent initial assessment.
	Assess(ctx context.Context, persona Persona, prompt string) (*Assessment, error)

	// Argue produces the persona's position for an argument round,
	// given the prompt with the transcript rendered in.
	Argue(ctx context.Context, persona Persona, prompt string) (*Assessment, error)
}

// StaticProvider returns a fixed assessment per persona. It is the
// in-process provider used in tests and as a deterministic fallback when
// no external provider is configured.
type StaticProvider struct {
	// Default is returned for personas without an override.
	Default Assessment

	// ByPersona overrides the response per persona ID.
	ByPersona map[string]Assessment

	// Err, when set, is returned from every call.
	Err error
}

// Assess implements ReasoningProvider.
func (p *StaticProvider) Assess(ctx context.Context, persona Persona, prompt string) (*Assessment, error) {
	return p.respond(ctx, persona)
}

// Argue implements ReasoningProvider.
func (p *StaticProvider) Argue(ctx context.Context, persona Persona, prompt string) (*Assessment, error) {
	return p.respond(ctx, persona)
}

func (p *StaticProvider) respond(ctx context.Context, persona Persona) (*Assessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.Err != nil {
		return nil, p.Err
	}
	if a, ok := p.ByPersona[persona.ID]; ok {
		out := a
		return &out, nil
	}
	out := p.Default
	return &out, nil
}
