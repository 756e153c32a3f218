// Package gemini implements the reasoning provider against Google's
// Gemini models.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"sentinel-hq/arbiter/pkg/deliberation"
	"sentinel-hq/arbiter/pkg/event"
)

// Config contains Gemini provider configuration.
type Config struct {
	// APIKey authenticates against the Generative Language API.
	APIKey string

	// Model is the model name. Default: "gemini-1.5-flash".
	Model string
}

// Provider calls Gemini once per instance per round. Calls honor context
// cancellation, so abandoned calls stop consuming quota promptly.
type Provider struct {
	client *genai.Client
	model  string
}

// New creates a Gemini provider.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-flash"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini: client init: %w", err)
	}

	return &Provider{client: client, model: model}, nil
}

// Assess implements deliberation.ReasoningProvider.
func (p *Provider) Assess(ctx context.Context, persona deliberation.Persona, prompt string) (*deliberation.Assessment, error) {
	return p.generate(ctx, persona, prompt)
}

// Argue implements deliberation.ReasoningProvider.
func (p *Provider) Argue(ctx context.Context, persona deliberation.Persona, prompt string) (*deliberation.Assessment, error) {
	return p.generate(ctx, persona, prompt)
}

// Close releases the underlying client.
func (p *Provider) Close() error {
	return p.client.Close()
}

// responseFormat steers the model toward a parseable reply.
const responseFormat = `

Reply with a single JSON object and nothing else:
{"vote": "allow"|"flag"|"block", "confidence": <0..1>, "reasoning": "<one paragraph>"}`

func (p *Provider) generate(ctx context.Context, persona deliberation.Persona, prompt string) (*deliberation.Assessment, error) {
	model := p.client.GenerativeModel(p.model)
	if persona.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(persona.SystemPrompt)},
		}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt+responseFormat))
	if err != nil {
		return nil, fmt.Errorf("gemini: generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: empty response")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			b.WriteString(string(text))
		}
	}

	return parseAssessment(b.String())
}

// parseAssessment extracts the JSON object from the model reply,
// tolerating markdown code fences and surrounding prose.
func parseAssessment(reply string) (*deliberation.Assessment, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("gemini: no JSON object in reply")
	}

	var raw struct {
		Vote       string  `json:"vote"`
		Confidence float64 `json:"confidence"`
		Reasoning  string  `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("gemini: malformed reply: %w", err)
	}

	vote := event.Action(strings.ToLower(strings.TrimSpace(raw.Vote)))
	if !vote.Valid() {
		return nil, fmt.Errorf("gemini: unknown vote %q", raw.Vote)
	}
	if raw.Confidence < 0 {
		raw.Confidence = 0
	}
	if raw.Confidence > 1 {
		raw.Confidence = 1
	}

	return &deliberation.Assessment{
		Vote:       vote,
		Confidence: raw.Confidence,
		Reasoning:  raw.Reasoning,
	}, nil
}
