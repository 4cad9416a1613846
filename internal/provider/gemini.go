package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/yardkeep/yardkeep/internal/model"
)

const defaultGeminiModel = "gemini-2.0-flash"

const geminiPrompt = `Identify the plant in the photo. Return 3-5 candidate identifications as JSON:
{"candidates":[{"commonName":"...","scientificName":"...","confidence":0.0}]}
Prefer widely used common names. If unsure, still return best guesses but
reduce confidence. Confidence must be between 0 and 1. Respond with JSON only.`

// GeminiConfig parameterizes the hosted vision-language backend.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// Gemini asks a hosted vision-language model for candidates.
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
}

// NewGemini constructs the backend. The response MIME type is pinned to JSON
// so the model does not wrap its answer in prose.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrNoCredentials)
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	gm := client.GenerativeModel(cfg.Model)
	gm.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
		MaxOutputTokens:  genai.Ptr[int32](800),
	}
	return &Gemini{client: client, model: gm, name: "gemini/" + cfg.Model}, nil
}

// Name reports the backend tag recorded on candidates.
func (g *Gemini) Name() string { return g.name }

// Close releases the underlying client.
func (g *Gemini) Close() error { return g.client.Close() }

// Identify submits the JPEG inline with the identification prompt.
func (g *Gemini) Identify(ctx context.Context, plantID string, jpeg []byte) ([]model.Candidate, error) {
	resp, err := g.model.GenerateContent(ctx,
		genai.ImageData("jpeg", jpeg),
		genai.Text(geminiPrompt),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}
	text, ok := resp.Candidates[0].Content.Parts[0].(genai.Text)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected part type", ErrMalformed)
	}
	candidates, err := parseCandidateJSON(string(text))
	if err != nil {
		return nil, err
	}
	return clampCandidates(candidates, g.name), nil
}

// parseCandidateJSON decodes the model's JSON answer, tolerating markdown
// code fences some models insist on emitting.
func parseCandidateJSON(raw string) ([]model.Candidate, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(clean, "```json")
	clean = strings.TrimPrefix(clean, "```")
	clean = strings.TrimSuffix(clean, "```")
	clean = strings.TrimSpace(clean)

	var payload struct {
		Candidates []model.Candidate `json:"candidates"`
	}
	if err := json.Unmarshal([]byte(clean), &payload); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return payload.Candidates, nil
}
