// Package provider abstracts the remote service that maps a photo to ranked
// species candidates. Backends are interchangeable and selected by
// configuration; the workflow never branches on which one is active.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/yardkeep/yardkeep/internal/model"
)

// MaxCandidates bounds how many guesses a backend may return.
const MaxCandidates = 5

var (
	// ErrNoCredentials means the backend is selected but not configured.
	ErrNoCredentials = errors.New("provider credentials missing")
	// ErrRejected means the service refused the payload (type or size).
	ErrRejected = errors.New("provider rejected payload")
	// ErrUpstream covers non-success responses from the service.
	ErrUpstream = errors.New("provider upstream error")
	// ErrMalformed means the response could not be parsed.
	ErrMalformed = errors.New("provider response malformed")
)

// Provider identifies the plant in a normalized JPEG payload. The plantID is
// an opaque tag the service may use for request correlation; it carries no
// semantics here. Implementations return between zero and MaxCandidates
// guesses ranked best first.
type Provider interface {
	Name() string
	Identify(ctx context.Context, plantID string, jpeg []byte) ([]model.Candidate, error)
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Kind string // "mock", "gemini", or "plantnet"

	GeminiAPIKey string
	GeminiModel  string

	PlantNetAPIKey  string
	PlantNetBaseURL string
}

// New constructs the configured backend. Unknown kinds are a configuration
// error, not a silent fallback.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Kind {
	case "mock", "":
		return NewMock(), nil
	case "gemini":
		return NewGemini(ctx, GeminiConfig{APIKey: cfg.GeminiAPIKey, Model: cfg.GeminiModel})
	case "plantnet":
		return NewPlantNet(PlantNetConfig{APIKey: cfg.PlantNetAPIKey, BaseURL: cfg.PlantNetBaseURL})
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Kind)
	}
}

// clampCandidates enforces the shared response contract: required common
// name, confidence within [0,1], at most MaxCandidates entries, and a source
// tag naming the backend.
func clampCandidates(candidates []model.Candidate, source string) []model.Candidate {
	out := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.CommonName == "" {
			continue
		}
		if c.Confidence < 0 {
			c.Confidence = 0
		}
		if c.Confidence > 1 {
			c.Confidence = 1
		}
		if c.Source == "" {
			c.Source = source
		}
		out = append(out, c)
		if len(out) == MaxCandidates {
			break
		}
	}
	return out
}
