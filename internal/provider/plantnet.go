package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/yardkeep/yardkeep/internal/model"
)

const defaultPlantNetBaseURL = "https://my-api.plantnet.org/v2/identify/all"

// PlantNetConfig parameterizes the dedicated plant-identification backend.
type PlantNetConfig struct {
	APIKey  string
	BaseURL string
	// HTTPClient overrides the default client; tests install a mock transport.
	HTTPClient *http.Client
}

// PlantNet calls a Pl@ntNet-style identification API: multipart image upload,
// ranked species results with scores.
type PlantNet struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewPlantNet constructs the backend.
func NewPlantNet(cfg PlantNetConfig) (*PlantNet, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("plantnet: %w", ErrNoCredentials)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultPlantNetBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PlantNet{apiKey: cfg.APIKey, baseURL: cfg.BaseURL, client: client}, nil
}

// Name reports the backend tag recorded on candidates.
func (p *PlantNet) Name() string { return "plantnet" }

// Close satisfies Provider; the HTTP client holds no resources worth closing.
func (p *PlantNet) Close() error { return nil }

// plantNetResponse mirrors the subset of the API response we consume.
type plantNetResponse struct {
	Results []struct {
		Score   float64 `json:"score"`
		Species struct {
			ScientificName string   `json:"scientificNameWithoutAuthor"`
			CommonNames    []string `json:"commonNames"`
		} `json:"species"`
	} `json:"results"`
}

// Identify uploads the JPEG and maps ranked results to candidates.
func (p *PlantNet) Identify(ctx context.Context, plantID string, jpeg []byte) ([]model.Candidate, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("images", plantID+".jpg")
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if _, err := part.Write(jpeg); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := writer.WriteField("organs", "auto"); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"?api-key="+p.apiKey, &body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrNoCredentials, resp.StatusCode)
	case resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusUnsupportedMediaType || resp.StatusCode == http.StatusBadRequest:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	var parsed plantNetResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	candidates := make([]model.Candidate, 0, len(parsed.Results))
	for _, result := range parsed.Results {
		common := result.Species.ScientificName
		if len(result.Species.CommonNames) > 0 {
			common = result.Species.CommonNames[0]
		}
		candidates = append(candidates, model.Candidate{
			CommonName:     common,
			ScientificName: result.Species.ScientificName,
			Confidence:     result.Score,
		})
	}
	return clampCandidates(candidates, p.Name()), nil
}
