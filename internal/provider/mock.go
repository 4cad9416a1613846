package provider

import (
	"context"
	"hash/fnv"

	"github.com/yardkeep/yardkeep/internal/model"
)

// mockSpecies is the fixed pool the deterministic backend draws from.
var mockSpecies = []model.Candidate{
	{CommonName: "Rose", ScientificName: "Rosa rugosa"},
	{CommonName: "Peony", ScientificName: "Paeonia lactiflora"},
	{CommonName: "Sword fern", ScientificName: "Polystichum munitum"},
	{CommonName: "Japanese maple", ScientificName: "Acer palmatum"},
	{CommonName: "Hosta", ScientificName: "Hosta sieboldiana"},
	{CommonName: "Lavender", ScientificName: "Lavandula angustifolia"},
	{CommonName: "Hydrangea", ScientificName: "Hydrangea macrophylla"},
}

// Mock returns deterministic candidates derived from the payload, so the full
// workflow can run offline and tests get stable output.
type Mock struct{}

// NewMock constructs the offline backend.
func NewMock() *Mock { return &Mock{} }

// Name reports the backend tag recorded on candidates.
func (m *Mock) Name() string { return "mock" }

// Close satisfies Provider.
func (m *Mock) Close() error { return nil }

// Identify hashes the payload to pick three species; the same photo always
// yields the same ranked guesses.
func (m *Mock) Identify(ctx context.Context, plantID string, jpeg []byte) ([]model.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := fnv.New32a()
	_, _ = h.Write(jpeg)
	seed := int(h.Sum32() % uint32(len(mockSpecies)))

	candidates := make([]model.Candidate, 0, 3)
	for i := 0; i < 3; i++ {
		c := mockSpecies[(seed+i)%len(mockSpecies)]
		c.Confidence = 0.9 - 0.25*float64(i)
		candidates = append(candidates, c)
	}
	return clampCandidates(candidates, m.Name()), nil
}
