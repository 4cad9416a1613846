package provider

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
)

const fakeBaseURL = "https://plantnet.test/v2/identify/all"

func newMockedPlantNet(t *testing.T) *PlantNet {
	t.Helper()
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	t.Cleanup(httpmock.DeactivateAndReset)

	p, err := NewPlantNet(PlantNetConfig{
		APIKey:     "key123",
		BaseURL:    fakeBaseURL,
		HTTPClient: client,
	})
	require.NoError(t, err)
	return p
}

func TestPlantNetMapsRankedResults(t *testing.T) {
	p := newMockedPlantNet(t)
	httpmock.RegisterResponder(http.MethodPost, fakeBaseURL,
		httpmock.NewStringResponder(http.StatusOK, `{
			"results": [
				{"score": 0.91, "species": {"scientificNameWithoutAuthor": "Rosa rugosa", "commonNames": ["Rose", "Beach rose"]}},
				{"score": 0.34, "species": {"scientificNameWithoutAuthor": "Paeonia lactiflora", "commonNames": []}}
			]
		}`))

	candidates, err := p.Identify(context.Background(), "p1", []byte{0xff, 0xd8})
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	require.Equal(t, "Rose", candidates[0].CommonName)
	require.Equal(t, "Rosa rugosa", candidates[0].ScientificName)
	require.InDelta(t, 0.91, candidates[0].Confidence, 1e-9)
	require.Equal(t, "plantnet", candidates[0].Source)

	// No common name: fall back to the scientific name so commonName stays set.
	require.Equal(t, "Paeonia lactiflora", candidates[1].CommonName)
}

func TestPlantNetCapsCandidates(t *testing.T) {
	p := newMockedPlantNet(t)
	body := `{"results": [`
	for i := 0; i < 8; i++ {
		if i > 0 {
			body += ","
		}
		body += `{"score": 0.5, "species": {"scientificNameWithoutAuthor": "Sp", "commonNames": ["N"]}}`
	}
	body += `]}`
	httpmock.RegisterResponder(http.MethodPost, fakeBaseURL,
		httpmock.NewStringResponder(http.StatusOK, body))

	candidates, err := p.Identify(context.Background(), "p1", []byte{1})
	require.NoError(t, err)
	require.Len(t, candidates, MaxCandidates)
}

func TestPlantNetErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrNoCredentials},
		{http.StatusForbidden, ErrNoCredentials},
		{http.StatusBadRequest, ErrRejected},
		{http.StatusRequestEntityTooLarge, ErrRejected},
		{http.StatusTooManyRequests, ErrUpstream},
		{http.StatusInternalServerError, ErrUpstream},
	}
	for _, tc := range cases {
		p := newMockedPlantNet(t)
		httpmock.RegisterResponder(http.MethodPost, fakeBaseURL,
			httpmock.NewStringResponder(tc.status, `{}`))

		_, err := p.Identify(context.Background(), "p1", []byte{1})
		require.ErrorIs(t, err, tc.want, "status %d", tc.status)
		httpmock.DeactivateAndReset()
	}
}

func TestPlantNetMalformedBody(t *testing.T) {
	p := newMockedPlantNet(t)
	httpmock.RegisterResponder(http.MethodPost, fakeBaseURL,
		httpmock.NewStringResponder(http.StatusOK, `{"results": [`))

	_, err := p.Identify(context.Background(), "p1", []byte{1})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestPlantNetRequiresKey(t *testing.T) {
	_, err := NewPlantNet(PlantNetConfig{})
	require.ErrorIs(t, err, ErrNoCredentials)
}
