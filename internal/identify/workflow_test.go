package identify

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yardkeep/yardkeep/internal/model"
	"github.com/yardkeep/yardkeep/internal/store"
)

// fakeProvider counts calls and returns a scripted answer.
type fakeProvider struct {
	calls      atomic.Int64
	candidates []model.Candidate
	err        error
}

func (f *fakeProvider) Name() string { return "fake" }
func (f *fakeProvider) Close() error { return nil }
func (f *fakeProvider) Identify(ctx context.Context, plantID string, jpeg []byte) ([]model.Candidate, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 32))
	for x := 0; x < 48; x++ {
		img.Set(x, x%32, color.RGBA{R: 30, G: 160, B: 60, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func seedRecord(t *testing.T, s store.Store, id string) *model.PlantRecord {
	t.Helper()
	record := &model.PlantRecord{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Images: []model.PlantImage{
			{ID: id + "-img-1", CreatedAt: time.Now().UTC(), Blob: testJPEG(t)},
		},
		IDStatus: model.StatusUnidentified,
	}
	require.NoError(t, s.Put(context.Background(), record))
	return record
}

func TestIdentifyInstallsCandidates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{candidates: []model.Candidate{
		{CommonName: "Rose", Confidence: 0.9, Source: "fake"},
		{CommonName: "Peony", Confidence: 0.4, Source: "fake"},
	}}
	w := New(s, p, Options{})
	seedRecord(t, s, "p1")

	require.NoError(t, w.Identify(ctx, "p1"))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusUnidentified, got.IDStatus)
	require.Len(t, got.Candidates, 2)
	require.Nil(t, got.ChosenCandidate)
	require.Nil(t, got.IdentifiedAt)
	require.EqualValues(t, 1, p.calls.Load())
}

func TestIdentifyFailureKeepsPriorCandidates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{err: errors.New("upstream 500")}
	w := New(s, p, Options{})

	record := seedRecord(t, s, "p1")
	record.Candidates = []model.Candidate{{CommonName: "Hosta", Confidence: 0.7}}
	require.NoError(t, s.Put(ctx, record))

	require.NoError(t, w.Identify(ctx, "p1"))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.IDStatus)
	require.Len(t, got.Candidates, 1, "a failed attempt must not disturb earlier candidates")
	require.Equal(t, "Hosta", got.Candidates[0].CommonName)
}

func TestIdentifyEmptyAnswerIsFailure(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{candidates: nil}
	w := New(s, p, Options{})
	seedRecord(t, s, "p1")

	require.NoError(t, w.Identify(ctx, "p1"))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.IDStatus)
}

func TestDuplicateTriggerMakesOneProviderCall(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{candidates: []model.Candidate{{CommonName: "Rose"}}}
	w := New(s, p, Options{})
	seedRecord(t, s, "p1")

	won, err := w.Start(ctx, "p1")
	require.NoError(t, err)
	require.True(t, won)

	// Second trigger while the first is in flight: ignored.
	won, err = w.Start(ctx, "p1")
	require.NoError(t, err)
	require.False(t, won)

	require.NoError(t, w.Run(ctx, "p1"))
	require.EqualValues(t, 1, p.calls.Load())
}

func TestStartPersistsInFlightStateBeforeProviderCall(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{candidates: []model.Candidate{{CommonName: "Rose"}}}
	w := New(s, p, Options{})
	seedRecord(t, s, "p1")

	won, err := w.Start(ctx, "p1")
	require.NoError(t, err)
	require.True(t, won)

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusIdentifying, got.IDStatus)
	require.EqualValues(t, 0, p.calls.Load(), "no network work before the durable status change")
}

func TestRunAbortsWhenNoLongerIdentifying(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{candidates: []model.Candidate{{CommonName: "Rose"}}}
	w := New(s, p, Options{})
	seedRecord(t, s, "p1")

	// The record never entered identifying; a stray job must not run.
	require.NoError(t, w.Run(ctx, "p1"))
	require.EqualValues(t, 0, p.calls.Load())
}

func TestStartMissingRecord(t *testing.T) {
	s := store.NewMemory()
	w := New(s, &fakeProvider{}, Options{})
	_, err := w.Start(context.Background(), "nope")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestAcceptCandidate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	w := New(s, &fakeProvider{}, Options{})

	record := seedRecord(t, s, "p1")
	record.Candidates = []model.Candidate{
		{CommonName: "Rose", ScientificName: "Rosa rugosa", Confidence: 0.9},
		{CommonName: "Peony", Confidence: 0.4},
	}
	require.NoError(t, s.Put(ctx, record))

	before := time.Now().UTC()
	require.NoError(t, w.Accept(ctx, "p1", model.Candidate{CommonName: "Rose", ScientificName: "Rosa rugosa"}))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusIdentified, got.IDStatus)
	require.NotNil(t, got.ChosenCandidate)
	require.Equal(t, "Rose", got.ChosenCandidate.CommonName)
	require.InDelta(t, 0.9, got.ChosenCandidate.Confidence, 1e-9, "acceptance is by reference to the stored candidate")
	require.NotNil(t, got.IdentifiedAt)
	require.False(t, got.IdentifiedAt.Before(before))
}

func TestAcceptRejectsFabricatedCandidate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	w := New(s, &fakeProvider{}, Options{})

	record := seedRecord(t, s, "p1")
	record.Candidates = []model.Candidate{{CommonName: "Rose"}}
	require.NoError(t, s.Put(ctx, record))

	err := w.Accept(ctx, "p1", model.Candidate{CommonName: "Orchid"})
	require.ErrorIs(t, err, ErrCandidateUnknown)

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusUnidentified, got.IDStatus)
	require.Nil(t, got.ChosenCandidate)
}

func TestReidentifySupersedesAcceptance(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{candidates: []model.Candidate{{CommonName: "Japanese maple", Confidence: 0.8}}}
	w := New(s, p, Options{})

	record := seedRecord(t, s, "p1")
	record.Candidates = []model.Candidate{{CommonName: "Rose", Confidence: 0.9}}
	require.NoError(t, s.Put(ctx, record))
	require.NoError(t, w.Accept(ctx, "p1", model.Candidate{CommonName: "Rose"}))

	require.NoError(t, w.Identify(ctx, "p1"))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusUnidentified, got.IDStatus)
	require.Len(t, got.Candidates, 1)
	require.Equal(t, "Japanese maple", got.Candidates[0].CommonName)
	require.Nil(t, got.ChosenCandidate, "fresh candidates invalidate the earlier choice")
	require.Nil(t, got.IdentifiedAt)
}

func TestUndecodableImageResolvesToFailed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{candidates: []model.Candidate{{CommonName: "Rose"}}}
	w := New(s, p, Options{})

	record := &model.PlantRecord{
		ID:        "p1",
		CreatedAt: time.Now().UTC(),
		Images: []model.PlantImage{
			{ID: "img-1", CreatedAt: time.Now().UTC(), Blob: []byte("not an image")},
		},
		IDStatus: model.StatusUnidentified,
	}
	require.NoError(t, s.Put(ctx, record))

	require.NoError(t, w.Identify(ctx, "p1"))

	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, got.IDStatus)
	require.EqualValues(t, 0, p.calls.Load(), "nothing is submitted when normalization fails")
	require.Equal(t, []byte("not an image"), got.Images[0].Blob, "the stored original is never touched")
}

func TestRename(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	w := New(s, &fakeProvider{}, Options{})
	seedRecord(t, s, "p1")

	require.NoError(t, w.Rename(ctx, "p1", "Rose bush"))
	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, got.Nickname)
	require.Equal(t, "Rose bush", *got.Nickname)

	require.NoError(t, w.Rename(ctx, "p1", "   "))
	got, err = s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Nil(t, got.Nickname, "blank nicknames clear the label")
}

// The full user journey: capture, rename, identify, accept.
func TestCaptureRenameIdentifyAcceptScenario(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	p := &fakeProvider{candidates: []model.Candidate{
		{CommonName: "Rose", Confidence: 0.9},
		{CommonName: "Peony", Confidence: 0.4},
	}}
	w := New(s, p, Options{})

	record := seedRecord(t, s, "p1")
	require.Nil(t, record.Nickname)

	require.NoError(t, w.Rename(ctx, "p1", "Rose bush"))
	got, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Rose bush", *got.Nickname)
	require.Equal(t, model.StatusUnidentified, got.IDStatus)
	require.Len(t, got.Images, 1, "rename touches nothing but the nickname")

	require.NoError(t, w.Identify(ctx, "p1"))
	require.NoError(t, w.Accept(ctx, "p1", model.Candidate{CommonName: "Rose"}))

	final, err := s.Get(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, model.StatusIdentified, final.IDStatus)
	require.Equal(t, "Rose", final.ChosenCandidate.CommonName)
	require.Equal(t, "Rose bush", *final.Nickname)
}
