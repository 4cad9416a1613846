// Package identify drives a plant record through the identification
// lifecycle: mark it in flight, bound the photo, ask the provider, and
// reconcile the answer back into the store. Whatever happens, a record always
// lands in a valid status; callers never see a half-written state.
package identify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/yardkeep/yardkeep/internal/imaging"
	"github.com/yardkeep/yardkeep/internal/model"
	"github.com/yardkeep/yardkeep/internal/provider"
	"github.com/yardkeep/yardkeep/internal/store"
)

const (
	// DefaultTimeout bounds one provider round trip.
	DefaultTimeout = 20 * time.Second
	// DefaultStaleAfter is how long a record may sit in identifying before a
	// new trigger may take the attempt over. Comfortably above the provider
	// timeout so a live attempt is never stolen.
	DefaultStaleAfter = 5 * time.Minute
)

// ErrNoImage means the record has no photo to submit.
var ErrNoImage = errors.New("record has no image")

// ErrCandidateUnknown means the accepted candidate is not among the current
// attempt's candidates; acceptance is by reference, never fabrication.
var ErrCandidateUnknown = errors.New("candidate not among current candidates")

// Options tune the workflow; zero values fall back to defaults.
type Options struct {
	MaxDimension int
	Quality      int
	Timeout      time.Duration
	StaleAfter   time.Duration
}

// Workflow orchestrates identification attempts against a store and a
// provider. It is safe for concurrent use; per-record exclusivity comes from
// the store's conditional transition, not from locks here.
type Workflow struct {
	store    store.Store
	provider provider.Provider
	opts     Options
}

// New constructs a Workflow.
func New(s store.Store, p provider.Provider, opts Options) *Workflow {
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = imaging.DefaultMaxDimension
	}
	if opts.Quality <= 0 {
		opts.Quality = imaging.DefaultQuality
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Workflow{store: s, provider: p, opts: opts}
}

// Start attempts the transition into identifying and reports whether this
// caller won it. The status change is durable before any network work
// happens, so every reader observes the in-flight state immediately and a
// second trigger (double-tap, auto-trigger racing a manual one) is a no-op.
func (w *Workflow) Start(ctx context.Context, id string) (bool, error) {
	won, err := w.store.BeginIdentification(ctx, id, w.opts.StaleAfter)
	if err != nil {
		return false, err
	}
	return won, nil
}

// Run performs one identification attempt for a record previously moved to
// identifying by Start. On a non-empty answer the record returns to
// unidentified carrying fresh candidates with any prior choice cleared; on
// any failure it lands in failed with its previous candidates untouched.
func (w *Workflow) Run(ctx context.Context, id string) error {
	record, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.IDStatus != model.StatusIdentifying {
		// The attempt was superseded (record re-saved, deleted and recreated,
		// or taken over as stale). Nothing to do.
		return nil
	}

	candidates, attemptErr := w.attempt(ctx, record)
	if attemptErr != nil {
		log.Printf("identify %s failed: %v", id, attemptErr)
		return w.resolveFailed(ctx, id)
	}
	return w.resolveCandidates(ctx, id, candidates)
}

// attempt normalizes the latest photo and queries the provider under the
// configured timeout. An empty answer counts as a failure.
func (w *Workflow) attempt(ctx context.Context, record *model.PlantRecord) ([]model.Candidate, error) {
	latest := record.LatestImage()
	if latest == nil {
		return nil, ErrNoImage
	}
	normalized, err := imaging.Normalize(latest.Blob, w.opts.MaxDimension, w.opts.Quality)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, w.opts.Timeout)
	defer cancel()
	candidates, err := w.provider.Identify(callCtx, record.ID, normalized)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errors.New("provider returned no candidates")
	}
	return candidates, nil
}

// resolveCandidates re-reads the record so a concurrent edit (a rename mid-
// attempt, say) is not clobbered, then installs the fresh candidates. Any
// previous acceptance is superseded.
func (w *Workflow) resolveCandidates(ctx context.Context, id string, candidates []model.Candidate) error {
	record, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	record.Candidates = candidates
	record.ChosenCandidate = nil
	record.IdentifiedAt = nil
	record.IDStatus = model.StatusUnidentified
	return w.store.Put(ctx, record)
}

// resolveFailed re-reads and flips status only; candidates from before the
// attempt stay as they were.
func (w *Workflow) resolveFailed(ctx context.Context, id string) error {
	record, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	record.IDStatus = model.StatusFailed
	return w.store.Put(ctx, record)
}

// Accept records the user's choice. The candidate must match one from the
// current attempt; matching is by common and scientific name.
func (w *Workflow) Accept(ctx context.Context, id string, candidate model.Candidate) error {
	record, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	var chosen *model.Candidate
	for i := range record.Candidates {
		if record.Candidates[i].Equal(candidate) {
			chosen = &record.Candidates[i]
			break
		}
	}
	if chosen == nil {
		return fmt.Errorf("%w: %q", ErrCandidateUnknown, candidate.CommonName)
	}
	accepted := *chosen
	now := time.Now().UTC()
	record.ChosenCandidate = &accepted
	record.IdentifiedAt = &now
	record.IDStatus = model.StatusIdentified
	return w.store.Put(ctx, record)
}

// Rename is a read-modify-write of the nickname only. A blank nickname
// clears the label rather than storing whitespace.
func (w *Workflow) Rename(ctx context.Context, id string, nickname string) error {
	record, err := w.store.Get(ctx, id)
	if err != nil {
		return err
	}
	trimmed := strings.TrimSpace(nickname)
	if trimmed == "" {
		record.Nickname = nil
	} else {
		record.Nickname = &trimmed
	}
	return w.store.Put(ctx, record)
}

// Identify is Start followed by Run in one call, for callers that run the
// attempt in-process instead of on the worker. A lost Start is a silent
// no-op, mirroring the endpoint behavior.
func (w *Workflow) Identify(ctx context.Context, id string) error {
	won, err := w.Start(ctx, id)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	return w.Run(ctx, id)
}
