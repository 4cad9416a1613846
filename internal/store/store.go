// Package store persists plant records. The Store interface is implemented by
// a SQLite backend (the default for on-device use), a Postgres backend, and an
// in-memory backend used by tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yardkeep/yardkeep/internal/model"
)

var (
	// ErrNotFound is returned when no record exists for an id. Callers compare
	// with errors.Is.
	ErrNotFound = errors.New("plant not found")
	// ErrUnavailable means the durable substrate could not be opened at all.
	ErrUnavailable = errors.New("storage unavailable")
	// ErrIO wraps transaction failures. Either way the store guarantees the
	// failed operation left no partial state behind.
	ErrIO = errors.New("storage i/o failure")
)

// Store is a keyed, durable store of plant records addressed by id.
//
// Put is a full upsert: the caller supplies the complete record and the store
// replaces whatever was there, images included. The store never merges fields.
// GetAll returns records in no particular order; presentation sorts.
type Store interface {
	GetAll(ctx context.Context) ([]*model.PlantRecord, error)
	Get(ctx context.Context, id string) (*model.PlantRecord, error)
	Put(ctx context.Context, record *model.PlantRecord) error
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error

	// BeginIdentification atomically moves the record into the identifying
	// state and reports whether the caller won the transition. It succeeds from
	// unidentified, failed, and identified, and also from identifying when the
	// record has sat there longer than staleAfter (an attempt abandoned by a
	// crash or navigation never resolved). It returns (false, nil) when another
	// attempt is already in flight, so there is at most one per record.
	BeginIdentification(ctx context.Context, id string, staleAfter time.Duration) (bool, error)

	Close() error
}
