// Package model contains the record types shared across packages.
package model

import (
	"time"
)

// IDStatus describes where a plant record sits in the identification
// lifecycle. Declaring "type IDStatus string" gives the states a named type
// instead of passing bare strings around.
type IDStatus string

const (
	// StatusUnidentified is the state of a fresh capture, and also the state a
	// record returns to when a new attempt produces candidates awaiting a choice.
	StatusUnidentified IDStatus = "unidentified"
	// StatusIdentifying marks an in-flight attempt; it is persisted before any
	// network work so other readers observe it immediately.
	StatusIdentifying IDStatus = "identifying"
	// StatusIdentified means the user accepted a candidate.
	StatusIdentified IDStatus = "identified"
	// StatusFailed is the terminal state of an attempt that errored or returned
	// nothing; the user retries by requesting identification again.
	StatusFailed IDStatus = "failed"
)

// Candidate is one ranked species guess returned by a provider.
type Candidate struct {
	CommonName     string  `json:"commonName"`
	ScientificName string  `json:"scientificName,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Source         string  `json:"source,omitempty"`
}

// Equal reports whether two candidates name the same species. Confidence and
// source are deliberately ignored; acceptance matches by name.
func (c Candidate) Equal(other Candidate) bool {
	return c.CommonName == other.CommonName && c.ScientificName == other.ScientificName
}

// PlantImage is one physical photo belonging to a record. The blob is owned
// exclusively by this entry and is never shared across records.
type PlantImage struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Blob      []byte    `json:"blob"`
}

// PlantRecord is the persisted unit representing one captured plant and its
// identification history. Images are ordered by insertion; the most recent
// capture is last.
type PlantRecord struct {
	ID              string       `json:"id"`
	CreatedAt       time.Time    `json:"createdAt"`
	Nickname        *string      `json:"nickname"`
	Images          []PlantImage `json:"images"`
	IDStatus        IDStatus     `json:"idStatus"`
	IdentifiedAt    *time.Time   `json:"identifiedAt,omitempty"`
	Candidates      []Candidate  `json:"candidates,omitempty"`
	ChosenCandidate *Candidate   `json:"chosenCandidate,omitempty"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// LatestImage returns the most recent capture, or nil for a record with no
// images (which only happens on records that were never persisted correctly).
func (r *PlantRecord) LatestImage() *PlantImage {
	if len(r.Images) == 0 {
		return nil
	}
	return &r.Images[len(r.Images)-1]
}

// LegacyImageSuffix is appended to the record id to form the synthesized image
// id for rows written under the v1 single-image schema.
const LegacyImageSuffix = "-legacy"

// NormalizeImages upgrades a record read from storage to the current
// multi-image shape. Rows written before the images table existed carry their
// single payload in a legacy column; when that is the only image available we
// synthesize a one-element list with a deterministic id and the record's own
// creation timestamp. The function is a no-op on current-shape records and
// never touches storage: the legacy row is only rewritten when the caller
// explicitly saves the record again.
func NormalizeImages(record *PlantRecord, legacyBlob []byte) {
	if len(record.Images) > 0 || len(legacyBlob) == 0 {
		return
	}
	record.Images = []PlantImage{{
		ID:        record.ID + LegacyImageSuffix,
		CreatedAt: record.CreatedAt,
		Blob:      legacyBlob,
	}}
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored record. Blobs are copied, not aliased.
func (r *PlantRecord) Clone() *PlantRecord {
	out := *r
	if r.Nickname != nil {
		nickname := *r.Nickname
		out.Nickname = &nickname
	}
	if r.IdentifiedAt != nil {
		at := *r.IdentifiedAt
		out.IdentifiedAt = &at
	}
	if r.ChosenCandidate != nil {
		chosen := *r.ChosenCandidate
		out.ChosenCandidate = &chosen
	}
	if r.Images != nil {
		out.Images = make([]PlantImage, len(r.Images))
		for i, img := range r.Images {
			copied := img
			copied.Blob = append([]byte(nil), img.Blob...)
			out.Images[i] = copied
		}
	}
	if r.Candidates != nil {
		out.Candidates = append([]Candidate(nil), r.Candidates...)
	}
	return &out
}
