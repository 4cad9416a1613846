package model

import (
	"testing"
	"time"
)

func TestNormalizeImagesSynthesizesLegacyEntry(t *testing.T) {
	created := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	record := &PlantRecord{ID: "p1", CreatedAt: created, IDStatus: StatusUnidentified}
	blob := []byte{0xff, 0xd8, 0xff}

	NormalizeImages(record, blob)

	if len(record.Images) != 1 {
		t.Fatalf("expected one synthesized image, got %d", len(record.Images))
	}
	img := record.Images[0]
	if img.ID != "p1"+LegacyImageSuffix {
		t.Fatalf("unexpected synthesized id %q", img.ID)
	}
	if !img.CreatedAt.Equal(created) {
		t.Fatalf("synthesized timestamp %v, want record createdAt", img.CreatedAt)
	}
	if string(img.Blob) != string(blob) {
		t.Fatalf("synthesized blob does not match legacy payload")
	}
}

func TestNormalizeImagesIsANoOpOnCurrentShape(t *testing.T) {
	record := &PlantRecord{
		ID:        "p2",
		CreatedAt: time.Now().UTC(),
		Images: []PlantImage{
			{ID: "img-1", CreatedAt: time.Now().UTC(), Blob: []byte{1}},
		},
		IDStatus: StatusUnidentified,
	}

	NormalizeImages(record, []byte{9, 9, 9})
	if len(record.Images) != 1 || record.Images[0].ID != "img-1" {
		t.Fatalf("normalization must not alter a current-shape record")
	}

	// Records with neither shape stay empty rather than growing a phantom image.
	empty := &PlantRecord{ID: "p3", CreatedAt: time.Now().UTC()}
	NormalizeImages(empty, nil)
	if len(empty.Images) != 0 {
		t.Fatalf("expected no images, got %d", len(empty.Images))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	nickname := "Rose bush"
	record := &PlantRecord{
		ID:        "p4",
		CreatedAt: time.Now().UTC(),
		Nickname:  &nickname,
		Images:    []PlantImage{{ID: "img-1", CreatedAt: time.Now().UTC(), Blob: []byte{1, 2, 3}}},
		IDStatus:  StatusUnidentified,
		Candidates: []Candidate{
			{CommonName: "Rose", Confidence: 0.9},
		},
	}

	clone := record.Clone()
	clone.Images[0].Blob[0] = 42
	*clone.Nickname = "changed"
	clone.Candidates[0].CommonName = "Peony"

	if record.Images[0].Blob[0] != 1 {
		t.Fatalf("clone shares image payload with original")
	}
	if *record.Nickname != "Rose bush" {
		t.Fatalf("clone shares nickname pointer with original")
	}
	if record.Candidates[0].CommonName != "Rose" {
		t.Fatalf("clone shares candidates slice with original")
	}
}

func TestCandidateEqualIgnoresConfidenceAndSource(t *testing.T) {
	a := Candidate{CommonName: "Rose", ScientificName: "Rosa", Confidence: 0.9, Source: "gemini"}
	b := Candidate{CommonName: "Rose", ScientificName: "Rosa", Confidence: 0.1, Source: "mock"}
	if !a.Equal(b) {
		t.Fatalf("candidates naming the same species must compare equal")
	}
	c := Candidate{CommonName: "Rose", ScientificName: "Rosa rugosa"}
	if a.Equal(c) {
		t.Fatalf("different scientific names must not compare equal")
	}
}
