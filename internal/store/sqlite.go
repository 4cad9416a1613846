package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yardkeep/yardkeep/internal/model"
)

// SQLite is the default backend: a single database file on the device that
// owns the records.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database file and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w: %w", ErrUnavailable, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w: %w", ErrUnavailable, err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w: %w", pragma, ErrUnavailable, execErr)
		}
	}
	s := &SQLite{db: db, path: path}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// ensureSchema creates the tables if needed. The image_blob column on plants
// is the v1 single-image schema; it stays nullable forever so rows written by
// old builds remain readable (see scanRecord).
func (s *SQLite) ensureSchema(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS plants (
	id TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	nickname TEXT,
	image_blob BLOB,
	id_status TEXT NOT NULL,
	identified_at TEXT,
	candidates_json TEXT,
	chosen_candidate_json TEXT,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS plant_images (
	plant_id TEXT NOT NULL REFERENCES plants(id) ON DELETE CASCADE,
	image_id TEXT NOT NULL,
	created_at TEXT NOT NULL,
	blob BLOB NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (plant_id, image_id)
);
CREATE INDEX IF NOT EXISTS idx_plant_images_order ON plant_images(plant_id, position);
CREATE INDEX IF NOT EXISTS idx_plants_status ON plants(id_status);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetAll returns every record, images included, normalized to the current
// shape. Order is unspecified.
func (s *SQLite) GetAll(ctx context.Context) ([]*model.PlantRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, nickname, image_blob, id_status, identified_at,
		       candidates_json, chosen_candidate_json, updated_at
		FROM plants`)
	if err != nil {
		return nil, fmt.Errorf("select plants: %w: %w", ErrIO, err)
	}
	defer rows.Close()

	var records []*model.PlantRecord
	legacy := make(map[string][]byte)
	for rows.Next() {
		record, legacyBlob, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
		if legacyBlob != nil {
			legacy[record.ID] = legacyBlob
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plants: %w: %w", ErrIO, err)
	}

	images, err := s.loadImages(ctx, "")
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		record.Images = images[record.ID]
		model.NormalizeImages(record, legacy[record.ID])
	}
	return records, nil
}

// Get returns one record by id.
func (s *SQLite) Get(ctx context.Context, id string) (*model.PlantRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, nickname, image_blob, id_status, identified_at,
		       candidates_json, chosen_candidate_json, updated_at
		FROM plants WHERE id = ?`, id)
	record, legacyBlob, err := scanRecord(row)
	if err != nil {
		return nil, err
	}
	images, err := s.loadImages(ctx, id)
	if err != nil {
		return nil, err
	}
	record.Images = images[id]
	model.NormalizeImages(record, legacyBlob)
	return record, nil
}

// Put inserts or fully replaces a record inside one transaction. The image
// set is replaced wholesale, and the legacy column is cleared: re-saving is
// what migrates a v1 row to the current shape.
func (s *SQLite) Put(ctx context.Context, record *model.PlantRecord) error {
	candidatesJSON, chosenJSON, err := encodeCandidates(record)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	record.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin put: %w: %w", ErrIO, err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plants (id, created_at, nickname, image_blob, id_status,
		                    identified_at, candidates_json, chosen_candidate_json, updated_at)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			created_at = excluded.created_at,
			nickname = excluded.nickname,
			image_blob = NULL,
			id_status = excluded.id_status,
			identified_at = excluded.identified_at,
			candidates_json = excluded.candidates_json,
			chosen_candidate_json = excluded.chosen_candidate_json,
			updated_at = excluded.updated_at`,
		record.ID, formatTime(record.CreatedAt), record.Nickname, record.IDStatus,
		formatTimePtr(record.IdentifiedAt), candidatesJSON, chosenJSON, formatTime(now))
	if err != nil {
		return fmt.Errorf("upsert plant: %w: %w", ErrIO, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM plant_images WHERE plant_id = ?`, record.ID); err != nil {
		return fmt.Errorf("replace images: %w: %w", ErrIO, err)
	}
	for i, img := range record.Images {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plant_images (plant_id, image_id, created_at, blob, position)
			VALUES (?, ?, ?, ?, ?)`,
			record.ID, img.ID, formatTime(img.CreatedAt), img.Blob, i)
		if err != nil {
			return fmt.Errorf("insert image %s: %w: %w", img.ID, ErrIO, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit put: %w: %w", ErrIO, err)
	}
	return nil
}

// Delete removes a record and its images. Deleting an absent id succeeds.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM plants WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete plant: %w: %w", ErrIO, err)
	}
	return nil
}

// Clear removes every record. Administrative operation.
func (s *SQLite) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w: %w", ErrIO, err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM plant_images`); err != nil {
		return fmt.Errorf("clear images: %w: %w", ErrIO, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plants`); err != nil {
		return fmt.Errorf("clear plants: %w: %w", ErrIO, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w: %w", ErrIO, err)
	}
	return nil
}

// BeginIdentification performs the unidentified/failed/identified -> identifying
// transition as a single conditional write, so two near-simultaneous triggers
// cannot both start an attempt. A record stuck in identifying longer than
// staleAfter is treated as retryable.
func (s *SQLite) BeginIdentification(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE plants SET id_status = ?, updated_at = ?
		WHERE id = ? AND (id_status != ? OR updated_at < ?)`,
		model.StatusIdentifying, formatTime(now), id,
		model.StatusIdentifying, formatTime(now.Add(-staleAfter)))
	if err != nil {
		return false, fmt.Errorf("begin identification: %w: %w", ErrIO, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("begin identification: %w: %w", ErrIO, err)
	}
	if affected > 0 {
		return true, nil
	}
	// Zero rows is either a lost race or a missing record; tell them apart.
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM plants WHERE id = ?`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("begin identification: %w: %w", ErrIO, err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// loadImages fetches ordered images for one plant, or for every plant when id
// is empty, keyed by plant id.
func (s *SQLite) loadImages(ctx context.Context, id string) (map[string][]model.PlantImage, error) {
	query := `SELECT plant_id, image_id, created_at, blob FROM plant_images ORDER BY plant_id, position`
	args := []any{}
	if id != "" {
		query = `SELECT plant_id, image_id, created_at, blob FROM plant_images WHERE plant_id = ? ORDER BY position`
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select images: %w: %w", ErrIO, err)
	}
	defer rows.Close()

	out := make(map[string][]model.PlantImage)
	for rows.Next() {
		var (
			plantID   string
			img       model.PlantImage
			createdAt string
		)
		if err := rows.Scan(&plantID, &img.ID, &createdAt, &img.Blob); err != nil {
			return nil, fmt.Errorf("scan image: %w: %w", ErrIO, err)
		}
		img.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		out[plantID] = append(out[plantID], img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w: %w", ErrIO, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.PlantRecord, []byte, error) {
	var (
		record         model.PlantRecord
		createdAt      string
		nickname       sql.NullString
		legacyBlob     []byte
		identifiedAt   sql.NullString
		candidatesJSON sql.NullString
		chosenJSON     sql.NullString
		updatedAt      string
	)
	err := row.Scan(&record.ID, &createdAt, &nickname, &legacyBlob, &record.IDStatus,
		&identifiedAt, &candidatesJSON, &chosenJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("scan plant: %w: %w", ErrIO, err)
	}
	if record.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, nil, err
	}
	if record.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, nil, err
	}
	if nickname.Valid {
		value := nickname.String
		record.Nickname = &value
	}
	if identifiedAt.Valid {
		at, err := parseTime(identifiedAt.String)
		if err != nil {
			return nil, nil, err
		}
		record.IdentifiedAt = &at
	}
	if candidatesJSON.Valid && candidatesJSON.String != "" {
		if err := json.Unmarshal([]byte(candidatesJSON.String), &record.Candidates); err != nil {
			return nil, nil, fmt.Errorf("decode candidates for %s: %w: %w", record.ID, ErrIO, err)
		}
	}
	if chosenJSON.Valid && chosenJSON.String != "" {
		var chosen model.Candidate
		if err := json.Unmarshal([]byte(chosenJSON.String), &chosen); err != nil {
			return nil, nil, fmt.Errorf("decode chosen candidate for %s: %w: %w", record.ID, ErrIO, err)
		}
		record.ChosenCandidate = &chosen
	}
	return &record, legacyBlob, nil
}

func encodeCandidates(record *model.PlantRecord) (candidates, chosen *string, err error) {
	if len(record.Candidates) > 0 {
		data, err := json.Marshal(record.Candidates)
		if err != nil {
			return nil, nil, fmt.Errorf("encode candidates: %w", err)
		}
		value := string(data)
		candidates = &value
	}
	if record.ChosenCandidate != nil {
		data, err := json.Marshal(record.ChosenCandidate)
		if err != nil {
			return nil, nil, fmt.Errorf("encode chosen candidate: %w", err)
		}
		value := string(data)
		chosen = &value
	}
	return candidates, chosen, nil
}

// timeLayout is RFC 3339 with a fixed-width fractional second, so stored UTC
// timestamps compare correctly as TEXT (RFC3339Nano trims trailing zeros and
// breaks lexicographic ordering).
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	value := formatTime(*t)
	return &value
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored timestamp %q: %w: %w", value, ErrIO, err)
	}
	return t, nil
}
