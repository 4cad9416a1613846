package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yardkeep/yardkeep/internal/model"
)

// Postgres backs the record store with a pgx pool. It exists for installs
// that already run a database server; semantics are identical to the SQLite
// backend and both sit behind the Store interface.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool using the provided DSN and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w: %w", ErrUnavailable, err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w: %w", ErrUnavailable, err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// ensureSchema creates the tables if needed. Keeping the migration in code
// keeps the stack self-contained so docker-compose can bootstrap everything.
func (p *Postgres) ensureSchema(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS plants (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	nickname TEXT,
	image_blob BYTEA,
	id_status TEXT NOT NULL,
	identified_at TIMESTAMPTZ,
	candidates_json JSONB,
	chosen_candidate_json JSONB,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS plant_images (
	plant_id TEXT NOT NULL REFERENCES plants(id) ON DELETE CASCADE,
	image_id TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	blob BYTEA NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (plant_id, image_id)
);
CREATE INDEX IF NOT EXISTS idx_plant_images_order ON plant_images(plant_id, position);
CREATE INDEX IF NOT EXISTS idx_plants_status ON plants(id_status);`
	if _, err := p.pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure schema: %w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// GetAll returns every record, normalized to the current shape.
func (p *Postgres) GetAll(ctx context.Context) ([]*model.PlantRecord, error) {
	rows, err := p.pool.Query(ctx, `
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
		record, legacyBlob, err := scanPgRecord(rows)
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

	images, err := p.loadImages(ctx, "")
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
func (p *Postgres) Get(ctx context.Context, id string) (*model.PlantRecord, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, created_at, nickname, image_blob, id_status, identified_at,
		       candidates_json, chosen_candidate_json, updated_at
		FROM plants WHERE id = $1`, id)
	record, legacyBlob, err := scanPgRecord(row)
	if err != nil {
		return nil, err
	}
	images, err := p.loadImages(ctx, id)
	if err != nil {
		return nil, err
	}
	record.Images = images[id]
	model.NormalizeImages(record, legacyBlob)
	return record, nil
}

// Put inserts or fully replaces a record inside one transaction.
func (p *Postgres) Put(ctx context.Context, record *model.PlantRecord) error {
	candidatesJSON, chosenJSON, err := encodeCandidates(record)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	record.UpdatedAt = now

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin put: %w: %w", ErrIO, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO plants (id, created_at, nickname, image_blob, id_status,
		                    identified_at, candidates_json, chosen_candidate_json, updated_at)
		VALUES ($1, $2, $3, NULL, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			created_at = EXCLUDED.created_at,
			nickname = EXCLUDED.nickname,
			image_blob = NULL,
			id_status = EXCLUDED.id_status,
			identified_at = EXCLUDED.identified_at,
			candidates_json = EXCLUDED.candidates_json,
			chosen_candidate_json = EXCLUDED.chosen_candidate_json,
			updated_at = EXCLUDED.updated_at`,
		record.ID, record.CreatedAt, record.Nickname, record.IDStatus,
		record.IdentifiedAt, candidatesJSON, chosenJSON, now)
	if err != nil {
		return fmt.Errorf("upsert plant: %w: %w", ErrIO, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM plant_images WHERE plant_id = $1`, record.ID); err != nil {
		return fmt.Errorf("replace images: %w: %w", ErrIO, err)
	}
	for i, img := range record.Images {
		_, err := tx.Exec(ctx, `
			INSERT INTO plant_images (plant_id, image_id, created_at, blob, position)
			VALUES ($1, $2, $3, $4, $5)`,
			record.ID, img.ID, img.CreatedAt, img.Blob, i)
		if err != nil {
			return fmt.Errorf("insert image %s: %w: %w", img.ID, ErrIO, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit put: %w: %w", ErrIO, err)
	}
	return nil
}

// Delete removes a record; deleting an absent id succeeds.
func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM plants WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete plant: %w: %w", ErrIO, err)
	}
	return nil
}

// Clear removes every record.
func (p *Postgres) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `TRUNCATE plant_images, plants`); err != nil {
		return fmt.Errorf("clear plants: %w: %w", ErrIO, err)
	}
	return nil
}

// BeginIdentification performs the conditional transition into identifying.
func (p *Postgres) BeginIdentification(ctx context.Context, id string, staleAfter time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := p.pool.Exec(ctx, `
		UPDATE plants SET id_status = $1, updated_at = $2
		WHERE id = $3 AND (id_status != $1 OR updated_at < $4)`,
		model.StatusIdentifying, now, id, now.Add(-staleAfter))
	if err != nil {
		return false, fmt.Errorf("begin identification: %w: %w", ErrIO, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	var exists int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(1) FROM plants WHERE id = $1`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("begin identification: %w: %w", ErrIO, err)
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

func (p *Postgres) loadImages(ctx context.Context, id string) (map[string][]model.PlantImage, error) {
	query := `SELECT plant_id, image_id, created_at, blob FROM plant_images ORDER BY plant_id, position`
	args := []any{}
	if id != "" {
		query = `SELECT plant_id, image_id, created_at, blob FROM plant_images WHERE plant_id = $1 ORDER BY position`
		args = append(args, id)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select images: %w: %w", ErrIO, err)
	}
	defer rows.Close()

	out := make(map[string][]model.PlantImage)
	for rows.Next() {
		var (
			plantID string
			img     model.PlantImage
		)
		if err := rows.Scan(&plantID, &img.ID, &img.CreatedAt, &img.Blob); err != nil {
			return nil, fmt.Errorf("scan image: %w: %w", ErrIO, err)
		}
		out[plantID] = append(out[plantID], img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate images: %w: %w", ErrIO, err)
	}
	return out, nil
}

func scanPgRecord(row pgx.Row) (*model.PlantRecord, []byte, error) {
	var (
		record         model.PlantRecord
		legacyBlob     []byte
		candidatesJSON []byte
		chosenJSON     []byte
	)
	err := row.Scan(&record.ID, &record.CreatedAt, &record.Nickname, &legacyBlob,
		&record.IDStatus, &record.IdentifiedAt, &candidatesJSON, &chosenJSON, &record.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("scan plant: %w: %w", ErrIO, err)
	}
	if len(candidatesJSON) > 0 {
		if err := json.Unmarshal(candidatesJSON, &record.Candidates); err != nil {
			return nil, nil, fmt.Errorf("decode candidates for %s: %w: %w", record.ID, ErrIO, err)
		}
	}
	if len(chosenJSON) > 0 {
		var chosen model.Candidate
		if err := json.Unmarshal(chosenJSON, &chosen); err != nil {
			return nil, nil, fmt.Errorf("decode chosen candidate for %s: %w: %w", record.ID, ErrIO, err)
		}
		record.ChosenCandidate = &chosen
	}
	return &record, legacyBlob, nil
}
