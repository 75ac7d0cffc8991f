package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sanare-health/sanare/internal/model"
)

// CreateEntity inserts a tenant-scoped entity row (live-request path).
func (db *DB) CreateEntity(ctx context.Context, e model.Entity) (model.Entity, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO entities (id, clinic_id, kind, payload, signed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
		e.ID, e.ClinicID, e.Kind, []byte(e.Payload), e.SignedAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return model.Entity{}, fmt.Errorf("storage: create entity: %w", err)
	}
	return e, nil
}

// CreateEntityWithMapping atomically persists a new entity and binds the
// device's local id to it. The binding and the entity write are one unit:
// a failure rolls back both, so an identity mapping always implies the
// entity exists.
//
// If the (device, local id, kind) key is already bound — a concurrent or
// replayed create — the new row is discarded and the previously recorded
// server id is returned, keeping create idempotent. An existing binding
// from a different clinic is a protocol violation, not a replay.
func (db *DB) CreateEntityWithMapping(ctx context.Context, e model.Entity, m model.IdentityMapping) (uuid.UUID, error) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.ServerID = e.ID

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: begin create with mapping: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO sync_mappings (device_id, local_id, entity_kind, clinic_id, server_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (device_id, local_id, entity_kind) DO NOTHING`,
		m.DeviceID, m.LocalID, m.Kind, m.ClinicID, m.ServerID,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: bind mapping: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Lost the per-key race or replayed: the first binding wins.
		existing, err := db.resolveMappingTx(ctx, tx, m.DeviceID, m.LocalID, m.Kind)
		if err != nil {
			return uuid.Nil, err
		}
		if existing.ClinicID != m.ClinicID {
			return uuid.Nil, ErrMappingRebound
		}
		return existing.ServerID, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO entities (id, clinic_id, kind, payload, signed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7)`,
		e.ID, e.ClinicID, e.Kind, []byte(e.Payload), e.SignedAt, e.CreatedAt, e.UpdatedAt,
	); err != nil {
		return uuid.Nil, fmt.Errorf("storage: create entity: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("storage: commit create with mapping: %w", err)
	}
	return e.ID, nil
}

// GetEntity retrieves an entity by server id.
func (db *DB) GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error) {
	var e model.Entity
	var payload []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, clinic_id, kind, payload, signed_at, created_at, updated_at
		 FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &e.ClinicID, &e.Kind, &payload, &e.SignedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Entity{}, ErrNotFound
		}
		return model.Entity{}, fmt.Errorf("storage: get entity: %w", err)
	}
	e.Payload = json.RawMessage(payload)
	return e, nil
}

// UpdateEntity replaces the payload of an unsigned entity and sets its
// last-modified timestamp. The clinic_id guard keeps updates clinic-local
// even if a caller holds a foreign server id; signed rows are refused.
func (db *DB) UpdateEntity(ctx context.Context, clinicID, id uuid.UUID, payload json.RawMessage, modifiedAt time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE entities SET payload = $1::jsonb, updated_at = $2
		 WHERE id = $3 AND clinic_id = $4 AND signed_at IS NULL`,
		[]byte(payload), modifiedAt.UTC(), id, clinicID,
	)
	if err != nil {
		return fmt.Errorf("storage: update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a signed one.
		e, err := db.GetEntity(ctx, id)
		if err != nil {
			return err
		}
		if e.ClinicID != clinicID {
			return ErrNotFound
		}
		return ErrImmutable
	}
	return nil
}

// SignEntity marks an entity as signed. Terminal: signing an already-signed
// row is refused.
func (db *DB) SignEntity(ctx context.Context, clinicID, id uuid.UUID, signedAt time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE entities SET signed_at = $1, updated_at = $1
		 WHERE id = $2 AND clinic_id = $3 AND signed_at IS NULL`,
		signedAt.UTC(), id, clinicID,
	)
	if err != nil {
		return fmt.Errorf("storage: sign entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		e, err := db.GetEntity(ctx, id)
		if err != nil {
			return err
		}
		if e.ClinicID != clinicID {
			return ErrNotFound
		}
		return ErrImmutable
	}
	return nil
}

// ListEntities returns entities of one kind owned by any of the given
// clinics, newest first. Callers pass the clinic set already filtered by
// the policy visibility rule.
func (db *DB) ListEntities(ctx context.Context, clinicIDs []uuid.UUID, kind string, limit int) ([]model.Entity, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, clinic_id, kind, payload, signed_at, created_at, updated_at
		 FROM entities
		 WHERE clinic_id = ANY($1) AND kind = $2
		 ORDER BY updated_at DESC
		 LIMIT $3`,
		clinicIDs, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

func scanEntities(rows pgx.Rows) ([]model.Entity, error) {
	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		var payload []byte
		if err := rows.Scan(&e.ID, &e.ClinicID, &e.Kind, &payload, &e.SignedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan entity: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}
