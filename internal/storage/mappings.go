package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sanare-health/sanare/internal/model"
)

// ResolveMapping returns the server id previously bound to a device's
// local id for the given entity kind, or ErrNotFound.
func (db *DB) ResolveMapping(ctx context.Context, deviceID, localID, kind string) (uuid.UUID, error) {
	var serverID uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT server_id FROM sync_mappings
		 WHERE device_id = $1 AND local_id = $2 AND entity_kind = $3`,
		deviceID, localID, kind,
	).Scan(&serverID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, ErrNotFound
		}
		return uuid.Nil, fmt.Errorf("storage: resolve mapping: %w", err)
	}
	return serverID, nil
}

// BindMapping records a local-to-server id association. Idempotent for an
// identical binding; a key already bound to a different server id returns
// ErrMappingRebound and the stored row is never overwritten.
func (db *DB) BindMapping(ctx context.Context, m model.IdentityMapping) error {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO sync_mappings (device_id, local_id, entity_kind, clinic_id, server_id)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (device_id, local_id, entity_kind) DO NOTHING`,
		m.DeviceID, m.LocalID, m.Kind, m.ClinicID, m.ServerID,
	)
	if err != nil {
		return fmt.Errorf("storage: bind mapping: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := db.resolveMappingRow(ctx, m.DeviceID, m.LocalID, m.Kind)
	if err != nil {
		return err
	}
	if existing.ServerID != m.ServerID {
		return ErrMappingRebound
	}
	return nil
}

// CountMappings returns the number of identity mappings recorded for a
// device. Reported by the sync status endpoint.
func (db *DB) CountMappings(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM sync_mappings WHERE device_id = $1`, deviceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count mappings: %w", err)
	}
	return count, nil
}

func (db *DB) resolveMappingRow(ctx context.Context, deviceID, localID, kind string) (model.IdentityMapping, error) {
	var m model.IdentityMapping
	err := db.pool.QueryRow(ctx,
		`SELECT device_id, local_id, entity_kind, clinic_id, server_id, created_at
		 FROM sync_mappings
		 WHERE device_id = $1 AND local_id = $2 AND entity_kind = $3`,
		deviceID, localID, kind,
	).Scan(&m.DeviceID, &m.LocalID, &m.Kind, &m.ClinicID, &m.ServerID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.IdentityMapping{}, ErrNotFound
		}
		return model.IdentityMapping{}, fmt.Errorf("storage: load mapping: %w", err)
	}
	return m, nil
}

func (db *DB) resolveMappingTx(ctx context.Context, tx pgx.Tx, deviceID, localID, kind string) (model.IdentityMapping, error) {
	var m model.IdentityMapping
	err := tx.QueryRow(ctx,
		`SELECT device_id, local_id, entity_kind, clinic_id, server_id, created_at
		 FROM sync_mappings
		 WHERE device_id = $1 AND local_id = $2 AND entity_kind = $3`,
		deviceID, localID, kind,
	).Scan(&m.DeviceID, &m.LocalID, &m.Kind, &m.ClinicID, &m.ServerID, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.IdentityMapping{}, ErrNotFound
		}
		return model.IdentityMapping{}, fmt.Errorf("storage: load mapping: %w", err)
	}
	return m, nil
}
