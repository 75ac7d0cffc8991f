package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sanare-health/sanare/internal/model"
)

// CreateDevice registers a sync client bound to a clinic. The API key is
// stored hashed by the caller.
func (db *DB) CreateDevice(ctx context.Context, d model.Device) (model.Device, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Role == "" {
		d.Role = model.RoleDevice
	}
	d.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO devices (id, clinic_id, device_id, key_hash, role, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.ClinicID, d.DeviceID, d.KeyHash, d.Role, d.CreatedAt,
	)
	if err != nil {
		return model.Device{}, fmt.Errorf("storage: create device: %w", err)
	}
	return d, nil
}

// GetDeviceByDeviceID retrieves a device by its client-facing identifier.
func (db *DB) GetDeviceByDeviceID(ctx context.Context, deviceID string) (model.Device, error) {
	var d model.Device
	err := db.pool.QueryRow(ctx,
		`SELECT id, clinic_id, device_id, key_hash, role, created_at
		 FROM devices WHERE device_id = $1`, deviceID,
	).Scan(&d.ID, &d.ClinicID, &d.DeviceID, &d.KeyHash, &d.Role, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Device{}, ErrNotFound
		}
		return model.Device{}, fmt.Errorf("storage: get device: %w", err)
	}
	return d, nil
}
