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

// CreateClinic inserts a new clinic. When clinic.OrganizationID is set, the
// organization's clinic limit is enforced in the same transaction.
func (db *DB) CreateClinic(ctx context.Context, clinic model.Clinic) (model.Clinic, error) {
	if clinic.ID == uuid.Nil {
		clinic.ID = uuid.New()
	}
	now := time.Now().UTC()
	clinic.CreatedAt = now
	clinic.UpdatedAt = now

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Clinic{}, fmt.Errorf("storage: begin create clinic: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if clinic.OrganizationID != nil {
		if err := checkClinicLimit(ctx, tx, *clinic.OrganizationID); err != nil {
			return model.Clinic{}, err
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO clinics (id, organization_id, name, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		clinic.ID, clinic.OrganizationID, clinic.Name, clinic.CreatedAt, clinic.UpdatedAt,
	)
	if err != nil {
		return model.Clinic{}, fmt.Errorf("storage: create clinic: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Clinic{}, fmt.Errorf("storage: commit create clinic: %w", err)
	}
	return clinic, nil
}

// checkClinicLimit verifies the organization exists and has room for one
// more clinic. The organization row is locked so two concurrent attaches
// cannot both pass the count check.
func checkClinicLimit(ctx context.Context, tx pgx.Tx, orgID uuid.UUID) error {
	var maxClinics int
	err := tx.QueryRow(ctx,
		`SELECT max_clinics FROM organizations WHERE id = $1 FOR UPDATE`, orgID,
	).Scan(&maxClinics)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock organization: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM clinics WHERE organization_id = $1`, orgID,
	).Scan(&count); err != nil {
		return fmt.Errorf("storage: count organization clinics: %w", err)
	}
	if count >= maxClinics {
		return fmt.Errorf("storage: organization clinic limit reached (%d)", maxClinics)
	}
	return nil
}

// AttachClinicToOrganization sets the organization of a standalone clinic.
// A clinic already in a different organization is refused: membership is
// immutable once set (reassignment is an out-of-scope migration).
func (db *DB) AttachClinicToOrganization(ctx context.Context, clinicID, orgID uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin attach clinic: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current *uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT organization_id FROM clinics WHERE id = $1 FOR UPDATE`, clinicID,
	).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: lock clinic: %w", err)
	}
	if current != nil {
		if *current == orgID {
			return nil
		}
		return fmt.Errorf("storage: clinic already belongs to another organization")
	}

	if err := checkClinicLimit(ctx, tx, orgID); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE clinics SET organization_id = $1, updated_at = $2 WHERE id = $3`,
		orgID, time.Now().UTC(), clinicID,
	); err != nil {
		return fmt.Errorf("storage: attach clinic: %w", err)
	}

	return tx.Commit(ctx)
}

// GetClinic retrieves a clinic by ID.
func (db *DB) GetClinic(ctx context.Context, id uuid.UUID) (model.Clinic, error) {
	var clinic model.Clinic
	err := db.pool.QueryRow(ctx,
		`SELECT id, organization_id, name, created_at, updated_at
		 FROM clinics WHERE id = $1`, id,
	).Scan(&clinic.ID, &clinic.OrganizationID, &clinic.Name, &clinic.CreatedAt, &clinic.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Clinic{}, ErrNotFound
		}
		return model.Clinic{}, fmt.Errorf("storage: get clinic: %w", err)
	}
	return clinic, nil
}

// ClinicOrganization returns the clinic's organization id, or nil for a
// standalone clinic. Part of the policy.ClinicDirectory contract.
func (db *DB) ClinicOrganization(ctx context.Context, clinicID uuid.UUID) (*uuid.UUID, error) {
	var orgID *uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT organization_id FROM clinics WHERE id = $1`, clinicID,
	).Scan(&orgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: clinic organization: %w", err)
	}
	return orgID, nil
}

// OrganizationClinicIDs returns the ids of all clinics in the organization.
// Part of the policy.ClinicDirectory contract; queried per call so
// membership changes take effect immediately.
func (db *DB) OrganizationClinicIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM clinics WHERE organization_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("storage: organization clinic ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan clinic id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
