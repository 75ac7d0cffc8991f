package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sanare-health/sanare/internal/model"
)

// Visibility is the materialized read-visibility rule for one caller: the
// caller's own clinic sees every kind, sibling clinics only the
// cross-read-eligible kinds. Built per call from the policy scope so
// membership changes are never served stale.
type Visibility struct {
	ClinicID       uuid.UUID
	SiblingClinics []uuid.UUID // clinics sharing the caller's organization, excluding its own
	CrossReadKinds []string
}

// ChangesSince returns entity versions mutated strictly after the
// checkpoint and visible to the caller, ordered by mutation timestamp
// ascending so the caller can resume deterministically from the last
// element.
func (db *DB) ChangesSince(ctx context.Context, vis Visibility, after model.Checkpoint, limit int) ([]model.Entity, error) {
	siblings := vis.SiblingClinics
	if siblings == nil {
		siblings = []uuid.UUID{}
	}
	crossKinds := vis.CrossReadKinds
	if crossKinds == nil {
		crossKinds = []string{}
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, clinic_id, kind, payload, signed_at, created_at, updated_at
		 FROM entities
		 WHERE updated_at > $1
		   AND (clinic_id = $2 OR (clinic_id = ANY($3) AND kind = ANY($4)))
		 ORDER BY updated_at ASC, id ASC
		 LIMIT $5`,
		after.Time().UTC(), vis.ClinicID, siblings, crossKinds, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: changes since: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// LatestMutation returns the most recent entity mutation timestamp visible
// to the caller, or the zero time when nothing is visible.
func (db *DB) LatestMutation(ctx context.Context, vis Visibility) (time.Time, error) {
	siblings := vis.SiblingClinics
	if siblings == nil {
		siblings = []uuid.UUID{}
	}
	crossKinds := vis.CrossReadKinds
	if crossKinds == nil {
		crossKinds = []string{}
	}

	var latest *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT max(updated_at) FROM entities
		 WHERE clinic_id = $1 OR (clinic_id = ANY($2) AND kind = ANY($3))`,
		vis.ClinicID, siblings, crossKinds,
	).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: latest mutation: %w", err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return latest.UTC(), nil
}
