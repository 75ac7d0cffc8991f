package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AuditEntry is an append-only audit event. Authorization denials and
// lost last-write-wins versions land here: denials never leak detail to
// the caller, and overwritten concurrent edits stay recoverable for manual
// reconciliation.
type AuditEntry struct {
	ClinicID   uuid.UUID
	DeviceID   string
	Action     string
	EntityKind string
	EntityID   string
	Detail     map[string]any
}

// Audit actions recorded by the core.
const (
	AuditAccessDenied   = "access_denied"
	AuditConflictLost   = "conflict_lost_version"
	AuditEntitySigned   = "entity_signed"
	AuditMappingRebound = "mapping_rebound"
)

// InsertAuditEntry appends an audit event. The target table is immutable.
func (db *DB) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	detailJSON, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("storage: marshal audit detail: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_log (clinic_id, device_id, action, entity_kind, entity_id, detail)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb)`,
		e.ClinicID, e.DeviceID, e.Action, e.EntityKind, e.EntityID, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit entry: %w", err)
	}
	return nil
}
