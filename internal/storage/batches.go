package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sanare-health/sanare/internal/model"
)

// RecordSyncBatch appends the audit record of a processed batch.
func (db *DB) RecordSyncBatch(ctx context.Context, b model.SyncBatch) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sync_batches (id, clinic_id, device_id, operation_count,
		     applied_count, conflict_count, error_count, status, created_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.ClinicID, b.DeviceID, b.OperationCount,
		b.AppliedCount, b.ConflictCount, b.ErrorCount, b.Status, b.CreatedAt, b.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: record sync batch: %w", err)
	}
	return nil
}

// LastCompletedSync returns when the device last finished a batch that was
// not a wholesale failure, or nil if it never has.
func (db *DB) LastCompletedSync(ctx context.Context, clinicID uuid.UUID, deviceID string) (*time.Time, error) {
	var last *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT max(processed_at) FROM sync_batches
		 WHERE clinic_id = $1 AND device_id = $2 AND status IN ($3, $4)`,
		clinicID, deviceID, model.SyncBatchCompleted, model.SyncBatchPartial,
	).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("storage: last completed sync: %w", err)
	}
	return last, nil
}
