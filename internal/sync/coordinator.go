package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/sanare-health/sanare/internal/model"
	"github.com/sanare-health/sanare/internal/policy"
	"github.com/sanare-health/sanare/internal/storage"
	"github.com/sanare-health/sanare/internal/tenant"
)

// Store is the persistence surface the coordinator drives. *storage.DB
// implements it; tests substitute an in-memory fake.
type Store interface {
	ResolveMapping(ctx context.Context, deviceID, localID, kind string) (uuid.UUID, error)
	CreateEntityWithMapping(ctx context.Context, e model.Entity, m model.IdentityMapping) (uuid.UUID, error)
	GetEntity(ctx context.Context, id uuid.UUID) (model.Entity, error)
	UpdateEntity(ctx context.Context, clinicID, id uuid.UUID, payload json.RawMessage, modifiedAt time.Time) error
	ChangesSince(ctx context.Context, vis storage.Visibility, after model.Checkpoint, limit int) ([]model.Entity, error)
	RecordSyncBatch(ctx context.Context, b model.SyncBatch) error
	InsertAuditEntry(ctx context.Context, e storage.AuditEntry) error
}

// IntegrityError aborts a device's whole sync session: a local id was
// rebound to a different server id than previously recorded, which means
// the client's local state is broken. The client must reset its sync state
// for the device rather than retry mechanically.
type IntegrityError struct {
	DeviceID string
	LocalID  string
	Kind     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("sync: identity mapping for device %s local id %s (%s) rebound to a different server id", e.DeviceID, e.LocalID, e.Kind)
}

// DefaultFeedLimit caps how many server-side changes one response carries.
// Clients page by resubmitting the returned checkpoint.
const DefaultFeedLimit = 200

var syncMeter = otel.GetMeterProvider().Meter("sanare/sync")

// Coordinator orchestrates ingestion of operation batches: it validates
// each operation, consults the policy engine, applies creates and updates
// through the identity mapping and conflict resolution, and composes the
// response from the change feed.
type Coordinator struct {
	store     Store
	engine    *policy.Engine
	scope     *policy.Scope
	logger    *slog.Logger
	feedLimit int
}

// NewCoordinator creates a coordinator. feedLimit <= 0 selects
// DefaultFeedLimit.
func NewCoordinator(store Store, engine *policy.Engine, scope *policy.Scope, logger *slog.Logger, feedLimit int) *Coordinator {
	if feedLimit <= 0 {
		feedLimit = DefaultFeedLimit
	}
	return &Coordinator{
		store:     store,
		engine:    engine,
		scope:     scope,
		logger:    logger,
		feedLimit: feedLimit,
	}
}

// ApplyBatch processes one device's operation batch in submission order —
// later operations may depend on ids created earlier in the same batch —
// then returns server-side changes since the supplied checkpoint.
//
// Individual malformed or unauthorized operations fail locally and are
// reported per operation; the batch never aborts wholesale for one bad
// operation. A returned error means no response was produced and the
// caller's checkpoint must not advance; retrying the whole batch is safe
// because creates are idempotent through the identity mapping.
func (c *Coordinator) ApplyBatch(ctx context.Context, tc tenant.Context, deviceID string, ops []model.SyncOperation, lastCheckpoint model.Checkpoint) (model.SyncResponse, error) {
	if deviceID == "" || len(deviceID) > model.MaxDeviceIDLen {
		return model.SyncResponse{}, fmt.Errorf("sync: invalid device id")
	}
	if len(ops) > model.MaxBatchOperations {
		return model.SyncResponse{}, fmt.Errorf("sync: batch exceeds %d operations", model.MaxBatchOperations)
	}

	started := time.Now().UTC()
	resp := model.SyncResponse{
		BatchID:   uuid.New(),
		Applied:   []model.SyncApplied{},
		Conflicts: []model.SyncConflict{},
		Errors:    []model.SyncOpError{},
		Updates:   []model.Entity{},
	}

	// Server ids written by this batch, to suppress their echo in updates.
	written := make(map[uuid.UUID]bool)

	for _, op := range ops {
		if err := c.applyOperation(ctx, tc, deviceID, op, &resp, written); err != nil {
			var integrity *IntegrityError
			if errors.As(err, &integrity) {
				c.auditIntegrity(ctx, tc, integrity)
				return model.SyncResponse{}, err
			}
			return model.SyncResponse{}, err
		}
	}

	siblings, err := c.scope.SiblingClinics(ctx, tc.ClinicID)
	if err != nil {
		return model.SyncResponse{}, fmt.Errorf("sync: resolve visibility: %w", err)
	}
	vis := storage.Visibility{
		ClinicID:       tc.ClinicID,
		CrossReadKinds: c.engine.Registry().CrossReadKinds(),
	}
	for id := range siblings {
		if id != tc.ClinicID {
			vis.SiblingClinics = append(vis.SiblingClinics, id)
		}
	}

	changes, err := c.store.ChangesSince(ctx, vis, lastCheckpoint, c.feedLimit)
	if err != nil {
		return model.SyncResponse{}, fmt.Errorf("sync: change feed: %w", err)
	}

	newCheckpoint := lastCheckpoint
	for _, e := range changes {
		newCheckpoint = newCheckpoint.Advance(e.UpdatedAt)
		if written[e.ID] {
			continue // already reflected in applied for this device
		}
		resp.Updates = append(resp.Updates, e)
	}
	// A full page means more changes may be pending past the last delivered
	// row. Advancing over this batch's own writes would then skip those
	// pending rows forever, so own writes move the checkpoint only once the
	// feed is drained; until then they reach the device again as updates on
	// the next page, which is harmless since it knows them from applied.
	if len(changes) < c.feedLimit {
		for id := range written {
			if e, err := c.store.GetEntity(ctx, id); err == nil {
				newCheckpoint = newCheckpoint.Advance(e.UpdatedAt)
			}
		}
	}
	resp.NewCheckpoint = newCheckpoint
	resp.ServerTime = time.Now().UTC()

	c.recordBatch(ctx, tc, deviceID, len(ops), started, &resp)
	c.recordMetrics(ctx, &resp)

	c.logger.Info("sync batch processed",
		"device_id", deviceID,
		"clinic_id", tc.ClinicID,
		"operations", len(ops),
		"applied", len(resp.Applied),
		"conflicts", len(resp.Conflicts),
		"errors", len(resp.Errors),
		"updates", len(resp.Updates),
	)
	return resp, nil
}

// applyOperation processes a single operation and records its outcome into
// resp. Only integrity violations and storage-level failures return an
// error; everything else is reported per operation.
func (c *Coordinator) applyOperation(ctx context.Context, tc tenant.Context, deviceID string, op model.SyncOperation, resp *model.SyncResponse, written map[uuid.UUID]bool) error {
	if err := op.Validate(); err != nil {
		resp.Errors = append(resp.Errors, opError(op, model.ErrCodeMalformedOperation, err.Error()))
		return nil
	}

	spec, ok := c.engine.Registry().Lookup(op.Kind)
	if !ok {
		resp.Errors = append(resp.Errors, opError(op, model.ErrCodeUnknownEntityKind, "entity kind is not registered"))
		return nil
	}

	// Writes are always clinic-local, so this degenerates to verifying the
	// caller's own clinic — still invoked uniformly so every sync write
	// passes through the same decision point as live requests.
	if err := c.engine.Authorize(tc, op.Kind, policy.OpWrite, tc.ClinicID, nil); err != nil {
		c.auditDenied(ctx, tc, deviceID, op, "write outside caller clinic")
		resp.Errors = append(resp.Errors, opError(op, model.ErrCodeAuthorizationDenied, "denied"))
		return nil
	}

	switch op.Action {
	case model.ActionCreate:
		return c.applyCreate(ctx, tc, deviceID, op, resp, written)
	case model.ActionUpdate:
		return c.applyUpdate(ctx, tc, deviceID, op, spec, resp, written)
	default:
		resp.Errors = append(resp.Errors, opError(op, model.ErrCodeMalformedOperation, "unsupported action"))
		return nil
	}
}

func (c *Coordinator) applyCreate(ctx context.Context, tc tenant.Context, deviceID string, op model.SyncOperation, resp *model.SyncResponse, written map[uuid.UUID]bool) error {
	// A mapping that already exists means this create is a retry of an
	// operation whose response was lost: report the recorded server id
	// instead of persisting a duplicate.
	serverID, err := c.store.ResolveMapping(ctx, deviceID, op.LocalID, op.Kind)
	if err == nil {
		resp.Applied = append(resp.Applied, model.SyncApplied{
			LocalID: op.LocalID, ServerID: serverID, Kind: op.Kind, Action: model.ActionCreate,
		})
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("sync: resolve mapping: %w", err)
	}

	ts := op.ClientTimestamp.UTC()
	entity := model.Entity{
		ID:        uuid.New(),
		ClinicID:  tc.ClinicID,
		Kind:      op.Kind,
		Payload:   op.Payload,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	mapping := model.IdentityMapping{
		ClinicID: tc.ClinicID,
		DeviceID: deviceID,
		LocalID:  op.LocalID,
		Kind:     op.Kind,
	}

	serverID, err = c.store.CreateEntityWithMapping(ctx, entity, mapping)
	if err != nil {
		if errors.Is(err, storage.ErrMappingRebound) {
			return &IntegrityError{DeviceID: deviceID, LocalID: op.LocalID, Kind: op.Kind}
		}
		return fmt.Errorf("sync: create entity: %w", err)
	}

	written[serverID] = true
	resp.Applied = append(resp.Applied, model.SyncApplied{
		LocalID: op.LocalID, ServerID: serverID, Kind: op.Kind, Action: model.ActionCreate,
	})
	return nil
}

func (c *Coordinator) applyUpdate(ctx context.Context, tc tenant.Context, deviceID string, op model.SyncOperation, spec policy.KindSpec, resp *model.SyncResponse, written map[uuid.UUID]bool) error {
	// Append-only kinds never accept updates; the client must create a new
	// record instead. Treated as a denied write regardless of clinic match.
	if spec.AppendOnly {
		c.auditDenied(ctx, tc, deviceID, op, "update of append-only kind")
		resp.Errors = append(resp.Errors, opError(op, model.ErrCodeAuthorizationDenied, "denied"))
		return nil
	}

	serverID, err := c.resolveUpdateTarget(ctx, deviceID, op)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			resp.Errors = append(resp.Errors, opError(op, model.ErrCodeOutOfOrderDependency, "local id has no recorded mapping"))
			return nil
		}
		return err
	}

	current, err := c.store.GetEntity(ctx, serverID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			resp.Errors = append(resp.Errors, opError(op, model.ErrCodeOutOfOrderDependency, "mapped entity does not exist"))
			return nil
		}
		return fmt.Errorf("sync: load server version: %w", err)
	}

	if err := c.engine.Authorize(tc, op.Kind, policy.OpWrite, current.ClinicID, nil); err != nil {
		c.auditDenied(ctx, tc, deviceID, op, "update of foreign clinic row")
		resp.Errors = append(resp.Errors, opError(op, model.ErrCodeAuthorizationDenied, "denied"))
		return nil
	}
	if current.Signed() {
		c.auditDenied(ctx, tc, deviceID, op, "update of signed entity")
		resp.Errors = append(resp.Errors, opError(op, model.ErrCodeAuthorizationDenied, "denied"))
		return nil
	}

	if Resolve(spec.AppendOnly, op.ClientTimestamp, current.UpdatedAt) == Conflict {
		c.auditLostVersion(ctx, tc, deviceID, op, current.ID)
		resp.Conflicts = append(resp.Conflicts, model.SyncConflict{
			LocalID: op.LocalID, Kind: op.Kind, ServerVersion: &current,
		})
		return nil
	}

	if err := c.store.UpdateEntity(ctx, tc.ClinicID, serverID, op.Payload, op.ClientTimestamp); err != nil {
		if errors.Is(err, storage.ErrImmutable) {
			c.auditDenied(ctx, tc, deviceID, op, "update of signed entity")
			resp.Errors = append(resp.Errors, opError(op, model.ErrCodeAuthorizationDenied, "denied"))
			return nil
		}
		return fmt.Errorf("sync: update entity: %w", err)
	}

	written[serverID] = true
	resp.Applied = append(resp.Applied, model.SyncApplied{
		LocalID: op.LocalID, ServerID: serverID, Kind: op.Kind, Action: model.ActionUpdate,
	})
	return nil
}

// resolveUpdateTarget maps an update's local id to a server id: first via
// the identity mapping, then — for rows the device fetched from the server
// and therefore never created locally — by treating the local id as the
// server id itself.
func (c *Coordinator) resolveUpdateTarget(ctx context.Context, deviceID string, op model.SyncOperation) (uuid.UUID, error) {
	serverID, err := c.store.ResolveMapping(ctx, deviceID, op.LocalID, op.Kind)
	if err == nil {
		return serverID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("sync: resolve mapping: %w", err)
	}
	if id, parseErr := uuid.Parse(op.LocalID); parseErr == nil {
		return id, nil
	}
	return uuid.Nil, storage.ErrNotFound
}

func (c *Coordinator) recordBatch(ctx context.Context, tc tenant.Context, deviceID string, opCount int, started time.Time, resp *model.SyncResponse) {
	status := model.SyncBatchCompleted
	if len(resp.Errors) > 0 {
		status = model.SyncBatchPartial
		if len(resp.Applied) == 0 && len(resp.Conflicts) == 0 {
			status = model.SyncBatchFailed
		}
	}
	batch := model.SyncBatch{
		ID:             resp.BatchID,
		ClinicID:       tc.ClinicID,
		DeviceID:       deviceID,
		OperationCount: opCount,
		AppliedCount:   len(resp.Applied),
		ConflictCount:  len(resp.Conflicts),
		ErrorCount:     len(resp.Errors),
		Status:         status,
		CreatedAt:      started,
		ProcessedAt:    time.Now().UTC(),
	}
	if err := c.store.RecordSyncBatch(ctx, batch); err != nil {
		c.logger.Warn("sync batch audit failed", "error", err, "batch_id", resp.BatchID)
	}
}

func (c *Coordinator) recordMetrics(ctx context.Context, resp *model.SyncResponse) {
	attrs := otelmetric.WithAttributes(attribute.String("component", "sync"))
	if counter, err := syncMeter.Int64Counter("sync.operations.applied"); err == nil {
		counter.Add(ctx, int64(len(resp.Applied)), attrs)
	}
	if counter, err := syncMeter.Int64Counter("sync.operations.conflicts"); err == nil {
		counter.Add(ctx, int64(len(resp.Conflicts)), attrs)
	}
	if counter, err := syncMeter.Int64Counter("sync.operations.errors"); err == nil {
		counter.Add(ctx, int64(len(resp.Errors)), attrs)
	}
}

func (c *Coordinator) auditDenied(ctx context.Context, tc tenant.Context, deviceID string, op model.SyncOperation, reason string) {
	entry := storage.AuditEntry{
		ClinicID:   tc.ClinicID,
		DeviceID:   deviceID,
		Action:     storage.AuditAccessDenied,
		EntityKind: op.Kind,
		EntityID:   op.LocalID,
		Detail:     map[string]any{"reason": reason, "action": string(op.Action)},
	}
	if err := c.store.InsertAuditEntry(ctx, entry); err != nil {
		c.logger.Warn("audit write failed", "error", err)
	}
}

// auditLostVersion preserves the losing client payload of a last-write-wins
// conflict so genuinely concurrent edits remain recoverable for manual
// reconciliation.
func (c *Coordinator) auditLostVersion(ctx context.Context, tc tenant.Context, deviceID string, op model.SyncOperation, entityID uuid.UUID) {
	entry := storage.AuditEntry{
		ClinicID:   tc.ClinicID,
		DeviceID:   deviceID,
		Action:     storage.AuditConflictLost,
		EntityKind: op.Kind,
		EntityID:   entityID.String(),
		Detail: map[string]any{
			"local_id":         op.LocalID,
			"client_timestamp": op.ClientTimestamp.UTC().Format(time.RFC3339Nano),
			"payload":          json.RawMessage(op.Payload),
		},
	}
	if err := c.store.InsertAuditEntry(ctx, entry); err != nil {
		c.logger.Warn("audit write failed", "error", err)
	}
}

func (c *Coordinator) auditIntegrity(ctx context.Context, tc tenant.Context, integrity *IntegrityError) {
	entry := storage.AuditEntry{
		ClinicID:   tc.ClinicID,
		DeviceID:   integrity.DeviceID,
		Action:     storage.AuditMappingRebound,
		EntityKind: integrity.Kind,
		EntityID:   integrity.LocalID,
	}
	if err := c.store.InsertAuditEntry(ctx, entry); err != nil {
		c.logger.Warn("audit write failed", "error", err)
	}
}

func opError(op model.SyncOperation, code, message string) model.SyncOpError {
	return model.SyncOpError{
		LocalID: op.LocalID,
		Kind:    op.Kind,
		Action:  op.Action,
		Code:    code,
		Message: message,
	}
}
