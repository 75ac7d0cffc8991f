package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sanare-health/sanare/internal/model"
	"github.com/sanare-health/sanare/internal/storage"
	syncsvc "github.com/sanare-health/sanare/internal/sync"
	"github.com/sanare-health/sanare/internal/tenant"
)

// HandleSync handles POST /v1/sync: one device's batched offline mutations
// plus the change feed since its checkpoint.
func (h *Handlers) HandleSync(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeMissingTenantContext, "no clinic scope established")
		return
	}

	var req model.SyncRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	claims := ClaimsFromContext(r.Context())
	if req.DeviceID == "" {
		req.DeviceID = claims.DeviceID
	}
	// The batch is applied under the authenticated device's identity
	// mapping; submitting under another device's id would corrupt that
	// device's local-to-server bindings.
	if req.DeviceID != claims.DeviceID {
		writeError(w, r, http.StatusForbidden, model.ErrCodeForbidden, "device_id does not match authenticated device")
		return
	}

	if len(req.Operations) > model.MaxBatchOperations {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
			fmt.Sprintf("batch exceeds %d operations", model.MaxBatchOperations))
		return
	}

	resp, err := h.coordinator.ApplyBatch(r.Context(), tc, req.DeviceID, req.Operations, req.LastCheckpoint)
	if err != nil {
		var integrity *syncsvc.IntegrityError
		if errors.As(err, &integrity) {
			writeError(w, r, http.StatusConflict, model.ErrCodeIdentityIntegrity,
				"identity mapping conflict; reset device sync state")
			return
		}
		h.writeInternalError(w, r, "failed to process sync batch", err)
		return
	}

	writeJSON(w, r, http.StatusOK, resp)
}

// HandleSyncStatus handles GET /v1/sync/status for the authenticated device.
func (h *Handlers) HandleSyncStatus(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeMissingTenantContext, "no clinic scope established")
		return
	}
	claims := ClaimsFromContext(r.Context())

	lastSync, err := h.db.LastCompletedSync(r.Context(), tc.ClinicID, claims.DeviceID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load sync status", err)
		return
	}
	mappings, err := h.db.CountMappings(r.Context(), claims.DeviceID)
	if err != nil {
		h.writeInternalError(w, r, "failed to count mappings", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.SyncStatusResponse{
		DeviceID:      claims.DeviceID,
		LastSync:      lastSync,
		TotalMappings: mappings,
	})
}

// HandleChanges handles GET /v1/changes?since=<checkpoint>&limit=<n>: the
// change feed without submitting operations, for clients that poll.
func (h *Handlers) HandleChanges(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeMissingTenantContext, "no clinic scope established")
		return
	}

	since, err := model.ParseCheckpoint(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid since checkpoint")
		return
	}
	limit := queryLimit(r, h.syncFeedLimit)

	vis, err := h.visibility(r, tc)
	if err != nil {
		h.writeInternalError(w, r, "failed to resolve visibility", err)
		return
	}

	changes, err := h.db.ChangesSince(r.Context(), vis, since, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to load changes", err)
		return
	}

	checkpoint := since
	for _, e := range changes {
		checkpoint = checkpoint.Advance(e.UpdatedAt)
	}
	if changes == nil {
		changes = []model.Entity{}
	}

	writeJSON(w, r, http.StatusOK, model.ChangesResponse{
		Updates:       changes,
		NewCheckpoint: checkpoint,
		ServerTime:    time.Now().UTC(),
	})
}

// visibility materializes the caller's read rule: own clinic for every
// kind, sibling clinics for cross-read-eligible kinds only.
func (h *Handlers) visibility(r *http.Request, tc tenant.Context) (storage.Visibility, error) {
	siblings, err := h.scope.SiblingClinics(r.Context(), tc.ClinicID)
	if err != nil {
		return storage.Visibility{}, err
	}
	vis := storage.Visibility{
		ClinicID:       tc.ClinicID,
		CrossReadKinds: h.engine.Registry().CrossReadKinds(),
	}
	for id := range siblings {
		if id != tc.ClinicID {
			vis.SiblingClinics = append(vis.SiblingClinics, id)
		}
	}
	return vis, nil
}

// readableClinics returns the clinic set whose rows of kind the caller may
// list: always the caller's own clinic, plus siblings when the kind is
// cross-read-eligible.
func (h *Handlers) readableClinics(r *http.Request, tc tenant.Context, kind string) ([]uuid.UUID, error) {
	spec, ok := h.engine.Registry().Lookup(kind)
	if !ok || !spec.CrossReadEligible {
		return []uuid.UUID{tc.ClinicID}, nil
	}
	siblings, err := h.scope.SiblingClinics(r.Context(), tc.ClinicID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(siblings))
	for id := range siblings {
		ids = append(ids, id)
	}
	return ids, nil
}
