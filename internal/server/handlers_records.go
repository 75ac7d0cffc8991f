package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/sanare-health/sanare/internal/model"
	"github.com/sanare-health/sanare/internal/policy"
	"github.com/sanare-health/sanare/internal/storage"
	"github.com/sanare-health/sanare/internal/tenant"
)

// HandleCreateRecord handles POST /v1/records/{kind}: the online write
// path. The row is owned by the caller's clinic unconditionally.
func (h *Handlers) HandleCreateRecord(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeMissingTenantContext, "no clinic scope established")
		return
	}

	kind := r.PathValue("kind")
	if _, ok := h.engine.Registry().Lookup(kind); !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeUnknownEntityKind, "entity kind is not registered")
		return
	}

	var req model.CreateRecordRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "payload is required")
		return
	}
	if len(req.Payload) > model.MaxPayloadBytes {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "payload too large")
		return
	}

	if err := h.engine.Authorize(tc, kind, policy.OpWrite, tc.ClinicID, nil); err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeAuthorizationDenied, "denied")
		return
	}

	entity, err := h.db.CreateEntity(r.Context(), model.Entity{
		ClinicID: tc.ClinicID,
		Kind:     kind,
		Payload:  req.Payload,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create record", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, entity)
}

// HandleGetRecord handles GET /v1/records/{kind}/{id}. A row the caller
// may not see is reported as not found, never as denied, so the response
// does not confirm data exists in another clinic.
func (h *Handlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeMissingTenantContext, "no clinic scope established")
		return
	}

	kind := r.PathValue("kind")
	id, err := parsePathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	entity, err := h.db.GetEntity(r.Context(), id)
	if err != nil || entity.Kind != kind {
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			h.writeInternalError(w, r, "failed to load record", err)
			return
		}
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "record not found")
		return
	}

	siblings, err := h.scope.SiblingClinics(r.Context(), tc.ClinicID)
	if err != nil {
		h.writeInternalError(w, r, "failed to resolve visibility", err)
		return
	}
	if err := h.engine.Authorize(tc, kind, policy.OpRead, entity.ClinicID, siblings); err != nil {
		h.auditDeniedRead(r, tc, kind, id.String())
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "record not found")
		return
	}

	writeJSON(w, r, http.StatusOK, entity)
}

// HandleListRecords handles GET /v1/records/{kind}?limit=<n>.
func (h *Handlers) HandleListRecords(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeMissingTenantContext, "no clinic scope established")
		return
	}

	kind := r.PathValue("kind")
	if _, ok := h.engine.Registry().Lookup(kind); !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeUnknownEntityKind, "entity kind is not registered")
		return
	}

	clinicIDs, err := h.readableClinics(r, tc, kind)
	if err != nil {
		h.writeInternalError(w, r, "failed to resolve visibility", err)
		return
	}

	entities, err := h.db.ListEntities(r.Context(), clinicIDs, kind, queryLimit(r, 100))
	if err != nil {
		h.writeInternalError(w, r, "failed to list records", err)
		return
	}
	if entities == nil {
		entities = []model.Entity{}
	}

	writeJSON(w, r, http.StatusOK, entities)
}

// HandleUpdateRecord handles PUT /v1/records/{kind}/{id}. Append-only
// kinds and signed rows refuse updates; rows of other clinics are
// reported as not found.
func (h *Handlers) HandleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeMissingTenantContext, "no clinic scope established")
		return
	}

	kind := r.PathValue("kind")
	spec, ok := h.engine.Registry().Lookup(kind)
	if !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeUnknownEntityKind, "entity kind is not registered")
		return
	}
	if spec.AppendOnly {
		writeError(w, r, http.StatusForbidden, model.ErrCodeAuthorizationDenied, "denied")
		return
	}

	id, err := parsePathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.UpdateRecordRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if len(req.Payload) == 0 || len(req.Payload) > model.MaxPayloadBytes {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "payload is required and bounded")
		return
	}

	err = h.db.UpdateEntity(r.Context(), tc.ClinicID, id, req.Payload, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "record not found")
		case errors.Is(err, storage.ErrImmutable):
			writeError(w, r, http.StatusForbidden, model.ErrCodeAuthorizationDenied, "denied")
		default:
			h.writeInternalError(w, r, "failed to update record", err)
		}
		return
	}

	entity, err := h.db.GetEntity(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load updated record", err)
		return
	}
	writeJSON(w, r, http.StatusOK, entity)
}

// HandleSignRecord handles POST /v1/records/{kind}/{id}/sign. Signing is
// terminal: the row refuses every later mutation including re-signing.
func (h *Handlers) HandleSignRecord(w http.ResponseWriter, r *http.Request) {
	tc, err := tenant.FromContext(r.Context())
	if err != nil {
		writeError(w, r, http.StatusForbidden, model.ErrCodeMissingTenantContext, "no clinic scope established")
		return
	}

	kind := r.PathValue("kind")
	if _, ok := h.engine.Registry().Lookup(kind); !ok {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeUnknownEntityKind, "entity kind is not registered")
		return
	}

	id, err := parsePathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.SignEntity(r.Context(), tc.ClinicID, id, time.Now().UTC()); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "record not found")
		case errors.Is(err, storage.ErrImmutable):
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidInput, "record is already signed")
		default:
			h.writeInternalError(w, r, "failed to sign record", err)
		}
		return
	}

	claims := ClaimsFromContext(r.Context())
	if auditErr := h.db.InsertAuditEntry(r.Context(), storage.AuditEntry{
		ClinicID:   tc.ClinicID,
		DeviceID:   claims.DeviceID,
		Action:     storage.AuditEntitySigned,
		EntityKind: kind,
		EntityID:   id.String(),
	}); auditErr != nil {
		h.logger.Warn("audit write failed", "error", auditErr)
	}

	entity, err := h.db.GetEntity(r.Context(), id)
	if err != nil {
		h.writeInternalError(w, r, "failed to load signed record", err)
		return
	}
	writeJSON(w, r, http.StatusOK, entity)
}

func (h *Handlers) auditDeniedRead(r *http.Request, tc tenant.Context, kind, entityID string) {
	claims := ClaimsFromContext(r.Context())
	deviceID := ""
	if claims != nil {
		deviceID = claims.DeviceID
	}
	if err := h.db.InsertAuditEntry(r.Context(), storage.AuditEntry{
		ClinicID:   tc.ClinicID,
		DeviceID:   deviceID,
		Action:     storage.AuditAccessDenied,
		EntityKind: kind,
		EntityID:   entityID,
		Detail:     map[string]any{"reason": "read outside visibility"},
	}); err != nil {
		h.logger.Warn("audit write failed", "error", err)
	}
}
