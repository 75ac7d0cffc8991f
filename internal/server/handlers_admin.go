package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sanare-health/sanare/internal/auth"
	"github.com/sanare-health/sanare/internal/model"
	"github.com/sanare-health/sanare/internal/storage"
)

// HandleCreateOrganization handles POST /v1/organizations (admin-only).
func (h *Handlers) HandleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req model.CreateOrganizationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	org, err := h.db.CreateOrganization(r.Context(), model.Organization{
		Name:       req.Name,
		MaxClinics: req.MaxClinics,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create organization", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, org)
}

// HandleListOrganizations handles GET /v1/organizations (admin-only).
func (h *Handlers) HandleListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.db.ListOrganizations(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list organizations", err)
		return
	}
	if orgs == nil {
		orgs = []model.Organization{}
	}
	writeJSON(w, r, http.StatusOK, orgs)
}

// HandleCreateClinic handles POST /v1/clinics (admin-only). A non-nil
// organization_id attaches the clinic at creation, counted against the
// organization's clinic limit.
func (h *Handlers) HandleCreateClinic(w http.ResponseWriter, r *http.Request) {
	var req model.CreateClinicRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Name == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name is required")
		return
	}

	clinic, err := h.db.CreateClinic(r.Context(), model.Clinic{
		Name:           req.Name,
		OrganizationID: req.OrganizationID,
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "organization not found")
			return
		}
		if strings.Contains(err.Error(), "clinic limit") {
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidInput, "organization clinic limit reached")
			return
		}
		h.writeInternalError(w, r, "failed to create clinic", err)
		return
	}
	writeJSON(w, r, http.StatusCreated, clinic)
}

// HandleAttachClinic handles POST /v1/clinics/{id}/organization
// (admin-only): attaches a standalone clinic to an organization.
func (h *Handlers) HandleAttachClinic(w http.ResponseWriter, r *http.Request) {
	clinicID, err := parsePathUUID(r, "id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req struct {
		OrganizationID string `json:"organization_id"`
	}
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	orgID, err := parseUUIDField(req.OrganizationID, "organization_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.AttachClinicToOrganization(r.Context(), clinicID, orgID); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "clinic or organization not found")
		case strings.Contains(err.Error(), "another organization"):
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidInput, "clinic already belongs to another organization")
		case strings.Contains(err.Error(), "clinic limit"):
			writeError(w, r, http.StatusConflict, model.ErrCodeInvalidInput, "organization clinic limit reached")
		default:
			h.writeInternalError(w, r, "failed to attach clinic", err)
		}
		return
	}

	clinic, err := h.db.GetClinic(r.Context(), clinicID)
	if err != nil {
		h.writeInternalError(w, r, "failed to load clinic", err)
		return
	}
	writeJSON(w, r, http.StatusOK, clinic)
}

// HandleCreateDevice handles POST /v1/devices (admin-only): registers a
// sync client for a clinic. The API key is stored hashed.
func (h *Handlers) HandleCreateDevice(w http.ResponseWriter, r *http.Request) {
	var req model.CreateDeviceRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.DeviceID == "" || len(req.DeviceID) > model.MaxDeviceIDLen {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "device_id is required and bounded")
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	if _, err := h.db.GetClinic(r.Context(), req.ClinicID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "clinic not found")
			return
		}
		h.writeInternalError(w, r, "failed to load clinic", err)
		return
	}

	hash, err := auth.HashAPIKey(req.APIKey)
	if err != nil {
		h.writeInternalError(w, r, "failed to hash api key", err)
		return
	}

	role := req.Role
	if role == "" {
		role = model.RoleDevice
	}

	device, err := h.db.CreateDevice(r.Context(), model.Device{
		ClinicID: req.ClinicID,
		DeviceID: req.DeviceID,
		KeyHash:  hash,
		Role:     role,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to create device", err)
		return
	}

	writeJSON(w, r, http.StatusCreated, device)
}
