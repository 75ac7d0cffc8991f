package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sanare-health/sanare/internal/auth"
	"github.com/sanare-health/sanare/internal/model"
	"github.com/sanare-health/sanare/internal/policy"
	"github.com/sanare-health/sanare/internal/storage"
	syncsvc "github.com/sanare-health/sanare/internal/sync"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	coordinator         *syncsvc.Coordinator
	engine              *policy.Engine
	scope               *policy.Scope
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	syncFeedLimit       int
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Coordinator         *syncsvc.Coordinator
	Engine              *policy.Engine
	Scope               *policy.Scope
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	SyncFeedLimit       int
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	feedLimit := d.SyncFeedLimit
	if feedLimit <= 0 {
		feedLimit = syncsvc.DefaultFeedLimit
	}
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		coordinator:         d.Coordinator,
		engine:              d.Engine,
		scope:               d.Scope,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		syncFeedLimit:       feedLimit,
	}
}

// HandleAuthToken handles POST /auth/token. Exchanges a device's API key
// for a JWT carrying the device's clinic and, when the clinic belongs to
// one, its organization.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.DeviceID == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "device_id and api_key are required")
		return
	}

	device, err := h.db.GetDeviceByDeviceID(r.Context(), req.DeviceID)
	if err != nil {
		// Burn a hash so timing does not reveal whether the device exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, device.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	orgID, err := h.db.ClinicOrganization(r.Context(), device.ClinicID)
	if err != nil {
		h.writeInternalError(w, r, "failed to resolve clinic organization", err)
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(device, orgID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	})
}

// SeedAdmin bootstraps a first clinic and admin device on an empty
// database so the admin endpoints are reachable.
func (h *Handlers) SeedAdmin(ctx context.Context, adminAPIKey string) error {
	if adminAPIKey == "" {
		h.logger.Info("no admin API key configured, skipping admin seed")
		return nil
	}

	if _, err := h.db.GetDeviceByDeviceID(ctx, "admin"); err == nil {
		h.logger.Info("admin device already exists, skipping admin seed")
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed admin: check existing device: %w", err)
	}

	clinic, err := h.db.CreateClinic(ctx, model.Clinic{Name: "Admin Clinic"})
	if err != nil {
		return fmt.Errorf("seed admin: create clinic: %w", err)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}

	if _, err := h.db.CreateDevice(ctx, model.Device{
		ClinicID: clinic.ID,
		DeviceID: "admin",
		KeyHash:  hash,
		Role:     model.RoleAdmin,
	}); err != nil {
		return fmt.Errorf("seed admin: create device: %w", err)
	}

	h.logger.Info("seeded initial admin device", "clinic_id", clinic.ID)
	return nil
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// --- Shared helpers ---

func parsePathUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.PathValue(key)
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", key)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", key, v)
	}
	return id, nil
}

func parseUUIDField(v, name string) (uuid.UUID, error) {
	if v == "" {
		return uuid.Nil, fmt.Errorf("%s is required", name)
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s: %s", name, v)
	}
	return id, nil
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}
