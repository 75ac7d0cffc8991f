package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Batch and payload limits for sync ingress. A batch larger than
// MaxBatchOperations is rejected wholesale; an oversized payload rejects
// only that operation.
const (
	MaxBatchOperations = 500
	MaxPayloadBytes    = 256 * 1024
	MaxDeviceIDLen     = 100
	MaxLocalIDLen      = 100
)

// SyncAction is the mutation type of a client-generated operation.
type SyncAction string

const (
	ActionCreate SyncAction = "create"
	ActionUpdate SyncAction = "update"
)

// SyncOperation is one client-generated mutation produced while offline.
// Ephemeral: it exists only within one batch's processing lifetime.
type SyncOperation struct {
	Kind            string          `json:"entity_kind"`
	Action          SyncAction      `json:"action"`
	LocalID         string          `json:"local_id"`
	Payload         json.RawMessage `json:"payload"`
	ClientTimestamp time.Time       `json:"client_timestamp"`
}

// Validate checks the operation shape. Kind classification is checked
// separately against the policy registry.
func (op SyncOperation) Validate() error {
	if op.Kind == "" {
		return fmt.Errorf("entity_kind is required")
	}
	if op.Action != ActionCreate && op.Action != ActionUpdate {
		return fmt.Errorf("action must be %q or %q", ActionCreate, ActionUpdate)
	}
	if op.LocalID == "" {
		return fmt.Errorf("local_id is required")
	}
	if len(op.LocalID) > MaxLocalIDLen {
		return fmt.Errorf("local_id exceeds %d characters", MaxLocalIDLen)
	}
	if len(op.Payload) == 0 {
		return fmt.Errorf("payload is required")
	}
	if len(op.Payload) > MaxPayloadBytes {
		return fmt.Errorf("payload exceeds %d bytes", MaxPayloadBytes)
	}
	if op.ClientTimestamp.IsZero() {
		return fmt.Errorf("client_timestamp is required")
	}
	return nil
}

// SyncRequest is the body of POST /v1/sync.
type SyncRequest struct {
	DeviceID       string          `json:"device_id"`
	LastCheckpoint Checkpoint      `json:"last_checkpoint"`
	Operations     []SyncOperation `json:"operations"`
}

// SyncApplied reports a successfully applied operation; the client replaces
// its local identifier with the server identifier.
type SyncApplied struct {
	LocalID  string     `json:"local_id"`
	ServerID uuid.UUID  `json:"server_id"`
	Kind     string     `json:"entity_kind"`
	Action   SyncAction `json:"action"`
}

// SyncConflict reports an update that lost last-write-wins. ServerVersion
// is the authoritative state the client must reconcile against.
type SyncConflict struct {
	LocalID       string  `json:"local_id"`
	Kind          string  `json:"entity_kind"`
	ServerVersion *Entity `json:"server_version,omitempty"`
}

// SyncOpError reports an operation that was rejected individually. The
// batch continues past it.
type SyncOpError struct {
	LocalID string     `json:"local_id"`
	Kind    string     `json:"entity_kind"`
	Action  SyncAction `json:"action"`
	Code    string     `json:"code"`
	Message string     `json:"message"`
}

// SyncResponse is the body returned by POST /v1/sync.
type SyncResponse struct {
	BatchID       uuid.UUID      `json:"batch_id"`
	Applied       []SyncApplied  `json:"applied"`
	Conflicts     []SyncConflict `json:"conflicts"`
	Errors        []SyncOpError  `json:"errors"`
	Updates       []Entity       `json:"updates"`
	NewCheckpoint Checkpoint     `json:"new_checkpoint"`
	ServerTime    time.Time      `json:"server_time"`
}

// ChangesResponse is the body of GET /v1/changes: server-side changes
// since the supplied checkpoint for clients that poll without submitting
// operations.
type ChangesResponse struct {
	Updates       []Entity   `json:"updates"`
	NewCheckpoint Checkpoint `json:"new_checkpoint"`
	ServerTime    time.Time  `json:"server_time"`
}

// SyncStatusResponse is the body of GET /v1/sync/status.
type SyncStatusResponse struct {
	DeviceID      string     `json:"device_id"`
	LastSync      *time.Time `json:"last_sync,omitempty"`
	TotalMappings int        `json:"total_mappings"`
}

// APIResponse is the standard response envelope for all HTTP responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error code constants. The sync-specific codes also appear per-operation
// in SyncOpError.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"

	ErrCodeMissingTenantContext = "MISSING_TENANT_CONTEXT"
	ErrCodeUnknownEntityKind    = "UNKNOWN_ENTITY_KIND"
	ErrCodeMalformedOperation   = "MALFORMED_OPERATION"
	ErrCodeAuthorizationDenied  = "AUTHORIZATION_DENIED"
	ErrCodeIdentityIntegrity    = "IDENTITY_INTEGRITY_VIOLATION"
	ErrCodeOutOfOrderDependency = "OUT_OF_ORDER_DEPENDENCY"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	DeviceID string `json:"device_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateOrganizationRequest is the request body for POST /v1/organizations.
type CreateOrganizationRequest struct {
	Name       string `json:"name"`
	MaxClinics int    `json:"max_clinics,omitempty"`
}

// CreateClinicRequest is the request body for POST /v1/clinics. A non-nil
// OrganizationID attaches the clinic at creation.
type CreateClinicRequest struct {
	Name           string     `json:"name"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
}

// CreateDeviceRequest is the request body for POST /v1/devices.
type CreateDeviceRequest struct {
	DeviceID string    `json:"device_id"`
	ClinicID uuid.UUID `json:"clinic_id"`
	APIKey   string    `json:"api_key"`
	Role     Role      `json:"role,omitempty"`
}

// CreateRecordRequest is the request body for POST /v1/records/{kind}.
type CreateRecordRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// UpdateRecordRequest is the request body for PUT /v1/records/{kind}/{id}.
type UpdateRecordRequest struct {
	Payload json.RawMessage `json:"payload"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
