// Package model defines the domain types shared across the tenancy and
// sync packages: organizations, clinics, tenant-scoped entities, identity
// mappings, and the sync wire contracts.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Organization groups clinics that share read visibility for the
// cross-read-eligible entity kinds. Optional: a clinic may stand alone.
type Organization struct {
	ID         uuid.UUID `json:"id"`
	Name       string    `json:"name"`
	MaxClinics int       `json:"max_clinics"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clinic is the tenant unit. Every tenant-scoped row carries its clinic_id.
// OrganizationID is nil for standalone clinics; once operational data exists
// the membership is immutable (reassignment is an explicit migration, not an
// API operation).
type Clinic struct {
	ID             uuid.UUID  `json:"id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	Name           string     `json:"name"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Entity is one server-side version of a tenant-scoped clinical row.
// The payload is opaque to the core: kind-specific validation belongs to
// the clinical modules consuming it. ClinicID is set at creation and never
// changes. SignedAt, once set, is terminal and blocks further mutation.
type Entity struct {
	ID        uuid.UUID       `json:"id"`
	ClinicID  uuid.UUID       `json:"clinic_id"`
	Kind      string          `json:"entity_kind"`
	Payload   json.RawMessage `json:"payload"`
	SignedAt  *time.Time      `json:"signed_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Signed reports whether the entity has entered its terminal signed state.
func (e Entity) Signed() bool {
	return e.SignedAt != nil
}

// IdentityMapping is the durable association between a client-generated
// local identifier and the server-assigned identifier for the same entity.
// Unique per (device_id, local_id, entity_kind); the server_id never changes
// once recorded.
type IdentityMapping struct {
	ClinicID  uuid.UUID `json:"clinic_id"`
	DeviceID  string    `json:"device_id"`
	LocalID   string    `json:"local_id"`
	Kind      string    `json:"entity_kind"`
	ServerID  uuid.UUID `json:"server_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Role determines which API surfaces a caller may use.
type Role string

const (
	// RoleDevice is an offline-capable client bound to a single clinic.
	RoleDevice Role = "device"
	// RoleAdmin may manage organizations, clinics, and devices.
	RoleAdmin Role = "admin"
)

// Device is a registered sync client. Its API key (stored hashed) is
// exchanged for a JWT carrying the clinic scope.
type Device struct {
	ID        uuid.UUID `json:"id"`
	ClinicID  uuid.UUID `json:"clinic_id"`
	DeviceID  string    `json:"device_id"`
	KeyHash   string    `json:"-"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// SyncBatchStatus is the recorded outcome of a processed batch.
type SyncBatchStatus string

const (
	SyncBatchCompleted SyncBatchStatus = "completed"
	SyncBatchPartial   SyncBatchStatus = "partial" // some operations failed
	SyncBatchFailed    SyncBatchStatus = "failed"
)

// SyncBatch is the audit record of one processed operation batch.
type SyncBatch struct {
	ID             uuid.UUID       `json:"id"`
	ClinicID       uuid.UUID       `json:"clinic_id"`
	DeviceID       string          `json:"device_id"`
	OperationCount int             `json:"operation_count"`
	AppliedCount   int             `json:"applied_count"`
	ConflictCount  int             `json:"conflict_count"`
	ErrorCount     int             `json:"error_count"`
	Status         SyncBatchStatus `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ProcessedAt    time.Time       `json:"processed_at"`
}
