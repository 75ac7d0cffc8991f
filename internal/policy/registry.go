package policy

import (
	"fmt"
	"sync"
)

// KindSpec is the declared classification of an entity kind. Every kind
// must be registered before any operation on it is accepted; unregistered
// kinds are denied (fail closed).
type KindSpec struct {
	Kind string `json:"entity_kind"`

	// CrossReadEligible kinds may be read (never written) across clinics
	// that share an organization.
	CrossReadEligible bool `json:"cross_read_eligible"`

	// AppendOnly kinds are never updated or deleted after creation, and a
	// signed row is terminally immutable. Update conflicts are structurally
	// impossible for this class.
	AppendOnly bool `json:"append_only"`
}

// Registry holds entity kind classifications. Safe for concurrent use:
// registration happens at startup, lookups on every request.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]KindSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]KindSpec)}
}

// DefaultRegistry returns a registry seeded with the built-in clinical
// kinds. Clinical documents (medical records and the specialty sub-records)
// are append-only and organization-shareable; patients and appointments are
// mutable and organization-shareable; everything else is strictly
// clinic-isolated.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range []KindSpec{
		{Kind: "patient", CrossReadEligible: true},
		{Kind: "appointment", CrossReadEligible: true},
		{Kind: "medical_record", CrossReadEligible: true, AppendOnly: true},
		{Kind: "dental_chart", CrossReadEligible: true, AppendOnly: true},
		{Kind: "prenatal_visit", CrossReadEligible: true, AppendOnly: true},
		{Kind: "ophthalmic_exam", CrossReadEligible: true, AppendOnly: true},

		// Clinic-isolated bookkeeping: no organization-level exception.
		{Kind: "invoice"},
		{Kind: "cash_register"},
		{Kind: "staff_schedule"},
	} {
		// Registering fixed distinct kinds into a fresh registry cannot fail.
		_ = r.Register(spec)
	}
	return r
}

// Register declares a new entity kind. Re-registering an existing kind with
// a different classification is an error; identical re-registration is a
// no-op.
func (r *Registry) Register(spec KindSpec) error {
	if spec.Kind == "" {
		return fmt.Errorf("policy: entity kind is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.kinds[spec.Kind]; ok {
		if existing != spec {
			return fmt.Errorf("policy: entity kind %q already registered with a different classification", spec.Kind)
		}
		return nil
	}
	r.kinds[spec.Kind] = spec
	return nil
}

// Lookup returns the classification for kind, or ok=false when the kind is
// not registered.
func (r *Registry) Lookup(kind string) (KindSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.kinds[kind]
	return spec, ok
}

// CrossReadKinds returns the kinds eligible for organization-scoped reads.
// Used by the change feed to build its visibility filter.
func (r *Registry) CrossReadKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.kinds))
	for _, spec := range r.kinds {
		if spec.CrossReadEligible {
			kinds = append(kinds, spec.Kind)
		}
	}
	return kinds
}
