package policy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ClinicDirectory provides current organization membership. Implemented by
// the storage layer.
type ClinicDirectory interface {
	// ClinicOrganization returns the clinic's organization id, or nil for a
	// standalone clinic.
	ClinicOrganization(ctx context.Context, clinicID uuid.UUID) (*uuid.UUID, error)

	// OrganizationClinicIDs returns the ids of all active clinics in the
	// organization.
	OrganizationClinicIDs(ctx context.Context, orgID uuid.UUID) ([]uuid.UUID, error)
}

// Scope resolves which clinics share organization-level read visibility
// with a given clinic. Membership is looked up from the directory on every
// call: caching here would let a clinic removed from an organization keep
// reading its former siblings until the cache expired.
type Scope struct {
	dir ClinicDirectory
}

// NewScope returns a resolver over the given directory.
func NewScope(dir ClinicDirectory) *Scope {
	return &Scope{dir: dir}
}

// SiblingClinics returns the set of clinic ids sharing clinicID's non-null
// organization, including clinicID itself. A standalone clinic resolves to
// the singleton set of itself.
func (s *Scope) SiblingClinics(ctx context.Context, clinicID uuid.UUID) (map[uuid.UUID]bool, error) {
	orgID, err := s.dir.ClinicOrganization(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("policy: resolve clinic organization: %w", err)
	}

	siblings := map[uuid.UUID]bool{clinicID: true}
	if orgID == nil {
		return siblings, nil
	}

	ids, err := s.dir.OrganizationClinicIDs(ctx, *orgID)
	if err != nil {
		return nil, fmt.Errorf("policy: list organization clinics: %w", err)
	}
	for _, id := range ids {
		siblings[id] = true
	}
	return siblings, nil
}
