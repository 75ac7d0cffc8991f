package policy_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanare-health/sanare/internal/policy"
	"github.com/sanare-health/sanare/internal/tenant"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := policy.NewRegistry()
	require.NoError(t, r.Register(policy.KindSpec{Kind: "patient", CrossReadEligible: true}))

	spec, ok := r.Lookup("patient")
	require.True(t, ok)
	assert.True(t, spec.CrossReadEligible)
	assert.False(t, spec.AppendOnly)

	_, ok = r.Lookup("unregistered")
	assert.False(t, ok)
}

func TestRegistryRejectsReclassification(t *testing.T) {
	r := policy.NewRegistry()
	require.NoError(t, r.Register(policy.KindSpec{Kind: "invoice"}))

	// Identical re-registration is a no-op.
	require.NoError(t, r.Register(policy.KindSpec{Kind: "invoice"}))

	// A different classification for the same kind is refused.
	err := r.Register(policy.KindSpec{Kind: "invoice", CrossReadEligible: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "different classification")
}

func TestRegistryRequiresKind(t *testing.T) {
	r := policy.NewRegistry()
	require.Error(t, r.Register(policy.KindSpec{}))
}

func TestDefaultRegistryClassifications(t *testing.T) {
	r := policy.DefaultRegistry()

	medical, ok := r.Lookup("medical_record")
	require.True(t, ok)
	assert.True(t, medical.CrossReadEligible)
	assert.True(t, medical.AppendOnly)

	patient, ok := r.Lookup("patient")
	require.True(t, ok)
	assert.True(t, patient.CrossReadEligible)
	assert.False(t, patient.AppendOnly)

	invoice, ok := r.Lookup("invoice")
	require.True(t, ok)
	assert.False(t, invoice.CrossReadEligible)

	crossKinds := r.CrossReadKinds()
	assert.Contains(t, crossKinds, "patient")
	assert.Contains(t, crossKinds, "dental_chart")
	assert.NotContains(t, crossKinds, "invoice")
	assert.NotContains(t, crossKinds, "cash_register")
}

func TestAuthorizeOwnClinic(t *testing.T) {
	engine := policy.NewEngine(policy.DefaultRegistry())
	clinicID := uuid.New()
	tc := tenant.Context{ClinicID: clinicID}

	assert.NoError(t, engine.Authorize(tc, "invoice", policy.OpRead, clinicID, nil))
	assert.NoError(t, engine.Authorize(tc, "invoice", policy.OpWrite, clinicID, nil))
	assert.NoError(t, engine.Authorize(tc, "patient", policy.OpWrite, clinicID, nil))
}

func TestAuthorizeUnknownKindFailsClosed(t *testing.T) {
	engine := policy.NewEngine(policy.DefaultRegistry())
	clinicID := uuid.New()
	tc := tenant.Context{ClinicID: clinicID}

	err := engine.Authorize(tc, "lab_result", policy.OpRead, clinicID, nil)
	assert.ErrorIs(t, err, policy.ErrUnknownKind)
}

func TestAuthorizeCrossClinicRead(t *testing.T) {
	engine := policy.NewEngine(policy.DefaultRegistry())
	orgID := uuid.New()
	callerClinic := uuid.New()
	siblingClinic := uuid.New()
	strangerClinic := uuid.New()
	tc := tenant.Context{ClinicID: callerClinic, OrgID: &orgID}
	siblings := map[uuid.UUID]bool{callerClinic: true, siblingClinic: true}

	// Eligible kind, sibling owner: allowed.
	assert.NoError(t, engine.Authorize(tc, "patient", policy.OpRead, siblingClinic, siblings))

	// Eligible kind, non-sibling owner: denied.
	assert.ErrorIs(t, engine.Authorize(tc, "patient", policy.OpRead, strangerClinic, siblings), policy.ErrDenied)

	// Isolated kind, sibling owner: denied.
	assert.ErrorIs(t, engine.Authorize(tc, "invoice", policy.OpRead, siblingClinic, siblings), policy.ErrDenied)
}

func TestAuthorizeWritesNeverCrossClinics(t *testing.T) {
	engine := policy.NewEngine(policy.DefaultRegistry())
	callerClinic := uuid.New()
	siblingClinic := uuid.New()
	orgID := uuid.New()
	tc := tenant.Context{ClinicID: callerClinic, OrgID: &orgID}
	siblings := map[uuid.UUID]bool{callerClinic: true, siblingClinic: true}

	// Even a cross-read-eligible kind owned by a sibling refuses writes.
	err := engine.Authorize(tc, "patient", policy.OpWrite, siblingClinic, siblings)
	assert.ErrorIs(t, err, policy.ErrDenied)
}

// fakeDirectory is an in-memory ClinicDirectory.
type fakeDirectory struct {
	orgs    map[uuid.UUID]*uuid.UUID
	members map[uuid.UUID][]uuid.UUID
}

func (f *fakeDirectory) ClinicOrganization(_ context.Context, clinicID uuid.UUID) (*uuid.UUID, error) {
	return f.orgs[clinicID], nil
}

func (f *fakeDirectory) OrganizationClinicIDs(_ context.Context, orgID uuid.UUID) ([]uuid.UUID, error) {
	return f.members[orgID], nil
}

func TestSiblingClinics(t *testing.T) {
	orgID := uuid.New()
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	standalone := uuid.New()

	dir := &fakeDirectory{
		orgs: map[uuid.UUID]*uuid.UUID{
			a: &orgID, b: &orgID, c: &orgID,
			standalone: nil,
		},
		members: map[uuid.UUID][]uuid.UUID{orgID: {a, b, c}},
	}
	scope := policy.NewScope(dir)

	siblings, err := scope.SiblingClinics(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]bool{a: true, b: true, c: true}, siblings)

	// A standalone clinic resolves to only itself.
	siblings, err = scope.SiblingClinics(context.Background(), standalone)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]bool{standalone: true}, siblings)
}
