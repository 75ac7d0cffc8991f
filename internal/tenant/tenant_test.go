package tenant_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanare-health/sanare/internal/tenant"
)

func TestWithAndFromContext(t *testing.T) {
	orgID := uuid.New()
	tc := tenant.Context{ClinicID: uuid.New(), OrgID: &orgID}

	ctx := tenant.With(context.Background(), tc)
	got, err := tenant.FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, tc, got)
	assert.True(t, got.InOrganization())
}

func TestFromContextMissing(t *testing.T) {
	_, err := tenant.FromContext(context.Background())
	assert.ErrorIs(t, err, tenant.ErrMissingTenantContext)
}

func TestFromContextNilClinic(t *testing.T) {
	// A scope with no clinic is as fatal as no scope at all.
	ctx := tenant.With(context.Background(), tenant.Context{})
	_, err := tenant.FromContext(ctx)
	assert.ErrorIs(t, err, tenant.ErrMissingTenantContext)
}

func TestStandaloneClinic(t *testing.T) {
	tc := tenant.Context{ClinicID: uuid.New()}
	assert.False(t, tc.InOrganization())
}
