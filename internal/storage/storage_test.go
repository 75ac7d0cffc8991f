package storage_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sanare-health/sanare/internal/model"
	"github.com/sanare-health/sanare/internal/storage"
	"github.com/sanare-health/sanare/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()
	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func mustCreateClinic(t *testing.T, orgID *uuid.UUID) model.Clinic {
	t.Helper()
	clinic, err := testDB.CreateClinic(context.Background(), model.Clinic{
		OrganizationID: orgID,
		Name:           "Clinic " + uuid.NewString()[:8],
	})
	require.NoError(t, err)
	return clinic
}

func mustCreateOrg(t *testing.T, maxClinics int) model.Organization {
	t.Helper()
	org, err := testDB.CreateOrganization(context.Background(), model.Organization{
		Name:       "Org " + uuid.NewString()[:8],
		MaxClinics: maxClinics,
	})
	require.NoError(t, err)
	return org
}

func TestOrganizationCRUD(t *testing.T) {
	ctx := context.Background()
	org := mustCreateOrg(t, 3)

	got, err := testDB.GetOrganization(ctx, org.ID)
	require.NoError(t, err)
	assert.Equal(t, org.Name, got.Name)
	assert.Equal(t, 3, got.MaxClinics)

	_, err = testDB.GetOrganization(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)

	orgs, err := testDB.ListOrganizations(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, orgs)
}

func TestClinicLimitEnforced(t *testing.T) {
	ctx := context.Background()
	org := mustCreateOrg(t, 1)

	mustCreateClinic(t, &org.ID)

	_, err := testDB.CreateClinic(ctx, model.Clinic{OrganizationID: &org.ID, Name: "over limit"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clinic limit")
}

func TestAttachClinicToOrganization(t *testing.T) {
	ctx := context.Background()
	org := mustCreateOrg(t, 2)
	other := mustCreateOrg(t, 2)
	clinic := mustCreateClinic(t, nil)

	require.NoError(t, testDB.AttachClinicToOrganization(ctx, clinic.ID, org.ID))

	got, err := testDB.GetClinic(ctx, clinic.ID)
	require.NoError(t, err)
	require.NotNil(t, got.OrganizationID)
	assert.Equal(t, org.ID, *got.OrganizationID)

	// Re-attaching to the same organization is a no-op.
	require.NoError(t, testDB.AttachClinicToOrganization(ctx, clinic.ID, org.ID))

	// Membership is immutable once set.
	err = testDB.AttachClinicToOrganization(ctx, clinic.ID, other.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another organization")

	assert.ErrorIs(t, testDB.AttachClinicToOrganization(ctx, uuid.New(), org.ID), storage.ErrNotFound)
}

func TestClinicDirectory(t *testing.T) {
	ctx := context.Background()
	org := mustCreateOrg(t, 3)
	a := mustCreateClinic(t, &org.ID)
	b := mustCreateClinic(t, &org.ID)
	standalone := mustCreateClinic(t, nil)

	orgID, err := testDB.ClinicOrganization(ctx, a.ID)
	require.NoError(t, err)
	require.NotNil(t, orgID)
	assert.Equal(t, org.ID, *orgID)

	orgID, err = testDB.ClinicOrganization(ctx, standalone.ID)
	require.NoError(t, err)
	assert.Nil(t, orgID)

	ids, err := testDB.OrganizationClinicIDs(ctx, org.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a.ID, b.ID}, ids)
}

func TestDeviceRoundTrip(t *testing.T) {
	ctx := context.Background()
	clinic := mustCreateClinic(t, nil)
	deviceID := "device-" + uuid.NewString()[:8]

	created, err := testDB.CreateDevice(ctx, model.Device{
		ClinicID: clinic.ID,
		DeviceID: deviceID,
		KeyHash:  "salt$hash",
	})
	require.NoError(t, err)
	assert.Equal(t, model.RoleDevice, created.Role, "role defaults to device")

	got, err := testDB.GetDeviceByDeviceID(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, clinic.ID, got.ClinicID)
	assert.Equal(t, "salt$hash", got.KeyHash)

	_, err = testDB.GetDeviceByDeviceID(ctx, "no-such-device")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateEntityWithMappingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	clinic := mustCreateClinic(t, nil)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	entity := model.Entity{
		ClinicID:  clinic.ID,
		Kind:      "patient",
		Payload:   json.RawMessage(`{"name":"Ana"}`),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	mapping := model.IdentityMapping{
		ClinicID: clinic.ID,
		DeviceID: "tablet-1",
		LocalID:  "local-1",
		Kind:     "patient",
	}

	first, err := testDB.CreateEntityWithMapping(ctx, entity, mapping)
	require.NoError(t, err)

	// Replay with a fresh candidate id: the recorded binding wins and no
	// second row is written.
	entity.ID = uuid.New()
	second, err := testDB.CreateEntityWithMapping(ctx, entity, mapping)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = testDB.GetEntity(ctx, entity.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "replayed row must not be persisted")

	resolved, err := testDB.ResolveMapping(ctx, "tablet-1", "local-1", "patient")
	require.NoError(t, err)
	assert.Equal(t, first, resolved)
}

func TestCreateEntityWithMappingRejectsRebind(t *testing.T) {
	ctx := context.Background()
	clinicA := mustCreateClinic(t, nil)
	clinicB := mustCreateClinic(t, nil)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	entity := model.Entity{
		ClinicID:  clinicA.ID,
		Kind:      "patient",
		Payload:   json.RawMessage(`{}`),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	_, err := testDB.CreateEntityWithMapping(ctx, entity, model.IdentityMapping{
		ClinicID: clinicA.ID, DeviceID: "tablet-rebind", LocalID: "local-1", Kind: "patient",
	})
	require.NoError(t, err)

	// The same key arriving under a different clinic is corruption, not a
	// replay.
	entity.ID = uuid.New()
	entity.ClinicID = clinicB.ID
	_, err = testDB.CreateEntityWithMapping(ctx, entity, model.IdentityMapping{
		ClinicID: clinicB.ID, DeviceID: "tablet-rebind", LocalID: "local-1", Kind: "patient",
	})
	assert.ErrorIs(t, err, storage.ErrMappingRebound)
}

func TestResolveMappingMiss(t *testing.T) {
	_, err := testDB.ResolveMapping(context.Background(), "tablet-x", "never-bound", "patient")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCountMappings(t *testing.T) {
	ctx := context.Background()
	clinic := mustCreateClinic(t, nil)
	deviceID := "tablet-" + uuid.NewString()[:8]
	ts := time.Now().UTC().Truncate(time.Microsecond)

	for _, localID := range []string{"l1", "l2", "l3"} {
		_, err := testDB.CreateEntityWithMapping(ctx, model.Entity{
			ClinicID: clinic.ID, Kind: "patient", Payload: json.RawMessage(`{}`),
			CreatedAt: ts, UpdatedAt: ts,
		}, model.IdentityMapping{
			ClinicID: clinic.ID, DeviceID: deviceID, LocalID: localID, Kind: "patient",
		})
		require.NoError(t, err)
	}

	count, err := testDB.CountMappings(ctx, deviceID)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestUpdateEntityGuards(t *testing.T) {
	ctx := context.Background()
	clinicA := mustCreateClinic(t, nil)
	clinicB := mustCreateClinic(t, nil)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	e, err := testDB.CreateEntity(ctx, model.Entity{
		ClinicID: clinicA.ID, Kind: "patient",
		Payload: json.RawMessage(`{"name":"Ana"}`), CreatedAt: ts, UpdatedAt: ts,
	})
	require.NoError(t, err)

	// A foreign clinic id never reaches the row, even with the right id.
	err = testDB.UpdateEntity(ctx, clinicB.ID, e.ID, json.RawMessage(`{"name":"x"}`), ts.Add(time.Second))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = testDB.UpdateEntity(ctx, clinicA.ID, uuid.New(), json.RawMessage(`{}`), ts)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	newTS := ts.Add(time.Minute)
	require.NoError(t, testDB.UpdateEntity(ctx, clinicA.ID, e.ID, json.RawMessage(`{"name":"Ana M"}`), newTS))

	got, err := testDB.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ana M"}`, string(got.Payload))
	assert.True(t, got.UpdatedAt.Equal(newTS))
}

func TestSignEntityIsTerminal(t *testing.T) {
	ctx := context.Background()
	clinic := mustCreateClinic(t, nil)
	ts := time.Now().UTC().Truncate(time.Microsecond)

	e, err := testDB.CreateEntity(ctx, model.Entity{
		ClinicID: clinic.ID, Kind: "medical_record",
		Payload: json.RawMessage(`{"note":"final"}`), CreatedAt: ts, UpdatedAt: ts,
	})
	require.NoError(t, err)

	signedAt := ts.Add(time.Minute)
	require.NoError(t, testDB.SignEntity(ctx, clinic.ID, e.ID, signedAt))

	got, err := testDB.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SignedAt)
	assert.True(t, got.Signed())

	// Neither a second signature nor a payload change gets through.
	assert.ErrorIs(t, testDB.SignEntity(ctx, clinic.ID, e.ID, signedAt.Add(time.Hour)), storage.ErrImmutable)
	assert.ErrorIs(t, testDB.UpdateEntity(ctx, clinic.ID, e.ID, json.RawMessage(`{}`), signedAt.Add(time.Hour)), storage.ErrImmutable)
}

func TestChangesSinceVisibility(t *testing.T) {
	ctx := context.Background()
	org := mustCreateOrg(t, 2)
	mine := mustCreateClinic(t, &org.ID)
	sibling := mustCreateClinic(t, &org.ID)
	base := time.Now().UTC().Truncate(time.Microsecond)

	seed := func(clinicID uuid.UUID, kind string, at time.Time) model.Entity {
		e, err := testDB.CreateEntity(ctx, model.Entity{
			ClinicID: clinicID, Kind: kind,
			Payload: json.RawMessage(`{}`), CreatedAt: at, UpdatedAt: at,
		})
		require.NoError(t, err)
		return e
	}

	ownInvoice := seed(mine.ID, "invoice", base.Add(1*time.Second))
	sharedPatient := seed(sibling.ID, "patient", base.Add(2*time.Second))
	seed(sibling.ID, "invoice", base.Add(3*time.Second)) // isolated kind, invisible

	vis := storage.Visibility{
		ClinicID:       mine.ID,
		SiblingClinics: []uuid.UUID{sibling.ID},
		CrossReadKinds: []string{"patient"},
	}

	changes, err := testDB.ChangesSince(ctx, vis, model.CheckpointAt(base), 100)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	// Ascending by mutation timestamp, so resumption is deterministic.
	assert.Equal(t, ownInvoice.ID, changes[0].ID)
	assert.Equal(t, sharedPatient.ID, changes[1].ID)

	// A checkpoint at an entity's timestamp excludes that entity.
	changes, err = testDB.ChangesSince(ctx, vis, model.CheckpointAt(base.Add(2*time.Second)), 100)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// Limit truncates from the front.
	changes, err = testDB.ChangesSince(ctx, vis, model.CheckpointAt(base), 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, ownInvoice.ID, changes[0].ID)

	latest, err := testDB.LatestMutation(ctx, vis)
	require.NoError(t, err)
	assert.True(t, latest.Equal(base.Add(2*time.Second)))
}

func TestListEntities(t *testing.T) {
	ctx := context.Background()
	clinic := mustCreateClinic(t, nil)
	base := time.Now().UTC().Truncate(time.Microsecond)

	for i := 0; i < 3; i++ {
		_, err := testDB.CreateEntity(ctx, model.Entity{
			ClinicID: clinic.ID, Kind: "appointment",
			Payload:   json.RawMessage(`{}`),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	entities, err := testDB.ListEntities(ctx, []uuid.UUID{clinic.ID}, "appointment", 2)
	require.NoError(t, err)
	require.Len(t, entities, 2)
	assert.True(t, entities[0].UpdatedAt.After(entities[1].UpdatedAt), "newest first")
}

func TestSyncBatchRecording(t *testing.T) {
	ctx := context.Background()
	clinic := mustCreateClinic(t, nil)
	deviceID := "tablet-" + uuid.NewString()[:8]
	now := time.Now().UTC().Truncate(time.Microsecond)

	last, err := testDB.LastCompletedSync(ctx, clinic.ID, deviceID)
	require.NoError(t, err)
	assert.Nil(t, last)

	// A wholesale failure does not count as a completed sync.
	require.NoError(t, testDB.RecordSyncBatch(ctx, model.SyncBatch{
		ClinicID: clinic.ID, DeviceID: deviceID, OperationCount: 2, ErrorCount: 2,
		Status: model.SyncBatchFailed, CreatedAt: now, ProcessedAt: now,
	}))
	last, err = testDB.LastCompletedSync(ctx, clinic.ID, deviceID)
	require.NoError(t, err)
	assert.Nil(t, last)

	processed := now.Add(time.Second)
	require.NoError(t, testDB.RecordSyncBatch(ctx, model.SyncBatch{
		ClinicID: clinic.ID, DeviceID: deviceID, OperationCount: 2, AppliedCount: 2,
		Status: model.SyncBatchCompleted, CreatedAt: now, ProcessedAt: processed,
	}))
	last, err = testDB.LastCompletedSync(ctx, clinic.ID, deviceID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(processed))
}

func TestInsertAuditEntry(t *testing.T) {
	clinic := mustCreateClinic(t, nil)
	err := testDB.InsertAuditEntry(context.Background(), storage.AuditEntry{
		ClinicID:   clinic.ID,
		DeviceID:   "tablet-1",
		Action:     storage.AuditAccessDenied,
		EntityKind: "patient",
		EntityID:   "local-1",
		Detail:     map[string]any{"reason": "write outside caller clinic"},
	})
	require.NoError(t, err)
}
