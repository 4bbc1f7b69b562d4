package test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/companion/store"
)

func createTestingPatient(ctx context.Context, t *testing.T, ts *store.Store, phone string) *store.Patient {
	t.Helper()
	patient, err := ts.CreatePatient(ctx, &store.Patient{Phone: phone, Name: "Rosa"})
	require.NoError(t, err)
	return patient
}

func TestPatientStore(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)

	patient := createTestingPatient(ctx, t, ts, "+51999000111")
	assert.NotZero(t, patient.ID)
	assert.Equal(t, "none", patient.RiskLevel)

	phone := "+51999000111"
	found, err := ts.GetPatient(ctx, &store.FindPatient{Phone: &phone})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, patient.ID, found.ID)

	missing := "+51000000000"
	none, err := ts.GetPatient(ctx, &store.FindPatient{Phone: &missing})
	require.NoError(t, err)
	assert.Nil(t, none)

	level, score := "high", 85
	updated, err := ts.UpdatePatient(ctx, &store.UpdatePatient{ID: patient.ID, RiskLevel: &level, RiskScore: &score})
	require.NoError(t, err)
	assert.Equal(t, "high", updated.RiskLevel)

	// The phone lookup reflects the update.
	found, err = ts.GetPatient(ctx, &store.FindPatient{Phone: &phone})
	require.NoError(t, err)
	assert.Equal(t, 85, found.RiskScore)

	_, err = ts.UpdatePatient(ctx, &store.UpdatePatient{ID: 9999, RiskLevel: &level})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = ts.CreatePatient(ctx, &store.Patient{Phone: phone})
	assert.Error(t, err, "phone is unique")
}
