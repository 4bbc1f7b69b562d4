package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrateIsRepeatable(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)

	version, err := ts.GetCurrentSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, "0.1.2", version)

	require.NoError(t, ts.Migrate(ctx))

	initialized, err := ts.GetDriver().IsInitialized(ctx)
	require.NoError(t, err)
	assert.True(t, initialized)
}
