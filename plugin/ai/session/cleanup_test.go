package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCleanupJob(t *testing.T) {
	ctx := context.Background()

	t.Run("DefaultConfig", func(t *testing.T) {
		job := NewSessionCleanupJob(NewMemoryStore(nil), CleanupConfig{})
		assert.Equal(t, DefaultRetention, job.config.Retention)
		assert.Equal(t, DefaultCleanupInterval, job.config.CleanupInterval)
	})

	t.Run("RunOnce_CleansExpiredSessions", func(t *testing.T) {
		store := NewMemoryStore(nil)
		now := time.Now()

		store.now = func() time.Time { return now.Add(-10 * 24 * time.Hour) }
		require.NoError(t, store.Save(ctx, NewCheckpoint("old-session", "u1")))
		store.now = func() time.Time { return now }
		require.NoError(t, store.Save(ctx, NewCheckpoint("recent-session", "u1")))

		job := NewSessionCleanupJob(store, CleanupConfig{Retention: 7 * 24 * time.Hour})
		job.now = func() time.Time { return now }

		deleted, err := job.RunOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("StartStop", func(t *testing.T) {
		job := NewSessionCleanupJob(NewMemoryStore(nil), CleanupConfig{CleanupInterval: time.Hour})

		require.NoError(t, job.Start(ctx))
		assert.True(t, job.IsRunning())
		require.NoError(t, job.Start(ctx))

		job.Stop()
		assert.False(t, job.IsRunning())
		job.Stop()
	})
}
