package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/companion/plugin/ai/router"
)

func TestMemoryStore_LoadSave(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	_, err := store.Load(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	cp, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, cp.IsNew())

	cp.UserID = "u1"
	cp.AppendMessage("m1", RoleUser, "hi", time.Now())
	cp.State.SetTopic(router.TopicGreeting, "greeting")
	require.NoError(t, store.Save(ctx, cp))
	assert.False(t, cp.IsNew())
	assert.False(t, cp.CreatedAt.IsZero())

	loaded, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, loaded.IsNew())
	assert.Equal(t, "u1", loaded.UserID)
	assert.Equal(t, router.TopicGreeting, loaded.State.ActiveTopic)
	require.Len(t, loaded.Messages, 1)

	// Loaded copies are isolated from the stored value.
	loaded.AppendMessage("m2", RoleUser, "more", time.Now())
	again, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, again.Messages, 1)
}

func TestMemoryStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	now := time.Now()

	store.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, store.Save(ctx, NewCheckpoint("old", "u1")))

	store.now = func() time.Time { return now }
	require.NoError(t, store.Save(ctx, NewCheckpoint("recent", "u1")))

	deleted, err := store.CleanupExpired(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 1, store.Len())

	cp, err := store.Load(ctx, "old")
	require.NoError(t, err)
	assert.True(t, cp.IsNew())
}

func TestMemoryStore_StaleSaveRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	first, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	second, err := store.Load(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, first))
	assert.EqualValues(t, 1, first.Version)
	assert.ErrorIs(t, store.Save(ctx, second), ErrStaleCheckpoint)
	assert.Zero(t, second.Version)

	// Saving the same checkpoint again moves it forward.
	require.NoError(t, store.Save(ctx, first))
	assert.EqualValues(t, 2, first.Version)
}

func TestMemoryStore_CleanupSkipsRefreshedSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	now := time.Now()

	store.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, store.Save(ctx, NewCheckpoint("idle", "u1")))
	store.now = func() time.Time { return now }

	result := make(chan int64, 1)
	err := store.WithLock(ctx, "idle", func(ctx context.Context) error {
		go func() {
			deleted, err := store.CleanupExpired(context.Background(), now.Add(-24*time.Hour))
			assert.NoError(t, err)
			result <- deleted
		}()
		time.Sleep(20 * time.Millisecond)

		cp, err := store.Load(ctx, "idle")
		if err != nil {
			return err
		}
		return store.Save(ctx, cp)
	})
	require.NoError(t, err)

	assert.Zero(t, <-result)
	assert.Equal(t, 1, store.Len())
}
