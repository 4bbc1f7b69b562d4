package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/companion/plugin/ai/cache"
	"github.com/hrygo/companion/plugin/ai/router"
	"github.com/hrygo/companion/plugin/ai/session"
	"github.com/hrygo/companion/store"
)

func newCheckpointStore(ctx context.Context, t *testing.T, c cache.CacheService) (*session.SQLStore, *store.Store) {
	t.Helper()
	ts := NewTestingStore(ctx, t)
	return session.NewSQLStore(ts.GetDriver().GetDB(), session.SQLStoreConfig{
		Dialect:      checkpointDialect(),
		Cache:        c,
		HistoryLimit: 3,
	}), ts
}

func checkpointDialect() session.Dialect {
	if getDriverFromEnv() == "postgres" {
		return session.DialectPostgres
	}
	return session.DialectSQLite
}

// checkinTurn runs one turn on the checkin topic the way the conversation service does.
func checkinTurn(ctx context.Context, cs *session.SQLStore, sessionID, messageID string) error {
	return cs.WithLock(ctx, sessionID, func(ctx context.Context) error {
		cp, err := cs.Load(ctx, sessionID)
		if err != nil {
			return err
		}
		cp.AppendMessage(messageID, session.RoleUser, "bien", time.Now())
		cp.AppendMessage("", session.RoleAssistant, "Me alegra", time.Now())
		cp.State.SetTopic(router.TopicCheckin, "checkin")
		if err := cp.RecordTurn(messageID, map[string]any{"reply_text": "Me alegra"}, time.Now()); err != nil {
			return err
		}
		return cs.Save(ctx, cp)
	})
}

func TestCheckpointStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	cs, _ := newCheckpointStore(ctx, t, nil)

	cp, err := cs.Load(ctx, "wa:+51999000555")
	require.NoError(t, err)
	assert.True(t, cp.IsNew())

	now := time.Now()
	cp.UserID = "+51999000555"
	cp.AppendMessage("m1", session.RoleUser, "hola", now)
	cp.AppendMessage("", session.RoleAssistant, "¡Hola! ¿Cómo te sientes hoy?", now)
	cp.State.SetTopic(router.TopicGreeting, "greeting")
	cp.State.SetPendingQuestion("¿Cómo te sientes hoy?", "greeting")
	cp.State.SetContext("patient_id", 7)
	cp.RaiseRisk(router.RiskAssessment{Tier: router.TierLow, Score: router.ScoreSymptom}, now)
	require.NoError(t, cp.RecordTurn("m1", map[string]any{"reply_text": "¡Hola!"}, now))
	require.NoError(t, cs.Save(ctx, cp))

	loaded, err := cs.Load(ctx, "wa:+51999000555")
	require.NoError(t, err)
	assert.False(t, loaded.IsNew())
	assert.Equal(t, "+51999000555", loaded.UserID)
	assert.Equal(t, router.TopicGreeting, loaded.State.ActiveTopic)
	assert.True(t, loaded.State.AwaitingResponse)
	assert.Equal(t, "greeting", loaded.State.PendingAction)
	assert.EqualValues(t, 7, loaded.State.ContextData["patient_id"])
	assert.Equal(t, router.TierLow, loaded.Risk.Tier)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "m1", loaded.Messages[0].ID)

	turn, ok := loaded.FindTurn("m1")
	require.True(t, ok)
	assert.JSONEq(t, `{"reply_text":"¡Hola!"}`, string(turn.Reply))
}

func TestCheckpointStore_AppendOnlyHistory(t *testing.T) {
	ctx := context.Background()
	cs, _ := newCheckpointStore(ctx, t, nil)

	cp, err := cs.Load(ctx, "s1")
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		cp.AppendMessage(id, session.RoleUser, id, time.Now())
		require.NoError(t, cs.Save(ctx, cp))
	}

	loaded, err := cs.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 3, "history limit")
	assert.Equal(t, []string{"b", "c", "d"}, []string{loaded.Messages[0].ID, loaded.Messages[1].ID, loaded.Messages[2].ID})

	// Saving again without new messages writes nothing twice.
	require.NoError(t, cs.Save(ctx, loaded))
	loaded, err = cs.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 3)
}

func TestCheckpointStore_ReadYourWritesThroughCache(t *testing.T) {
	ctx := context.Background()
	c := cache.NewService(cache.DefaultServiceConfig())
	defer c.Close()
	cs, _ := newCheckpointStore(ctx, t, c)

	cp, err := cs.Load(ctx, "s2")
	require.NoError(t, err)
	cp.State.SetTopic(router.TopicMedication, "medication")
	require.NoError(t, cs.Save(ctx, cp))

	loaded, err := cs.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, router.TopicMedication, loaded.State.ActiveTopic)
	assert.False(t, loaded.IsNew())
	assert.Positive(t, c.Stats().Hits)
}

func TestCheckpointStore_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	cs, _ := newCheckpointStore(ctx, t, nil)

	cp, err := cs.Load(ctx, "old")
	require.NoError(t, err)
	cp.AppendMessage("m1", session.RoleUser, "hola", time.Now())
	require.NoError(t, cp.RecordTurn("m1", "ok", time.Now()))
	require.NoError(t, cs.Save(ctx, cp))

	deleted, err := cs.CleanupExpired(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, deleted)

	deleted, err = cs.CleanupExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	cp, err = cs.Load(ctx, "old")
	require.NoError(t, err)
	assert.True(t, cp.IsNew())
	assert.Empty(t, cp.Messages)
}

func TestCheckpointStore_WithLockSerializes(t *testing.T) {
	ctx := context.Background()
	cs, _ := newCheckpointStore(ctx, t, nil)

	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			err := cs.WithLock(ctx, "s3", func(ctx context.Context) error {
				cp, err := cs.Load(ctx, "s3")
				if err != nil {
					return err
				}
				cp.State.SetTopic(router.TopicCheckin, "checkin")
				return cs.Save(ctx, cp)
			})
			assert.NoError(t, err)
		}(i)
	}
	for i := 0; i < 5; i++ {
		<-done
	}

	cp, err := cs.Load(ctx, "s3")
	require.NoError(t, err)
	// First turn sets the topic, the four others keep it.
	assert.Equal(t, 4, cp.State.TurnsOnTopic)
}

func TestCheckpointStore_InstancesSharingCache(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)
	db := ts.GetDriver().GetDB()

	shared := cache.NewService(cache.DefaultServiceConfig())
	defer shared.Close()
	locker := session.NewKeyedMutex()
	newInstance := func() *session.SQLStore {
		local := cache.NewService(cache.DefaultServiceConfig())
		t.Cleanup(local.Close)
		return session.NewSQLStore(db, session.SQLStoreConfig{
			Dialect:      checkpointDialect(),
			Cache:        cache.NewTieredCache(local, shared),
			Locker:       locker,
			HistoryLimit: 10,
		})
	}
	a, b := newInstance(), newInstance()

	// a keeps its own copy of m1 locally while b moves the session on.
	require.NoError(t, checkinTurn(ctx, a, "s-shared", "m1"))
	require.NoError(t, checkinTurn(ctx, b, "s-shared", "m2"))
	require.NoError(t, checkinTurn(ctx, a, "s-shared", "m3"))

	fresh := session.NewSQLStore(db, session.SQLStoreConfig{Dialect: checkpointDialect(), HistoryLimit: 10})
	cp, err := fresh.Load(ctx, "s-shared")
	require.NoError(t, err)
	assert.Equal(t, 2, cp.State.TurnsOnTopic)
	assert.Len(t, cp.Messages, 6)
	assert.EqualValues(t, 3, cp.Version)
	for _, id := range []string{"m1", "m2", "m3"} {
		_, ok := cp.FindTurn(id)
		assert.True(t, ok, id)
	}
}

func TestCheckpointStore_StaleSaveRejected(t *testing.T) {
	ctx := context.Background()
	cs, _ := newCheckpointStore(ctx, t, nil)

	first, err := cs.Load(ctx, "s-stale")
	require.NoError(t, err)
	second, err := cs.Load(ctx, "s-stale")
	require.NoError(t, err)

	first.State.SetTopic(router.TopicGreeting, "greeting")
	require.NoError(t, cs.Save(ctx, first))

	second.State.SetTopic(router.TopicMedication, "medication")
	assert.ErrorIs(t, cs.Save(ctx, second), session.ErrStaleCheckpoint)

	loaded, err := cs.Load(ctx, "s-stale")
	require.NoError(t, err)
	assert.Equal(t, router.TopicGreeting, loaded.State.ActiveTopic)

	// Reloading picks up the current version.
	loaded.State.SetTopic(router.TopicMedication, "medication")
	require.NoError(t, cs.Save(ctx, loaded))
}

func TestCheckpointStore_CleanupWaitsForSessionLock(t *testing.T) {
	ctx := context.Background()
	cs, ts := newCheckpointStore(ctx, t, nil)
	db := ts.GetDriver().GetDB()

	for _, id := range []string{"idle", "gone"} {
		require.NoError(t, checkinTurn(ctx, cs, id, "m1"))
		_, err := db.ExecContext(ctx, fmt.Sprintf(
			"UPDATE conversation_state SET updated_ts = %d WHERE session_id = '%s'", time.Now().Add(-2*time.Hour).Unix(), id))
		require.NoError(t, err)
	}

	type cleanupResult struct {
		deleted int64
		err     error
	}
	result := make(chan cleanupResult, 1)
	err := cs.WithLock(ctx, "idle", func(ctx context.Context) error {
		go func() {
			deleted, err := cs.CleanupExpired(context.Background(), time.Now().Add(-time.Hour))
			result <- cleanupResult{deleted, err}
		}()
		time.Sleep(50 * time.Millisecond)
		select {
		case <-result:
			t.Error("cleanup finished while the session was locked")
		default:
		}

		// The turn holding the lock refreshes the session.
		cp, err := cs.Load(ctx, "idle")
		if err != nil {
			return err
		}
		cp.AppendMessage("m2", session.RoleUser, "sigo aquí", time.Now())
		return cs.Save(ctx, cp)
	})
	require.NoError(t, err)

	select {
	case r := <-result:
		require.NoError(t, r.err)
		assert.Equal(t, int64(1), r.deleted)
	case <-time.After(5 * time.Second):
		t.Fatal("cleanup did not finish")
	}

	cp, err := cs.Load(ctx, "idle")
	require.NoError(t, err)
	assert.False(t, cp.IsNew())
	assert.True(t, cp.HasMessage("m1"))
	assert.True(t, cp.HasMessage("m2"))

	cp, err = cs.Load(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, cp.IsNew())
}
