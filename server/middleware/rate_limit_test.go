package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowPerKey(t *testing.T) {
	rl := NewRateLimiter(0.001, 2)

	assert.True(t, rl.Allow("+51999000111"))
	assert.True(t, rl.Allow("+51999000111"))
	assert.False(t, rl.Allow("+51999000111"))

	// Another key has its own bucket.
	assert.True(t, rl.Allow("+51999000222"))
	assert.Equal(t, 2, rl.Len())
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < DefaultBurst; i++ {
		require.True(t, rl.Allow("k"), "request %d", i)
	}
	assert.False(t, rl.Allow("k"))
}

func TestRateLimiter_WaitHonorsContext(t *testing.T) {
	rl := NewRateLimiter(0.001, 1)
	require.NoError(t, rl.Wait(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, rl.Wait(ctx, "k"))
}

func TestRateLimiter_Prune(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	rl.Allow("old")
	rl.Allow("fresh")

	rl.mu.Lock()
	rl.limits["old"].lastSeen = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	assert.Equal(t, 1, rl.Prune())
	assert.Equal(t, 1, rl.Len())
}

func TestRateLimiter_RetryAfter(t *testing.T) {
	assert.Equal(t, 2*time.Second, NewRateLimiter(0.5, 1).RetryAfter())
	assert.Equal(t, 100*time.Millisecond, NewRateLimiter(10, 1).RetryAfter())
}
