package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRetention is how long an idle session is kept.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultCleanupInterval is the default interval between cleanup runs.
	DefaultCleanupInterval = 24 * time.Hour
)

// CleanupConfig holds configuration for the cleanup job.
type CleanupConfig struct {
	Retention       time.Duration // Idle time before a session is deleted (default: 30d)
	CleanupInterval time.Duration // Interval between cleanup runs (default: 24h)
}

// SessionCleanupJob deletes checkpoints idle for longer than the retention.
// Sessions are never removed by a turn; this job is the only deleter.
type SessionCleanupJob struct {
	store  CheckpointStore
	config CleanupConfig
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSessionCleanupJob creates a new cleanup job.
func NewSessionCleanupJob(store CheckpointStore, config CleanupConfig) *SessionCleanupJob {
	if config.Retention <= 0 {
		config.Retention = DefaultRetention
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCleanupInterval
	}
	return &SessionCleanupJob{
		store:  store,
		config: config,
		now:    time.Now,
	}
}

// Start runs one pass immediately and then one per interval, in the background.
// Calling Start on a running job is a no-op.
func (j *SessionCleanupJob) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return nil
	}

	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.run(ctx, j.done)

	slog.Info("session cleanup job started",
		"retention", j.config.Retention,
		"interval", j.config.CleanupInterval)
	return nil
}

// Stop cancels the job and waits for an in-flight pass to return, so the
// store can be closed right after.
func (j *SessionCleanupJob) Stop() {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("session cleanup job stopped")
}

// IsRunning reports whether the background loop is active.
func (j *SessionCleanupJob) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancel != nil
}

// RunOnce executes a single pass and returns the number of deleted sessions.
func (j *SessionCleanupJob) RunOnce(ctx context.Context) (int64, error) {
	return j.store.CleanupExpired(ctx, j.now().Add(-j.config.Retention))
}

func (j *SessionCleanupJob) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(j.config.CleanupInterval)
	defer ticker.Stop()

	for {
		deleted, err := j.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			slog.Error("session cleanup failed", "error", err)
		case deleted > 0:
			slog.Info("session cleanup completed", "deleted", deleted)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
