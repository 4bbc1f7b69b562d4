package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process CheckpointStore. Checkpoints are deep copied on
// Load and Save, so callers never share mutable state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Checkpoint
	locker   Locker
	now      func() time.Time
}

// NewMemoryStore creates an in-memory store. A nil locker uses a KeyedMutex.
func NewMemoryStore(locker Locker) *MemoryStore {
	if locker == nil {
		locker = NewKeyedMutex()
	}
	return &MemoryStore{
		sessions: make(map[string]*Checkpoint),
		locker:   locker,
		now:      time.Now,
	}
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (*Checkpoint, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	s.mu.RLock()
	cp, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return NewCheckpoint(sessionID, ""), nil
	}

	out, err := cp.clone()
	if err != nil {
		return nil, fmt.Errorf("failed to copy checkpoint: %w", err)
	}
	return out, nil
}

func (s *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	if cp == nil || cp.SessionID == "" {
		return ErrInvalidSessionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.sessions[cp.SessionID]; ok && current.Version != cp.Version {
		return ErrStaleCheckpoint
	}

	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.Version++

	stored, err := cp.clone()
	if err != nil {
		cp.Version--
		return fmt.Errorf("failed to copy checkpoint: %w", err)
	}
	stored.persisted = true
	s.sessions[cp.SessionID] = stored

	cp.markSaved()
	return nil
}

func (s *MemoryStore) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	return withLock(ctx, s.locker, sessionID, fn)
}

// CleanupExpired deletes each expired session under its lock, so a turn in
// flight either finishes first and refreshes the session or starts over a
// fresh one.
func (s *MemoryStore) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.RLock()
	var ids []string
	for id, cp := range s.sessions {
		if cp.UpdatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	var deleted int64
	for _, id := range ids {
		err := s.WithLock(ctx, id, func(context.Context) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			if cp, ok := s.sessions[id]; ok && cp.UpdatedAt.Before(before) {
				delete(s.sessions, id)
				deleted++
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// Len returns the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

var _ CheckpointStore = (*MemoryStore)(nil)
