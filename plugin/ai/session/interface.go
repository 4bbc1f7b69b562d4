// Package session persists conversation state and message history across turns.
// All work for one session id is serialized through WithLock.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hrygo/companion/plugin/ai/router"
)

// Message roles stored in the history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// MaxTurnRecords bounds the processed-turn records kept on a loaded checkpoint.
const MaxTurnRecords = 100

// ErrInvalidSessionID is returned for an empty session id.
var ErrInvalidSessionID = errors.New("session id is required")

// ErrStaleCheckpoint is returned by Save when the stored state changed since the
// checkpoint was loaded.
var ErrStaleCheckpoint = errors.New("checkpoint is stale")

// CheckpointStore persists checkpoints keyed by session id.
type CheckpointStore interface {
	// Load returns the checkpoint for sessionID, or a fresh one (IsNew) when absent.
	Load(ctx context.Context, sessionID string) (*Checkpoint, error)

	// Save durably writes the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// WithLock runs fn while holding the per-session lock. Concurrent calls for the
	// same session id run one at a time; the lock is released on every path.
	WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error

	// CleanupExpired deletes sessions not updated since before.
	CleanupExpired(ctx context.Context, before time.Time) (int64, error)
}

// Message is one immutable history entry.
type Message struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// RiskRecord is the session's recorded risk.
type RiskRecord struct {
	Tier      router.Tier `json:"tier"`
	Score     int         `json:"score"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}

// Assessment returns the record as a router assessment.
func (r RiskRecord) Assessment() router.RiskAssessment {
	tier := r.Tier
	if tier == "" {
		tier = router.TierNone
	}
	return router.RiskAssessment{Tier: tier, Score: r.Score}
}

// TurnRecord remembers the reply produced for a message id.
type TurnRecord struct {
	MessageID string          `json:"message_id"`
	Reply     json.RawMessage `json:"reply"`
	CreatedAt time.Time       `json:"created_at"`
}

// Checkpoint is everything persisted for one session.
type Checkpoint struct {
	SessionID string            `json:"session_id"`
	UserID    string            `json:"user_id"`
	State     ConversationState `json:"state"`
	Messages  []Message         `json:"messages"`
	Risk      RiskRecord        `json:"risk"`
	Turns     []TurnRecord      `json:"turns,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	// Version counts saves of the state record; Save only succeeds over the
	// version it was loaded at.
	Version int64 `json:"version"`

	persisted bool
	// Appended since the last save, written append-only by SQL stores.
	unsavedMessages []Message
	unsavedTurns    []TurnRecord
}

// NewCheckpoint returns the initial checkpoint of a session.
func NewCheckpoint(sessionID, userID string) *Checkpoint {
	return &Checkpoint{
		SessionID: sessionID,
		UserID:    userID,
		State:     NewConversationState(),
		Risk:      RiskRecord{Tier: router.TierNone},
	}
}

// IsNew reports whether the session has never been saved.
func (c *Checkpoint) IsNew() bool {
	return !c.persisted
}

// HasMessage reports whether a message with id is in the loaded history.
func (c *Checkpoint) HasMessage(id string) bool {
	for _, m := range c.Messages {
		if m.ID == id {
			return true
		}
	}
	return false
}

// AppendMessage appends a message to the history. An empty id gets a generated one.
// Appending an id that is already present is a no-op returning the existing entry.
func (c *Checkpoint) AppendMessage(id, role, content string, at time.Time) Message {
	if id == "" {
		id = newMessageID()
	}
	for _, m := range c.Messages {
		if m.ID == id {
			return m
		}
	}
	m := Message{ID: id, Role: role, Content: content, CreatedAt: at}
	c.Messages = append(c.Messages, m)
	c.unsavedMessages = append(c.unsavedMessages, m)
	return m
}

// UserMessageCount counts user messages in the loaded history.
func (c *Checkpoint) UserMessageCount() int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// RecordTurn stores the reply produced for messageID.
func (c *Checkpoint) RecordTurn(messageID string, reply any, at time.Time) error {
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal turn reply: %w", err)
	}
	t := TurnRecord{MessageID: messageID, Reply: data, CreatedAt: at}
	c.Turns = append(c.Turns, t)
	c.unsavedTurns = append(c.unsavedTurns, t)
	if len(c.Turns) > MaxTurnRecords {
		c.Turns = c.Turns[len(c.Turns)-MaxTurnRecords:]
	}
	return nil
}

// FindTurn returns the recorded turn for messageID.
func (c *Checkpoint) FindTurn(messageID string) (TurnRecord, bool) {
	for i := len(c.Turns) - 1; i >= 0; i-- {
		if c.Turns[i].MessageID == messageID {
			return c.Turns[i], true
		}
	}
	return TurnRecord{}, false
}

// RaiseRisk lifts the recorded risk to at least r. It never lowers it.
func (c *Checkpoint) RaiseRisk(r router.RiskAssessment, at time.Time) {
	raised := router.MaxRisk(c.Risk.Assessment(), r)
	if raised != c.Risk.Assessment() || c.Risk.Tier == "" {
		c.Risk = RiskRecord{Tier: raised.Tier, Score: raised.Score, UpdatedAt: at}
	}
}

// Window returns the last n messages (all when n <= 0).
func (c *Checkpoint) Window(n int) []Message {
	if n <= 0 || len(c.Messages) <= n {
		return c.Messages
	}
	return c.Messages[len(c.Messages)-n:]
}

func (c *Checkpoint) markSaved() {
	c.persisted = true
	c.unsavedMessages = nil
	c.unsavedTurns = nil
}

// clone deep copies a checkpoint through its JSON form.
func (c *Checkpoint) clone() (*Checkpoint, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var out Checkpoint
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	out.persisted = c.persisted
	return &out, nil
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
