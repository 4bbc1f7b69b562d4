package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hrygo/companion/plugin/ai/cache"
	"github.com/hrygo/companion/plugin/ai/router"
)

const (
	cachePrefix = "session:"
	cacheTTL    = 30 * time.Minute

	// DefaultHistoryLimit is the number of recent messages loaded with a checkpoint.
	DefaultHistoryLimit = 50
)

// Dialect selects the SQL flavor of the checkpoint tables.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLStoreConfig configures a SQLStore.
type SQLStoreConfig struct {
	Dialect      Dialect
	Cache        cache.CacheService // optional write-through cache
	Locker       Locker             // default: in-process KeyedMutex
	HistoryLimit int                // default: DefaultHistoryLimit
}

// SQLStore implements CheckpointStore over the conversation_state,
// conversation_message and conversation_turn tables.
type SQLStore struct {
	db           *sql.DB
	dialect      Dialect
	cache        cache.CacheService
	locker       Locker
	historyLimit int
	now          func() time.Time
}

// NewSQLStore creates a checkpoint store over an already migrated database.
func NewSQLStore(db *sql.DB, cfg SQLStoreConfig) *SQLStore {
	if cfg.Locker == nil {
		cfg.Locker = NewKeyedMutex()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &SQLStore{
		db:           db,
		dialect:      cfg.Dialect,
		cache:        cfg.Cache,
		locker:       cfg.Locker,
		historyLimit: cfg.HistoryLimit,
		now:          time.Now,
	}
}

func (s *SQLStore) WithLock(ctx context.Context, sessionID string, fn func(ctx context.Context) error) error {
	return withLock(ctx, s.locker, sessionID, fn)
}

// Load loads the state record, the last HistoryLimit messages and recent turn records.
// The state record is always read from the database; the cache only supplies
// history and turns saved at the same version.
func (s *SQLStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	if sessionID == "" {
		return nil, ErrInvalidSessionID
	}

	cp, err := s.loadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return NewCheckpoint(sessionID, ""), nil
	}
	cp.persisted = true

	if cached := s.loadFromCache(ctx, sessionID); cached != nil && cached.Version == cp.Version {
		cp.Messages, cp.Turns = cached.Messages, cached.Turns
		return cp, nil
	}

	if cp.Messages, err = s.loadMessages(ctx, sessionID); err != nil {
		return nil, err
	}
	if cp.Turns, err = s.loadTurns(ctx, sessionID); err != nil {
		return nil, err
	}

	s.updateCache(ctx, cp)
	return cp, nil
}

func (s *SQLStore) loadState(ctx context.Context, sessionID string) (*Checkpoint, error) {
	query := s.rebind(`
		SELECT user_id, active_topic, pending_question, pending_action, last_handler,
			turns_on_topic, awaiting_response, context_data,
			risk_tier, risk_score, risk_updated_ts, created_ts, updated_ts, version
		FROM conversation_state
		WHERE session_id = ?`)

	var (
		cp                                = &Checkpoint{SessionID: sessionID}
		topic, riskTier                   string
		contextData                       []byte
		riskUpdated, createdTs, updatedTs int64
	)
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&cp.UserID, &topic, &cp.State.PendingQuestion, &cp.State.PendingAction, &cp.State.LastHandler,
		&cp.State.TurnsOnTopic, &cp.State.AwaitingResponse, &contextData,
		&riskTier, &cp.Risk.Score, &riskUpdated, &createdTs, &updatedTs, &cp.Version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation state: %w", err)
	}

	cp.State.ActiveTopic = router.ParseTopic(topic)
	cp.Risk.Tier = router.ParseTier(riskTier)
	cp.Risk.UpdatedAt = fromUnix(riskUpdated)
	cp.CreatedAt = fromUnix(createdTs)
	cp.UpdatedAt = fromUnix(updatedTs)

	if len(contextData) > 0 {
		if err := json.Unmarshal(contextData, &cp.State.ContextData); err != nil {
			// Opaque data must not make the session unusable.
			slog.Warn("failed to unmarshal context data", "session_id", sessionID, "error", err)
			cp.State.ContextData = nil
		}
	}
	return cp, nil
}

func (s *SQLStore) loadMessages(ctx context.Context, sessionID string) ([]Message, error) {
	query := s.rebind(`
		SELECT message_id, role, content, created_ts
		FROM conversation_message
		WHERE session_id = ?
		ORDER BY id DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, sessionID, s.historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var (
			m  Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = fromUnix(ts)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	// Newest first from the query, history is oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func (s *SQLStore) loadTurns(ctx context.Context, sessionID string) ([]TurnRecord, error) {
	query := s.rebind(`
		SELECT message_id, reply, created_ts
		FROM conversation_turn
		WHERE session_id = ?
		ORDER BY created_ts DESC
		LIMIT ?`)

	rows, err := s.db.QueryContext(ctx, query, sessionID, MaxTurnRecords)
	if err != nil {
		return nil, fmt.Errorf("failed to load turns: %w", err)
	}
	defer rows.Close()

	var turns []TurnRecord
	for rows.Next() {
		var (
			t     TurnRecord
			reply []byte
			ts    int64
		)
		if err := rows.Scan(&t.MessageID, &reply, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Reply = json.RawMessage(reply)
		t.CreatedAt = fromUnix(ts)
		turns = append([]TurnRecord{t}, turns...)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turns: %w", err)
	}
	return turns, nil
}

// Save upserts the state record and appends new messages and turn records in one transaction.
func (s *SQLStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.SessionID == "" {
		return ErrInvalidSessionID
	}

	now := s.now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now

	contextData, err := json.Marshal(cp.State.ContextData)
	if err != nil {
		return fmt.Errorf("failed to marshal context data: %w", err)
	}
	topic := cp.State.ActiveTopic
	if topic == "" {
		topic = router.TopicNone
	}
	tier := cp.Risk.Tier
	if tier == "" {
		tier = router.TierNone
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// The update only applies over the version the checkpoint was loaded at.
	upsert := s.rebind(`
		INSERT INTO conversation_state (
			session_id, user_id, active_topic, pending_question, pending_action, last_handler,
			turns_on_topic, awaiting_response, context_data,
			risk_tier, risk_score, risk_updated_ts, created_ts, updated_ts, version
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			active_topic = EXCLUDED.active_topic,
			pending_question = EXCLUDED.pending_question,
			pending_action = EXCLUDED.pending_action,
			last_handler = EXCLUDED.last_handler,
			turns_on_topic = EXCLUDED.turns_on_topic,
			awaiting_response = EXCLUDED.awaiting_response,
			context_data = EXCLUDED.context_data,
			risk_tier = EXCLUDED.risk_tier,
			risk_score = EXCLUDED.risk_score,
			risk_updated_ts = EXCLUDED.risk_updated_ts,
			updated_ts = EXCLUDED.updated_ts,
			version = EXCLUDED.version
		WHERE conversation_state.version = ?`)
	result, err := tx.ExecContext(ctx, upsert,
		cp.SessionID, cp.UserID, string(topic), cp.State.PendingQuestion, cp.State.PendingAction, cp.State.LastHandler,
		cp.State.TurnsOnTopic, cp.State.AwaitingResponse, string(contextData),
		string(tier), cp.Risk.Score, toUnix(cp.Risk.UpdatedAt), toUnix(cp.CreatedAt), toUnix(cp.UpdatedAt), cp.Version+1,
		cp.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	if affected == 0 {
		s.invalidateCache(ctx, cp.SessionID)
		return ErrStaleCheckpoint
	}

	insertMessage := s.rebind(`
		INSERT INTO conversation_message (session_id, message_id, role, content, created_ts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, message_id) DO NOTHING`)
	for _, m := range cp.unsavedMessages {
		if _, err := tx.ExecContext(ctx, insertMessage, cp.SessionID, m.ID, m.Role, m.Content, toUnix(m.CreatedAt)); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
	}

	insertTurn := s.rebind(`
		INSERT INTO conversation_turn (session_id, message_id, reply, created_ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, message_id) DO NOTHING`)
	for _, t := range cp.unsavedTurns {
		if _, err := tx.ExecContext(ctx, insertTurn, cp.SessionID, t.MessageID, string(t.Reply), toUnix(t.CreatedAt)); err != nil {
			return fmt.Errorf("failed to record turn: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	cp.Version++
	cp.markSaved()
	if len(cp.Messages) > s.historyLimit {
		cp.Messages = cp.Messages[len(cp.Messages)-s.historyLimit:]
	}
	s.updateCache(ctx, cp)
	return nil
}

// CleanupExpired removes every session whose state was last updated before the cutoff.
// Each session is deleted under its lock and only if it is still expired, so a
// concurrent turn is never half deleted.
func (s *SQLStore) CleanupExpired(ctx context.Context, before time.Time) (int64, error) {
	cutoff := toUnix(before)

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT session_id FROM conversation_state WHERE updated_ts < ?`), cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired sessions: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to iterate expired sessions: %w", err)
	}

	var deleted int64
	for _, id := range ids {
		err := s.WithLock(ctx, id, func(ctx context.Context) error {
			ok, err := s.deleteExpired(ctx, id, cutoff)
			if ok {
				deleted++
			}
			return err
		})
		if err != nil {
			return deleted, err
		}
	}
	return deleted, nil
}

// deleteExpired deletes one session if its state is still older than cutoff.
func (s *SQLStore) deleteExpired(ctx context.Context, sessionID string, cutoff int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM conversation_state WHERE session_id = ? AND updated_ts < ?`), sessionID, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to cleanup session %s: %w", sessionID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to cleanup session %s: %w", sessionID, err)
	}
	if affected == 0 {
		return false, nil
	}
	for _, table := range []string{"conversation_message", "conversation_turn"} {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE session_id = ?`), sessionID); err != nil {
			return false, fmt.Errorf("failed to cleanup %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit cleanup: %w", err)
	}

	s.invalidateCache(ctx, sessionID)
	return true, nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// updateCache stores the checkpoint in cache.
func (s *SQLStore) updateCache(ctx context.Context, cp *Checkpoint) {
	if s.cache == nil {
		return
	}

	data, err := json.Marshal(cp)
	if err != nil {
		slog.Warn("failed to marshal checkpoint for cache", "error", err)
		return
	}

	key := cachePrefix + cp.SessionID
	if err := s.cache.Set(ctx, key, data, cacheTTL); err != nil {
		slog.Warn("failed to update cache", "key", key, "error", err)
	}
}

// loadFromCache retrieves a checkpoint from cache.
func (s *SQLStore) loadFromCache(ctx context.Context, sessionID string) *Checkpoint {
	if s.cache == nil {
		return nil
	}

	key := cachePrefix + sessionID
	data, ok := s.cache.Get(ctx, key)
	if !ok {
		return nil
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		slog.Warn("failed to unmarshal cached checkpoint", "key", key, "error", err)
		return nil
	}
	cp.persisted = true
	return &cp
}

// invalidateCache removes a checkpoint from cache.
func (s *SQLStore) invalidateCache(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}

	key := cachePrefix + sessionID
	if err := s.cache.Invalidate(ctx, key); err != nil {
		slog.Warn("failed to invalidate cache", "key", key, "error", err)
	}
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

var _ CheckpointStore = (*SQLStore)(nil)
