// Package conversation runs one inbound turn end to end: risk triage, routing,
// the specialist or agent handler, state updates and the checkpoint write.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/plugin/ai/metrics"
	"github.com/hrygo/companion/plugin/ai/router"
	"github.com/hrygo/companion/plugin/ai/session"
	"github.com/hrygo/companion/plugin/ai/timeout"
	"github.com/hrygo/companion/store"
)

const (
	// DefaultHistoryLimit is the number of messages loaded into a turn's context.
	DefaultHistoryLimit = 50
	// DefaultMaxConcurrentTurns caps in-flight turns across all sessions.
	DefaultMaxConcurrentTurns = 64

	// ContextCompletedActions holds the tools that ran in a turn that did not finish.
	ContextCompletedActions = "completed_actions"

	// ActionOpenRiskAlert is appended to every high risk reply.
	ActionOpenRiskAlert = "OPEN_RISK_ALERT"
)

var (
	// ErrInvalidTurn is returned for a turn missing its session, user or text.
	ErrInvalidTurn = errors.New("invalid turn")
	// ErrUserMismatch is returned when a session id is reused by another user.
	ErrUserMismatch = errors.New("session belongs to another user")
	// ErrSessionNotFound is returned when inspecting an unknown session.
	ErrSessionNotFound = errors.New("session not found")
)

// Config tunes the service.
type Config struct {
	EngineMode         string
	HistoryLimit       int
	MaxConcurrentTurns int
	Location           *time.Location
}

// Service processes turns. It is safe for concurrent use; turns of one session
// are serialized by the checkpoint store lock.
type Service struct {
	store       *store.Store
	checkpoints session.CheckpointStore
	router      *router.Service
	catalog     *agent.Catalog
	invoker     *agent.Invoker
	loop        *agent.Loop
	metrics     metrics.MetricsService

	turns  *semaphore.Weighted
	config Config
	now    func() time.Time
}

// Deps are the collaborators of the service, owned and closed by the caller.
type Deps struct {
	Store       *store.Store
	Checkpoints session.CheckpointStore
	Catalog     *agent.Catalog
	Invoker     *agent.Invoker
	// Loop is required in agent mode.
	Loop    *agent.Loop
	Metrics metrics.MetricsService
}

// NewService creates a conversation service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Checkpoints == nil || deps.Catalog == nil || deps.Invoker == nil {
		return nil, errors.New("conversation service requires checkpoints, catalog and invoker")
	}
	switch cfg.EngineMode {
	case "":
		cfg.EngineMode = profile.EngineModeAgent
	case profile.EngineModeAgent, profile.EngineModeSpecialists:
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.EngineMode)
	}
	if cfg.EngineMode == profile.EngineModeAgent && deps.Loop == nil {
		return nil, errors.New("agent engine mode requires an agent loop")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = DefaultMaxConcurrentTurns
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop{}
	}

	return &Service{
		store:       deps.Store,
		checkpoints: deps.Checkpoints,
		router:      router.NewService(router.NewClassifier(deps.Catalog.KeywordSets()...)),
		catalog:     deps.Catalog,
		invoker:     deps.Invoker,
		loop:        deps.Loop,
		metrics:     deps.Metrics,
		turns:       semaphore.NewWeighted(int64(cfg.MaxConcurrentTurns)),
		config:      cfg,
		now:         time.Now,
	}, nil
}

// TurnRequest is one inbound message.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Text      string `json:"text"`
}

func (r *TurnRequest) validate() error {
	r.SessionID = strings.TrimSpace(r.SessionID)
	r.UserID = strings.TrimSpace(r.UserID)
	r.MessageID = strings.TrimSpace(r.MessageID)
	switch {
	case r.SessionID == "":
		return fmt.Errorf("%w: session_id is required", ErrInvalidTurn)
	case r.UserID == "":
		return fmt.Errorf("%w: user_id is required", ErrInvalidTurn)
	case strings.TrimSpace(r.Text) == "":
		return fmt.Errorf("%w: text is required", ErrInvalidTurn)
	}
	if r.MessageID == "" {
		if id, err := uuid.NewV7(); err == nil {
			r.MessageID = id.String()
		} else {
			r.MessageID = uuid.NewString()
		}
	}
	return nil
}

// TurnResponse is the outcome of a turn. A redelivered message gets the stored
// response back with Duplicate set.
type TurnResponse struct {
	MessageID         string            `json:"message_id"`
	ReplyText         string            `json:"reply_text"`
	RiskTier          router.Tier       `json:"risk_tier"`
	RiskScore         int               `json:"risk_score"`
	SideEffects       []json.RawMessage `json:"structured_side_effects"`
	HandlerUsed       string            `json:"handler_used"`
	Actions           []string          `json:"actions"`
	FollowUpQuestions []string          `json:"follow_up_questions"`
	Topic             router.Topic      `json:"topic"`
	LimitReached      bool              `json:"limit_reached,omitempty"`
	Duplicate         bool              `json:"duplicate"`
}

// ProcessTurn handles one message. Only generator unavailability, invalid input,
// a user mismatch and cancellation are returned as errors; every other failure
// still produces a reply.
func (s *Service) ProcessTurn(ctx context.Context, req *TurnRequest) (*TurnResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	if err := s.turns.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.turns.Release(1)

	var resp *TurnResponse
	err := s.checkpoints.WithLock(ctx, req.SessionID, func(ctx context.Context) error {
		cp, err := s.checkpoints.Load(ctx, req.SessionID)
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		if cp.UserID == "" {
			cp.UserID = req.UserID
		} else if cp.UserID != req.UserID {
			return ErrUserMismatch
		}

		if turn, ok := cp.FindTurn(req.MessageID); ok {
			var stored TurnResponse
			if err := json.Unmarshal(turn.Reply, &stored); err != nil {
				return fmt.Errorf("failed to decode stored turn: %w", err)
			}
			stored.Duplicate = true
			resp = &stored
			slog.Info("redelivered message answered from checkpoint",
				"session_id", req.SessionID,
				"message_id", req.MessageID,
			)
			return nil
		}

		resp, err = s.runTurn(ctx, cp, req)
		return err
	})

	latency := time.Since(start)
	switch {
	case err != nil:
		s.metrics.RecordTurn(ctx, "failed", latency, false)
		slog.Warn("turn failed",
			"session_id", req.SessionID,
			"message_id", req.MessageID,
			"text", agent.Truncate(req.Text, timeout.MaxTruncateLength),
			"latency_ms", latency.Milliseconds(),
			"error", err,
		)
		return nil, err
	case !resp.Duplicate:
		s.metrics.RecordTurn(ctx, resp.HandlerUsed, latency, !resp.LimitReached)
		slog.Info("turn processed",
			"session_id", req.SessionID,
			"message_id", req.MessageID,
			"handler", resp.HandlerUsed,
			"topic", resp.Topic,
			"risk_tier", resp.RiskTier,
			"latency_ms", latency.Milliseconds(),
		)
	}
	return resp, nil
}

// persistPartial records the tools that ran in a turn whose reply is discarded.
// It runs on a detached context so a cancelled request still leaves a trace.
func (s *Service) persistPartial(ctx context.Context, cp *session.Checkpoint, req *TurnRequest, observations []agent.Observation) {
	var done []string
	for _, o := range observations {
		if o.Success {
			done = append(done, o.Name)
		}
	}
	if len(done) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout.PersistTimeout)
	defer cancel()

	now := s.now()
	cp.AppendMessage(req.MessageID, session.RoleUser, req.Text, now)
	cp.AppendMessage("", session.RoleSystem, "Acciones completadas sin respuesta: "+strings.Join(done, ", "), now)
	cp.State.SetContext(ContextCompletedActions, done)
	if err := s.checkpoints.Save(ctx, cp); err != nil {
		slog.Error("failed to persist completed actions",
			"session_id", cp.SessionID,
			"actions", done,
			"error", err,
		)
	}
}

// SessionView is the inspection view of a session.
type SessionView struct {
	SessionID string                    `json:"session_id"`
	UserID    string                    `json:"user_id"`
	State     session.ConversationState `json:"state"`
	Risk      session.RiskRecord        `json:"risk"`
	Messages  int                       `json:"messages"`
	UpdatedAt time.Time                 `json:"updated_at"`
}

// GetSession returns the current state and risk record of a session.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*SessionView, error) {
	if sessionID == "" {
		return nil, session.ErrInvalidSessionID
	}
	cp, err := s.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if cp.IsNew() {
		return nil, ErrSessionNotFound
	}
	return &SessionView{
		SessionID: cp.SessionID,
		UserID:    cp.UserID,
		State:     cp.State.Clone(),
		Risk:      cp.Risk,
		Messages:  len(cp.Messages),
		UpdatedAt: cp.UpdatedAt,
	}, nil
}

// UnavailableReply is the apology shown when no generator can answer.
func (s *Service) UnavailableReply() string {
	return s.catalog.Prompts().Text(agent.TemplateServiceUnavailable)
}

// EngineMode returns the configured engine mode.
func (s *Service) EngineMode() string {
	return s.config.EngineMode
}
