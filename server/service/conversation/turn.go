package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/plugin/ai"
	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/plugin/ai/format"
	"github.com/hrygo/companion/plugin/ai/router"
	"github.com/hrygo/companion/plugin/ai/session"
	"github.com/hrygo/companion/store"
)

// handled is what a handler produced for the turn before state is applied.
type handled struct {
	reply        *agent.Reply
	topic        router.Topic
	sideEffects  []json.RawMessage
	observations []agent.Observation
	limitReached bool
}

func (s *Service) runTurn(ctx context.Context, cp *session.Checkpoint, req *TurnRequest) (*TurnResponse, error) {
	now := s.now().In(s.config.Location)

	// Background assessment runs on every turn, whatever the router picks.
	background := router.Assess(req.Text)
	decision := s.router.Route(req.Text, cp.State.RouterState(), background)

	patient := s.lookupPatient(ctx, req.UserID)
	prior := priorMessages(cp, req.MessageID)
	firstMessage := !slices.ContainsFunc(prior, func(m session.Message) bool { return m.Role == session.RoleUser })
	prompt := s.promptData(ctx, cp, patient, now, firstMessage)
	if n := s.config.HistoryLimit; n > 0 && len(prior) > n {
		prior = prior[len(prior)-n:]
	}
	history := toAIMessages(prior)

	var (
		h   *handled
		err error
	)
	if s.config.EngineMode == profile.EngineModeSpecialists {
		h, err = s.runSpecialist(ctx, decision, patient, firstMessage, &agent.SpecialistInput{
			Text:         req.Text,
			History:      history,
			Prompt:       prompt,
			FirstMessage: firstMessage,
		})
	} else {
		h, err = s.runAgent(ctx, decision, &agent.LoopInput{
			Identity: agent.Identity{SessionID: req.SessionID, MessageID: req.MessageID, UserID: req.UserID},
			Prompt:   prompt,
			History:  history,
			Text:     req.Text,
		})
	}
	if err != nil {
		if h != nil {
			s.persistPartial(ctx, cp, req, h.observations)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, ai.ErrGeneratorUnavailable) {
			err = fmt.Errorf("%w: %w", ai.ErrGeneratorUnavailable, err)
		}
		return nil, err
	}

	reply := h.reply
	if decision.Risk.High() && !slices.Contains(reply.Actions, ActionOpenRiskAlert) {
		reply.Actions = append(reply.Actions, ActionOpenRiskAlert)
	}

	// State: pending question first, then the topic actually routed to.
	if len(reply.FollowUpQuestions) > 0 {
		cp.State.SetPendingQuestion(reply.FollowUpQuestions[0], reply.Handler)
	} else {
		cp.State.ClearPending()
	}
	cp.State.SetTopic(h.topic, reply.Handler)
	cp.RaiseRisk(router.MaxRisk(reply.Risk(), decision.Risk), now)
	if patient == nil {
		// The agent may have registered the patient during this turn.
		patient = s.lookupPatient(ctx, req.UserID)
	}
	s.raisePatientRisk(ctx, patient, cp.Risk.Assessment(), now.Unix())

	resp := &TurnResponse{
		MessageID:         req.MessageID,
		ReplyText:         format.WhatsApp(reply.ReplyText),
		RiskTier:          cp.Risk.Tier,
		RiskScore:         cp.Risk.Score,
		SideEffects:       h.sideEffects,
		HandlerUsed:       reply.Handler,
		Actions:           reply.Actions,
		FollowUpQuestions: reply.FollowUpQuestions,
		Topic:             cp.State.ActiveTopic,
		LimitReached:      h.limitReached,
	}
	if resp.SideEffects == nil {
		resp.SideEffects = []json.RawMessage{}
	}
	if resp.Actions == nil {
		resp.Actions = []string{}
	}
	if resp.FollowUpQuestions == nil {
		resp.FollowUpQuestions = []string{}
	}

	cp.AppendMessage(req.MessageID, session.RoleUser, req.Text, now)
	cp.AppendMessage("", session.RoleAssistant, resp.ReplyText, now)
	if cp.State.ContextData != nil {
		delete(cp.State.ContextData, ContextCompletedActions)
	}
	if err := cp.RecordTurn(req.MessageID, resp, now); err != nil {
		return nil, err
	}
	if err := s.checkpoints.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}
	return resp, nil
}

func (s *Service) runSpecialist(ctx context.Context, decision router.Decision, patient *store.Patient, firstMessage bool, in *agent.SpecialistInput) (*handled, error) {
	if patient == nil && firstMessage && !decision.Risk.High() && decision.Category != router.CategoryGreeting {
		reply, topic, err := s.invoker.Welcome(ctx, decision, in)
		if err != nil {
			return nil, err
		}
		return &handled{reply: reply, topic: topic, sideEffects: reply.SideEffects}, nil
	}

	reply, err := s.invoker.Invoke(ctx, decision.Category, in)
	if err != nil {
		if !decision.Risk.High() {
			return nil, err
		}
		// An emergency is answered even without a generator.
		slog.Error("triage specialist failed, sending alert template", "error", err)
		reply = s.alertReply(s.catalog.Specialist(router.CategoryTriage).Handler, decision.Risk)
	}
	return &handled{reply: reply, topic: decision.Topic, sideEffects: reply.SideEffects}, nil
}

func (s *Service) runAgent(ctx context.Context, decision router.Decision, in *agent.LoopInput) (*handled, error) {
	result, err := s.loop.Run(ctx, in)
	h := &handled{topic: decision.Topic}
	if result != nil {
		h.observations = result.Observations
		h.limitReached = result.LimitReached
		for _, se := range result.SideEffects() {
			data, mErr := json.Marshal(se)
			if mErr != nil {
				continue
			}
			h.sideEffects = append(h.sideEffects, data)
		}
	}
	if err != nil {
		if !decision.Risk.High() || ctx.Err() != nil {
			return h, err
		}
		slog.Error("agent loop failed on a high risk turn, sending alert template", "error", err)
		h.reply = s.alertReply(agent.HandlerAgent, decision.Risk)
		return h, nil
	}

	h.reply = &agent.Reply{
		ReplyText: result.Reply,
		RiskLevel: router.TierNone,
		Handler:   agent.HandlerAgent,
	}
	// Tools may have assessed the symptoms more severely than the keywords did.
	for _, obs := range result.Observations {
		if risk, ok := observedRisk(obs); ok {
			r := router.MaxRisk(h.reply.Risk(), risk)
			h.reply.RiskLevel, h.reply.RiskScore = r.Tier, r.Score
		}
	}
	return h, nil
}

// observedRisk reads the risk reported by assess_symptoms or record_symptom_report.
func observedRisk(obs agent.Observation) (router.RiskAssessment, bool) {
	if !obs.Success || (obs.Name != "assess_symptoms" && obs.Name != "record_symptom_report") {
		return router.RiskAssessment{}, false
	}
	var out struct {
		RiskLevel string `json:"risk_level"`
		RiskScore int    `json:"risk_score"`
	}
	if err := json.Unmarshal(obs.Output, &out); err != nil {
		return router.RiskAssessment{}, false
	}
	return router.RiskAssessment{Tier: router.ParseTier(out.RiskLevel), Score: out.RiskScore}, true
}

func (s *Service) alertReply(handler string, risk router.RiskAssessment) *agent.Reply {
	return &agent.Reply{
		ReplyText: s.catalog.Prompts().Text(agent.TemplateHighRiskAlert),
		RiskLevel: risk.Tier,
		RiskScore: risk.Score,
		Actions:   []string{ActionOpenRiskAlert},
		Handler:   handler,
	}
}

// priorMessages returns the history without messageID. A cancelled attempt of
// the same turn may already have stored it, and the text is sent as the input.
func priorMessages(cp *session.Checkpoint, messageID string) []session.Message {
	if !cp.HasMessage(messageID) {
		return cp.Messages
	}
	return slices.DeleteFunc(slices.Clone(cp.Messages), func(m session.Message) bool {
		return m.ID == messageID
	})
}

func toAIMessages(messages []session.Message) []ai.Message {
	out := make([]ai.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, ai.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
