package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/plugin/ai"
	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/plugin/ai/agent/tools"
	"github.com/hrygo/companion/plugin/ai/metrics"
	"github.com/hrygo/companion/plugin/ai/router"
	"github.com/hrygo/companion/plugin/ai/session"
	"github.com/hrygo/companion/store"
	storetest "github.com/hrygo/companion/store/test"
)

const testUser = "+51999000111"

type harness struct {
	svc         *Service
	gen         *ai.MockGenerator
	store       *store.Store
	checkpoints *session.MemoryStore
	metrics     *metrics.Service
	now         time.Time
}

func newHarness(t *testing.T, mode string) *harness {
	t.Helper()
	ctx := context.Background()

	st := storetest.NewTestingStore(ctx, t)
	catalog, err := agent.LoadCatalog("")
	require.NoError(t, err)
	loc, err := time.LoadLocation(tools.DefaultTimezone)
	require.NoError(t, err)
	// Wednesday morning.
	now := time.Date(2026, 10, 14, 10, 0, 0, 0, loc)

	gen := ai.NewMockGenerator("mock")
	registry := agent.NewToolRegistry()
	require.NoError(t, tools.Register(registry, &tools.Deps{Store: st, Location: loc, Now: func() time.Time { return now }}))
	metricsService := metrics.NewService(time.Hour)
	t.Cleanup(metricsService.Close)
	loop, err := agent.NewLoop(gen, registry, catalog.Prompts(), agent.LoopConfig{MaxIterations: 3, FanOut: 2}, metricsService)
	require.NoError(t, err)

	checkpoints := session.NewMemoryStore(nil)
	svc, err := NewService(Deps{
		Store:       st,
		Checkpoints: checkpoints,
		Catalog:     catalog,
		Invoker:     agent.NewInvoker(gen, catalog, 0),
		Loop:        loop,
		Metrics:     metricsService,
	}, Config{EngineMode: mode, Location: loc})
	require.NoError(t, err)
	svc.now = func() time.Time { return now }

	return &harness{svc: svc, gen: gen, store: st, checkpoints: checkpoints, metrics: metricsService, now: now}
}

// seed stores a session that already exchanged one message pair.
func (h *harness) seed(t *testing.T, sessionID string, state session.ConversationState) {
	t.Helper()
	ctx := context.Background()
	cp, err := h.checkpoints.Load(ctx, sessionID)
	require.NoError(t, err)
	cp.UserID = testUser
	cp.State = state
	cp.AppendMessage("m-0", session.RoleUser, "hola", h.now.Add(-time.Hour))
	cp.AppendMessage("", session.RoleAssistant, "Hola, ¿cómo estás?", h.now.Add(-time.Hour))
	require.NoError(t, h.checkpoints.Save(ctx, cp))
}

func (h *harness) createPatient(t *testing.T) *store.Patient {
	t.Helper()
	p, err := h.store.CreatePatient(context.Background(), &store.Patient{Phone: testUser, Name: "Ana"})
	require.NoError(t, err)
	return p
}

func (h *harness) turn(t *testing.T, sessionID, messageID, text string) *TurnResponse {
	t.Helper()
	resp, err := h.svc.ProcessTurn(context.Background(), &TurnRequest{
		SessionID: sessionID,
		MessageID: messageID,
		UserID:    testUser,
		Text:      text,
	})
	require.NoError(t, err)
	return resp
}

func specialistReply(text string) ai.MockStep {
	return ai.MockStep{Result: ai.TextResult(text)}
}

func call(id, name, args string) ai.ToolCall {
	return ai.ToolCall{ID: id, Name: name, Arguments: args}
}

func TestNewService_Validation(t *testing.T) {
	catalog, err := agent.LoadCatalog("")
	require.NoError(t, err)
	deps := Deps{
		Checkpoints: session.NewMemoryStore(nil),
		Catalog:     catalog,
		Invoker:     agent.NewInvoker(ai.NewMockGenerator("mock"), catalog, 0),
	}

	_, err = NewService(deps, Config{})
	assert.Error(t, err, "agent mode needs a loop")

	_, err = NewService(deps, Config{EngineMode: "swarm"})
	assert.Error(t, err)

	svc, err := NewService(deps, Config{EngineMode: profile.EngineModeSpecialists})
	require.NoError(t, err)
	assert.Equal(t, profile.EngineModeSpecialists, svc.EngineMode())
}

func TestProcessTurn_HighRiskOverride(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	h.gen.Then(specialistReply(`{"reply_text":"**Respira** despacio, estoy contigo.","risk_level":"medium","risk_score":60,
"follow_up_questions":["¿Estás acompañada?"],"actions":["SEND_MESSAGE"]}`))

	resp := h.turn(t, "s-1", "m-1", "No puedo respirar")

	assert.Equal(t, router.TierHigh, resp.RiskTier)
	assert.Equal(t, 85, resp.RiskScore)
	assert.Equal(t, "triage_agent", resp.HandlerUsed)
	assert.Equal(t, router.TopicEmergency, resp.Topic)
	assert.Equal(t, []string{"SEND_MESSAGE", ActionOpenRiskAlert}, resp.Actions)
	assert.Equal(t, "*Respira* despacio, estoy contigo.", resp.ReplyText)

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, router.TierHigh, view.Risk.Tier)
	assert.Equal(t, 85, view.Risk.Score)
	assert.Equal(t, "¿Estás acompañada?", view.State.PendingQuestion)
	assert.Equal(t, "triage_agent", view.State.PendingAction)
	assert.True(t, view.State.AwaitingResponse)
	assert.Equal(t, 2, view.Messages)
}

func TestProcessTurn_HighRiskWithoutGenerator(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	h.gen.Then(ai.MockStep{Err: ai.ErrGeneratorUnavailable})

	resp := h.turn(t, "s-1", "m-1", "tengo un sangrado fuerte")
	assert.Equal(t, router.TierHigh, resp.RiskTier)
	assert.Contains(t, resp.ReplyText, "atención médica urgente")
	assert.Equal(t, []string{ActionOpenRiskAlert}, resp.Actions)
}

func TestProcessTurn_FirstGreeting(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)

	resp := h.turn(t, "s-1", "m-1", "hola")

	assert.Equal(t, agent.HandlerOrchestrator, resp.HandlerUsed)
	assert.Equal(t, router.TopicGreeting, resp.Topic)
	assert.Contains(t, resp.ReplyText, "bienvenida")
	assert.Zero(t, h.gen.Calls(), "greetings never reach the generator")

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 0, view.State.TurnsOnTopic)
	assert.Equal(t, router.TierNone, view.Risk.Tier)
}

func TestProcessTurn_TopicWelcomeForNewPatient(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)

	resp := h.turn(t, "s-1", "m-1", "me recetaron una pastilla")
	assert.Equal(t, router.TopicMedication, resp.Topic)
	require.Len(t, resp.FollowUpQuestions, 1)
	assert.Zero(t, h.gen.Calls())

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.True(t, view.State.AwaitingResponse)
	assert.Equal(t, agent.HandlerOrchestrator, view.State.PendingAction)
}

func TestProcessTurn_CheckinCountsTurns(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	h.seed(t, "s-1", session.ConversationState{ActiveTopic: router.TopicCheckin, TurnsOnTopic: 2})
	h.gen.Then(specialistReply(`{"reply_text":"Siento que hayas dormido mal.","risk_level":"low","risk_score":20}`))

	resp := h.turn(t, "s-1", "m-1", "bien, dormí mal")

	assert.Equal(t, "checkin_agent", resp.HandlerUsed)
	assert.Equal(t, router.TopicCheckin, resp.Topic)
	// The background assessment of "mal" outranks the reply's score.
	assert.Equal(t, router.TierLow, resp.RiskTier)
	assert.Equal(t, 25, resp.RiskScore)

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 3, view.State.TurnsOnTopic)
	assert.False(t, view.State.AwaitingResponse)
	assert.Equal(t, 4, view.Messages)

	req := h.gen.LastRequest()
	require.NotNil(t, req)
	assert.True(t, req.JSONMode)
	assert.Contains(t, req.Messages[0].Content, "Tema actual: checkin (2 turnos)")
	assert.Equal(t, "bien, dormí mal", req.Messages[len(req.Messages)-1].Content)
}

func TestProcessTurn_PendingShortAnswer(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	state := session.NewConversationState()
	state.SetTopic(router.TopicMedication, "medication_agent")
	state.SetPendingQuestion("¿Quieres que te recuerde a las 8:00?", "medication_agent")
	h.seed(t, "s-1", state)
	h.gen.Then(specialistReply(`{"reply_text":"Listo, te lo recordaré.","actions":["SCHEDULE_MED_REMINDERS"]}`))

	resp := h.turn(t, "s-1", "m-1", "sí")

	assert.Equal(t, "medication_agent", resp.HandlerUsed)
	assert.Equal(t, router.TopicMedication, resp.Topic)

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 1, view.State.TurnsOnTopic)
	assert.False(t, view.State.AwaitingResponse)
	assert.Empty(t, view.State.PendingAction)
}

func TestProcessTurn_MalformedSpecialistReply(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	h.seed(t, "s-1", session.NewConversationState())
	h.gen.Then(specialistReply("lo siento, no sé responder en JSON"))

	resp := h.turn(t, "s-1", "m-1", "¿qué me recomiendas?")
	assert.Equal(t, "checkin_agent", resp.HandlerUsed)
	assert.Contains(t, resp.ReplyText, "Hubo un problema")
}

func TestProcessTurn_Redelivery(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	h.seed(t, "s-1", session.NewConversationState())
	h.gen.Then(specialistReply(`{"reply_text":"Cuéntame más."}`))

	first := h.turn(t, "s-1", "m-1", "estoy cansada")
	second := h.turn(t, "s-1", "m-1", "estoy cansada")

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ReplyText, second.ReplyText)
	assert.Equal(t, 1, h.gen.Calls())

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 4, view.Messages)
	assert.Equal(t, 0, view.State.TurnsOnTopic, "a redelivery does not advance the state")

	stats := h.metrics.GetStats(context.Background(), time.Time{})
	assert.EqualValues(t, 1, stats.TurnCount)
}

func TestProcessTurn_Errors(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	ctx := context.Background()

	_, err := h.svc.ProcessTurn(ctx, &TurnRequest{SessionID: "s-1", UserID: testUser, Text: "  "})
	assert.ErrorIs(t, err, ErrInvalidTurn)

	h.turn(t, "s-1", "m-1", "hola")
	_, err = h.svc.ProcessTurn(ctx, &TurnRequest{SessionID: "s-1", MessageID: "m-2", UserID: "+51000", Text: "hola"})
	assert.ErrorIs(t, err, ErrUserMismatch)

	// A generator failure is not committed.
	h.gen.Then(ai.MockStep{Err: errors.New("connection refused")})
	_, err = h.svc.ProcessTurn(ctx, &TurnRequest{SessionID: "s-2", MessageID: "m-1", UserID: testUser, Text: "tengo fatiga"})
	assert.ErrorIs(t, err, ai.ErrGeneratorUnavailable)
	_, err = h.svc.GetSession(ctx, "s-2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestProcessTurn_GeneratedMessageID(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	resp, err := h.svc.ProcessTurn(context.Background(), &TurnRequest{SessionID: "s-1", UserID: testUser, Text: "hola"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.MessageID)
}

func TestProcessTurn_AgentCreateThenLink(t *testing.T) {
	h := newHarness(t, profile.EngineModeAgent)
	h.createPatient(t)
	h.seed(t, "s-1", session.NewConversationState())
	h.gen.Then(
		ai.MockStep{Result: ai.ActionsResult(
			// The dependent call is listed first on purpose.
			call("c2", "create_following", `{"notes":"recordar ayuno"}`),
			call("c1", "create_appointment", `{"date":"2026-10-15","time":"09:00","reason":"control"}`),
		)},
		ai.MockStep{Result: ai.TextResult("Tu cita quedó para el **jueves 15** a las 09:00.")},
	)

	resp := h.turn(t, "s-1", "m-1", "quiero agendar una cita")

	assert.Equal(t, agent.HandlerAgent, resp.HandlerUsed)
	assert.Equal(t, router.TopicAppointments, resp.Topic)
	assert.Equal(t, "Tu cita quedó para el *jueves 15* a las 09:00.", resp.ReplyText)
	require.Len(t, resp.SideEffects, 2)
	effects := string(resp.SideEffects[0]) + string(resp.SideEffects[1])
	assert.Contains(t, effects, `"tool":"create_appointment"`)
	assert.Contains(t, effects, `"tool":"create_following"`)

	ctx := context.Background()
	appts, err := h.store.ListAppointments(ctx, &store.FindAppointment{})
	require.NoError(t, err)
	require.Len(t, appts, 1)
	followings, err := h.store.ListFollowings(ctx, &store.FindFollowing{AppointmentID: &appts[0].ID})
	require.NoError(t, err)
	assert.Len(t, followings, 1)

	// Redelivery answers from the checkpoint and creates nothing.
	again := h.turn(t, "s-1", "m-1", "quiero agendar una cita")
	assert.True(t, again.Duplicate)
	assert.Equal(t, 2, h.gen.Calls())
	appts, err = h.store.ListAppointments(ctx, &store.FindAppointment{})
	require.NoError(t, err)
	assert.Len(t, appts, 1)
}

func TestProcessTurn_AgentRecordsToolRisk(t *testing.T) {
	h := newHarness(t, profile.EngineModeAgent)
	patient := h.createPatient(t)
	h.seed(t, "s-1", session.NewConversationState())
	h.gen.Then(
		ai.MockStep{Result: ai.ActionsResult(call("c1", "assess_symptoms", `{"symptom_description":"tengo insomnio hace varios días"}`))},
		ai.MockStep{Result: ai.TextResult("Gracias por contarme.")},
	)

	resp := h.turn(t, "s-1", "m-1", "me cuesta descansar")
	assert.Equal(t, router.TierMedium, resp.RiskTier)
	assert.Equal(t, 50, resp.RiskScore)

	updated, err := h.store.GetPatient(context.Background(), &store.FindPatient{ID: &patient.ID})
	require.NoError(t, err)
	assert.Equal(t, string(router.TierMedium), updated.RiskLevel)
	assert.Equal(t, 50, updated.RiskScore)
}

func TestProcessTurn_AgentIterationLimit(t *testing.T) {
	h := newHarness(t, profile.EngineModeAgent)
	h.createPatient(t)
	h.gen.Repeat(ai.MockStep{Result: ai.ActionsResult(call("c", "get_medications", `{}`))})

	resp := h.turn(t, "s-1", "m-1", "¿qué tomo hoy?")
	assert.True(t, resp.LimitReached)
	assert.Equal(t, 3, h.gen.Calls())
	assert.NotEmpty(t, resp.ReplyText)
}

func TestProcessTurn_CancelledTurnKeepsCompletedActions(t *testing.T) {
	h := newHarness(t, profile.EngineModeAgent)
	h.createPatient(t)
	h.gen.Then(
		ai.MockStep{Result: ai.ActionsResult(call("c1", "add_medication", `{"name":"Estradiol","dosage":"1 mg"}`))},
		ai.MockStep{Block: true},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := h.svc.ProcessTurn(ctx, &TurnRequest{SessionID: "s-1", MessageID: "m-1", UserID: testUser, Text: "me recetaron estradiol"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, []any{"add_medication"}, view.State.ContextData[ContextCompletedActions])
	assert.Equal(t, 2, view.Messages, "the user message and a system note")

	cp, err := h.checkpoints.Load(context.Background(), "s-1")
	require.NoError(t, err)
	_, answered := cp.FindTurn("m-1")
	assert.False(t, answered, "the discarded reply is not recorded")
	last := cp.Messages[len(cp.Messages)-1]
	assert.Equal(t, session.RoleSystem, last.Role)
	assert.True(t, strings.Contains(last.Content, "add_medication"))
}

func TestProcessTurn_RetryAfterCancelledTurn(t *testing.T) {
	h := newHarness(t, profile.EngineModeAgent)
	h.createPatient(t)
	h.gen.Then(
		ai.MockStep{Result: ai.ActionsResult(call("c1", "add_medication", `{"name":"Estradiol","dosage":"1 mg"}`))},
		ai.MockStep{Block: true},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := h.svc.ProcessTurn(ctx, &TurnRequest{SessionID: "s-1", MessageID: "m-1", UserID: testUser, Text: "me recetaron estradiol"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	h.gen.Then(ai.MockStep{Result: ai.TextResult("Anotado, ya está en tu lista.")})
	resp := h.turn(t, "s-1", "m-1", "me recetaron estradiol")
	assert.False(t, resp.Duplicate)

	req := h.gen.LastRequest()
	require.NotNil(t, req)
	var userMessages int
	for _, m := range req.Messages {
		if m.Role == ai.RoleUser && m.Content == "me recetaron estradiol" {
			userMessages++
		}
	}
	assert.Equal(t, 1, userMessages, "the stored message is not sent twice")
	assert.Contains(t, req.Messages[len(req.Messages)-2].Content, "add_medication")

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, 3, view.Messages, "user message, system note and reply")
}

func TestProcessTurn_ConcurrentSameSession(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)
	h.seed(t, "s-1", session.NewConversationState())
	h.gen.Repeat(specialistReply(`{"reply_text":"Cuéntame más."}`))

	const turns = 20
	var wg sync.WaitGroup
	errs := make(chan error, turns)
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.svc.ProcessTurn(context.Background(), &TurnRequest{
				SessionID: "s-1",
				MessageID: fmt.Sprintf("m-%d", i+1),
				UserID:    testUser,
				Text:      "¿qué me recomiendas?",
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	view, err := h.svc.GetSession(context.Background(), "s-1")
	require.NoError(t, err)
	assert.Equal(t, router.TopicCheckin, view.State.ActiveTopic)
	// The first turn enters the topic, each later one sees the previous state.
	assert.Equal(t, turns-1, view.State.TurnsOnTopic)
	assert.Equal(t, 2+2*turns, view.Messages)
	assert.Equal(t, turns, h.gen.Calls())

	cp, err := h.checkpoints.Load(context.Background(), "s-1")
	require.NoError(t, err)
	for i := 1; i <= turns; i++ {
		_, ok := cp.FindTurn(fmt.Sprintf("m-%d", i))
		assert.True(t, ok, "m-%d", i)
	}
}

func TestProactivePrompt(t *testing.T) {
	h := newHarness(t, profile.EngineModeSpecialists)

	tests := []struct {
		hour   int
		period string
		prefix string
	}{
		{hour: 7, period: PeriodMorning, prefix: "Buenos días"},
		{hour: 15, period: PeriodAfternoon, prefix: "Buenas tardes"},
		{hour: 22, period: PeriodEvening, prefix: "Buenas noches"},
		{hour: 3, period: PeriodEvening, prefix: "Buenas noches"},
	}
	for _, tt := range tests {
		at := time.Date(2026, 10, 14, tt.hour, 0, 0, 0, h.now.Location())
		h.svc.now = func() time.Time { return at }
		resp, err := h.svc.ProactivePrompt(context.Background(), &ProactiveRequest{SessionID: "s-1", UserID: testUser})
		require.NoError(t, err)
		assert.Equal(t, tt.period, resp.Period, "hour %d", tt.hour)
		assert.True(t, strings.HasPrefix(resp.ReplyText, tt.prefix), resp.ReplyText)
	}

	_, err := h.svc.GetSession(context.Background(), "s-1")
	assert.ErrorIs(t, err, ErrSessionNotFound, "proactive prompts write nothing")

	_, err = h.svc.ProactivePrompt(context.Background(), &ProactiveRequest{SessionID: "s-1"})
	assert.ErrorIs(t, err, ErrInvalidTurn)
}
