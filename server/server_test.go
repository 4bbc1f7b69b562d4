package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/plugin/ai/router"
	"github.com/hrygo/companion/server/service/conversation"
	"github.com/hrygo/companion/store"
	"github.com/hrygo/companion/store/db"
)

func newTestingServer(t *testing.T, mode string) *Server {
	t.Helper()
	ctx := context.Background()

	p := &profile.Profile{Mode: "dev", Driver: "memory", EngineMode: mode}
	p.FromEnv()
	p.AIEnabled = false
	require.NoError(t, p.Validate())

	driver, err := db.NewDBDriver(p)
	require.NoError(t, err)
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(ctx))

	s, err := NewServer(ctx, p, st)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func TestServer_ServesTurnsWithoutGenerator(t *testing.T) {
	for _, mode := range []string{profile.EngineModeAgent, profile.EngineModeSpecialists} {
		t.Run(mode, func(t *testing.T) {
			s := newTestingServer(t, mode)
			assert.Equal(t, mode, s.Conversation().EngineMode())

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, http.StatusOK, rec.Code)

			// An emergency is answered from the alert template.
			body := `{"session_id":"s-1","message_id":"m-1","user_id":"+51999000111","text":"No puedo respirar"}`
			req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", strings.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			rec = httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

			var resp conversation.TurnResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, router.TierHigh, resp.RiskTier)
			assert.Contains(t, resp.Actions, conversation.ActionOpenRiskAlert)

			// The checkpoint went through the SQL store.
			view, err := s.Conversation().GetSession(context.Background(), "s-1")
			require.NoError(t, err)
			assert.Equal(t, router.TopicEmergency, view.State.ActiveTopic)
		})
	}
}

func TestServer_GeneratorUnavailable(t *testing.T) {
	s := newTestingServer(t, profile.EngineModeAgent)

	body := `{"session_id":"s-1","message_id":"m-1","user_id":"+51999000111","text":"quiero una cita"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/turns", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
