package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/companion/plugin/ai/timeout"
	apierrors "github.com/hrygo/companion/server/internal/errors"
	"github.com/hrygo/companion/server/service/conversation"
)

// CreateTurn processes one inbound message.
// POST /api/v1/turns
func (s *APIV1Service) CreateTurn(c echo.Context) error {
	req := &conversation.TurnRequest{}
	if err := c.Bind(req); err != nil {
		return s.writeError(c, apierrors.InvalidArgument("malformed turn body"))
	}
	if err := s.authorizeUser(c, req.UserID); err != nil {
		return s.writeError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), timeout.TurnTimeout)
	defer cancel()
	resp, err := s.Conversation.ProcessTurn(ctx, req)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type proactiveBody struct {
	UserID string `json:"user_id"`
}

// CreateProactivePrompt returns a check-in message for the session. Nothing is stored.
// POST /api/v1/sessions/:id/proactive
func (s *APIV1Service) CreateProactivePrompt(c echo.Context) error {
	body := &proactiveBody{}
	if err := c.Bind(body); err != nil {
		return s.writeError(c, apierrors.InvalidArgument("malformed proactive body"))
	}
	if err := s.authorizeUser(c, body.UserID); err != nil {
		return s.writeError(c, err)
	}

	resp, err := s.Conversation.ProactivePrompt(c.Request().Context(), &conversation.ProactiveRequest{
		SessionID: c.Param("id"),
		UserID:    body.UserID,
	})
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// GetSession returns the conversation state and risk record of a session.
// GET /api/v1/sessions/:id
func (s *APIV1Service) GetSession(c echo.Context) error {
	view, err := s.Conversation.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	if err := s.authorizeUser(c, view.UserID); err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}
