package v1

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/companion/plugin/ai"
	"github.com/hrygo/companion/plugin/ai/session"
	apierrors "github.com/hrygo/companion/server/internal/errors"
	"github.com/hrygo/companion/server/internal/observability"
	"github.com/hrygo/companion/server/service/conversation"
)

// toAPIError maps service errors onto API error codes.
func (s *APIV1Service) toAPIError(err error) *apierrors.AIError {
	var apiErr *apierrors.AIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, conversation.ErrInvalidTurn), errors.Is(err, session.ErrInvalidSessionID):
		return apierrors.Wrap(err, apierrors.ErrCodeInvalidArgument, err.Error())
	case errors.Is(err, conversation.ErrUserMismatch):
		return apierrors.Wrap(err, apierrors.ErrCodeForbidden, "session belongs to another user")
	case errors.Is(err, conversation.ErrSessionNotFound):
		return apierrors.Wrap(err, apierrors.ErrCodeNotFound, "session not found")
	case errors.Is(err, ai.ErrGeneratorUnavailable):
		return apierrors.LLMUnavailable(s.Conversation.UnavailableReply(), err)
	case errors.Is(err, context.DeadlineExceeded):
		return apierrors.Timeout("the turn took too long", err)
	case errors.Is(err, context.Canceled):
		return apierrors.ContextCanceled(err)
	default:
		return apierrors.TurnFailed(err)
	}
}

// writeError logs err with the request fields and writes its JSON body.
func (s *APIV1Service) writeError(c echo.Context, err error) error {
	apiErr := s.toAPIError(err)
	status := apiErr.HTTPStatus()
	logger := observability.Logger(c.Request().Context())
	if status >= 500 {
		logger.Error("request error", observability.LogFieldErrorCode, apiErr.Code, "error", err)
	} else {
		logger.Info("request rejected", observability.LogFieldErrorCode, apiErr.Code, "error", err)
	}
	return c.JSON(status, apiErr.Response())
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Max(1, math.Ceil(d.Seconds()))))
}
