package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAIError_HTTPStatus(t *testing.T) {
	tests := []struct {
		err  *AIError
		want int
	}{
		{Unauthorized("no token"), http.StatusUnauthorized},
		{Forbidden("other user"), http.StatusForbidden},
		{NotFound("session"), http.StatusNotFound},
		{RateLimitExceeded("slow down"), http.StatusTooManyRequests},
		{InvalidArgument("text is required"), http.StatusBadRequest},
		{LLMUnavailable("try later", nil), http.StatusServiceUnavailable},
		{ContextCanceled(context.Canceled), 499},
		{Timeout("turn", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{TurnFailed(fmt.Errorf("boom")), http.StatusInternalServerError},
		{&AIError{Code: "SOMETHING_ELSE"}, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.err.Code), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.HTTPStatus())
		})
	}
}

func TestAIError_ResponseHidesCause(t *testing.T) {
	err := LLMUnavailable("servicio no disponible", fmt.Errorf("dial tcp: refused")).WithContext("retry_after", 30)
	resp := err.Response()
	assert.Equal(t, ErrCodeLLMUnavailable, resp.Code)
	assert.Equal(t, "servicio no disponible", resp.Message)
	assert.Equal(t, map[string]any{"retry_after": 30}, resp.Details)
	assert.Contains(t, err.Error(), "dial tcp")
}

func TestIsCode(t *testing.T) {
	wrapped := fmt.Errorf("handler: %w", InvalidArgument("bad"))
	assert.True(t, IsCode(wrapped, ErrCodeInvalidArgument))
	assert.False(t, IsCode(wrapped, ErrCodeTimeout))
	assert.Equal(t, ErrCodeInvalidArgument, GetCodeFromError(wrapped, ErrCodeTurnFailed))
	assert.Equal(t, ErrCodeTurnFailed, GetCodeFromError(fmt.Errorf("plain"), ErrCodeTurnFailed))
	assert.ErrorIs(t, ContextCanceled(context.Canceled), context.Canceled)
}
