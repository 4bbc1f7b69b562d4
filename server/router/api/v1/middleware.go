package v1

import (
	"log/slog"

	"github.com/labstack/echo/v4"

	apierrors "github.com/hrygo/companion/server/internal/errors"
	"github.com/hrygo/companion/server/internal/observability"
)

// requestContextMiddleware attaches a RequestContext, echoes the request id and
// records the outcome in the HTTP metrics.
func (s *APIV1Service) requestContextMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		reqCtx := observability.NewRequestContext(slog.Default(), req.Header.Get(echo.HeaderXRequestID), c.Path())
		c.SetRequest(req.WithContext(observability.WithRequestContext(req.Context(), reqCtx)))
		c.Response().Header().Set(echo.HeaderXRequestID, reqCtx.RequestID)

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		status := c.Response().Status
		duration := reqCtx.Duration()
		s.httpMetrics.RecordRequest(reqCtx.Route, status, duration)

		attrs := []slog.Attr{
			slog.String("method", req.Method),
			slog.Int(observability.LogFieldStatus, status),
			slog.Int64(observability.LogFieldDuration, duration.Milliseconds()),
		}
		switch {
		case status >= 500:
			reqCtx.Warn("request failed", attrs...)
		default:
			reqCtx.Info("request served", attrs...)
		}
		return nil
	}
}

// rateLimitMiddleware limits requests per authenticated subject, or per client
// address without authentication.
func (s *APIV1Service) rateLimitMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		key, _ := c.Get(authSubjectKey).(string)
		if key == "" {
			key = c.RealIP()
		}
		if !s.rateLimiter.Allow(key) {
			c.Response().Header().Set("Retry-After", retryAfterSeconds(s.rateLimiter.RetryAfter()))
			return s.writeError(c, apierrors.RateLimitExceeded("too many messages, please wait a moment"))
		}
		return next(c)
	}
}
