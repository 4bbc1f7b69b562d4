package v1

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/plugin/ai/metrics"
	"github.com/hrygo/companion/server/internal/observability"
	"github.com/hrygo/companion/server/middleware"
	"github.com/hrygo/companion/server/service/conversation"
)

// APIV1Service serves the JSON API over the conversation service.
type APIV1Service struct {
	// Secret signs bearer tokens. Empty disables authentication.
	Secret       string
	Profile      *profile.Profile
	Conversation *conversation.Service
	Metrics      metrics.MetricsService

	httpMetrics *observability.Metrics
	rateLimiter *middleware.RateLimiter
}

func NewAPIV1Service(secret string, profile *profile.Profile, conv *conversation.Service, metricsService metrics.MetricsService) *APIV1Service {
	if metricsService == nil {
		metricsService = metrics.Noop{}
	}
	perSecond := float64(profile.RateLimitPerMinute) / float64(time.Minute/time.Second)
	return &APIV1Service{
		Secret:       secret,
		Profile:      profile,
		Conversation: conv,
		Metrics:      metricsService,
		httpMetrics:  observability.NewMetrics(1000),
		rateLimiter:  middleware.NewRateLimiter(perSecond, profile.RateLimitBurst),
	}
}

// RegisterRoutes mounts the API on echoServer.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) {
	echoServer.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "Service ready.")
	})

	api := echoServer.Group("/api/v1",
		s.requestContextMiddleware,
		echomiddleware.Recover(),
		s.authMiddleware,
	)

	turns := api.Group("", s.rateLimitMiddleware)
	turns.POST("/turns", s.CreateTurn)
	turns.POST("/sessions/:id/proactive", s.CreateProactivePrompt)

	api.GET("/sessions/:id", s.GetSession)
	api.GET("/system/metrics", s.GetMetricsOverview)
}

// RateLimiter exposes the per-user limiter so the owner can prune it.
func (s *APIV1Service) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}
