package v1

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/companion/plugin/ai/metrics"
	apierrors "github.com/hrygo/companion/server/internal/errors"
	"github.com/hrygo/companion/server/internal/observability"
)

// MetricsOverviewResponse represents the overview response of system metrics.
type MetricsOverviewResponse struct {
	TotalRequests int64   `json:"total_requests"`
	SuccessRate   float64 `json:"success_rate"`
	P50LatencyMs  int64   `json:"p50_latency_ms"`
	P95LatencyMs  int64   `json:"p95_latency_ms"`
	ErrorCount    int64   `json:"error_count"`
	TimeRange     string  `json:"time_range"`
	EngineMode    string  `json:"engine_mode"`

	// HTTP covers the process lifetime; Engine covers TimeRange.
	HTTP   *observability.MetricsSnapshot `json:"http"`
	Engine *metrics.Snapshot              `json:"engine"`
}

// GetMetricsOverview returns the system metrics overview.
// GET /api/v1/system/metrics
func (s *APIV1Service) GetMetricsOverview(c echo.Context) error {
	timeRange := c.QueryParam("range")
	if timeRange == "" {
		timeRange = "24h"
	}
	since, err := parseTimeRange(timeRange, time.Now())
	if err != nil {
		return s.writeError(c, apierrors.InvalidArgument(err.Error()))
	}

	httpSnap := s.httpMetrics.Snapshot()
	engine := s.Metrics.GetStats(c.Request().Context(), since)
	return c.JSON(http.StatusOK, MetricsOverviewResponse{
		TotalRequests: httpSnap.RequestTotal,
		SuccessRate:   httpSnap.SuccessRate(),
		P50LatencyMs:  httpSnap.P50LatencyMs,
		P95LatencyMs:  httpSnap.P95LatencyMs,
		ErrorCount:    httpSnap.RequestFailed,
		TimeRange:     timeRange,
		EngineMode:    s.Conversation.EngineMode(),
		HTTP:          httpSnap,
		Engine:        engine,
	})
}

// parseTimeRange parses time range string and returns the start time.
func parseTimeRange(timeRange string, now time.Time) (time.Time, error) {
	switch timeRange {
	case "1h":
		return now.Add(-1 * time.Hour), nil
	case "24h":
		return now.Add(-24 * time.Hour), nil
	case "7d":
		return now.Add(-7 * 24 * time.Hour), nil
	case "30d":
		return now.Add(-30 * 24 * time.Hour), nil
	default:
		return time.Time{}, fmt.Errorf("invalid time range: %s (valid: 1h, 24h, 7d, 30d)", timeRange)
	}
}
