package conversation

import (
	"context"
	"fmt"
	"strings"
)

// Check-in periods of the local day.
const (
	PeriodMorning   = "morning"
	PeriodAfternoon = "afternoon"
	PeriodEvening   = "evening"
)

// ProactiveRequest asks for an opening message to send to a user.
type ProactiveRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// ProactiveResponse is a check-in message. Sending it is up to the caller.
type ProactiveResponse struct {
	SessionID string `json:"session_id"`
	ReplyText string `json:"reply_text"`
	Period    string `json:"period"`
}

// ProactivePrompt picks the check-in message for the current local hour.
// It reads and writes nothing: no state, no history, no repositories.
func (s *Service) ProactivePrompt(_ context.Context, req *ProactiveRequest) (*ProactiveResponse, error) {
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: session_id and user_id are required", ErrInvalidTurn)
	}
	hour := s.now().In(s.config.Location).Hour()
	text := s.catalog.Prompts().CheckinPrompt(hour)
	if text == "" {
		return nil, fmt.Errorf("no check-in prompt for hour %d", hour)
	}
	return &ProactiveResponse{
		SessionID: req.SessionID,
		ReplyText: text,
		Period:    checkinPeriod(hour),
	}, nil
}

func checkinPeriod(hour int) string {
	switch {
	case hour >= 5 && hour < 12:
		return PeriodMorning
	case hour >= 12 && hour < 19:
		return PeriodAfternoon
	default:
		return PeriodEvening
	}
}
