package session

import (
	"maps"

	"github.com/hrygo/companion/plugin/ai/router"
)

// ConversationState is the per-session routing state.
// Invariants: TurnsOnTopic resets to 0 when ActiveTopic changes and grows by one
// for every turn that keeps it; AwaitingResponse == (PendingQuestion != "").
type ConversationState struct {
	ActiveTopic      router.Topic   `json:"active_topic"`
	PendingQuestion  string         `json:"pending_question,omitempty"`
	PendingAction    string         `json:"pending_action,omitempty"`
	LastHandler      string         `json:"last_handler,omitempty"`
	TurnsOnTopic     int            `json:"turns_on_topic"`
	AwaitingResponse bool           `json:"awaiting_response"`
	ContextData      map[string]any `json:"context_data,omitempty"`
}

// NewConversationState returns the initial state: no topic, nothing pending.
func NewConversationState() ConversationState {
	return ConversationState{ActiveTopic: router.TopicNone}
}

// SetTopic records the topic served by handler in this turn.
func (s *ConversationState) SetTopic(topic router.Topic, handler string) {
	if s.ActiveTopic == "" {
		s.ActiveTopic = router.TopicNone
	}
	if topic != s.ActiveTopic {
		s.ActiveTopic = topic
		s.TurnsOnTopic = 0
	} else {
		s.TurnsOnTopic++
	}
	if handler != "" {
		s.LastHandler = handler
	}
}

// SetPendingQuestion marks the session as waiting for an answer to question.
// An empty question clears the pending state.
func (s *ConversationState) SetPendingQuestion(question, action string) {
	if question == "" {
		s.ClearPending()
		return
	}
	s.PendingQuestion = question
	s.PendingAction = action
	s.AwaitingResponse = true
}

// ClearPending drops the pending question and action.
func (s *ConversationState) ClearPending() {
	s.PendingQuestion = ""
	s.PendingAction = ""
	s.AwaitingResponse = false
}

// SetContext stores an opaque value for later turns.
func (s *ConversationState) SetContext(key string, value any) {
	if s.ContextData == nil {
		s.ContextData = make(map[string]any)
	}
	s.ContextData[key] = value
}

// RouterState is the view handed to the router.
func (s ConversationState) RouterState() router.State {
	topic := s.ActiveTopic
	if topic == "" {
		topic = router.TopicNone
	}
	return router.State{
		ActiveTopic:      topic,
		TurnsOnTopic:     s.TurnsOnTopic,
		AwaitingResponse: s.AwaitingResponse,
	}
}

// Clone returns a copy that shares nothing mutable with s at the top level.
func (s ConversationState) Clone() ConversationState {
	c := s
	if s.ContextData != nil {
		c.ContextData = maps.Clone(s.ContextData)
	}
	return c
}
