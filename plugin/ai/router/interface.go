// Package router decides which handler serves a turn.
// Layer 1: risk triage (always runs, can override everything).
// Layer 2: pending question short-circuit.
// Layer 3: ordered rule classifier.
package router

// Category is the routing label chosen for a turn.
type Category string

const (
	CategoryGreeting     Category = "greeting"
	CategoryTriage       Category = "triage"
	CategoryMedication   Category = "medication"
	CategoryAppointments Category = "appointments"
	CategoryCheckin      Category = "checkin"
	CategoryGeneral      Category = "general"
)

// Topic is what the conversation is currently about.
type Topic string

const (
	TopicNone         Topic = "none"
	TopicGreeting     Topic = "greeting"
	TopicSymptoms     Topic = "symptoms"
	TopicMedication   Topic = "medication"
	TopicAppointments Topic = "appointments"
	TopicCheckin      Topic = "checkin"
	TopicEmergency    Topic = "emergency"
	TopicGeneral      Topic = "general"
)

// CategoryForTopic maps the active topic back to the category that handles it.
func CategoryForTopic(t Topic) Category {
	switch t {
	case TopicSymptoms, TopicEmergency:
		return CategoryTriage
	case TopicMedication:
		return CategoryMedication
	case TopicAppointments:
		return CategoryAppointments
	case TopicCheckin:
		return CategoryCheckin
	case TopicGreeting:
		return CategoryGreeting
	default:
		return CategoryGeneral
	}
}

// TopicForCategory maps a routed category to the topic it sets.
// A high risk tier turns triage into an emergency.
func TopicForCategory(c Category, tier Tier) Topic {
	switch c {
	case CategoryTriage:
		if tier == TierHigh {
			return TopicEmergency
		}
		return TopicSymptoms
	case CategoryMedication:
		return TopicMedication
	case CategoryAppointments:
		return TopicAppointments
	case CategoryCheckin:
		return TopicCheckin
	case CategoryGreeting:
		return TopicGreeting
	default:
		return TopicGeneral
	}
}

// ParseTopic converts a stored topic value. Unknown values become TopicNone.
func ParseTopic(s string) Topic {
	switch t := Topic(s); t {
	case TopicGreeting, TopicSymptoms, TopicMedication, TopicAppointments,
		TopicCheckin, TopicEmergency, TopicGeneral:
		return t
	}
	return TopicNone
}

// State is the read-only view of the conversation state the router needs.
type State struct {
	ActiveTopic      Topic
	TurnsOnTopic     int
	AwaitingResponse bool
}

// Rule names which classifier rule produced a decision.
type Rule string

const (
	RuleRiskOverride Rule = "risk_override"
	RulePending      Rule = "pending_response"
	RuleGreeting     Rule = "greeting"
	RuleContinuation Rule = "greeting_continuation"
	RuleKeyword      Rule = "keyword"
	RuleCheckin      Rule = "checkin"
	RuleRisk         Rule = "risk"
	RuleDefault      Rule = "default"
)

// Classification is the output of the rule classifier.
type Classification struct {
	Category Category
	Rule     Rule
}

// Decision is the router output for one turn. It is applied by the caller
// after the handler has run, the router never mutates state.
type Decision struct {
	Category Category
	// Topic is the topic to set after the turn. Continuations keep the active topic.
	Topic Topic
	Rule  Rule
	Risk  RiskAssessment
}

// Continuation reports whether the decision keeps the current topic.
func (d Decision) Continuation() bool {
	return d.Rule == RulePending || d.Rule == RuleContinuation
}
