package router

import (
	"log/slog"
	"unicode/utf8"
)

// Service combines the risk assessor and the classifier into one routing decision.
type Service struct {
	classifier *Classifier
}

// NewService creates a router over the given classifier. A nil classifier uses the defaults.
func NewService(classifier *Classifier) *Service {
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &Service{classifier: classifier}
}

// Route picks exactly one category for a turn. Priority, highest first:
// a high risk tier, then the pending-answer short-circuit, then the classifier.
// The returned decision is applied by the caller after the handler has run.
func (s *Service) Route(text string, state State, risk RiskAssessment) Decision {
	if risk.Tier == "" {
		risk = Assess(text)
	}

	if risk.High() {
		d := Decision{
			Category: CategoryTriage,
			Topic:    TopicEmergency,
			Rule:     RuleRiskOverride,
			Risk:     risk,
		}
		s.log(text, d)
		return d
	}

	c := s.classifier.Classify(text, state)
	d := Decision{Category: c.Category, Rule: c.Rule, Risk: risk}
	if d.Continuation() && state.ActiveTopic != TopicNone {
		d.Topic = state.ActiveTopic
	} else {
		d.Topic = TopicForCategory(c.Category, risk.Tier)
	}

	s.log(text, d)
	return d
}

// RouteText assesses risk and routes in one call.
func (s *Service) RouteText(text string, state State) Decision {
	return s.Route(text, state, Assess(text))
}

func (s *Service) log(text string, d Decision) {
	slog.Debug("turn routed",
		"input", truncate(text, 50),
		"category", d.Category,
		"topic", d.Topic,
		"rule", d.Rule,
		"risk_tier", d.Risk.Tier,
		"risk_score", d.Risk.Score,
	)
}

// truncate truncates a string to maxLen runes.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	return string([]rune(s)[:maxLen]) + "..."
}
