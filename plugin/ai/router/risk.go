package router

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is a coarse urgency level.
type Tier string

const (
	TierNone   Tier = "none"
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Scores attached to each tier by the keyword assessor.
const (
	ScoreHigh    = 85
	ScoreMedium  = 50
	ScoreSymptom = 25
)

// Rank orders tiers, none < low < medium < high.
func (t Tier) Rank() int {
	switch t {
	case TierLow:
		return 1
	case TierMedium:
		return 2
	case TierHigh:
		return 3
	}
	return 0
}

// ParseTier converts free text (as returned by a generator) into a tier.
// Anything unrecognized is TierNone.
func ParseTier(s string) Tier {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierLow, TierMedium, TierHigh:
		return t
	}
	return TierNone
}

// UnmarshalJSON accepts any casing and maps unknown values to TierNone.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("risk tier must be a string: %w", err)
	}
	*t = ParseTier(s)
	return nil
}

// RiskAssessment is the result of a risk check.
type RiskAssessment struct {
	Tier  Tier `json:"tier"`
	Score int  `json:"score"`
}

// High reports whether the assessment forces escalation.
func (r RiskAssessment) High() bool {
	return r.Tier == TierHigh
}

// MaxRisk raises a to b: the stronger tier wins and the score is the max of both.
func MaxRisk(a, b RiskAssessment) RiskAssessment {
	out := a
	if b.Tier.Rank() > out.Tier.Rank() {
		out.Tier = b.Tier
	}
	if b.Score > out.Score {
		out.Score = b.Score
	}
	if out.Tier == "" {
		out.Tier = TierNone
	}
	return out
}

// Keyword sets, checked in this order.
var (
	highRiskKeywords = []string{
		"no puedo respirar", "dolor en el pecho", "dolor intenso",
		"sangrado", "desmayo", "suicid", "morir", "matar",
		"urgencia", "emergencia", "ayuda urgente",
	}
	mediumRiskKeywords = []string{
		"varios días", "empeora", "no mejora", "preocupa",
		"ansiedad", "depresión", "insomnio", "no puedo dormir",
		"efecto secundario", "reacción",
	}
	symptomKeywords = []string{
		"dolor", "molestia", "cansada", "cansancio", "fatiga",
		"mareo", "náusea", "fiebre", "mal", "síntoma",
	}
)

// Assess classifies raw message text by case-insensitive keyword containment.
// It is pure and always returns a value.
func Assess(text string) RiskAssessment {
	lower := strings.ToLower(text)

	switch {
	case containsAny(lower, highRiskKeywords):
		return RiskAssessment{Tier: TierHigh, Score: ScoreHigh}
	case containsAny(lower, mediumRiskKeywords):
		return RiskAssessment{Tier: TierMedium, Score: ScoreMedium}
	case containsAny(lower, symptomKeywords):
		return RiskAssessment{Tier: TierLow, Score: ScoreSymptom}
	}
	return RiskAssessment{Tier: TierNone, Score: 0}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
