package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssess(t *testing.T) {
	tests := []struct {
		name  string
		input string
		tier  Tier
		score int
	}{
		{"high breathing", "no puedo respirar", TierHigh, 85},
		{"high uppercase", "Tengo DOLOR EN EL PECHO desde ayer", TierHigh, 85},
		{"high beats symptom", "tengo fiebre y sangrado", TierHigh, 85},
		{"medium anxiety", "tengo mucha ansiedad", TierMedium, 50},
		{"medium beats symptom", "el dolor no mejora", TierMedium, 50},
		{"symptom fever", "tengo fiebre", TierLow, 25},
		{"symptom tired", "me siento cansada", TierLow, 25},
		{"none", "gracias por todo", TierNone, 0},
		{"empty", "", TierNone, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Assess(tt.input)
			assert.Equal(t, tt.tier, got.Tier)
			assert.Equal(t, tt.score, got.Score)
		})
	}
}

func TestMaxRisk(t *testing.T) {
	none := RiskAssessment{Tier: TierNone}
	low := RiskAssessment{Tier: TierLow, Score: 25}
	high := RiskAssessment{Tier: TierHigh, Score: 85}

	assert.Equal(t, high, MaxRisk(low, high))
	assert.Equal(t, high, MaxRisk(high, low))
	assert.Equal(t, low, MaxRisk(none, low))

	// The handler may report a stronger tier with a lower score.
	mixed := MaxRisk(RiskAssessment{Tier: TierMedium, Score: 40}, RiskAssessment{Tier: TierLow, Score: 60})
	assert.Equal(t, TierMedium, mixed.Tier)
	assert.Equal(t, 60, mixed.Score)

	assert.Equal(t, TierNone, MaxRisk(RiskAssessment{}, RiskAssessment{}).Tier)
}

func TestTierRankAndParse(t *testing.T) {
	assert.Less(t, TierNone.Rank(), TierLow.Rank())
	assert.Less(t, TierLow.Rank(), TierMedium.Rank())
	assert.Less(t, TierMedium.Rank(), TierHigh.Rank())

	assert.Equal(t, TierHigh, ParseTier(" HIGH "))
	assert.Equal(t, TierNone, ParseTier("critical"))

	var r RiskAssessment
	require.NoError(t, json.Unmarshal([]byte(`{"tier":"Medium","score":50}`), &r))
	assert.Equal(t, TierMedium, r.Tier)
}
