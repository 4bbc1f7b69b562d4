package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/plugin/ai/router"
	"github.com/hrygo/companion/store"
)

const defaultSymptomHistory = 10

type symptomArgs struct {
	Description string `json:"symptom_description"`
	RiskLevel   string `json:"risk_level"`
	RiskScore   *int   `json:"risk_score"`
}

func recommendedActions(tier router.Tier) []string {
	switch tier {
	case router.TierHigh:
		return []string{"RECOMMEND_IMMEDIATE_CARE", "ALERT_MEDICAL_STAFF", "PROVIDE_EMERGENCY_CONTACTS"}
	case router.TierMedium:
		return []string{"RECOMMEND_SCHEDULE_APPOINTMENT", "FOLLOW_UP_NEEDED"}
	case router.TierLow:
		return []string{"PROVIDE_COMFORT", "MONITOR_SYMPTOMS"}
	}
	return []string{"SEND_EMPATHETIC_RESPONSE"}
}

func newAssessSymptoms() agent.Tool {
	return agent.NewBaseTool(
		"assess_symptoms",
		`Assess the urgency of symptoms described by the patient.
Returns risk_level (none, low, medium, high), risk_score (0-100) and recommended actions.
A high level means she must be told to seek urgent care now.`,
		`{
  "type": "object",
  "properties": {
    "symptom_description": {"type": "string", "description": "The symptoms in the patient's words"}
  },
  "required": ["symptom_description"]
}`,
		func(_ context.Context, args json.RawMessage) (any, error) {
			var in symptomArgs
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			risk := router.Assess(in.Description)
			return map[string]any{
				"risk_level":                risk.Tier,
				"risk_score":                risk.Score,
				"requires_urgent_attention": risk.High(),
				"symptom_summary":           truncate(strings.TrimSpace(in.Description), 200),
				"recommended_actions":       recommendedActions(risk.Tier),
			}, nil
		},
		agent.WithRule(`has(args.symptom_description) && size(args.symptom_description) > 0`),
	)
}

func newRecordSymptomReport(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"record_symptom_report",
		`Store a symptom report in the patient's history, usually after assess_symptoms.`,
		`{
  "type": "object",
  "properties": {
    "symptom_description": {"type": "string"},
    "risk_level": {"type": "string", "enum": ["none", "low", "medium", "high"]},
    "risk_score": {"type": "integer", "minimum": 0, "maximum": 100}
  },
  "required": ["symptom_description"]
}`,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in symptomArgs
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}

			risk := router.RiskAssessment{Tier: router.ParseTier(in.RiskLevel)}
			if in.RiskScore != nil {
				risk.Score = max(0, min(100, *in.RiskScore))
			}
			// Never record less than the keyword assessment of the same text.
			risk = router.MaxRisk(risk, router.Assess(in.Description))

			report, err := deps.Store.CreateSymptomReport(ctx, &store.SymptomReport{
				PatientID:      patient.ID,
				Summary:        truncate(strings.TrimSpace(in.Description), maxSummaryLength),
				RiskLevel:      string(risk.Tier),
				RiskScore:      risk.Score,
				IdempotencyKey: agent.IdempotencyKeyFromContext(ctx),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to record symptom report: %w", err)
			}
			return map[string]any{
				"id":         report.UID,
				"risk_level": report.RiskLevel,
				"risk_score": report.RiskScore,
				"urgent":     risk.High(),
			}, nil
		},
		agent.WithSideEffect(),
		agent.WithRule(`has(args.symptom_description) && size(args.symptom_description) > 0 &&
(!has(args.risk_score) || (args.risk_score >= 0.0 && args.risk_score <= 100.0))`),
	)
}

func newGetSymptomHistory(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"get_symptom_history",
		`List the patient's most recent symptom reports, newest first.`,
		`{
  "type": "object",
  "properties": {
    "limit": {"type": "integer", "minimum": 1, "maximum": 50}
  }
}`,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Limit int `json:"limit"`
			}
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			if in.Limit <= 0 || in.Limit > 50 {
				in.Limit = defaultSymptomHistory
			}
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			reports, err := deps.Store.ListSymptomReports(ctx, &store.FindSymptomReport{
				PatientID: &patient.ID,
				Limit:     &in.Limit,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to list symptom reports: %w", err)
			}

			loc := deps.location()
			out := make([]map[string]any, 0, len(reports))
			for _, r := range reports {
				out = append(out, map[string]any{
					"id":          r.UID,
					"summary":     r.Summary,
					"risk_level":  r.RiskLevel,
					"risk_score":  r.RiskScore,
					"reported_at": formatUnix(r.CreatedTs, loc),
				})
			}
			return map[string]any{"reports": out, "count": len(out)}, nil
		},
	)
}
