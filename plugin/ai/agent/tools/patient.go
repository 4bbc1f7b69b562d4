package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/store"
)

// PatientView is the patient record as shown to the generator.
type PatientView struct {
	Phone       string `json:"phone"`
	Name        string `json:"name,omitempty"`
	Email       string `json:"email,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Conditions  string `json:"conditions,omitempty"`
	RiskLevel   string `json:"risk_level"`
	RiskScore   int    `json:"risk_score"`
}

func viewPatient(p *store.Patient) *PatientView {
	return &PatientView{
		Phone:       p.Phone,
		Name:        p.Name,
		Email:       p.Email,
		DateOfBirth: p.DateOfBirth,
		Conditions:  p.Conditions,
		RiskLevel:   p.RiskLevel,
		RiskScore:   p.RiskScore,
	}
}

func newGetPatientByPhone(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"get_patient_by_phone",
		`Look up the record of the patient writing in this conversation.
Returns {"found": false} when she is not registered yet.`,
		`{"type":"object","properties":{}}`,
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			patient, err := lookupPatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			if patient == nil {
				return map[string]any{"found": false}, nil
			}
			return map[string]any{"found": true, "patient": viewPatient(patient)}, nil
		},
	)
}

type patientArgs struct {
	Name        *string `json:"name"`
	Email       *string `json:"email"`
	DateOfBirth *string `json:"date_of_birth"`
	Conditions  *string `json:"conditions"`
}

const patientSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "description": "Full name"},
    "email": {"type": "string"},
    "date_of_birth": {"type": "string", "description": "YYYY-MM-DD"},
    "conditions": {"type": "string", "description": "Known conditions or clinical notes"}
  }
}`

const patientRule = `!has(args.date_of_birth) || args.date_of_birth == "" || args.date_of_birth.matches("^[0-9]{4}-[0-9]{2}-[0-9]{2}$")`

func newCreatePatient(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"create_patient",
		`Register the patient writing in this conversation. Her phone is taken from the session.
Returns the existing record when she is already registered.`,
		patientSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in patientArgs
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			existing, err := lookupPatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				return map[string]any{"created": false, "patient": viewPatient(existing)}, nil
			}

			phone, _ := phoneFromContext(ctx)
			create := &store.Patient{Phone: phone}
			if in.Name != nil {
				create.Name = strings.TrimSpace(*in.Name)
			}
			if in.Email != nil {
				create.Email = strings.TrimSpace(*in.Email)
			}
			if in.DateOfBirth != nil {
				create.DateOfBirth = *in.DateOfBirth
			}
			if in.Conditions != nil {
				create.Conditions = *in.Conditions
			}
			patient, err := deps.Store.CreatePatient(ctx, create)
			if err != nil {
				return nil, fmt.Errorf("failed to create patient: %w", err)
			}
			return map[string]any{"created": true, "patient": viewPatient(patient)}, nil
		},
		agent.WithSideEffect(),
		agent.WithRule(patientRule),
	)
}

func newUpdatePatient(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"update_patient",
		`Update the registered patient's name, email, date of birth or conditions.
Only the given fields change.`,
		patientSchema,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in patientArgs
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			if in.Name == nil && in.Email == nil && in.DateOfBirth == nil && in.Conditions == nil {
				return nil, fmt.Errorf("%w: nothing to update", agent.ErrInvalidArguments)
			}
			if in.Name != nil {
				name := strings.TrimSpace(*in.Name)
				in.Name = &name
			}
			updated, err := deps.Store.UpdatePatient(ctx, &store.UpdatePatient{
				ID:          patient.ID,
				Name:        in.Name,
				Email:       in.Email,
				DateOfBirth: in.DateOfBirth,
				Conditions:  in.Conditions,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to update patient: %w", err)
			}
			return map[string]any{"updated": true, "patient": viewPatient(updated)}, nil
		},
		agent.WithSideEffect(),
		agent.WithRule(patientRule),
		agent.WithTimeout(10*time.Second),
	)
}
