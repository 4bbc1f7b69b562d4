package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/store"
)

func viewMedication(m *store.Medication) map[string]any {
	return map[string]any{
		"id":            m.UID,
		"name":          m.Name,
		"dosage":        m.Dosage,
		"frequency":     m.Frequency,
		"reminder_time": m.ReminderTime,
		"active":        m.Active,
	}
}

func activeMedications(ctx context.Context, s *store.Store, patientID int32) ([]*store.Medication, error) {
	active := true
	list, err := s.ListMedications(ctx, &store.FindMedication{PatientID: &patientID, Active: &active})
	if err != nil {
		return nil, fmt.Errorf("failed to list medications: %w", err)
	}
	return list, nil
}

func newGetMedications(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"get_medications",
		`List the patient's active medications with dosage, frequency and reminder time.`,
		`{"type":"object","properties":{}}`,
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			list, err := activeMedications(ctx, deps.Store, patient.ID)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(list))
			for _, m := range list {
				out = append(out, viewMedication(m))
			}
			return map[string]any{"medications": out, "count": len(out)}, nil
		},
	)
}

func newAddMedication(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"add_medication",
		`Record a medication exactly as prescribed. Do not change dosage or frequency.`,
		`{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "dosage": {"type": "string", "description": "e.g. 50 mg"},
    "frequency": {"type": "string", "description": "e.g. cada 8 horas"}
  },
  "required": ["name"]
}`,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Name      string `json:"name"`
				Dosage    string `json:"dosage"`
				Frequency string `json:"frequency"`
			}
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			med, err := deps.Store.CreateMedication(ctx, &store.Medication{
				PatientID:      patient.ID,
				Name:           strings.TrimSpace(in.Name),
				Dosage:         strings.TrimSpace(in.Dosage),
				Frequency:      strings.TrimSpace(in.Frequency),
				Active:         true,
				IdempotencyKey: agent.IdempotencyKeyFromContext(ctx),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to add medication: %w", err)
			}
			return viewMedication(med), nil
		},
		agent.WithSideEffect(),
		agent.WithRule(`has(args.name) && size(args.name) > 0`),
	)
}

func newSetMedicationReminder(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"set_medication_reminder",
		`Set the daily reminder times of one of the patient's active medications.
The medication must have been recorded with add_medication.`,
		`{
  "type": "object",
  "properties": {
    "medication_name": {"type": "string"},
    "reminder_times": {"type": "array", "items": {"type": "string", "description": "HH:MM, 24h"}}
  },
  "required": ["medication_name", "reminder_times"]
}`,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				MedicationName string   `json:"medication_name"`
				ReminderTimes  []string `json:"reminder_times"`
			}
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			times := make([]string, 0, len(in.ReminderTimes))
			for _, t := range in.ReminderTimes {
				parsed, err := time.Parse(clockLayout, strings.TrimSpace(t))
				if err != nil {
					return nil, fmt.Errorf("%w: reminder time %q is not HH:MM", agent.ErrInvalidArguments, t)
				}
				times = append(times, parsed.Format(clockLayout))
			}
			sort.Strings(times)

			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			list, err := activeMedications(ctx, deps.Store, patient.ID)
			if err != nil {
				return nil, err
			}
			var med *store.Medication
			for _, m := range list {
				if strings.EqualFold(m.Name, strings.TrimSpace(in.MedicationName)) {
					med = m
					break
				}
			}
			if med == nil {
				return nil, fmt.Errorf("medication %q: %w", in.MedicationName, store.ErrNotFound)
			}

			reminder := strings.Join(times, ",")
			updated, err := deps.Store.UpdateMedication(ctx, &store.UpdateMedication{ID: med.ID, ReminderTime: &reminder})
			if err != nil {
				return nil, fmt.Errorf("failed to set reminder: %w", err)
			}
			return viewMedication(updated), nil
		},
		agent.WithSideEffect(),
		agent.WithRule(`has(args.medication_name) && size(args.medication_name) > 0 &&
has(args.reminder_times) && size(args.reminder_times) > 0`),
	)
}
