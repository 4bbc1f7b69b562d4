package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/plugin/ai/router"
	"github.com/hrygo/companion/plugin/ai/session"
	"github.com/hrygo/companion/store"
)

const (
	contextMedications = 5
	contextSymptoms    = 3
	contextTimeLayout  = "2006-01-02 15:04"
)

// lookupPatient returns the patient writing from userID, or nil. Storage
// failures degrade to an unknown patient.
func (s *Service) lookupPatient(ctx context.Context, userID string) *store.Patient {
	if s.store == nil {
		return nil
	}
	patient, err := s.store.GetPatient(ctx, &store.FindPatient{Phone: &userID})
	if err != nil {
		slog.Warn("failed to load patient, continuing without context", "user_id", userID, "error", err)
		return nil
	}
	return patient
}

func (s *Service) promptData(ctx context.Context, cp *session.Checkpoint, patient *store.Patient, now time.Time, firstMessage bool) agent.PromptData {
	data := agent.PromptData{
		Now:               now,
		UserID:            cp.UserID,
		State:             stateSummary(cp.State),
		IsNewPatient:      patient == nil,
		IsNewConversation: firstMessage,
	}
	if patient != nil {
		data.Patient = patientSummary(patient)
		data.Domain = s.domainContext(ctx, patient, now)
	}
	return data
}

func patientSummary(p *store.Patient) string {
	parts := make([]string, 0, 4)
	if p.Name != "" {
		parts = append(parts, p.Name)
	} else {
		parts = append(parts, "nombre desconocido")
	}
	if p.DateOfBirth != "" {
		parts = append(parts, "nacida el "+p.DateOfBirth)
	}
	if p.Conditions != "" {
		parts = append(parts, "condiciones: "+p.Conditions)
	}
	if p.RiskLevel != "" && p.RiskLevel != string(router.TierNone) {
		parts = append(parts, fmt.Sprintf("riesgo %s (%d)", p.RiskLevel, p.RiskScore))
	}
	return strings.Join(parts, ", ")
}

// domainContext lists medications, appointments and recent symptoms. Each
// section is skipped when its repository fails.
func (s *Service) domainContext(ctx context.Context, p *store.Patient, now time.Time) string {
	var b strings.Builder

	active := true
	meds, err := s.store.ListMedications(ctx, &store.FindMedication{PatientID: &p.ID, Active: &active})
	if err != nil {
		slog.Warn("failed to load medications for context", "patient_id", p.ID, "error", err)
	} else if len(meds) > 0 {
		b.WriteString("[MEDICAMENTOS ACTIVOS]\n")
		for i, m := range meds {
			if i == contextMedications {
				break
			}
			fmt.Fprintf(&b, "- %s %s %s", m.Name, m.Dosage, m.Frequency)
			if m.ReminderTime != "" {
				fmt.Fprintf(&b, " (recordatorio %s)", m.ReminderTime)
			}
			b.WriteByte('\n')
		}
	}

	after := now.Unix()
	appts, err := s.store.ListAppointments(ctx, &store.FindAppointment{PatientID: &p.ID, ScheduledAfter: &after})
	if err != nil {
		slog.Warn("failed to load appointments for context", "patient_id", p.ID, "error", err)
	} else if len(appts) > 0 {
		b.WriteString("[PRÓXIMAS CITAS]\n")
		for _, a := range appts {
			fmt.Fprintf(&b, "- %s %s (%s)\n", time.Unix(a.ScheduledTs, 0).In(now.Location()).Format(contextTimeLayout), a.Reason, a.Status)
		}
	}

	limit := contextSymptoms
	reports, err := s.store.ListSymptomReports(ctx, &store.FindSymptomReport{PatientID: &p.ID, Limit: &limit})
	if err != nil {
		slog.Warn("failed to load symptoms for context", "patient_id", p.ID, "error", err)
	} else if len(reports) > 0 {
		b.WriteString("[SÍNTOMAS RECIENTES]\n")
		for _, r := range reports {
			fmt.Fprintf(&b, "- %s (riesgo: %s)\n", agent.Truncate(r.Summary, 100), r.RiskLevel)
		}
	}

	return strings.TrimSpace(b.String())
}

func stateSummary(st session.ConversationState) string {
	topic := st.ActiveTopic
	if topic == "" {
		topic = router.TopicNone
	}
	lines := []string{fmt.Sprintf("Tema actual: %s (%d turnos)", topic, st.TurnsOnTopic)}
	if st.AwaitingResponse {
		lines = append(lines, "Pregunta pendiente: "+st.PendingQuestion)
	}
	if st.LastHandler != "" {
		lines = append(lines, "Último agente: "+st.LastHandler)
	}
	if done, ok := st.ContextData[ContextCompletedActions]; ok {
		lines = append(lines, fmt.Sprintf("Acciones completadas en un turno interrumpido: %v", done))
	}
	return strings.Join(lines, "\n")
}

// raisePatientRisk copies a raised session risk onto the patient record. Failures
// are logged; the turn has already been answered.
func (s *Service) raisePatientRisk(ctx context.Context, p *store.Patient, risk router.RiskAssessment, at int64) {
	if p == nil || s.store == nil {
		return
	}
	current := router.RiskAssessment{Tier: router.ParseTier(p.RiskLevel), Score: p.RiskScore}
	raised := router.MaxRisk(current, risk)
	if raised == current {
		return
	}
	level := string(raised.Tier)
	score := raised.Score
	if _, err := s.store.UpdatePatient(ctx, &store.UpdatePatient{
		ID:            p.ID,
		RiskLevel:     &level,
		RiskScore:     &score,
		RiskUpdatedTs: &at,
	}); err != nil {
		slog.Warn("failed to update patient risk", "patient_id", p.ID, "error", err)
	}
}
