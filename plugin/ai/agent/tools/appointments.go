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

const (
	slotDays      = 14
	maxSlots      = 20
	followUpLead  = 24 * time.Hour
	defaultReason = "consulta ginecológica"
)

var slotHours = []int{9, 10, 11, 15, 16, 17}

// Slot is a bookable appointment time.
type Slot struct {
	Date    string `json:"date"`
	Time    string `json:"time"`
	Weekday string `json:"weekday"`
}

var weekdays = [...]string{"domingo", "lunes", "martes", "miércoles", "jueves", "viernes", "sábado"}

// availableSlots lists weekday slots over the next days, skipping taken times.
func availableSlots(now time.Time, taken map[int64]bool, preferredDate string) []Slot {
	var slots []Slot
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for offset := 1; offset <= slotDays && len(slots) < maxSlots; offset++ {
		d := day.AddDate(0, 0, offset)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		if preferredDate != "" && d.Format(dateLayout) != preferredDate {
			continue
		}
		for _, h := range slotHours {
			at := d.Add(time.Duration(h) * time.Hour)
			if taken[at.Unix()] {
				continue
			}
			slots = append(slots, Slot{Date: at.Format(dateLayout), Time: at.Format(clockLayout), Weekday: weekdays[at.Weekday()]})
			if len(slots) == maxSlots {
				break
			}
		}
	}
	return slots
}

func isActive(a *store.Appointment) bool {
	return a.Status == store.AppointmentStatusRequested || a.Status == store.AppointmentStatusConfirmed
}

func (d *Deps) takenSlots(ctx context.Context, after int64) (map[int64]bool, error) {
	list, err := d.Store.ListAppointments(ctx, &store.FindAppointment{ScheduledAfter: &after})
	if err != nil {
		return nil, err
	}
	taken := make(map[int64]bool, len(list))
	for _, a := range list {
		if isActive(a) {
			taken[a.ScheduledTs] = true
		}
	}
	return taken, nil
}

func viewAppointment(a *store.Appointment, loc *time.Location) map[string]any {
	return map[string]any{
		"id":           a.UID,
		"scheduled_at": formatUnix(a.ScheduledTs, loc),
		"reason":       a.Reason,
		"status":       a.Status,
	}
}

func newGetAvailableAppointments(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"get_available_appointments",
		`List bookable appointment slots on weekdays of the next two weeks.
Offer the patient a few options, then book the chosen one with create_appointment.`,
		`{
  "type": "object",
  "properties": {
    "preferred_date": {"type": "string", "description": "YYYY-MM-DD, optional"}
  }
}`,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				PreferredDate string `json:"preferred_date"`
			}
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			now := deps.now()
			taken, err := deps.takenSlots(ctx, now.Unix())
			if err != nil {
				return nil, fmt.Errorf("failed to list booked appointments: %w", err)
			}
			slots := availableSlots(now, taken, in.PreferredDate)
			return map[string]any{"slots": slots, "count": len(slots)}, nil
		},
		agent.WithRule(`!has(args.preferred_date) || args.preferred_date.matches("^[0-9]{4}-[0-9]{2}-[0-9]{2}$")`),
	)
}

func newGetNextAppointment(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"get_next_appointment",
		`Get the patient's next upcoming appointment. Returns {"found": false} when there is none.`,
		`{"type":"object","properties":{}}`,
		func(ctx context.Context, _ json.RawMessage) (any, error) {
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			next, err := nextAppointment(ctx, deps, patient.ID)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return map[string]any{"found": false}, nil
			}
			return map[string]any{"found": true, "appointment": viewAppointment(next, deps.location())}, nil
		},
	)
}

func nextAppointment(ctx context.Context, deps *Deps, patientID int32) (*store.Appointment, error) {
	after := deps.now().Unix()
	list, err := deps.Store.ListAppointments(ctx, &store.FindAppointment{PatientID: &patientID, ScheduledAfter: &after})
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	for _, a := range list {
		if isActive(a) {
			return a, nil
		}
	}
	return nil, nil
}

func newCreateAppointment(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"create_appointment",
		`Book an appointment at a slot returned by get_available_appointments.
Always request create_following in the same answer: it is linked to the new appointment.`,
		`{
  "type": "object",
  "properties": {
    "date": {"type": "string", "description": "YYYY-MM-DD"},
    "time": {"type": "string", "description": "HH:MM, 24h"},
    "reason": {"type": "string"}
  },
  "required": ["date", "time"]
}`,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Date   string `json:"date"`
				Time   string `json:"time"`
				Reason string `json:"reason"`
			}
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}

			loc := deps.location()
			at, err := time.ParseInLocation(dateTimeLayout, in.Date+" "+in.Time, loc)
			if err != nil {
				return nil, fmt.Errorf("%w: date must be YYYY-MM-DD and time HH:MM", agent.ErrInvalidArguments)
			}

			key := agent.IdempotencyKeyFromContext(ctx)
			if key != "" {
				done, err := deps.Store.GetAppointment(ctx, &store.FindAppointment{IdempotencyKey: &key})
				if err != nil {
					return nil, fmt.Errorf("failed to look up appointment: %w", err)
				}
				if done != nil {
					return viewAppointment(done, loc), nil
				}
			}

			if !at.After(deps.now()) {
				return nil, fmt.Errorf("%w: %s is in the past", agent.ErrInvalidArguments, at.Format(dateTimeLayout))
			}
			taken, err := deps.takenSlots(ctx, at.Unix()-1)
			if err != nil {
				return nil, fmt.Errorf("failed to check availability: %w", err)
			}
			if taken[at.Unix()] {
				return nil, fmt.Errorf("%w: slot %s is already booked", agent.ErrConflict, at.Format(dateTimeLayout))
			}

			reason := strings.TrimSpace(in.Reason)
			if reason == "" {
				reason = defaultReason
			}
			appt, err := deps.Store.CreateAppointment(ctx, &store.Appointment{
				PatientID:      patient.ID,
				ScheduledTs:    at.Unix(),
				Reason:         reason,
				IdempotencyKey: key,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create appointment: %w", err)
			}
			return viewAppointment(appt, loc), nil
		},
		agent.WithSideEffect(),
		agent.WithRule(`args.date.matches("^[0-9]{4}-[0-9]{2}-[0-9]{2}$") && args.time.matches("^[0-9]{2}:[0-9]{2}$")`),
	)
}

func newCreateFollowing(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"create_following",
		`Create the follow-up record of an appointment booked in the same answer.
The appointment id is filled in automatically from create_appointment.`,
		`{
  "type": "object",
  "properties": {
    "notes": {"type": "string", "description": "What the follow-up is about"}
  }
}`,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				AppointmentID string `json:"appointment_id"`
				Notes         string `json:"notes"`
			}
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}
			appt, err := deps.Store.GetAppointment(ctx, &store.FindAppointment{UID: &in.AppointmentID})
			if err != nil {
				return nil, fmt.Errorf("failed to look up appointment: %w", err)
			}
			if appt == nil || appt.PatientID != patient.ID {
				return nil, fmt.Errorf("appointment %s: %w", in.AppointmentID, store.ErrNotFound)
			}

			due := time.Unix(appt.ScheduledTs, 0).Add(-followUpLead)
			if now := deps.now(); due.Before(now) {
				due = now
			}
			notes := strings.TrimSpace(in.Notes)
			if notes == "" {
				notes = "Cita agendada: " + formatUnix(appt.ScheduledTs, deps.location())
			}
			following, err := deps.Store.CreateFollowing(ctx, &store.Following{
				PatientID:      patient.ID,
				AppointmentID:  appt.ID,
				Notes:          truncate(notes, maxSummaryLength),
				DueTs:          due.Unix(),
				IdempotencyKey: agent.IdempotencyKeyFromContext(ctx),
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create following: %w", err)
			}
			return map[string]any{
				"id":             following.UID,
				"appointment_id": appt.UID,
				"due_at":         formatUnix(following.DueTs, deps.location()),
			}, nil
		},
		agent.WithSideEffect(),
		agent.WithDependency("create_appointment", "id", "appointment_id"),
		agent.WithRule(`has(args.appointment_id) && size(args.appointment_id) > 0`),
	)
}

func newCancelAppointmentRequest(deps *Deps) agent.Tool {
	return agent.NewBaseTool(
		"cancel_appointment_request",
		`Ask the clinic to cancel an appointment. Staff confirm the cancellation.
Without appointment_id the next upcoming appointment is used. Confirm with the patient first.`,
		`{
  "type": "object",
  "properties": {
    "appointment_id": {"type": "string"},
    "reason": {"type": "string"}
  }
}`,
		func(ctx context.Context, args json.RawMessage) (any, error) {
			var in struct {
				AppointmentID string `json:"appointment_id"`
				Reason        string `json:"reason"`
			}
			if err := decode(args, &in); err != nil {
				return nil, err
			}
			patient, err := requirePatient(ctx, deps.Store)
			if err != nil {
				return nil, err
			}

			var appt *store.Appointment
			if in.AppointmentID == "" {
				appt, err = nextAppointment(ctx, deps, patient.ID)
			} else {
				appt, err = deps.Store.GetAppointment(ctx, &store.FindAppointment{UID: &in.AppointmentID})
			}
			if err != nil {
				return nil, err
			}
			if appt == nil || appt.PatientID != patient.ID {
				return nil, fmt.Errorf("appointment to cancel: %w", store.ErrNotFound)
			}
			if !isActive(appt) {
				return nil, fmt.Errorf("%w: appointment %s is %s", agent.ErrConflict, appt.UID, appt.Status)
			}

			status := store.AppointmentStatusCancelRequested
			update := &store.UpdateAppointment{ID: appt.ID, Status: &status}
			if reason := strings.TrimSpace(in.Reason); reason != "" {
				r := appt.Reason + " | cancelación: " + reason
				update.Reason = &r
			}
			updated, err := deps.Store.UpdateAppointment(ctx, update)
			if err != nil {
				return nil, fmt.Errorf("failed to request cancellation: %w", err)
			}
			return viewAppointment(updated, deps.location()), nil
		},
		agent.WithSideEffect(),
	)
}
