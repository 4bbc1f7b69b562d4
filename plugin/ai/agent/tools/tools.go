// Package tools provides the patient, symptom, appointment and medication
// tools offered to the agent loop.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hrygo/companion/plugin/ai/agent"
	"github.com/hrygo/companion/store"
)

const (
	// DefaultTimezone is used when no location is configured.
	DefaultTimezone = "America/Lima"

	dateLayout     = "2006-01-02"
	clockLayout    = "15:04"
	dateTimeLayout = "2006-01-02 15:04"

	maxSummaryLength = 500
)

// Deps is what the tools need to run.
type Deps struct {
	Store    *store.Store
	Location *time.Location
	// Now is overridable in tests.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().In(d.location())
	}
	return time.Now().In(d.location())
}

func (d *Deps) location() *time.Location {
	if d.Location != nil {
		return d.Location
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

// Register adds every tool to registry.
func Register(registry *agent.ToolRegistry, deps *Deps) error {
	all := []agent.Tool{
		newGetPatientByPhone(deps),
		newCreatePatient(deps),
		newUpdatePatient(deps),
		newAssessSymptoms(),
		newRecordSymptomReport(deps),
		newGetSymptomHistory(deps),
		newGetAvailableAppointments(deps),
		newGetNextAppointment(deps),
		newCreateAppointment(deps),
		newCreateFollowing(deps),
		newCancelAppointmentRequest(deps),
		newGetMedications(deps),
		newAddMedication(deps),
		newSetMedicationReminder(deps),
	}
	for _, tool := range all {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// phoneFromContext returns the phone of the user the turn runs for.
func phoneFromContext(ctx context.Context) (string, error) {
	phone := agent.IdentityFromContext(ctx).UserID
	if phone == "" {
		return "", fmt.Errorf("%w: no user in context", agent.ErrInvalidArguments)
	}
	return phone, nil
}

// lookupPatient returns the session user's patient record, nil when unregistered.
func lookupPatient(ctx context.Context, s *store.Store) (*store.Patient, error) {
	phone, err := phoneFromContext(ctx)
	if err != nil {
		return nil, err
	}
	patient, err := s.GetPatient(ctx, &store.FindPatient{Phone: &phone})
	if err != nil {
		return nil, fmt.Errorf("failed to look up patient: %w", err)
	}
	return patient, nil
}

// requirePatient is lookupPatient failing with ErrNoPatient when unregistered.
func requirePatient(ctx context.Context, s *store.Store) (*store.Patient, error) {
	patient, err := lookupPatient(ctx, s)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return nil, fmt.Errorf("%w: call create_patient first", agent.ErrNoPatient)
	}
	return patient, nil
}

func decode(args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", agent.ErrInvalidArguments, err)
	}
	return nil
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}

func formatUnix(ts int64, loc *time.Location) string {
	return time.Unix(ts, 0).In(loc).Format(dateTimeLayout)
}
