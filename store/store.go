package store

import (
	"context"
	"errors"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/hrygo/companion/internal/profile"
	"github.com/hrygo/companion/plugin/ai/cache"
)

// ErrNotFound is returned by updates addressing a missing row.
var ErrNotFound = errors.New("not found")

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	// patients by phone, the hot lookup of every turn
	patientCache *cache.LRU[*Patient]
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:       driver,
		profile:      profile,
		patientCache: cache.NewLRU[*Patient](1000, 10*time.Minute),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

// Patients

func (s *Store) CreatePatient(ctx context.Context, create *Patient) (*Patient, error) {
	now := time.Now().Unix()
	if create.CreatedTs == 0 {
		create.CreatedTs = now
	}
	create.UpdatedTs = now
	if create.RiskLevel == "" {
		create.RiskLevel = "none"
	}
	patient, err := s.driver.CreatePatient(ctx, create)
	if err != nil {
		return nil, err
	}
	s.patientCache.Set(patient.Phone, copyPatient(patient), 0)
	return patient, nil
}

func (s *Store) ListPatients(ctx context.Context, find *FindPatient) ([]*Patient, error) {
	return s.driver.ListPatients(ctx, find)
}

// GetPatient returns nil when no patient matches.
func (s *Store) GetPatient(ctx context.Context, find *FindPatient) (*Patient, error) {
	if find.ID == nil && find.Phone != nil {
		if cached, ok := s.patientCache.Get(*find.Phone); ok {
			return copyPatient(cached), nil
		}
	}

	list, err := s.driver.ListPatients(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	patient := list[0]
	s.patientCache.Set(patient.Phone, copyPatient(patient), 0)
	return patient, nil
}

func (s *Store) UpdatePatient(ctx context.Context, update *UpdatePatient) (*Patient, error) {
	if update.UpdatedTs == nil {
		now := time.Now().Unix()
		update.UpdatedTs = &now
	}
	patient, err := s.driver.UpdatePatient(ctx, update)
	if err != nil {
		return nil, err
	}
	s.patientCache.Set(patient.Phone, copyPatient(patient), 0)
	return patient, nil
}

func copyPatient(p *Patient) *Patient {
	c := *p
	return &c
}

// Appointments

// CreateAppointment is idempotent on IdempotencyKey: a repeated key returns the existing row.
func (s *Store) CreateAppointment(ctx context.Context, create *Appointment) (*Appointment, error) {
	if create.IdempotencyKey != "" {
		existing, err := s.driver.ListAppointments(ctx, &FindAppointment{IdempotencyKey: &create.IdempotencyKey})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
	}
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	if create.Status == "" {
		create.Status = AppointmentStatusRequested
	}
	now := time.Now().Unix()
	create.CreatedTs, create.UpdatedTs = now, now
	return s.driver.CreateAppointment(ctx, create)
}

func (s *Store) ListAppointments(ctx context.Context, find *FindAppointment) ([]*Appointment, error) {
	return s.driver.ListAppointments(ctx, find)
}

// GetAppointment returns nil when no appointment matches.
func (s *Store) GetAppointment(ctx context.Context, find *FindAppointment) (*Appointment, error) {
	list, err := s.driver.ListAppointments(ctx, find)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) UpdateAppointment(ctx context.Context, update *UpdateAppointment) (*Appointment, error) {
	if update.UpdatedTs == nil {
		now := time.Now().Unix()
		update.UpdatedTs = &now
	}
	return s.driver.UpdateAppointment(ctx, update)
}

// Followings

// CreateFollowing is idempotent on IdempotencyKey.
func (s *Store) CreateFollowing(ctx context.Context, create *Following) (*Following, error) {
	if create.IdempotencyKey != "" {
		existing, err := s.driver.ListFollowings(ctx, &FindFollowing{IdempotencyKey: &create.IdempotencyKey})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
	}
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	create.CreatedTs = time.Now().Unix()
	return s.driver.CreateFollowing(ctx, create)
}

func (s *Store) ListFollowings(ctx context.Context, find *FindFollowing) ([]*Following, error) {
	return s.driver.ListFollowings(ctx, find)
}

// Symptom reports

// CreateSymptomReport is idempotent on IdempotencyKey.
func (s *Store) CreateSymptomReport(ctx context.Context, create *SymptomReport) (*SymptomReport, error) {
	if create.IdempotencyKey != "" {
		existing, err := s.driver.ListSymptomReports(ctx, &FindSymptomReport{IdempotencyKey: &create.IdempotencyKey})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
	}
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	create.CreatedTs = time.Now().Unix()
	return s.driver.CreateSymptomReport(ctx, create)
}

func (s *Store) ListSymptomReports(ctx context.Context, find *FindSymptomReport) ([]*SymptomReport, error) {
	return s.driver.ListSymptomReports(ctx, find)
}

// Medications

// CreateMedication is idempotent on IdempotencyKey.
func (s *Store) CreateMedication(ctx context.Context, create *Medication) (*Medication, error) {
	if create.IdempotencyKey != "" {
		existing, err := s.driver.ListMedications(ctx, &FindMedication{IdempotencyKey: &create.IdempotencyKey})
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			return existing[0], nil
		}
	}
	if create.UID == "" {
		create.UID = shortuuid.New()
	}
	now := time.Now().Unix()
	create.CreatedTs, create.UpdatedTs = now, now
	return s.driver.CreateMedication(ctx, create)
}

func (s *Store) ListMedications(ctx context.Context, find *FindMedication) ([]*Medication, error) {
	return s.driver.ListMedications(ctx, find)
}

func (s *Store) UpdateMedication(ctx context.Context, update *UpdateMedication) (*Medication, error) {
	if update.UpdatedTs == nil {
		now := time.Now().Unix()
		update.UpdatedTs = &now
	}
	return s.driver.UpdateMedication(ctx, update)
}
