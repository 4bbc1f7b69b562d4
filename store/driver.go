package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	IsInitialized(ctx context.Context) (bool, error)

	// Patient model related methods.
	CreatePatient(ctx context.Context, create *Patient) (*Patient, error)
	ListPatients(ctx context.Context, find *FindPatient) ([]*Patient, error)
	UpdatePatient(ctx context.Context, update *UpdatePatient) (*Patient, error)

	// Appointment model related methods.
	CreateAppointment(ctx context.Context, create *Appointment) (*Appointment, error)
	ListAppointments(ctx context.Context, find *FindAppointment) ([]*Appointment, error)
	UpdateAppointment(ctx context.Context, update *UpdateAppointment) (*Appointment, error)

	// Following model related methods.
	CreateFollowing(ctx context.Context, create *Following) (*Following, error)
	ListFollowings(ctx context.Context, find *FindFollowing) ([]*Following, error)

	// SymptomReport model related methods.
	CreateSymptomReport(ctx context.Context, create *SymptomReport) (*SymptomReport, error)
	ListSymptomReports(ctx context.Context, find *FindSymptomReport) ([]*SymptomReport, error)

	// Medication model related methods.
	CreateMedication(ctx context.Context, create *Medication) (*Medication, error)
	ListMedications(ctx context.Context, find *FindMedication) ([]*Medication, error)
	UpdateMedication(ctx context.Context, update *UpdateMedication) (*Medication, error)
}
