package store

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentStatusRequested       AppointmentStatus = "REQUESTED"
	AppointmentStatusConfirmed       AppointmentStatus = "CONFIRMED"
	AppointmentStatusCancelRequested AppointmentStatus = "CANCEL_REQUESTED"
	AppointmentStatusCancelled       AppointmentStatus = "CANCELLED"
)

type Appointment struct {
	ID          int32
	UID         string
	PatientID   int32
	ScheduledTs int64
	Reason      string
	Status      AppointmentStatus
	// IdempotencyKey dedupes creates issued by retried turns. Empty disables dedupe.
	IdempotencyKey string
	CreatedTs      int64
	UpdatedTs      int64
}

type FindAppointment struct {
	ID             *int32
	UID            *string
	PatientID      *int32
	Status         *AppointmentStatus
	ScheduledAfter *int64
	IdempotencyKey *string
	Limit          *int
}

type UpdateAppointment struct {
	ID        int32
	Status    *AppointmentStatus
	Reason    *string
	UpdatedTs *int64
}

// Following is a follow-up call or message linked to an appointment.
type Following struct {
	ID             int32
	UID            string
	PatientID      int32
	AppointmentID  int32
	Notes          string
	DueTs          int64
	IdempotencyKey string
	CreatedTs      int64
}

type FindFollowing struct {
	ID             *int32
	PatientID      *int32
	AppointmentID  *int32
	IdempotencyKey *string
}
