package store

type Medication struct {
	ID        int32
	UID       string
	PatientID int32
	Name      string
	Dosage    string
	Frequency string
	// ReminderTime is a comma separated list of local HH:MM times, empty when no reminder is set.
	ReminderTime   string
	Active         bool
	IdempotencyKey string
	CreatedTs      int64
	UpdatedTs      int64
}

type FindMedication struct {
	ID             *int32
	PatientID      *int32
	Active         *bool
	IdempotencyKey *string
}

type UpdateMedication struct {
	ID           int32
	Dosage       *string
	Frequency    *string
	ReminderTime *string
	Active       *bool
	UpdatedTs    *int64
}
