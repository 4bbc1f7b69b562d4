package store

type SymptomReport struct {
	ID             int32
	UID            string
	PatientID      int32
	Summary        string
	RiskLevel      string
	RiskScore      int
	IdempotencyKey string
	CreatedTs      int64
}

type FindSymptomReport struct {
	PatientID      *int32
	IdempotencyKey *string
	// Limit returns the most recent reports first.
	Limit *int
}
