package store

// Patient is a person followed by the companion, keyed by phone number.
type Patient struct {
	ID          int32
	Phone       string
	Name        string
	Email       string
	DateOfBirth string // YYYY-MM-DD, empty when unknown
	Conditions  string // free text
	// Latest recorded risk. Raised by conversations, lowered only by staff.
	RiskLevel     string
	RiskScore     int
	RiskUpdatedTs int64
	CreatedTs     int64
	UpdatedTs     int64
}

type FindPatient struct {
	ID    *int32
	Phone *string
}

type UpdatePatient struct {
	ID            int32
	Name          *string
	Email         *string
	DateOfBirth   *string
	Conditions    *string
	RiskLevel     *string
	RiskScore     *int
	RiskUpdatedTs *int64
	UpdatedTs     *int64
}
