package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hrygo/companion/store"
)

const patientColumns = "id, phone, name, email, date_of_birth, conditions, risk_level, risk_score, risk_updated_ts, created_ts, updated_ts"

func scanPatient(row interface{ Scan(...any) error }) (*store.Patient, error) {
	p := &store.Patient{}
	err := row.Scan(&p.ID, &p.Phone, &p.Name, &p.Email, &p.DateOfBirth, &p.Conditions,
		&p.RiskLevel, &p.RiskScore, &p.RiskUpdatedTs, &p.CreatedTs, &p.UpdatedTs)
	return p, err
}

func (d *DB) CreatePatient(ctx context.Context, create *store.Patient) (*store.Patient, error) {
	fields := []string{"phone", "name", "email", "date_of_birth", "conditions", "risk_level", "risk_score", "risk_updated_ts", "created_ts", "updated_ts"}
	args := []any{create.Phone, create.Name, create.Email, create.DateOfBirth, create.Conditions, create.RiskLevel, create.RiskScore, create.RiskUpdatedTs, create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO patient (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create patient: %w", err)
	}
	return create, nil
}

func (d *DB) ListPatients(ctx context.Context, find *store.FindPatient) ([]*store.Patient, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.Phone != nil {
		where, args = append(where, "phone = "+placeholder(len(args)+1)), append(args, *find.Phone)
	}

	query := `SELECT ` + patientColumns + ` FROM patient WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list patients: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Patient, 0)
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan patient: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate patients: %w", err)
	}
	return list, nil
}

func (d *DB) UpdatePatient(ctx context.Context, update *store.UpdatePatient) (*store.Patient, error) {
	set, args := []string{}, []any{}

	if update.Name != nil {
		set, args = append(set, "name = "+placeholder(len(args)+1)), append(args, *update.Name)
	}
	if update.Email != nil {
		set, args = append(set, "email = "+placeholder(len(args)+1)), append(args, *update.Email)
	}
	if update.DateOfBirth != nil {
		set, args = append(set, "date_of_birth = "+placeholder(len(args)+1)), append(args, *update.DateOfBirth)
	}
	if update.Conditions != nil {
		set, args = append(set, "conditions = "+placeholder(len(args)+1)), append(args, *update.Conditions)
	}
	if update.RiskLevel != nil {
		set, args = append(set, "risk_level = "+placeholder(len(args)+1)), append(args, *update.RiskLevel)
	}
	if update.RiskScore != nil {
		set, args = append(set, "risk_score = "+placeholder(len(args)+1)), append(args, *update.RiskScore)
	}
	if update.RiskUpdatedTs != nil {
		set, args = append(set, "risk_updated_ts = "+placeholder(len(args)+1)), append(args, *update.RiskUpdatedTs)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE patient SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + patientColumns
	p, err := scanPatient(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("patient %d: %w", update.ID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update patient: %w", err)
	}
	return p, nil
}
