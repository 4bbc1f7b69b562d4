package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hrygo/companion/store"
)

const medicationColumns = "id, uid, patient_id, name, dosage, frequency, reminder_time, active, COALESCE(idempotency_key, ''), created_ts, updated_ts"

func scanMedication(row interface{ Scan(...any) error }) (*store.Medication, error) {
	m := &store.Medication{}
	err := row.Scan(&m.ID, &m.UID, &m.PatientID, &m.Name, &m.Dosage, &m.Frequency, &m.ReminderTime, &m.Active, &m.IdempotencyKey, &m.CreatedTs, &m.UpdatedTs)
	return m, err
}

func (d *DB) CreateMedication(ctx context.Context, create *store.Medication) (*store.Medication, error) {
	fields := []string{"uid", "patient_id", "name", "dosage", "frequency", "reminder_time", "active", "idempotency_key", "created_ts", "updated_ts"}
	args := []any{create.UID, create.PatientID, create.Name, create.Dosage, create.Frequency, create.ReminderTime, create.Active, nullIfEmpty(create.IdempotencyKey), create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO medication (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create medication: %w", err)
	}
	return create, nil
}

func (d *DB) ListMedications(ctx context.Context, find *store.FindMedication) ([]*store.Medication, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.PatientID != nil {
		where, args = append(where, "patient_id = "+placeholder(len(args)+1)), append(args, *find.PatientID)
	}
	if find.Active != nil {
		where, args = append(where, "active = "+placeholder(len(args)+1)), append(args, *find.Active)
	}
	if find.IdempotencyKey != nil {
		where, args = append(where, "idempotency_key = "+placeholder(len(args)+1)), append(args, *find.IdempotencyKey)
	}

	query := `SELECT ` + medicationColumns + ` FROM medication WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list medications: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Medication, 0)
	for rows.Next() {
		m, err := scanMedication(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan medication: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate medications: %w", err)
	}
	return list, nil
}

func (d *DB) UpdateMedication(ctx context.Context, update *store.UpdateMedication) (*store.Medication, error) {
	set, args := []string{}, []any{}

	if update.Dosage != nil {
		set, args = append(set, "dosage = "+placeholder(len(args)+1)), append(args, *update.Dosage)
	}
	if update.Frequency != nil {
		set, args = append(set, "frequency = "+placeholder(len(args)+1)), append(args, *update.Frequency)
	}
	if update.ReminderTime != nil {
		set, args = append(set, "reminder_time = "+placeholder(len(args)+1)), append(args, *update.ReminderTime)
	}
	if update.Active != nil {
		set, args = append(set, "active = "+placeholder(len(args)+1)), append(args, *update.Active)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE medication SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + medicationColumns
	m, err := scanMedication(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("medication %d: %w", update.ID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update medication: %w", err)
	}
	return m, nil
}
