package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hrygo/companion/store"
)

const appointmentColumns = "id, uid, patient_id, scheduled_ts, reason, status, COALESCE(idempotency_key, ''), created_ts, updated_ts"

func scanAppointment(row interface{ Scan(...any) error }) (*store.Appointment, error) {
	a := &store.Appointment{}
	var status string
	err := row.Scan(&a.ID, &a.UID, &a.PatientID, &a.ScheduledTs, &a.Reason, &status, &a.IdempotencyKey, &a.CreatedTs, &a.UpdatedTs)
	a.Status = store.AppointmentStatus(status)
	return a, err
}

func (d *DB) CreateAppointment(ctx context.Context, create *store.Appointment) (*store.Appointment, error) {
	fields := []string{"uid", "patient_id", "scheduled_ts", "reason", "status", "idempotency_key", "created_ts", "updated_ts"}
	args := []any{create.UID, create.PatientID, create.ScheduledTs, create.Reason, string(create.Status), nullIfEmpty(create.IdempotencyKey), create.CreatedTs, create.UpdatedTs}

	stmt := `INSERT INTO appointment (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create appointment: %w", err)
	}
	return create, nil
}

func (d *DB) ListAppointments(ctx context.Context, find *store.FindAppointment) ([]*store.Appointment, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.UID != nil {
		where, args = append(where, "uid = "+placeholder(len(args)+1)), append(args, *find.UID)
	}
	if find.PatientID != nil {
		where, args = append(where, "patient_id = "+placeholder(len(args)+1)), append(args, *find.PatientID)
	}
	if find.Status != nil {
		where, args = append(where, "status = "+placeholder(len(args)+1)), append(args, string(*find.Status))
	}
	if find.ScheduledAfter != nil {
		where, args = append(where, "scheduled_ts > "+placeholder(len(args)+1)), append(args, *find.ScheduledAfter)
	}
	if find.IdempotencyKey != nil {
		where, args = append(where, "idempotency_key = "+placeholder(len(args)+1)), append(args, *find.IdempotencyKey)
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointment WHERE ` + strings.Join(where, " AND ") + ` ORDER BY scheduled_ts ASC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		list = append(list, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate appointments: %w", err)
	}
	return list, nil
}

func (d *DB) UpdateAppointment(ctx context.Context, update *store.UpdateAppointment) (*store.Appointment, error) {
	set, args := []string{}, []any{}

	if update.Status != nil {
		set, args = append(set, "status = "+placeholder(len(args)+1)), append(args, string(*update.Status))
	}
	if update.Reason != nil {
		set, args = append(set, "reason = "+placeholder(len(args)+1)), append(args, *update.Reason)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = "+placeholder(len(args)+1)), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE appointment SET ` + strings.Join(set, ", ") + ` WHERE id = ` + placeholder(len(args)) + ` RETURNING ` + appointmentColumns
	a, err := scanAppointment(d.db.QueryRowContext(ctx, stmt, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("appointment %d: %w", update.ID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update appointment: %w", err)
	}
	return a, nil
}

func (d *DB) CreateFollowing(ctx context.Context, create *store.Following) (*store.Following, error) {
	fields := []string{"uid", "patient_id", "appointment_id", "notes", "due_ts", "idempotency_key", "created_ts"}
	args := []any{create.UID, create.PatientID, create.AppointmentID, create.Notes, create.DueTs, nullIfEmpty(create.IdempotencyKey), create.CreatedTs}

	stmt := `INSERT INTO following (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create following: %w", err)
	}
	return create, nil
}

func (d *DB) ListFollowings(ctx context.Context, find *store.FindFollowing) ([]*store.Following, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.ID != nil {
		where, args = append(where, "id = "+placeholder(len(args)+1)), append(args, *find.ID)
	}
	if find.PatientID != nil {
		where, args = append(where, "patient_id = "+placeholder(len(args)+1)), append(args, *find.PatientID)
	}
	if find.AppointmentID != nil {
		where, args = append(where, "appointment_id = "+placeholder(len(args)+1)), append(args, *find.AppointmentID)
	}
	if find.IdempotencyKey != nil {
		where, args = append(where, "idempotency_key = "+placeholder(len(args)+1)), append(args, *find.IdempotencyKey)
	}

	query := `SELECT id, uid, patient_id, appointment_id, notes, due_ts, COALESCE(idempotency_key, ''), created_ts
		FROM following WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id ASC`
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list followings: %w", err)
	}
	defer rows.Close()

	list := make([]*store.Following, 0)
	for rows.Next() {
		f := &store.Following{}
		if err := rows.Scan(&f.ID, &f.UID, &f.PatientID, &f.AppointmentID, &f.Notes, &f.DueTs, &f.IdempotencyKey, &f.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan following: %w", err)
		}
		list = append(list, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate followings: %w", err)
	}
	return list, nil
}
