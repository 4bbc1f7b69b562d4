package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/hrygo/companion/store"
)

func (d *DB) CreateSymptomReport(ctx context.Context, create *store.SymptomReport) (*store.SymptomReport, error) {
	fields := []string{"uid", "patient_id", "summary", "risk_level", "risk_score", "idempotency_key", "created_ts"}
	args := []any{create.UID, create.PatientID, create.Summary, create.RiskLevel, create.RiskScore, nullIfEmpty(create.IdempotencyKey), create.CreatedTs}

	stmt := `INSERT INTO symptom_report (` + strings.Join(fields, ", ") + `)
		VALUES (` + placeholders(len(args)) + `)
		RETURNING id`
	if err := d.db.QueryRowContext(ctx, stmt, args...).Scan(&create.ID); err != nil {
		return nil, fmt.Errorf("failed to create symptom_report: %w", err)
	}
	return create, nil
}

func (d *DB) ListSymptomReports(ctx context.Context, find *store.FindSymptomReport) ([]*store.SymptomReport, error) {
	where, args := []string{"1 = 1"}, []any{}

	if find.PatientID != nil {
		where, args = append(where, "patient_id = "+placeholder(len(args)+1)), append(args, *find.PatientID)
	}
	if find.IdempotencyKey != nil {
		where, args = append(where, "idempotency_key = "+placeholder(len(args)+1)), append(args, *find.IdempotencyKey)
	}

	query := `SELECT id, uid, patient_id, summary, risk_level, risk_score, COALESCE(idempotency_key, ''), created_ts
		FROM symptom_report WHERE ` + strings.Join(where, " AND ") + ` ORDER BY created_ts DESC, id DESC`
	if find.Limit != nil {
		query += fmt.Sprintf(" LIMIT %d", *find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list symptom_reports: %w", err)
	}
	defer rows.Close()

	list := make([]*store.SymptomReport, 0)
	for rows.Next() {
		r := &store.SymptomReport{}
		if err := rows.Scan(&r.ID, &r.UID, &r.PatientID, &r.Summary, &r.RiskLevel, &r.RiskScore, &r.IdempotencyKey, &r.CreatedTs); err != nil {
			return nil, fmt.Errorf("failed to scan symptom_report: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate symptom_reports: %w", err)
	}
	return list, nil
}
