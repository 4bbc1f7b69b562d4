package postgres

import (
	"database/sql"
	"fmt"
	"strings"
)

// placeholder returns a placeholder for PostgreSQL ($n)
func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

// placeholders returns n placeholders for PostgreSQL
func placeholders(n int) string {
	list := make([]string, 0, n)
	for i := 0; i < n; i++ {
		list = append(list, placeholder(i+1))
	}
	return strings.Join(list, ", ")
}

// nullIfEmpty stores empty idempotency keys as NULL so the partial unique index ignores them.
func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
