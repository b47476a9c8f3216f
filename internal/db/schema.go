package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates missing tables and indexes. It is safe to run on
// every start.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// requiredColumns lists, per table, the columns the store reads.
var requiredColumns = map[string][]string{
	"trips":          {"current_stop_sequence", "starting_stop_sequence", "is_spare_trip", "source_alert_id", "last_passenger_update"},
	"vehicles":       {"is_active", "is_running", "current_trip_id"},
	"demand_intents": {"boarding_stop_id", "passenger_count", "status"},
	"alerts":         {"origin", "status", "source_trip_id", "dispatched_trip_id", "expires_at", "resolved_at"},
}

// VerifySchema checks that a database not managed by EnsureSchema carries
// every column the store needs.
func VerifySchema(ctx context.Context, db *sql.DB) error {
	tables := make([]string, 0, len(requiredColumns))
	for t := range requiredColumns {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, table := range tables {
		found, err := hasColumns(ctx, db, "public", table, requiredColumns[table]...)
		if err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		for _, col := range requiredColumns[table] {
			if !found[col] {
				return fmt.Errorf("table %s is missing column %s (start with MIGRATE=true)", table, col)
			}
		}
	}
	return nil
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
