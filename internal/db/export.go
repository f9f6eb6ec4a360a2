package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ReportTableNames are the ledger tables included in the monthly report.
var ReportTableNames = []string{
	"bookings",
	"booking_slots",
	"superuser_requests",
	"superuser_grant_events",
}

// reportWindows restrict each report table to rows recorded in [from, to).
var reportWindows = map[string]string{
	"bookings":               "created_at >= ? AND created_at < ?",
	"booking_slots":          "booking_id IN (SELECT id FROM bookings WHERE created_at >= ? AND created_at < ?)",
	"superuser_requests":     "requested_at >= ? AND requested_at < ?",
	"superuser_grant_events": "at >= ? AND at < ?",
}

// GetTableNames returns list of table names to export.
func (db *DB) GetTableNames(_ context.Context) ([]string, error) {
	return ReportTableNames, nil
}

// GetTableData returns the rows of a report table recorded in [from, to) as
// maps keyed by column.
func (db *DB) GetTableData(ctx context.Context, tableName string, from, to time.Time) ([]map[string]any, []string, error) {
	window, ok := reportWindows[tableName]
	if !ok {
		return nil, nil, fmt.Errorf("invalid table name: %s", tableName)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, nil, classify("db.GetTableData", err)
	}

	var columns []string
	for rows.Next() {
		var cid, notNull, pk int
		var name, typeName string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typeName, &notNull, &dflt, &pk); err != nil {
			_ = rows.Close()
			return nil, nil, classify("db.GetTableData", err)
		}
		columns = append(columns, name)
	}
	_ = rows.Close()

	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("table %s has no columns", tableName)
	}

	dataRows, err := db.QueryContext(ctx,
		fmt.Sprintf("SELECT * FROM %s WHERE %s ORDER BY rowid", tableName, window),
		from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, nil, classify("db.GetTableData", err)
	}
	defer dataRows.Close()

	var result []map[string]any
	for dataRows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := dataRows.Scan(ptrs...); err != nil {
			return nil, nil, classify("db.GetTableData", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result = append(result, row)
	}
	return result, columns, classify("db.GetTableData", dataRows.Err())
}
