// Package fixgresdemo provides a small reflect-based row inserter for the
// seed CLI's demo fixtures: callers tag a struct with `db:"col"` (add
// ",autoinc" to skip a column on insert) and get back an INSERT statement
// built from its fields, instead of hand-writing one per fixture type.
package fixgresdemo

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
)

func columnsAndValues(row any) (cols []string, vals []any) {
	v := reflect.ValueOf(row)
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		dbTag := f.Tag.Get("db")
		if dbTag == "" {
			continue
		}

		parts := strings.Split(dbTag, ",")
		col := parts[0]
		if col == "-" {
			continue
		}
		if len(parts) > 1 && strings.Contains(dbTag, "autoinc") {
			continue
		}

		cols = append(cols, col)
		vals = append(vals, v.Field(i).Interface())
	}
	return
}

func insertSQL(table string, row any) (string, []any) {
	cols, vals := columnsAndValues(row)
	colList := strings.Join(cols, ", ")

	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}

	stmt := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		table, colList, strings.Join(placeholders, ", "),
	)
	return stmt, vals
}

// InsertRow inserts row (a struct tagged with `db:"col"`) into table and
// returns its generated id.
func InsertRow(ctx context.Context, db *sql.DB, table string, row any) (int64, error) {
	stmt, vals := insertSQL(table, row)
	var id int64
	err := db.QueryRowContext(ctx, stmt, vals...).Scan(&id)
	return id, err
}
