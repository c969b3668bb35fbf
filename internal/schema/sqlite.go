package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// SQLiteIntrospector reads table structure through sqlite_master and the
// table_info pragma. DuckDB implements both, with boolean instead of
// integer notnull/pk columns, so scanning goes through loose any values.
type SQLiteIntrospector struct {
	DB *sql.DB
}

func (s *SQLiteIntrospector) Snapshot(ctx context.Context) (Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot Snapshot
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Snapshot{}, fmt.Errorf("scan table row: %w", err)
		}
		snapshot.Tables = append(snapshot.Tables, Table{Name: name})
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate tables: %w", err)
	}

	for i := range snapshot.Tables {
		if err := s.loadColumns(ctx, &snapshot.Tables[i]); err != nil {
			return Snapshot{}, err
		}
	}
	return snapshot, nil
}

func (s *SQLiteIntrospector) loadColumns(ctx context.Context, table *Table) error {
	pragma := fmt.Sprintf("PRAGMA table_info('%s')", strings.ReplaceAll(table.Name, "'", "''"))
	rows, err := s.DB.QueryContext(ctx, pragma)
	if err != nil {
		return fmt.Errorf("describe table %q: %w", table.Name, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid          any
			name         string
			dataType     string
			notNull      any
			defaultValue any
			pk           any
		)
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return fmt.Errorf("scan column row for %q: %w", table.Name, err)
		}
		table.Columns = append(table.Columns, Column{
			Name:       name,
			DataType:   dataType,
			Nullable:   !looseBool(notNull),
			Default:    looseString(defaultValue),
			PrimaryKey: looseBool(pk),
		})
	}
	return rows.Err()
}

func looseBool(value any) bool {
	switch typed := value.(type) {
	case bool:
		return typed
	case int64:
		return typed != 0
	case float64:
		return typed != 0
	case []byte:
		return looseStringBool(string(typed))
	case string:
		return looseStringBool(typed)
	default:
		return false
	}
}

func looseStringBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false":
		return false
	default:
		return true
	}
}

func looseString(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case []byte:
		return string(typed)
	case string:
		return typed
	default:
		return fmt.Sprintf("%v", typed)
	}
}
