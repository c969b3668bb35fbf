package schema

import (
	"context"
	"database/sql"
	"fmt"
)

const pgTablesQuery = `
SELECT c.relname, COALESCE(d.description, '')
FROM pg_catalog.pg_class c
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
LEFT JOIN pg_catalog.pg_description d ON d.objoid = c.oid AND d.objsubid = 0
WHERE c.relkind = 'r' AND n.nspname = current_schema()
ORDER BY c.relname`

const pgColumnsQuery = `
SELECT col.column_name,
       col.data_type,
       col.is_nullable = 'YES',
       COALESCE(col.column_default, ''),
       COALESCE(d.description, '')
FROM information_schema.columns col
JOIN pg_catalog.pg_class c ON c.relname = col.table_name
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace AND n.nspname = col.table_schema
LEFT JOIN pg_catalog.pg_description d ON d.objoid = c.oid AND d.objsubid = col.ordinal_position
WHERE col.table_schema = current_schema() AND col.table_name = $1
ORDER BY col.ordinal_position`

const pgPrimaryKeyQuery = `
SELECT kc.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kc
  ON tc.constraint_name = kc.constraint_name AND tc.table_schema = kc.table_schema
WHERE tc.table_schema = current_schema() AND tc.table_name = $1 AND tc.constraint_type = 'PRIMARY KEY'
ORDER BY kc.ordinal_position`

type PostgresIntrospector struct {
	DB *sql.DB
}

func (p *PostgresIntrospector) Snapshot(ctx context.Context) (Snapshot, error) {
	rows, err := p.DB.QueryContext(ctx, pgTablesQuery)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot Snapshot
	for rows.Next() {
		var table Table
		if err := rows.Scan(&table.Name, &table.Comment); err != nil {
			return Snapshot{}, fmt.Errorf("scan table row: %w", err)
		}
		snapshot.Tables = append(snapshot.Tables, table)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate tables: %w", err)
	}

	for i := range snapshot.Tables {
		if err := p.loadColumns(ctx, &snapshot.Tables[i]); err != nil {
			return Snapshot{}, err
		}
		if err := p.loadPrimaryKeys(ctx, &snapshot.Tables[i]); err != nil {
			return Snapshot{}, err
		}
	}
	return snapshot, nil
}

func (p *PostgresIntrospector) loadColumns(ctx context.Context, table *Table) error {
	rows, err := p.DB.QueryContext(ctx, pgColumnsQuery, table.Name)
	if err != nil {
		return fmt.Errorf("describe table %q: %w", table.Name, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var col Column
		if err := rows.Scan(&col.Name, &col.DataType, &col.Nullable, &col.Default, &col.Comment); err != nil {
			return fmt.Errorf("scan column row for %q: %w", table.Name, err)
		}
		table.Columns = append(table.Columns, col)
	}
	return rows.Err()
}

func (p *PostgresIntrospector) loadPrimaryKeys(ctx context.Context, table *Table) error {
	rows, err := p.DB.QueryContext(ctx, pgPrimaryKeyQuery, table.Name)
	if err != nil {
		return fmt.Errorf("primary keys for %q: %w", table.Name, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("scan primary key row for %q: %w", table.Name, err)
		}
		for i := range table.Columns {
			if table.Columns[i].Name == name {
				table.Columns[i].PrimaryKey = true
			}
		}
	}
	return rows.Err()
}
