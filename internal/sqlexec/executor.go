// Package sqlexec runs validated SQL statements against the live
// database and normalizes every result value into a transport-safe
// tagged scalar.
package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/observability"
)

// RowSet is the result of a read statement. Columns keeps the order the
// driver reported.
type RowSet struct {
	Columns []string
	Rows    [][]Scalar
}

// Affected is the result of a write statement.
type Affected struct {
	Count int64
}

// Executor owns the database handle for statement execution. Handles
// are passed in explicitly; the package keeps no global connection
// state.
type Executor struct {
	db      *sql.DB
	logger  *slog.Logger
	timeout time.Duration
}

func New(db *sql.DB, logger *slog.Logger, statementTimeout time.Duration) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{db: db, logger: logger, timeout: statementTimeout}
}

// Query runs a read statement and scans every row into tagged scalars.
func (e *Executor) Query(ctx context.Context, sqlText string) (RowSet, error) {
	ctx, cancel := e.statementContext(ctx)
	defer cancel()

	start := time.Now()
	rows, err := e.db.QueryContext(ctx, sqlText)
	observability.ObserveStatement(leadingVerb(sqlText), time.Since(start))
	if err != nil {
		return RowSet{}, fmt.Errorf("execute query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return RowSet{}, fmt.Errorf("query columns: %w", err)
	}
	dbTypes := columnTypeNames(rows, len(columns))

	degraded := map[string]int{}
	resultRows := make([][]Scalar, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return RowSet{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, e.normalizeRow(values, dbTypes, degraded))
	}
	if err := rows.Err(); err != nil {
		return RowSet{}, fmt.Errorf("iterate rows: %w", err)
	}

	if len(degraded) > 0 {
		e.logger.WarnContext(ctx, "result values degraded to string form",
			slog.Any("go_types", degraded))
	}

	return RowSet{Columns: columns, Rows: resultRows}, nil
}

// Exec runs a write statement inside its own transaction and reports
// the affected row count.
func (e *Executor) Exec(ctx context.Context, sqlText string) (Affected, error) {
	ctx, cancel := e.statementContext(ctx)
	defer cancel()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return Affected{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	start := time.Now()
	result, err := tx.ExecContext(ctx, sqlText)
	observability.ObserveStatement(leadingVerb(sqlText), time.Since(start))
	if err != nil {
		return Affected{}, fmt.Errorf("execute statement: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return Affected{}, fmt.Errorf("affected rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Affected{}, fmt.Errorf("commit transaction: %w", err)
	}
	return Affected{Count: count}, nil
}

func (e *Executor) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Executor) normalizeRow(values []any, dbTypes []string, degraded map[string]int) []Scalar {
	normalized := make([]Scalar, len(values))
	for i, value := range values {
		scalar, wasDegraded := normalizeValue(value, dbTypes[i])
		if wasDegraded {
			goType := fmt.Sprintf("%T", value)
			degraded[goType]++
			observability.ObserveSerializationDegraded(goType)
		}
		normalized[i] = scalar
	}
	return normalized
}

// columnTypeNames collects upper-cased database type names, tolerating
// drivers that do not report them.
func columnTypeNames(rows *sql.Rows, count int) []string {
	names := make([]string, count)
	types, err := rows.ColumnTypes()
	if err != nil {
		return names
	}
	for i, columnType := range types {
		if i >= count {
			break
		}
		names[i] = strings.ToUpper(columnType.DatabaseTypeName())
	}
	return names
}

func leadingVerb(sqlText string) string {
	fields := strings.Fields(sqlText)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}
