package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func newTestExecutor(db *sql.DB) *Executor {
	return New(db, slog.New(slog.NewJSONHandler(io.Discard, nil)), time.Second)
}

func TestQueryNormalizesRows(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := newTestExecutor(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, name, salary FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "salary"}).
			AddRow(int64(1), "张三", 5500.0).
			AddRow(int64(2), []byte("李四"), nil))

	rowSet, err := executor.Query(context.Background(), "SELECT id, name, salary FROM users")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rowSet.Columns) != 3 || rowSet.Columns[0] != "id" {
		t.Fatalf("Columns = %v", rowSet.Columns)
	}
	if len(rowSet.Rows) != 2 {
		t.Fatalf("rows = %d", len(rowSet.Rows))
	}
	if rowSet.Rows[0][0] != IntValue(1) {
		t.Fatalf("rows[0][0] = %+v", rowSet.Rows[0][0])
	}
	if rowSet.Rows[0][2] != FloatValue(5500) {
		t.Fatalf("rows[0][2] = %+v", rowSet.Rows[0][2])
	}
	if rowSet.Rows[1][1] != TextValue("李四") {
		t.Fatalf("rows[1][1] = %+v", rowSet.Rows[1][1])
	}
	if rowSet.Rows[1][2] != Null() {
		t.Fatalf("rows[1][2] = %+v", rowSet.Rows[1][2])
	}
	assertSQLMock(t, mock)
}

func TestQueryDegradesUnsupportedValues(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := newTestExecutor(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT location FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"location"}).
			AddRow(map[string]any{"city": "北京"}))

	rowSet, err := executor.Query(context.Background(), "SELECT location FROM users")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if rowSet.Rows[0][0] != TextValue("map[city:北京]") {
		t.Fatalf("rows[0][0] = %+v", rowSet.Rows[0][0])
	}
	assertSQLMock(t, mock)
}

func TestQueryWrapsDriverError(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := newTestExecutor(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM users")).
		WillReturnError(errors.New(`relation "users" does not exist`))

	_, err := executor.Query(context.Background(), "SELECT * FROM users")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestExecCommitsTransaction(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := newTestExecutor(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET salary = 8000 WHERE name = '张三'")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	affected, err := executor.Exec(context.Background(), "UPDATE users SET salary = 8000 WHERE name = '张三'")
	if err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	if affected.Count != 1 {
		t.Fatalf("Count = %d", affected.Count)
	}
	assertSQLMock(t, mock)
}

func TestExecRollsBackOnError(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := newTestExecutor(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM users WHERE id = 1")).
		WillReturnError(errors.New("FOREIGN KEY constraint failed"))
	mock.ExpectRollback()

	_, err := executor.Exec(context.Background(), "DELETE FROM users WHERE id = 1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "constraint failed") {
		t.Fatalf("error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestExecAffectedCountError(t *testing.T) {
	db, mock := newSQLMock(t)
	executor := newTestExecutor(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO users (name) VALUES ('王五')")).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("affected count unavailable")))
	mock.ExpectRollback()

	_, err := executor.Exec(context.Background(), "INSERT INTO users (name) VALUES ('王五')")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "affected rows") {
		t.Fatalf("error = %v", err)
	}
	assertSQLMock(t, mock)
}
