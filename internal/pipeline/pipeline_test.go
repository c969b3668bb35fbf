package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/intent"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/nl2sql"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/payload"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/schema"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/sqlexec"
)

type fakeClassifier struct {
	result intent.Result
	err    error
	calls  int
}

func (f *fakeClassifier) Classify(_ context.Context, _ string, _ []intent.HistoryEntry) (intent.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeIntrospector struct {
	snapshot schema.Snapshot
	err      error
	calls    int
}

func (f *fakeIntrospector) Snapshot(_ context.Context) (schema.Snapshot, error) {
	f.calls++
	return f.snapshot, f.err
}

type fakeSynthesizer struct {
	stmt  nl2sql.Statement
	err   error
	req   nl2sql.Request
	calls int
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, req nl2sql.Request) (nl2sql.Statement, error) {
	f.calls++
	f.req = req
	return f.stmt, f.err
}

type fakeExecutor struct {
	rowSet   sqlexec.RowSet
	affected sqlexec.Affected
	queryErr error
	execErr  error
	queries  []string
	execs    []string
}

func (f *fakeExecutor) Query(_ context.Context, sqlText string) (sqlexec.RowSet, error) {
	f.queries = append(f.queries, sqlText)
	return f.rowSet, f.queryErr
}

func (f *fakeExecutor) Exec(_ context.Context, sqlText string) (sqlexec.Affected, error) {
	f.execs = append(f.execs, sqlText)
	return f.affected, f.execErr
}

func testSnapshot() schema.Snapshot {
	return schema.Snapshot{Tables: []schema.Table{
		{Name: "users", Comment: "用户表", Columns: []schema.Column{
			{Name: "id", DataType: "INTEGER", PrimaryKey: true, Comment: "用户ID"},
			{Name: "name", DataType: "TEXT", Comment: "姓名"},
			{Name: "salary", DataType: "INTEGER", Comment: "工资"},
		}},
	}}
}

func newTestOrchestrator(deps Dependencies) *Orchestrator {
	deps.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	if deps.TurnTimeout == 0 {
		deps.TurnTimeout = 5 * time.Second
	}
	return NewOrchestrator(deps)
}

func TestRunTurnReadFlow(t *testing.T) {
	classifier := &fakeClassifier{result: intent.Result{Intent: intent.Read}}
	introspector := &fakeIntrospector{snapshot: testSnapshot()}
	synthesizer := &fakeSynthesizer{stmt: nl2sql.Statement{
		SQL:    "SELECT * FROM users",
		Verb:   "select",
		Tables: []string{"users"},
	}}
	executor := &fakeExecutor{rowSet: sqlexec.RowSet{
		Columns: []string{"id", "name", "salary"},
		Rows: [][]sqlexec.Scalar{
			{sqlexec.IntValue(1), sqlexec.TextValue("张三"), sqlexec.IntValue(4500)},
			{sqlexec.IntValue(2), sqlexec.TextValue("李四"), sqlexec.IntValue(6200)},
		},
	}}
	o := newTestOrchestrator(Dependencies{
		Classifier: classifier, Introspector: introspector,
		Synthesizer: synthesizer, Executor: executor,
	})

	result := o.RunTurn(context.Background(), Turn{Utterance: "查询所有用户信息"}, nil)

	frame, ok := result.Frame.(payload.Rows)
	if !ok {
		t.Fatalf("Frame = %T", result.Frame)
	}
	if !reflect.DeepEqual(frame.Columns, []string{"用户ID", "姓名", "工资"}) {
		t.Fatalf("Columns = %v", frame.Columns)
	}
	if frame.RowCount != 2 {
		t.Fatalf("RowCount = %d", frame.RowCount)
	}
	if frame.Message != "查询成功，共 2 行。" {
		t.Fatalf("Message = %q", frame.Message)
	}
	if synthesizer.req.Utterance != "查询所有用户信息" || synthesizer.req.Intent != intent.Read {
		t.Fatalf("synthesizer request = %+v", synthesizer.req)
	}
	if len(executor.queries) != 1 || executor.queries[0] != "SELECT * FROM users" {
		t.Fatalf("queries = %v", executor.queries)
	}
}

func TestRunTurnUpdateFlow(t *testing.T) {
	classifier := &fakeClassifier{result: intent.Result{Intent: intent.Update}}
	executor := &fakeExecutor{affected: sqlexec.Affected{Count: 1}}
	o := newTestOrchestrator(Dependencies{
		Classifier:   classifier,
		Introspector: &fakeIntrospector{snapshot: testSnapshot()},
		Synthesizer: &fakeSynthesizer{stmt: nl2sql.Statement{
			SQL:    "UPDATE users SET salary = 8000 WHERE name = '张三'",
			Verb:   "update",
			Tables: []string{"users"},
		}},
		Executor: executor,
	})

	result := o.RunTurn(context.Background(), Turn{Utterance: "将用户张三的工资改为8000"}, nil)

	frame, ok := result.Frame.(payload.Affected)
	if !ok {
		t.Fatalf("Frame = %T", result.Frame)
	}
	if frame.Affected != 1 || frame.Operation != "update" {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Message != "更新成功，影响 1 行。" {
		t.Fatalf("Message = %q", frame.Message)
	}
	if len(executor.execs) != 1 {
		t.Fatalf("execs = %v", executor.execs)
	}
}

func TestRunTurnConversational(t *testing.T) {
	classifier := &fakeClassifier{result: intent.Result{
		Intent:    intent.None,
		Rationale: "我是SQL助手，无法回答天气问题，但我可以帮您操作数据库。",
	}}
	introspector := &fakeIntrospector{snapshot: testSnapshot()}
	synthesizer := &fakeSynthesizer{}
	executor := &fakeExecutor{}
	o := newTestOrchestrator(Dependencies{
		Classifier: classifier, Introspector: introspector,
		Synthesizer: synthesizer, Executor: executor,
	})

	result := o.RunTurn(context.Background(), Turn{Utterance: "今天天气怎么样"}, nil)

	frame, ok := result.Frame.(payload.Text)
	if !ok {
		t.Fatalf("Frame = %T", result.Frame)
	}
	if !frame.Final {
		t.Fatal("conversational frame must be final")
	}
	if frame.Message != classifier.result.Rationale {
		t.Fatalf("Message = %q", frame.Message)
	}
	if introspector.calls != 0 || synthesizer.calls != 0 {
		t.Fatal("conversational turn must not touch schema or synthesis")
	}
	if len(executor.queries) != 0 || len(executor.execs) != 0 {
		t.Fatal("conversational turn must not touch the database")
	}
}

func TestRunTurnAmbiguousFailsClosed(t *testing.T) {
	classifier := &fakeClassifier{result: intent.Result{Intent: intent.None, Ambiguous: true}}
	executor := &fakeExecutor{}
	o := newTestOrchestrator(Dependencies{
		Classifier:   classifier,
		Introspector: &fakeIntrospector{snapshot: testSnapshot()},
		Synthesizer:  &fakeSynthesizer{},
		Executor:     executor,
	})

	result := o.RunTurn(context.Background(), Turn{Utterance: "把那个改一下"}, nil)

	frame, ok := result.Frame.(payload.Text)
	if !ok {
		t.Fatalf("Frame = %T, ambiguity must reply conversationally", result.Frame)
	}
	if !strings.Contains(frame.Message, "换一种说法") {
		t.Fatalf("Message = %q", frame.Message)
	}
	if len(executor.queries) != 0 || len(executor.execs) != 0 {
		t.Fatal("ambiguous turn must not touch the database")
	}
}

func TestRunTurnClassifierError(t *testing.T) {
	o := newTestOrchestrator(Dependencies{
		Classifier:   &fakeClassifier{err: errors.New("utterance is required")},
		Introspector: &fakeIntrospector{snapshot: testSnapshot()},
		Synthesizer:  &fakeSynthesizer{},
		Executor:     &fakeExecutor{},
	})

	result := o.RunTurn(context.Background(), Turn{}, nil)

	frame, ok := result.Frame.(payload.Error)
	if !ok {
		t.Fatalf("Frame = %T", result.Frame)
	}
	if frame.ErrorCode != payload.CodeClassificationAmbiguous {
		t.Fatalf("ErrorCode = %q", frame.ErrorCode)
	}
}

func TestRunTurnSchemaUnavailable(t *testing.T) {
	synthesizer := &fakeSynthesizer{}
	o := newTestOrchestrator(Dependencies{
		Classifier:   &fakeClassifier{result: intent.Result{Intent: intent.Read}},
		Introspector: &fakeIntrospector{err: errors.New("connection refused")},
		Synthesizer:  synthesizer,
		Executor:     &fakeExecutor{},
	})

	result := o.RunTurn(context.Background(), Turn{Utterance: "查询所有用户信息"}, nil)

	frame, ok := result.Frame.(payload.Error)
	if !ok {
		t.Fatalf("Frame = %T", result.Frame)
	}
	if frame.ErrorCode != payload.CodeSchemaUnavailable {
		t.Fatalf("ErrorCode = %q", frame.ErrorCode)
	}
	if synthesizer.calls != 0 {
		t.Fatal("no SQL may be synthesized against an unknown schema")
	}
}

func TestRunTurnSynthesisRejected(t *testing.T) {
	executor := &fakeExecutor{}
	o := newTestOrchestrator(Dependencies{
		Classifier:   &fakeClassifier{result: intent.Result{Intent: intent.Read}},
		Introspector: &fakeIntrospector{snapshot: testSnapshot()},
		Synthesizer: &fakeSynthesizer{err: &nl2sql.RejectionError{
			Gate:   nl2sql.GateUnknownTable,
			Detail: `table "nonexistent" does not exist in the database`,
		}},
		Executor: executor,
	})

	result := o.RunTurn(context.Background(), Turn{Utterance: "查询不存在的表"}, nil)

	frame, ok := result.Frame.(payload.Error)
	if !ok {
		t.Fatalf("Frame = %T", result.Frame)
	}
	if frame.ErrorCode != payload.CodeSynthesisRejected {
		t.Fatalf("ErrorCode = %q", frame.ErrorCode)
	}
	if !strings.Contains(frame.Message, "nonexistent") {
		t.Fatalf("Message = %q", frame.Message)
	}
	if len(executor.queries) != 0 || len(executor.execs) != 0 {
		t.Fatal("rejected statement must not execute")
	}
}

func TestRunTurnExecutionFailedIsSanitized(t *testing.T) {
	o := newTestOrchestrator(Dependencies{
		Classifier:   &fakeClassifier{result: intent.Result{Intent: intent.Read}},
		Introspector: &fakeIntrospector{snapshot: testSnapshot()},
		Synthesizer: &fakeSynthesizer{stmt: nl2sql.Statement{
			SQL: "SELECT * FROM users", Verb: "select", Tables: []string{"users"},
		}},
		Executor: &fakeExecutor{queryErr: errors.New("dial tcp 10.0.0.5:5432: connection refused")},
	})

	result := o.RunTurn(context.Background(), Turn{Utterance: "查询所有用户信息"}, nil)

	frame, ok := result.Frame.(payload.Error)
	if !ok {
		t.Fatalf("Frame = %T", result.Frame)
	}
	if frame.ErrorCode != payload.CodeExecutionFailed {
		t.Fatalf("ErrorCode = %q", frame.ErrorCode)
	}
	if strings.Contains(frame.Message, "10.0.0.5") {
		t.Fatalf("driver detail leaked to user: %q", frame.Message)
	}
}

func TestRunTurnProgressMessages(t *testing.T) {
	o := newTestOrchestrator(Dependencies{
		Classifier:   &fakeClassifier{result: intent.Result{Intent: intent.Read}},
		Introspector: &fakeIntrospector{snapshot: testSnapshot()},
		Synthesizer: &fakeSynthesizer{stmt: nl2sql.Statement{
			SQL: "SELECT * FROM users", Verb: "select", Tables: []string{"users"},
		}},
		Executor: &fakeExecutor{},
	})

	var messages []string
	o.RunTurn(context.Background(), Turn{Utterance: "查询所有用户信息"}, func(message string) {
		messages = append(messages, message)
	})

	want := []string{"正在理解您的需求...", "正在读取数据库结构...", "正在生成SQL...", "正在执行SQL..."}
	if !reflect.DeepEqual(messages, want) {
		t.Fatalf("progress = %v", messages)
	}
}
