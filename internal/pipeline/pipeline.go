// Package pipeline drives one conversation turn through the fixed
// stage order: classify, introspect, synthesize, execute, serialize.
// A stage failure short-circuits into a final error frame; the
// transport connection itself is never torn down here.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/intent"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/nl2sql"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/observability"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/payload"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/schema"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/sqlexec"
)

type Classifier interface {
	Classify(ctx context.Context, utterance string, history []intent.HistoryEntry) (intent.Result, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req nl2sql.Request) (nl2sql.Statement, error)
}

type Executor interface {
	Query(ctx context.Context, sqlText string) (sqlexec.RowSet, error)
	Exec(ctx context.Context, sqlText string) (sqlexec.Affected, error)
}

type Dependencies struct {
	Classifier   Classifier
	Introspector schema.Introspector
	Synthesizer  Synthesizer
	Executor     Executor
	Logger       *slog.Logger
	TurnTimeout  time.Duration
}

// Turn is one inbound utterance plus the conversation context the
// session accumulated so far.
type Turn struct {
	Utterance string
	History   []intent.HistoryEntry
}

// Result carries the final frame for the turn and a short summary the
// session appends to its history ring.
type Result struct {
	Frame   any
	Intent  intent.Intent
	Summary string
}

// ProgressFunc receives stage-boundary progress messages. A nil
// function disables progress frames.
type ProgressFunc func(message string)

type Orchestrator struct {
	deps Dependencies
}

func NewOrchestrator(deps Dependencies) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{deps: deps}
}

// RunTurn processes one utterance to completion. The returned frame is
// always writable; failures surface as error frames, never as a Go
// error to the session.
func (o *Orchestrator) RunTurn(ctx context.Context, turn Turn, progress ProgressFunc) Result {
	start := time.Now()
	if o.deps.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deps.TurnTimeout)
		defer cancel()
	}

	result, outcome, err := o.run(ctx, turn, progress)
	observability.ObserveTurn(string(result.Intent), outcome, time.Since(start))
	if err != nil {
		o.deps.Logger.ErrorContext(ctx, "turn failed",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()))
	} else {
		o.deps.Logger.InfoContext(ctx, "turn completed",
			slog.String("intent", string(result.Intent)),
			slog.String("outcome", outcome),
			slog.Duration("elapsed", time.Since(start)))
	}
	return result
}

func (o *Orchestrator) run(ctx context.Context, turn Turn, progress ProgressFunc) (Result, string, error) {
	notify(progress, "正在理解您的需求...")
	classified, err := o.deps.Classifier.Classify(ctx, turn.Utterance, turn.History)
	if err != nil {
		frame := payload.NewError(payload.CodeClassificationAmbiguous, "无法理解您的请求，请重新描述。")
		return Result{Frame: frame, Intent: intent.None, Summary: frame.Message},
			payload.CodeClassificationAmbiguous, fmt.Errorf("classify: %w", err)
	}
	if classified.Intent == intent.None {
		return o.replyConversational(classified), noneOutcome(classified), nil
	}

	notify(progress, "正在读取数据库结构...")
	snapshot, err := o.deps.Introspector.Snapshot(ctx)
	if err != nil {
		frame := payload.NewError(payload.CodeSchemaUnavailable, "无法读取数据库结构，请稍后重试。")
		return Result{Frame: frame, Intent: classified.Intent, Summary: frame.Message},
			payload.CodeSchemaUnavailable, fmt.Errorf("introspect schema: %w", err)
	}

	notify(progress, "正在生成SQL...")
	stmt, err := o.deps.Synthesizer.Synthesize(ctx, nl2sql.Request{
		Utterance: turn.Utterance,
		Intent:    classified.Intent,
		Rationale: classified.Rationale,
		History:   turn.History,
		Snapshot:  snapshot,
	})
	if err != nil {
		detail := err.Error()
		if rejection, ok := nl2sql.AsRejection(err); ok {
			detail = rejection.Detail
		}
		frame := payload.NewError(payload.CodeSynthesisRejected, "生成的SQL未通过校验："+detail)
		return Result{Frame: frame, Intent: classified.Intent, Summary: frame.Message},
			payload.CodeSynthesisRejected, fmt.Errorf("synthesize: %w", err)
	}

	notify(progress, "正在执行SQL...")
	if classified.Intent == intent.Read {
		rowSet, err := o.deps.Executor.Query(ctx, stmt.SQL)
		if err != nil {
			return o.replyExecutionFailed(ctx, classified.Intent, stmt, err)
		}
		message := fmt.Sprintf("查询成功，共 %d 行。", len(rowSet.Rows))
		frame := payload.NewRows(message, displayColumns(snapshot, stmt.Tables, rowSet.Columns), rowSet.Rows)
		return Result{Frame: frame, Intent: classified.Intent, Summary: message}, "ok", nil
	}

	affected, err := o.deps.Executor.Exec(ctx, stmt.SQL)
	if err != nil {
		return o.replyExecutionFailed(ctx, classified.Intent, stmt, err)
	}
	message := fmt.Sprintf("%s成功，影响 %d 行。", verbNoun(stmt.Verb), affected.Count)
	frame := payload.NewAffected(message, stmt.Verb, affected.Count)
	return Result{Frame: frame, Intent: classified.Intent, Summary: message}, "ok", nil
}

// replyConversational answers a non-database turn. When the classifier
// extracted a conversational reply from the completion it is used
// directly, otherwise a canned message explains what the assistant can
// do.
func (o *Orchestrator) replyConversational(classified intent.Result) Result {
	message := strings.TrimSpace(classified.Rationale)
	if message == "" {
		if classified.Ambiguous {
			message = "我不太确定您想执行什么数据库操作，请换一种说法，例如：查询所有用户信息。"
		} else {
			message = "您好！我可以帮您用自然语言查询或修改数据库，请直接描述您想做的操作。"
		}
	}
	frame := payload.NewText(message, true)
	return Result{Frame: frame, Intent: intent.None, Summary: message}
}

func (o *Orchestrator) replyExecutionFailed(ctx context.Context, kind intent.Intent, stmt nl2sql.Statement, err error) (Result, string, error) {
	// The driver message stays in the server log; the user sees a
	// sanitized summary only.
	frame := payload.NewError(payload.CodeExecutionFailed, "SQL执行失败，请稍后重试或换一种说法。")
	return Result{Frame: frame, Intent: kind, Summary: frame.Message},
		payload.CodeExecutionFailed, fmt.Errorf("execute %q: %w", stmt.SQL, err)
}

func noneOutcome(classified intent.Result) string {
	if classified.Ambiguous {
		return "ambiguous"
	}
	return "none"
}

func notify(progress ProgressFunc, message string) {
	if progress != nil {
		progress(message)
	}
}

// displayColumns swaps result column names for their column comments
// where the referenced tables agree on one.
func displayColumns(snapshot schema.Snapshot, tables []string, columns []string) []string {
	display := make([]string, len(columns))
	for i, column := range columns {
		if comment := snapshot.ColumnComment(tables, column); comment != "" {
			display[i] = comment
		} else {
			display[i] = column
		}
	}
	return display
}

func verbNoun(verb string) string {
	switch verb {
	case "insert":
		return "新增"
	case "update":
		return "更新"
	case "delete":
		return "删除"
	default:
		return "执行"
	}
}
