// Package payload defines the outbound wire frames of the chat
// protocol. Every frame carries status, kind and final; marshaling a
// frame is pure, the same result always yields the same bytes.
package payload

import (
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/sqlexec"
)

// Stable wire error codes. Clients match on these, never on message
// text.
const (
	CodeClassificationAmbiguous  = "classification_ambiguous"
	CodeSchemaUnavailable        = "schema_unavailable"
	CodeSynthesisRejected        = "synthesis_rejected"
	CodeExecutionFailed          = "execution_failed"
	CodeSerializationUnsupported = "serialization_unsupported_type"
	CodeTransportFailure         = "transport_failure"
)

// Text is a conversational frame. Progress frames use final=false, the
// closing frame of a turn uses final=true.
type Text struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Final   bool   `json:"final"`
}

// Rows carries a read result. Rows are positional and aligned with
// Columns.
type Rows struct {
	Status   string             `json:"status"`
	Kind     string             `json:"kind"`
	Message  string             `json:"message"`
	Columns  []string           `json:"columns"`
	Rows     [][]sqlexec.Scalar `json:"rows"`
	RowCount int                `json:"row_count"`
	Final    bool               `json:"final"`
}

// Affected carries a write result together with the statement verb that
// produced it.
type Affected struct {
	Status    string `json:"status"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Affected  int64  `json:"affected"`
	Operation string `json:"operation"`
	Final     bool   `json:"final"`
}

// Error closes a failed turn. The message is already sanitized for end
// users; driver detail stays in the server log.
type Error struct {
	Status    string `json:"status"`
	Kind      string `json:"kind"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Final     bool   `json:"final"`
}

func NewText(message string, final bool) Text {
	return Text{Status: "ok", Kind: "text", Message: message, Final: final}
}

func NewRows(message string, columns []string, rows [][]sqlexec.Scalar) Rows {
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = [][]sqlexec.Scalar{}
	}
	return Rows{
		Status:   "ok",
		Kind:     "rows",
		Message:  message,
		Columns:  columns,
		Rows:     rows,
		RowCount: len(rows),
		Final:    true,
	}
}

func NewAffected(message, operation string, count int64) Affected {
	return Affected{
		Status:    "ok",
		Kind:      "affected",
		Message:   message,
		Affected:  count,
		Operation: operation,
		Final:     true,
	}
}

func NewError(code, message string) Error {
	return Error{
		Status:    "error",
		Kind:      "error",
		ErrorCode: code,
		Message:   message,
		Final:     true,
	}
}
