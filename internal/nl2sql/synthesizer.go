// Package nl2sql synthesizes a single SQL statement from an utterance,
// a classified intent, and a schema snapshot. The completion output is
// untrusted; it only becomes a Statement after passing every validation
// gate in Validate.
package nl2sql

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/completion"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/intent"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/observability"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/schema"
)

type Request struct {
	Utterance string
	Intent    intent.Intent
	Rationale string
	History   []intent.HistoryEntry
	Snapshot  schema.Snapshot
}

type Synthesizer struct {
	client        completion.Client
	logger        *slog.Logger
	repairRetries int
	tableCap      int
}

// NewSynthesizer builds a synthesizer. repairRetries bounds how often a
// rejected statement is sent back to the model with the gate feedback;
// zero keeps the one-shot rejection behavior.
func NewSynthesizer(client completion.Client, logger *slog.Logger, repairRetries, tableCap int) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	if repairRetries < 0 {
		repairRetries = 0
	}
	return &Synthesizer{
		client:        client,
		logger:        logger,
		repairRetries: repairRetries,
		tableCap:      tableCap,
	}
}

func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Statement, error) {
	if req.Intent == intent.None {
		return Statement{}, fmt.Errorf("cannot synthesize SQL for intent %q", req.Intent)
	}
	if strings.TrimSpace(req.Utterance) == "" {
		return Statement{}, fmt.Errorf("utterance is required")
	}

	var feedback string
	for attempt := 0; ; attempt++ {
		start := time.Now()
		reply, err := s.client.Complete(ctx, s.buildPrompt(req, feedback))
		observability.ObserveCompletion("synthesize", time.Since(start), err)
		if err != nil {
			// Completion failures are recoverable and land on the
			// rejected path, never as a fatal fault.
			return Statement{}, &RejectionError{Gate: GateCompletion, Detail: err.Error()}
		}

		raw := reply
		if block, ok := completion.ExtractFencedBlock(reply, "sql"); ok {
			raw = block
		}

		stmt, err := Validate(raw, req.Intent, req.Snapshot)
		if err == nil {
			s.logger.DebugContext(ctx, "sql synthesized",
				slog.String("intent", string(req.Intent)),
				slog.String("verb", stmt.Verb),
				slog.Int("attempt", attempt+1))
			return stmt, nil
		}

		rejection, ok := AsRejection(err)
		if !ok {
			return Statement{}, err
		}
		observability.ObserveSynthesisRejection(rejection.Gate)
		s.logger.WarnContext(ctx, "synthesized statement rejected",
			slog.String("gate", rejection.Gate),
			slog.String("detail", rejection.Detail),
			slog.Int("attempt", attempt+1))
		if attempt >= s.repairRetries {
			return Statement{}, rejection
		}
		feedback = rejection.Detail
	}
}

func (s *Synthesizer) buildPrompt(req Request, feedback string) completion.Prompt {
	system := fmt.Sprintf(
		"You convert a user's request into exactly one %s statement for the relational database described by the user. "+
			"Use only tables that exist in the schema. Never invent tables or columns. "+
			"Return ONLY the SQL statement, inside a ```sql fence or bare. No explanation, no extra statements.",
		strings.ToUpper(expectedVerbs[req.Intent][0]))

	// A repair attempt gets the full schema so the model can fix an
	// unknown-table reference the pruned context may have caused.
	tableCap := s.tableCap
	if feedback != "" {
		tableCap = 0
	}

	var b strings.Builder
	b.WriteString(req.Snapshot.PromptContextFor(req.Utterance, tableCap))
	b.WriteString("\n")
	if len(req.History) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, entry := range req.History {
			fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Text)
		}
		b.WriteString("\n")
	}
	if strings.TrimSpace(req.Rationale) != "" {
		fmt.Fprintf(&b, "Operation description: %s\n\n", strings.TrimSpace(req.Rationale))
	}
	fmt.Fprintf(&b, "User request:\n%s\n", strings.TrimSpace(req.Utterance))
	if feedback != "" {
		fmt.Fprintf(&b, "\nYour previous statement was rejected: %s\nProduce a corrected statement.\n", feedback)
	}
	return completion.Prompt{System: system, User: b.String()}
}
