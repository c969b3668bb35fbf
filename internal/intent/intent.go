// Package intent classifies user utterances into database-operation
// categories. Parsing the completion output is fail-closed: anything
// that does not resolve to exactly one recognized label is treated as
// a conversational turn, never as a database operation.
package intent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/completion"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/observability"
)

type Intent string

const (
	Read   Intent = "read"
	Create Intent = "create"
	Update Intent = "update"
	Delete Intent = "delete"
	None   Intent = "none"
)

// Result carries the classified intent plus the raw rationale the model
// attached to it, kept for diagnostics only.
type Result struct {
	Intent    Intent
	Rationale string
	Ambiguous bool
}

type HistoryEntry struct {
	Role string
	Text string
}

type Classifier struct {
	client completion.Client
	logger *slog.Logger
}

func NewClassifier(client completion.Client, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, logger: logger}
}

const classifySystemPrompt = "You classify a user's request against a relational database. " +
	"Reply with exactly one lowercase label and nothing else: read, create, update, delete, or none. " +
	"read covers queries, create covers inserting new records, update covers changing existing records, " +
	"delete covers removing records. none covers greetings, questions about the assistant, " +
	"and anything that is not a database operation."

// Classify asks the completion backend for exactly one label. Completion
// failures and unparseable answers fail closed to None; only an empty
// utterance is a caller error.
func (c *Classifier) Classify(ctx context.Context, utterance string, history []HistoryEntry) (Result, error) {
	if strings.TrimSpace(utterance) == "" {
		return Result{}, fmt.Errorf("utterance is required")
	}

	start := time.Now()
	reply, err := c.client.Complete(ctx, completion.Prompt{
		System: classifySystemPrompt,
		User:   buildClassifyUser(utterance, history),
	})
	observability.ObserveCompletion("classify", time.Since(start), err)
	if err != nil {
		c.logger.WarnContext(ctx, "intent classification failed, treating as conversational",
			slog.String("error", err.Error()))
		return Result{Intent: None, Ambiguous: true}, nil
	}

	result := ParseLabel(reply)
	c.logger.DebugContext(ctx, "intent classified",
		slog.String("intent", string(result.Intent)),
		slog.Bool("ambiguous", result.Ambiguous))
	return result, nil
}

func buildClassifyUser(utterance string, history []HistoryEntry) string {
	var b strings.Builder
	if len(history) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, entry := range history {
			fmt.Fprintf(&b, "%s: %s\n", entry.Role, entry.Text)
		}
		b.WriteString("\n")
	}
	b.WriteString("User message:\n")
	b.WriteString(strings.TrimSpace(utterance))
	return b.String()
}

var englishLabelPattern = regexp.MustCompile(`(?i)\b(read|select|query|create|insert|update|delete|none|chat)\b`)

var labelAliases = map[string]Intent{
	"read":   Read,
	"select": Read,
	"query":  Read,
	"查询":     Read,
	"create": Create,
	"insert": Create,
	"新增":     Create,
	"update": Update,
	"更改":     Update,
	"修改":     Update,
	"delete": Delete,
	"删除":     Delete,
	"none":   None,
	"chat":   None,
	"聊天":     None,
}

var chineseLabels = []string{"查询", "新增", "更改", "修改", "删除", "聊天"}

// ParseLabel extracts exactly one recognized label from a completion
// response. Labels may arrive bare, wrapped in fences, or tagged on a
// fenced block whose body is the model's rationale. Zero or multiple
// distinct labels yield None with the ambiguous marker set.
func ParseLabel(response string) Result {
	// Fenced blocks tagged with a label carry the rationale as body.
	seen := map[Intent]string{}
	for _, block := range completion.FencedBlocks(response) {
		if intent, ok := labelAliases[strings.ToLower(block[0])]; ok {
			if _, dup := seen[intent]; !dup {
				seen[intent] = block[1]
			}
		}
	}
	if len(seen) == 1 {
		for intent, rationale := range seen {
			return Result{Intent: intent, Rationale: rationale}
		}
	}
	if len(seen) > 1 {
		return Result{Intent: None, Ambiguous: true}
	}

	text := completion.StripFences(response)
	distinct := map[Intent]bool{}
	for _, match := range englishLabelPattern.FindAllString(text, -1) {
		distinct[labelAliases[strings.ToLower(match)]] = true
	}
	for _, label := range chineseLabels {
		if strings.Contains(text, label) {
			distinct[labelAliases[label]] = true
		}
	}
	if len(distinct) != 1 {
		return Result{Intent: None, Ambiguous: true}
	}
	for intent := range distinct {
		return Result{Intent: intent}
	}
	return Result{Intent: None, Ambiguous: true}
}
