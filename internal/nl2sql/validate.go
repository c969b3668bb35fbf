package nl2sql

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/completion"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/intent"
	"github.com/XiaoTongYuCode/SqlOperatorByAi/internal/schema"
)

// Validation gates, in the order they run. The gate name travels on the
// RejectionError and on the rejection metrics.
const (
	GateCompletion     = "completion"
	GateEmpty          = "empty"
	GateMultiStatement = "multi_statement"
	GateVerbMismatch   = "verb_mismatch"
	GateUnknownTable   = "unknown_table"
)

// Statement is a validated single SQL statement. Verb is the lowercase
// leading keyword and Tables lists the referenced table names in
// statement order, deduplicated, with CTE names excluded.
type Statement struct {
	SQL    string
	Verb   string
	Tables []string
}

// RejectionError marks a candidate statement that failed a validation
// gate. Rejected statements are never executed.
type RejectionError struct {
	Gate   string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("statement rejected at %s gate: %s", e.Gate, e.Detail)
}

// AsRejection reports whether err carries a RejectionError.
func AsRejection(err error) (*RejectionError, bool) {
	var rejection *RejectionError
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}

// expectedVerbs maps each actionable intent to the leading keywords a
// synthesized statement may use.
var expectedVerbs = map[intent.Intent][]string{
	intent.Read:   {"select", "with"},
	intent.Create: {"insert"},
	intent.Update: {"update"},
	intent.Delete: {"delete"},
}

var (
	// FROM introduces a comma-separated source list; JOIN and INTO name a
	// single table each. The UPDATE target only counts at statement start,
	// which keeps SELECT ... FOR UPDATE out of the scan.
	sourceKeywordPattern = regexp.MustCompile(`(?i)\b(FROM|JOIN|INTO)\s+`)
	updateTargetPattern  = regexp.MustCompile(`(?i)\AUPDATE\s+(?:ONLY\s+)?([^\s(),;]+)`)
	ctePattern           = regexp.MustCompile(`(?i)\b([A-Za-z_][\w$]*)\s+AS\s*\(`)
	// FROM inside these scalar functions separates arguments, it does not
	// name a table.
	scalarFromPattern = regexp.MustCompile(`(?i)\b(?:EXTRACT|SUBSTRING|TRIM|OVERLAY)\s*\([^()]*\)`)
)

// Words that end a FROM source list when they show up where an alias
// could be.
var clauseKeywords = map[string]struct{}{
	"where": {}, "group": {}, "having": {}, "order": {}, "limit": {},
	"offset": {}, "join": {}, "left": {}, "right": {}, "inner": {},
	"outer": {}, "full": {}, "cross": {}, "natural": {}, "on": {},
	"using": {}, "union": {}, "except": {}, "intersect": {}, "set": {},
	"returning": {}, "for": {}, "values": {}, "as": {},
}

// Validate runs the structural gates over a completion reply and returns
// a Statement only when every gate passes. The gates cannot prove a
// statement correct; they reject statements that are provably wrong
// against the snapshot.
func Validate(raw string, kind intent.Intent, snapshot schema.Snapshot) (Statement, error) {
	verbs, ok := expectedVerbs[kind]
	if !ok {
		return Statement{}, fmt.Errorf("no statement kind for intent %q", kind)
	}

	sql := strings.TrimSpace(completion.StripFences(raw))
	sql = strings.TrimRight(sql, "; \t\r\n")
	if sql == "" {
		return Statement{}, &RejectionError{Gate: GateEmpty, Detail: "the completion contained no SQL"}
	}

	// User text inside string literals must not look like separators or
	// source keywords to the structural scans below.
	masked := maskStringLiterals(sql)
	if strings.ContainsRune(masked, ';') {
		return Statement{}, &RejectionError{Gate: GateMultiStatement, Detail: "more than one SQL statement was produced"}
	}

	verb := strings.ToLower(firstWord(sql))
	if !slices.Contains(verbs, verb) {
		return Statement{}, &RejectionError{
			Gate:   GateVerbMismatch,
			Detail: fmt.Sprintf("a %s request must produce a %s statement, got %q", kind, strings.ToUpper(verbs[0]), verb),
		}
	}

	cte := cteNames(masked)
	seen := make(map[string]struct{})
	var tables []string
	for _, ref := range referencedTables(masked) {
		name := normalizeTableName(ref)
		if name == "" {
			continue
		}
		lower := strings.ToLower(name)
		if _, ok := cte[lower]; ok {
			continue
		}
		if _, ok := seen[lower]; ok {
			continue
		}
		seen[lower] = struct{}{}
		if !snapshot.HasTable(name) {
			return Statement{}, &RejectionError{
				Gate:   GateUnknownTable,
				Detail: fmt.Sprintf("table %q does not exist in the database", name),
			}
		}
		tables = append(tables, name)
	}

	return Statement{SQL: sql, Verb: verb, Tables: tables}, nil
}

// maskStringLiterals blanks the contents of single-quoted literals,
// doubled-quote escapes included, so keyword and separator scans never
// match user text. The quotes themselves stay in place.
func maskStringLiterals(sql string) string {
	out := []byte(sql)
	inLiteral := false
	for i := 0; i < len(out); i++ {
		if out[i] != '\'' {
			if inLiteral {
				out[i] = ' '
			}
			continue
		}
		if inLiteral && i+1 < len(out) && out[i+1] == '\'' {
			out[i] = ' '
			out[i+1] = ' '
			i++
			continue
		}
		inLiteral = !inLiteral
	}
	return string(out)
}

func firstWord(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func cteNames(sql string) map[string]struct{} {
	names := make(map[string]struct{})
	for _, match := range ctePattern.FindAllStringSubmatch(sql, -1) {
		names[strings.ToLower(match[1])] = struct{}{}
	}
	return names
}

// referencedTables extracts candidate table references with a lexical
// scan, in statement order. Subqueries contribute their own FROM and
// JOIN matches; a source list that opens a parenthesis is a derived
// table and is skipped.
func referencedTables(sql string) []string {
	masked := scalarFromPattern.ReplaceAllString(sql, " ")

	var refs []string
	if match := updateTargetPattern.FindStringSubmatch(masked); match != nil {
		refs = append(refs, match[1])
	}
	for _, loc := range sourceKeywordPattern.FindAllStringSubmatchIndex(masked, -1) {
		keyword := strings.ToUpper(masked[loc[2]:loc[3]])
		rest := masked[loc[1]:]
		refs = append(refs, sourceList(rest, keyword == "FROM")...)
	}
	return refs
}

// sourceList reads the table names at the start of rest, skipping
// aliases. When list is true it follows comma-separated sources the way
// a FROM clause chains them; otherwise it stops after the first name.
func sourceList(rest string, list bool) []string {
	var names []string
	for {
		rest = strings.TrimLeft(rest, " \t\r\n")
		if rest == "" || strings.HasPrefix(rest, "(") {
			return names
		}
		name, remainder := splitIdent(rest)
		if name == "" {
			return names
		}
		names = append(names, name)
		if !list {
			return names
		}
		rest = skipAlias(remainder)
		rest = strings.TrimLeft(rest, " \t\r\n")
		if !strings.HasPrefix(rest, ",") {
			return names
		}
		rest = rest[1:]
	}
}

// splitIdent cuts the leading identifier token off rest.
func splitIdent(rest string) (string, string) {
	end := strings.IndexFunc(rest, func(r rune) bool {
		switch r {
		case ' ', '\t', '\r', '\n', ',', '(', ')', ';':
			return true
		}
		return false
	})
	if end < 0 {
		return rest, ""
	}
	return rest[:end], rest[end:]
}

// skipAlias consumes an optional "AS alias" or bare alias so that a
// following comma can be recognized as a source-list separator.
func skipAlias(rest string) string {
	trimmed := strings.TrimLeft(rest, " \t\r\n")
	word, remainder := splitIdent(trimmed)
	if word == "" {
		return rest
	}
	lower := strings.ToLower(word)
	if _, ok := clauseKeywords[lower]; ok {
		if lower != "as" {
			return rest
		}
		alias, after := splitIdent(strings.TrimLeft(remainder, " \t\r\n"))
		if alias == "" {
			return rest
		}
		return after
	}
	return remainder
}

// normalizeTableName strips identifier quoting and a schema qualifier,
// leaving the bare name used for the snapshot lookup.
func normalizeTableName(ref string) string {
	parts := strings.Split(ref, ".")
	name := parts[len(parts)-1]
	name = strings.Trim(name, "\"`[]")
	return strings.TrimSpace(name)
}
