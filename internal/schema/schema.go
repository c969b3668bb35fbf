// Package schema introspects the operational database and renders the
// result as prompt context. A Snapshot is rebuilt for every conversation
// turn so that DDL applied in one turn is visible to the next; nothing in
// this package caches across calls.
package schema

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

type Column struct {
	Name       string
	DataType   string
	Nullable   bool
	Default    string
	PrimaryKey bool
	Comment    string
}

type Table struct {
	Name    string
	Comment string
	Columns []Column
}

type Snapshot struct {
	Tables []Table
}

type Introspector interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// NewIntrospector selects the introspection dialect for the configured
// driver. DuckDB exposes the sqlite_master compatibility view and the
// table_info pragma, so it shares the sqlite path.
func NewIntrospector(driver string, handle *sql.DB) (Introspector, error) {
	if handle == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	switch driver {
	case "postgres":
		return &PostgresIntrospector{DB: handle}, nil
	case "sqlite", "duckdb":
		return &SQLiteIntrospector{DB: handle}, nil
	default:
		return nil, fmt.Errorf("unsupported introspection driver %q", driver)
	}
}

func (s Snapshot) HasTable(name string) bool {
	for _, table := range s.Tables {
		if strings.EqualFold(table.Name, name) {
			return true
		}
	}
	return false
}

func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

// ColumnComment resolves a display comment for a result column. It only
// answers when exactly one of the referenced tables carries a comment for
// that column name; an ambiguous name keeps its raw form.
func (s Snapshot) ColumnComment(referencedTables []string, column string) string {
	var found string
	for _, table := range s.Tables {
		if !containsFold(referencedTables, table.Name) {
			continue
		}
		for _, col := range table.Columns {
			if !strings.EqualFold(col.Name, column) || col.Comment == "" {
				continue
			}
			if found != "" && found != col.Comment {
				return ""
			}
			found = col.Comment
		}
	}
	return found
}

// PromptContext renders every table as a markdown block for model prompts.
func (s Snapshot) PromptContext() string {
	var b strings.Builder
	b.WriteString("Database schema:\n\n")
	for i, table := range s.Tables {
		writeTableContext(&b, i+1, table)
	}
	return b.String()
}

// PromptContextFor renders at most tableCap tables, ranked by relevance to
// the utterance. When tables are pruned the remaining names are still
// listed so the model knows what exists.
func (s Snapshot) PromptContextFor(utterance string, tableCap int) string {
	if tableCap <= 0 || len(s.Tables) <= tableCap {
		return s.PromptContext()
	}

	kept := s.relevantTables(utterance, tableCap)
	var b strings.Builder
	b.WriteString("Database schema (most relevant tables):\n\n")
	for i, table := range kept {
		writeTableContext(&b, i+1, table)
	}
	b.WriteString("All tables in this database: ")
	b.WriteString(strings.Join(s.TableNames(), ", "))
	b.WriteString("\n")
	return b.String()
}

func writeTableContext(b *strings.Builder, ordinal int, table Table) {
	comment := table.Comment
	if comment == "" {
		comment = table.Name
	}
	fmt.Fprintf(b, "%d. **%s** - %s\n", ordinal, table.Name, comment)
	b.WriteString("   | Column | Type | Nullable | Default | Key | Comment |\n")
	b.WriteString("   | ------ | ---- | -------- | ------- | --- | ------- |\n")
	for _, col := range table.Columns {
		nullable := "NO"
		if col.Nullable {
			nullable = "YES"
		}
		key := ""
		if col.PrimaryKey {
			key = "PK"
		}
		fmt.Fprintf(b, "   | %s | %s | %s | %s | %s | %s |\n",
			col.Name, col.DataType, nullable, col.Default, key, col.Comment)
	}
	b.WriteString("\n")
}

// relevantTables scores tables against the utterance: a table name or
// comment appearing in the text outweighs column matches. Order among the
// kept tables follows the snapshot.
func (s Snapshot) relevantTables(utterance string, tableCap int) []Table {
	utterance = strings.ToLower(utterance)
	type scored struct {
		index int
		score int
	}
	ranked := make([]scored, 0, len(s.Tables))
	for i, table := range s.Tables {
		score := 0
		if matchesUtterance(utterance, table.Name) || matchesUtterance(utterance, table.Comment) {
			score += 5
		}
		for _, col := range table.Columns {
			if matchesUtterance(utterance, col.Name) {
				score += 3
				continue
			}
			if matchesUtterance(utterance, col.Comment) {
				score += 2
			}
		}
		ranked = append(ranked, scored{index: i, score: score})
	}
	sort.SliceStable(ranked, func(a, b int) bool { return ranked[a].score > ranked[b].score })

	keep := make(map[int]bool, tableCap)
	for _, entry := range ranked[:tableCap] {
		keep[entry.index] = true
	}
	tables := make([]Table, 0, tableCap)
	for i, table := range s.Tables {
		if keep[i] {
			tables = append(tables, table)
		}
	}
	return tables
}

// matchesUtterance checks whether the candidate name or comment occurs in
// the utterance. Trailing 表/字段 markers common in column comments are
// stripped first so that "用户表" matches "查询所有用户".
func matchesUtterance(utterance, candidate string) bool {
	candidate = strings.TrimSuffix(candidate, "字段")
	candidate = strings.TrimSuffix(candidate, "表")
	candidate = strings.ToLower(strings.TrimSpace(candidate))
	if utf8.RuneCountInString(candidate) < 2 {
		return false
	}
	return strings.Contains(utterance, candidate)
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
