package extract

import "context"

// Table is a tabular cost result: one ordered column schema shared by
// every row. Cell values keep the JSON types the API returned.
type Table struct {
	Columns []string
	Rows    [][]any
}

// ReportRecord is the unit produced per scope per invocation and handed
// to a sink exactly once.
type ReportRecord struct {
	ScopeID   string
	ScopeName string
	DateLabel string
	Table     Table
	RowCount  int
}

// Acquirer produces the tabular cost result for one scope and window.
// Two strategies exist: the direct Query API with nextLink pagination,
// and the report-generation job (submit, poll, download).
type Acquirer interface {
	Acquire(ctx context.Context, scopeID string, window Window) (Table, error)
}
