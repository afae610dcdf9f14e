package sink

import (
	"context"
	"time"

	"github.com/zgpcy/azure-cost-pipeline/internal/extract"
)

// Lineage column names added to every stored row. Downstream consumers
// depend on these names; do not rename.
const (
	ColSourceScope        = "_source_scope"
	ColSourceScopeName    = "_source_scope_name"
	ColIngestionTimestamp = "_ingestion_timestamp"
	ColIngestionDate      = "_ingestion_date"
	ColCostDate           = "_cost_date"
)

// LineageColumns lists the sink-side columns in storage order
var LineageColumns = []string{
	ColSourceScope,
	ColSourceScopeName,
	ColIngestionTimestamp,
	ColIngestionDate,
	ColCostDate,
}

// KeyColumns is the composite key under which an idempotent write must
// store at most one row.
var KeyColumns = []string{
	ColCostDate,
	"ResourceId",
	"MeterId",
	"SubscriptionId",
	ColSourceScope,
}

// Writer persists report records. When idempotent is true, re-running
// extraction for the same composite key must produce no duplicate stored
// rows; when false the sink appends and duplicates are an accepted risk
// of that mode.
type Writer interface {
	Write(ctx context.Context, reports []extract.ReportRecord, idempotent bool) (int, error)
}

// Enrich appends the lineage columns to a report's table. The returned
// table shares no backing arrays with the input.
func Enrich(report extract.ReportRecord, now time.Time) extract.Table {
	columns := make([]string, 0, len(report.Table.Columns)+len(LineageColumns))
	columns = append(columns, report.Table.Columns...)
	columns = append(columns, LineageColumns...)

	lineage := []any{
		report.ScopeID,
		report.ScopeName,
		now.Format(time.RFC3339),
		now.Format("2006-01-02"),
		report.DateLabel,
	}

	rows := make([][]any, 0, len(report.Table.Rows))
	for _, row := range report.Table.Rows {
		enriched := make([]any, 0, len(columns))
		enriched = append(enriched, row...)
		// Short rows are padded so lineage stays column-aligned
		for len(enriched) < len(report.Table.Columns) {
			enriched = append(enriched, nil)
		}
		enriched = append(enriched, lineage...)
		rows = append(rows, enriched)
	}

	return extract.Table{Columns: columns, Rows: rows}
}
