package sink

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/extract"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
)

// CSVWriter persists report records as flat files, one per date label
// and scope. Idempotent writes rewrite the file with composite-key
// deduplication; non-idempotent writes append raw rows.
type CSVWriter struct {
	outputDir string
	clock     clock.Clock
	logger    *logger.Logger
}

var _ Writer = (*CSVWriter)(nil)

// NewCSVWriter creates the flat-file sink, creating the output
// directory if needed.
func NewCSVWriter(outputDir string, log *logger.Logger) (*CSVWriter, error) {
	if err := os.MkdirAll(outputDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	log.Info("CSV output directory ready", "path", outputDir)
	return &CSVWriter{
		outputDir: outputDir,
		clock:     clock.RealClock{},
		logger:    log,
	}, nil
}

// Write persists all reports. A failure writing one report is logged
// and does not prevent the remaining reports from being written.
func (w *CSVWriter) Write(ctx context.Context, reports []extract.ReportRecord, idempotent bool) (int, error) {
	totalRows := 0

	for _, report := range reports {
		if err := ctx.Err(); err != nil {
			return totalRows, err
		}
		w.logger.Info("Writing report", "scope", report.ScopeName, "date", report.DateLabel)

		if report.RowCount == 0 {
			w.logger.Warn("No data found for scope", "scope", report.ScopeName)
			continue
		}

		rows, err := w.writeReport(report, idempotent)
		if err != nil {
			w.logger.Error("Error writing report",
				"scope", report.ScopeName,
				"error", err)
			continue
		}

		totalRows += rows
		w.logger.Info("Wrote rows", "scope", report.ScopeName, "rows", rows)
	}

	w.logger.Info("Total rows written", "rows", totalRows)
	return totalRows, nil
}

// writeReport writes one report file and returns the number of report
// rows written.
func (w *CSVWriter) writeReport(report extract.ReportRecord, idempotent bool) (int, error) {
	table := Enrich(report, w.clock.Now())
	path := w.filePath(report)

	existing, err := readCSVFile(path)
	if err != nil {
		return 0, err
	}

	if existing == nil {
		w.logger.Info("Creating new file", "path", path)
		if err := writeCSVFile(path, table); err != nil {
			return 0, err
		}
		return len(table.Rows), nil
	}

	w.logger.Info("Appending to existing file", "path", path)

	if !idempotent {
		merged := extract.Table{
			Columns: existing.Columns,
			Rows:    append(existing.Rows, alignRows(table, existing.Columns)...),
		}
		if err := writeCSVFile(path, merged); err != nil {
			return 0, err
		}
		return len(table.Rows), nil
	}

	merged := dedupeMerge(*existing, table)
	if err := writeCSVFile(path, merged); err != nil {
		return 0, err
	}
	return len(table.Rows), nil
}

// filePath builds the report's file name from date label and scope name
func (w *CSVWriter) filePath(report extract.ReportRecord) string {
	safeName := strings.NewReplacer("/", "_", "\\", "_").Replace(report.ScopeName)
	filename := fmt.Sprintf("cost_data_%s_%s.csv", report.DateLabel, safeName)
	return filepath.Join(w.outputDir, filename)
}

// dedupeMerge concatenates existing and new rows, then keeps at most one
// row per composite key. Later rows win; only key columns present in the
// header participate.
func dedupeMerge(existing, incoming extract.Table) extract.Table {
	columns := existing.Columns
	all := append(append([][]any{}, existing.Rows...), alignRows(incoming, columns)...)

	keyIdx := make([]int, 0, len(KeyColumns))
	for _, key := range KeyColumns {
		for i, col := range columns {
			if col == key {
				keyIdx = append(keyIdx, i)
				break
			}
		}
	}
	if len(keyIdx) == 0 {
		return extract.Table{Columns: columns, Rows: all}
	}

	seen := make(map[string]int, len(all))
	out := make([][]any, 0, len(all))
	for _, row := range all {
		var sb strings.Builder
		for _, idx := range keyIdx {
			if idx < len(row) {
				sb.WriteString(formatCell(row[idx]))
			}
			sb.WriteByte('\x1f')
		}
		key := sb.String()
		if pos, ok := seen[key]; ok {
			out[pos] = row
			continue
		}
		seen[key] = len(out)
		out = append(out, row)
	}

	return extract.Table{Columns: columns, Rows: out}
}

// alignRows reorders a table's cells to match a target column order.
// Columns absent from the target header are dropped; missing ones are
// left empty.
func alignRows(t extract.Table, target []string) [][]any {
	identical := len(t.Columns) == len(target)
	if identical {
		for i := range target {
			if t.Columns[i] != target[i] {
				identical = false
				break
			}
		}
	}
	if identical {
		return t.Rows
	}

	srcIdx := make(map[string]int, len(t.Columns))
	for i, col := range t.Columns {
		srcIdx[col] = i
	}

	out := make([][]any, 0, len(t.Rows))
	for _, row := range t.Rows {
		aligned := make([]any, len(target))
		for i, col := range target {
			if j, ok := srcIdx[col]; ok && j < len(row) {
				aligned[i] = row[j]
			}
		}
		out = append(out, aligned)
	}
	return out
}

// readCSVFile loads an existing output file, or nil when absent
func readCSVFile(path string) (*extract.Table, error) {
	f, err := os.Open(path) // #nosec G304 -- Path built from operator-configured output directory
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	table := &extract.Table{Columns: records[0]}
	for _, rec := range records[1:] {
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

// writeCSVFile writes header and rows, replacing any existing file
func writeCSVFile(path string, table extract.Table) error {
	f, err := os.Create(path) // #nosec G304 -- Path built from operator-configured output directory
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	writer := csv.NewWriter(f)
	if err := writer.Write(table.Columns); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	record := make([]string, len(table.Columns))
	for _, row := range table.Rows {
		for i := range record {
			if i < len(row) {
				record[i] = formatCell(row[i])
			} else {
				record[i] = ""
			}
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return f.Close()
}

// formatCell renders a cell value for CSV output
func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
