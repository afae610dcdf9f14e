package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	// Register the pure-Go sqlite driver
	_ "modernc.org/sqlite"

	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/extract"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
)

const costTable = "cost_data"

// SQLiteWriter persists report records into a local table store.
// Idempotent writes upsert on the composite key; non-idempotent writes
// insert raw rows.
type SQLiteWriter struct {
	db     *sql.DB
	clock  clock.Clock
	logger *logger.Logger
}

var _ Writer = (*SQLiteWriter)(nil)

// NewSQLiteWriter opens (creating if needed) the database at path
func NewSQLiteWriter(path string, log *logger.Logger) (*SQLiteWriter, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	log.Info("SQLite sink ready", "path", path)
	return &SQLiteWriter{
		db:     db,
		clock:  clock.RealClock{},
		logger: log,
	}, nil
}

// Close releases the database handle
func (w *SQLiteWriter) Close() error {
	return w.db.Close()
}

// Write persists all reports. A failure writing one report rolls back
// that report only; the remaining reports are still written.
func (w *SQLiteWriter) Write(ctx context.Context, reports []extract.ReportRecord, idempotent bool) (int, error) {
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

		rows, err := w.writeReport(ctx, report, idempotent)
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

// writeReport stores one enriched report inside a transaction
func (w *SQLiteWriter) writeReport(ctx context.Context, report extract.ReportRecord, idempotent bool) (int, error) {
	table := Enrich(report, w.clock.Now())

	// Key columns absent from the API response are still bound (as empty
	// strings) so the unique index deduplicates those rows too
	insertCols := append([]string{}, table.Columns...)
	present := make(map[string]bool, len(insertCols))
	for _, col := range insertCols {
		present[col] = true
	}
	for _, key := range KeyColumns {
		if !present[key] {
			insertCols = append(insertCols, key)
		}
	}

	if err := w.ensureSchema(ctx, insertCols, idempotent); err != nil {
		return 0, err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmtSQL := insertSQL(insertCols, idempotent)
	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	keySet := make(map[string]bool, len(KeyColumns))
	for _, k := range KeyColumns {
		keySet[k] = true
	}

	written := 0
	for _, row := range table.Rows {
		args := make([]any, len(insertCols))
		for i, col := range insertCols {
			var v any
			if i < len(row) {
				v = row[i]
			}
			// Key columns store empty string instead of NULL so the
			// unique index actually deduplicates
			if v == nil && keySet[col] {
				v = ""
			}
			args[i] = v
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return 0, fmt.Errorf("failed to insert row: %w", err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return written, nil
}

// ensureSchema creates the cost table on first use, adds columns the
// current report carries that earlier reports did not, and keeps the
// composite key index in line with the write mode: present for upserts,
// absent for append mode where duplicate keys are allowed.
func (w *SQLiteWriter) ensureSchema(ctx context.Context, columns []string, idempotent bool) error {
	existing, err := w.tableColumns(ctx)
	if err != nil {
		return err
	}

	if existing == nil {
		// Key columns come first so the table reads naturally
		ordered := make([]string, 0, len(columns)+len(KeyColumns))
		seen := make(map[string]bool)
		for _, col := range KeyColumns {
			ordered = append(ordered, col)
			seen[col] = true
		}
		for _, col := range columns {
			if !seen[col] {
				ordered = append(ordered, col)
				seen[col] = true
			}
		}

		defs := make([]string, len(ordered))
		for i, col := range ordered {
			defs[i] = quoteIdent(col) + " TEXT"
		}
		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", costTable, strings.Join(defs, ", "))
		if _, err := w.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
		w.logger.Info("Created cost table", "columns", len(ordered))
	} else {
		for _, col := range columns {
			if existing[col] {
				continue
			}
			alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", costTable, quoteIdent(col))
			if _, err := w.db.ExecContext(ctx, alter); err != nil {
				return fmt.Errorf("failed to add column %s: %w", col, err)
			}
			existing[col] = true
		}
	}

	return w.ensureKeyIndex(ctx, idempotent)
}

// ensureKeyIndex creates or drops the unique composite key index. Append
// mode drops it so duplicate keys can coexist; creating it again fails
// if append runs already stored duplicates, which surfaces the conflict
// instead of silently merging rows.
func (w *SQLiteWriter) ensureKeyIndex(ctx context.Context, idempotent bool) error {
	idxName := fmt.Sprintf("idx_%s_key", costTable)

	if !idempotent {
		if _, err := w.db.ExecContext(ctx, "DROP INDEX IF EXISTS "+idxName); err != nil {
			return fmt.Errorf("failed to drop key index: %w", err)
		}
		return nil
	}

	keyIdents := make([]string, len(KeyColumns))
	for i, col := range KeyColumns {
		keyIdents[i] = quoteIdent(col)
	}
	idx := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
		idxName, costTable, strings.Join(keyIdents, ", "))
	if _, err := w.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("failed to create key index: %w", err)
	}
	return nil
}

// tableColumns returns the existing column set, or nil when the table
// does not exist yet.
func (w *SQLiteWriter) tableColumns(ctx context.Context) (map[string]bool, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", costTable))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cols map[string]bool
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   sql.NullString
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan table info: %w", err)
		}
		if cols == nil {
			cols = make(map[string]bool)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// insertSQL builds the insert statement, with upsert semantics when the
// write must be idempotent.
func insertSQL(columns []string, idempotent bool) string {
	idents := make([]string, len(columns))
	params := make([]string, len(columns))
	for i, col := range columns {
		idents[i] = quoteIdent(col)
		params[i] = "?"
	}

	sqlText := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		costTable, strings.Join(idents, ", "), strings.Join(params, ", "))
	if !idempotent {
		return sqlText
	}

	keySet := make(map[string]bool, len(KeyColumns))
	keyIdents := make([]string, len(KeyColumns))
	for i, col := range KeyColumns {
		keySet[col] = true
		keyIdents[i] = quoteIdent(col)
	}

	updates := make([]string, 0, len(columns))
	for _, col := range columns {
		if keySet[col] {
			continue
		}
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(col), quoteIdent(col)))
	}
	if len(updates) == 0 {
		return sqlText + fmt.Sprintf(" ON CONFLICT (%s) DO NOTHING", strings.Join(keyIdents, ", "))
	}

	return sqlText + fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(keyIdents, ", "), strings.Join(updates, ", "))
}

// quoteIdent quotes a column identifier for SQLite
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
