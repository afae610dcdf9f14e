package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zgpcy/azure-cost-pipeline/internal/config"
	"github.com/zgpcy/azure-cost-pipeline/internal/extract"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
	"github.com/zgpcy/azure-cost-pipeline/internal/sink"
)

// testLogger creates a logger for testing (error level to suppress output)
func testLogger() *logger.Logger {
	return logger.New("error")
}

// fakeClock returns a fixed time
type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

func (c fakeClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fakeAcquirer returns one canned row per scope, or an error for scopes
// listed in failScopes
type fakeAcquirer struct {
	mu         sync.Mutex
	failScopes map[string]bool
	windows    []extract.Window
}

func (a *fakeAcquirer) Acquire(_ context.Context, scopeID string, window extract.Window) (extract.Table, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windows = append(a.windows, window)
	if a.failScopes[scopeID] {
		return extract.Table{}, errors.New("extraction failed")
	}
	return extract.Table{
		Columns: []string{"Cost", "SubscriptionId"},
		Rows:    [][]any{{1.5, scopeID}},
	}, nil
}

// fakeWriter records writes and can be made to fail
type fakeWriter struct {
	mu         sync.Mutex
	writes     []writeCall
	failWrites int
}

type writeCall struct {
	reports    []extract.ReportRecord
	idempotent bool
}

func (w *fakeWriter) Write(_ context.Context, reports []extract.ReportRecord, idempotent bool) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, writeCall{reports: reports, idempotent: idempotent})
	if w.failWrites > 0 {
		w.failWrites--
		return 0, errors.New("disk full")
	}
	rows := 0
	for _, r := range reports {
		rows += r.RowCount
	}
	return rows, nil
}

var _ sink.Writer = (*fakeWriter)(nil)

func newTestPipeline(acq extract.Acquirer, writer sink.Writer, scopes []string) *Pipeline {
	cfg := &config.Config{Scopes: scopes}
	orch := extract.NewOrchestrator(acq, testLogger())
	p := New(cfg, orch, writer, testLogger())
	p.clock = fakeClock{now: time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC)}
	return p
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestRunDates_AllSucceed(t *testing.T) {
	acq := &fakeAcquirer{}
	writer := &fakeWriter{}
	p := newTestPipeline(acq, writer, []string{"/subscriptions/s1", "/subscriptions/s2"})

	dates := []time.Time{day(2026, 1, 4), day(2026, 1, 5)}
	summary := p.RunDates(context.Background(), dates, true)

	if !summary.Success {
		t.Errorf("Success = false, want true; errors: %v", summary.Errors)
	}
	if len(summary.DatesProcessed) != 2 {
		t.Errorf("DatesProcessed = %v, want 2 dates", summary.DatesProcessed)
	}
	if summary.TotalRows != 4 {
		t.Errorf("TotalRows = %d, want 4 (2 scopes x 2 dates)", summary.TotalRows)
	}
	// Scope names are deduplicated across dates
	if len(summary.ScopesProcessed) != 2 {
		t.Errorf("ScopesProcessed = %v, want 2 unique names", summary.ScopesProcessed)
	}

	if len(writer.writes) != 2 {
		t.Fatalf("writer called %d times, want once per date", len(writer.writes))
	}
	if !writer.writes[0].idempotent {
		t.Error("idempotent flag not propagated to the sink")
	}
}

func TestRunDates_WriteFailureIsolatedPerDate(t *testing.T) {
	acq := &fakeAcquirer{}
	writer := &fakeWriter{failWrites: 1}
	p := newTestPipeline(acq, writer, []string{"/subscriptions/s1"})

	dates := []time.Time{day(2026, 1, 4), day(2026, 1, 5)}
	summary := p.RunDates(context.Background(), dates, true)

	if summary.Success {
		t.Error("Success = true, want false when a date failed")
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("Errors = %v, want 1 collected error", summary.Errors)
	}
	if len(summary.DatesProcessed) != 1 {
		t.Errorf("DatesProcessed = %v, want only the surviving date", summary.DatesProcessed)
	}
	if len(writer.writes) != 2 {
		t.Errorf("writer called %d times, want both dates attempted", len(writer.writes))
	}
}

func TestRunDates_AllScopesFailingSkipsWrite(t *testing.T) {
	acq := &fakeAcquirer{failScopes: map[string]bool{"/subscriptions/s1": true}}
	writer := &fakeWriter{}
	p := newTestPipeline(acq, writer, []string{"/subscriptions/s1"})

	summary := p.RunDates(context.Background(), []time.Time{day(2026, 1, 5)}, true)

	// No extracted data is a warning, not a failure
	if !summary.Success {
		t.Errorf("Success = false, want true; errors: %v", summary.Errors)
	}
	if summary.TotalRows != 0 {
		t.Errorf("TotalRows = %d, want 0", summary.TotalRows)
	}
	if len(writer.writes) != 0 {
		t.Errorf("writer called %d times, want 0 for empty extraction", len(writer.writes))
	}
}

func TestRunRange_SingleWindow(t *testing.T) {
	acq := &fakeAcquirer{}
	writer := &fakeWriter{}
	p := newTestPipeline(acq, writer, []string{"/subscriptions/s1"})

	window, err := extract.ParseWindow("2026-01-01", "2026-01-07")
	if err != nil {
		t.Fatalf("ParseWindow() error = %v", err)
	}
	summary := p.RunRange(context.Background(), window, true)

	if !summary.Success {
		t.Errorf("Success = false, want true; errors: %v", summary.Errors)
	}
	if len(summary.DatesProcessed) != 1 || summary.DatesProcessed[0] != "2026-01-01_to_2026-01-07" {
		t.Errorf("DatesProcessed = %v, want the range label", summary.DatesProcessed)
	}
	if len(acq.windows) != 1 {
		t.Fatalf("acquirer saw %d windows, want 1", len(acq.windows))
	}
	if !acq.windows[0].Start.Equal(day(2026, 1, 1)) || !acq.windows[0].End.Equal(day(2026, 1, 7)) {
		t.Errorf("window = %+v, want 2026-01-01 through 2026-01-07", acq.windows[0])
	}
}

func TestBackfillDates(t *testing.T) {
	c := fakeClock{now: time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC)}

	dates := BackfillDates(c, 3)
	if len(dates) != 3 {
		t.Fatalf("got %d dates, want 3", len(dates))
	}
	// Chronological order, ending yesterday
	want := []time.Time{
		time.Date(2026, 1, 3, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 4, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !dates[i].Equal(want[i]) {
			t.Errorf("dates[%d] = %v, want %v", i, dates[i], want[i])
		}
	}
}

func TestYesterday(t *testing.T) {
	c := fakeClock{now: time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC)}
	got := Yesterday(c)
	if got.Day() != 5 || got.Month() != time.January {
		t.Errorf("Yesterday() = %v, want January 5", got)
	}
}

func TestLifetimeWindow(t *testing.T) {
	c := fakeClock{now: time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC)}

	window, err := LifetimeWindow(c)
	if err != nil {
		t.Fatalf("LifetimeWindow() error = %v", err)
	}
	if !window.Start.Equal(day(2024, 12, 6)) {
		t.Errorf("Start = %v, want 13 months back", window.Start)
	}
	if !window.End.Equal(day(2026, 1, 6)) {
		t.Errorf("End = %v, want today", window.End)
	}
}

func TestSummaryDuration(t *testing.T) {
	s := Summary{
		StartTime: time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2026, 1, 6, 8, 2, 30, 0, time.UTC),
	}
	if got := s.Duration(); got != 2*time.Minute+30*time.Second {
		t.Errorf("Duration() = %v, want 2m30s", got)
	}
}
