package collector

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
	"github.com/zgpcy/azure-cost-pipeline/internal/pipeline"
)

// testLogger creates a logger for testing (error level to suppress output)
func testLogger() *logger.Logger {
	return logger.New("error")
}

// mockRunner returns canned summaries and counts invocations
type mockRunner struct {
	mu        sync.Mutex
	summary   pipeline.Summary
	runCalled int
}

func (m *mockRunner) Run(_ context.Context) pipeline.Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCalled++
	return m.summary
}

func (m *mockRunner) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runCalled
}

func successSummary() pipeline.Summary {
	return pipeline.Summary{
		StartTime:       time.Date(2026, 1, 6, 8, 0, 0, 0, time.UTC),
		EndTime:         time.Date(2026, 1, 6, 8, 1, 0, 0, time.UTC),
		DatesProcessed:  []string{"2026-01-05"},
		ScopesProcessed: []string{"subscription-abcdef12", "mg-prod"},
		TotalRows:       42,
		Success:         true,
	}
}

func TestDescribe(t *testing.T) {
	c := NewRunCollector(&mockRunner{}, testLogger())

	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	// 5 run gauges + 2 counters + build info
	if count != 8 {
		t.Errorf("Describe() sent %d descriptors, want 8", count)
	}
}

func collectMetrics(t *testing.T, c *RunCollector) map[string]float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)

	values := make(map[string]float64)
	for metric := range ch {
		var m dto.Metric
		if err := metric.Write(&m); err != nil {
			t.Fatalf("Failed to write metric: %v", err)
		}
		name := metric.Desc().String()
		switch {
		case m.Gauge != nil:
			values[metricName(name)] = m.Gauge.GetValue()
		case m.Counter != nil:
			values[metricName(name)] = m.Counter.GetValue()
		}
	}
	return values
}

// metricName pulls the fqName out of a Desc's String() form
func metricName(desc string) string {
	const marker = `fqName: "`
	i := strings.Index(desc, marker)
	if i < 0 {
		return desc
	}
	rest := desc[i+len(marker):]
	if j := strings.Index(rest, `"`); j >= 0 {
		return rest[:j]
	}
	return rest
}

func TestCollect_BeforeFirstRun(t *testing.T) {
	c := NewRunCollector(&mockRunner{}, testLogger())

	values := collectMetrics(t, c)

	if _, ok := values["cost_pipeline_up"]; ok {
		t.Error("cost_pipeline_up exported before any run completed")
	}
	if got := values["cost_pipeline_rows_written_total"]; got != 0 {
		t.Errorf("rows_written_total = %v, want 0", got)
	}
	if got := values["cost_pipeline_build_info"]; got != 1 {
		t.Errorf("build_info = %v, want 1", got)
	}
}

func TestCollect_AfterSuccessfulRun(t *testing.T) {
	runner := &mockRunner{summary: successSummary()}
	c := NewRunCollector(runner, testLogger())
	c.refresh(context.Background())

	values := collectMetrics(t, c)

	if got := values["cost_pipeline_up"]; got != 1 {
		t.Errorf("up = %v, want 1", got)
	}
	if got := values["cost_pipeline_run_duration_seconds"]; got != 60 {
		t.Errorf("run_duration_seconds = %v, want 60", got)
	}
	if got := values["cost_pipeline_rows_written"]; got != 42 {
		t.Errorf("rows_written = %v, want 42", got)
	}
	if got := values["cost_pipeline_scopes_processed"]; got != 2 {
		t.Errorf("scopes_processed = %v, want 2", got)
	}
	if got := values["cost_pipeline_rows_written_total"]; got != 42 {
		t.Errorf("rows_written_total = %v, want 42", got)
	}
	if got := values["cost_pipeline_errors_total"]; got != 0 {
		t.Errorf("errors_total = %v, want 0", got)
	}
}

func TestCollect_AfterFailedRun(t *testing.T) {
	summary := successSummary()
	summary.Success = false
	summary.Errors = []string{"error processing 2026-01-05: disk full"}
	runner := &mockRunner{summary: summary}

	c := NewRunCollector(runner, testLogger())
	c.refresh(context.Background())

	values := collectMetrics(t, c)
	if got := values["cost_pipeline_up"]; got != 0 {
		t.Errorf("up = %v, want 0 after errors", got)
	}
	if got := values["cost_pipeline_errors_total"]; got != 1 {
		t.Errorf("errors_total = %v, want 1", got)
	}
}

func TestCountersAccumulateAcrossRuns(t *testing.T) {
	runner := &mockRunner{summary: successSummary()}
	c := NewRunCollector(runner, testLogger())

	c.refresh(context.Background())
	c.refresh(context.Background())

	values := collectMetrics(t, c)
	if got := values["cost_pipeline_rows_written_total"]; got != 84 {
		t.Errorf("rows_written_total = %v, want 84 across two runs", got)
	}
	// The per-run gauge stays at the last run's value
	if got := values["cost_pipeline_rows_written"]; got != 42 {
		t.Errorf("rows_written = %v, want 42", got)
	}
}

func TestIsReady(t *testing.T) {
	runner := &mockRunner{summary: successSummary()}
	c := NewRunCollector(runner, testLogger())

	if c.IsReady() {
		t.Error("IsReady() = true before any run")
	}
	if c.LastSummary() != nil {
		t.Error("LastSummary() != nil before any run")
	}

	c.refresh(context.Background())

	if !c.IsReady() {
		t.Error("IsReady() = false after a completed run")
	}
	if s := c.LastSummary(); s == nil || s.TotalRows != 42 {
		t.Errorf("LastSummary() = %+v, want the recorded summary", s)
	}
	if c.LastRunTime().IsZero() {
		t.Error("LastRunTime() is zero after a completed run")
	}
}

func TestStartBackgroundRefresh_RunsImmediately(t *testing.T) {
	runner := &mockRunner{summary: successSummary()}
	c := NewRunCollector(runner, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.StartBackgroundRefresh(ctx, time.Hour)

	if got := runner.calls(); got != 1 {
		t.Errorf("runner called %d times, want 1 initial run", got)
	}
	if !c.IsReady() {
		t.Error("IsReady() = false after initial refresh")
	}
}

func TestStartBackgroundRefresh_OnlyOnce(t *testing.T) {
	runner := &mockRunner{summary: successSummary()}
	c := NewRunCollector(runner, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.StartBackgroundRefresh(ctx, time.Hour)
	c.StartBackgroundRefresh(ctx, time.Hour)

	if got := runner.calls(); got != 1 {
		t.Errorf("runner called %d times, want 1 (second start ignored)", got)
	}
}

func TestStartBackgroundRefresh_ContextCancellation(t *testing.T) {
	runner := &mockRunner{summary: successSummary()}
	c := NewRunCollector(runner, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	c.StartBackgroundRefresh(ctx, 10*time.Millisecond)
	cancel()

	// Give the goroutine a moment to observe cancellation
	time.Sleep(50 * time.Millisecond)
	calls := runner.calls()
	time.Sleep(50 * time.Millisecond)

	if got := runner.calls(); got != calls {
		t.Errorf("runner still being called after cancellation: %d -> %d", calls, got)
	}
}
