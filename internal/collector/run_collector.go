package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
	"github.com/zgpcy/azure-cost-pipeline/internal/pipeline"
	"github.com/zgpcy/azure-cost-pipeline/internal/version"
)

// Runner executes one pipeline invocation. Implemented by the serve-mode
// closure around pipeline.Pipeline.
type Runner interface {
	Run(ctx context.Context) pipeline.Summary
}

// RunCollector implements prometheus.Collector over pipeline run state
type RunCollector struct {
	runner Runner
	logger *logger.Logger
	clock  clock.Clock

	// Metrics
	upMetric          *prometheus.Desc
	runDurationMetric *prometheus.Desc
	lastRunTimeMetric *prometheus.Desc
	rowsWrittenMetric *prometheus.Desc
	scopesMetric      *prometheus.Desc
	rowsWrittenTotal  prometheus.Counter
	runErrorsTotal    prometheus.Counter
	buildInfo         *prometheus.GaugeVec

	// State
	mu             sync.RWMutex
	lastSummary    *pipeline.Summary
	lastRun        time.Time
	refreshStarted atomic.Bool
	isReady        bool
}

// NewRunCollector creates a collector around the given runner
func NewRunCollector(runner Runner, log *logger.Logger) *RunCollector {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cost_pipeline_build_info",
			Help: "Build version information",
		},
		[]string{"version", "git_commit", "build_date", "go_version"},
	)
	versionInfo := version.Info()
	buildInfo.With(prometheus.Labels{
		"version":    versionInfo["version"],
		"git_commit": versionInfo["git_commit"],
		"build_date": versionInfo["build_date"],
		"go_version": versionInfo["go_version"],
	}).Set(1)

	return &RunCollector{
		runner: runner,
		logger: log,
		clock:  clock.RealClock{},
		upMetric: prometheus.NewDesc(
			"cost_pipeline_up",
			"Was the last pipeline run fully successful (1 = success, 0 = errors collected)",
			nil, nil,
		),
		runDurationMetric: prometheus.NewDesc(
			"cost_pipeline_run_duration_seconds",
			"Duration of the last pipeline run in seconds",
			nil, nil,
		),
		lastRunTimeMetric: prometheus.NewDesc(
			"cost_pipeline_last_run_timestamp_seconds",
			"Unix timestamp of the last pipeline run",
			nil, nil,
		),
		rowsWrittenMetric: prometheus.NewDesc(
			"cost_pipeline_rows_written",
			"Rows written to the sink by the last pipeline run",
			nil, nil,
		),
		scopesMetric: prometheus.NewDesc(
			"cost_pipeline_scopes_processed",
			"Scopes successfully processed by the last pipeline run",
			nil, nil,
		),
		rowsWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cost_pipeline_rows_written_total",
			Help: "Total rows written to the sink since startup",
		}),
		runErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cost_pipeline_errors_total",
			Help: "Total errors collected across pipeline runs since startup",
		}),
		buildInfo: buildInfo,
	}
}

// Describe implements prometheus.Collector
func (c *RunCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.upMetric
	ch <- c.runDurationMetric
	ch <- c.lastRunTimeMetric
	ch <- c.rowsWrittenMetric
	ch <- c.scopesMetric
	ch <- c.rowsWrittenTotal.Desc()
	ch <- c.runErrorsTotal.Desc()
	c.buildInfo.Describe(ch)
}

// Collect implements prometheus.Collector
func (c *RunCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastSummary != nil {
		upValue := 0.0
		if c.lastSummary.Success {
			upValue = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.upMetric, prometheus.GaugeValue, upValue)
		ch <- prometheus.MustNewConstMetric(c.runDurationMetric, prometheus.GaugeValue, c.lastSummary.Duration().Seconds())
		ch <- prometheus.MustNewConstMetric(c.rowsWrittenMetric, prometheus.GaugeValue, float64(c.lastSummary.TotalRows))
		ch <- prometheus.MustNewConstMetric(c.scopesMetric, prometheus.GaugeValue, float64(len(c.lastSummary.ScopesProcessed)))
	}

	if !c.lastRun.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastRunTimeMetric, prometheus.GaugeValue, float64(c.lastRun.Unix()))
	}

	ch <- c.rowsWrittenTotal
	ch <- c.runErrorsTotal
	c.buildInfo.Collect(ch)
}

// StartBackgroundRefresh runs the pipeline immediately and then on every
// interval tick until the context is cancelled. Uses an atomic flag to
// prevent multiple refresh goroutines.
func (c *RunCollector) StartBackgroundRefresh(ctx context.Context, interval time.Duration) {
	if !c.refreshStarted.CompareAndSwap(false, true) {
		c.logger.Warn("Background refresh already started, skipping")
		return
	}

	// Initial run
	c.refresh(ctx)

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		defer c.refreshStarted.Store(false)
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("Stopping background refresh")
				return
			case <-ticker.C:
				c.refresh(ctx)
			}
		}
	}()
}

// refresh executes one pipeline run and records its summary
func (c *RunCollector) refresh(ctx context.Context) {
	c.logger.Info("Starting scheduled pipeline run")
	summary := c.runner.Run(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastSummary = &summary
	c.lastRun = c.clock.Now()
	c.isReady = true

	c.rowsWrittenTotal.Add(float64(summary.TotalRows))
	c.runErrorsTotal.Add(float64(len(summary.Errors)))

	c.logger.Info("Scheduled pipeline run finished",
		"success", summary.Success,
		"total_rows", summary.TotalRows,
		"errors", len(summary.Errors),
		"duration_seconds", summary.Duration().Seconds())
}

// IsReady returns true once at least one run has completed
func (c *RunCollector) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isReady
}

// LastSummary returns the most recent run summary, or nil before the
// first run completes.
func (c *RunCollector) LastSummary() *pipeline.Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSummary
}

// LastRunTime returns the completion time of the most recent run
func (c *RunCollector) LastRunTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRun
}
