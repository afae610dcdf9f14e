package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/samber/lo"
	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/config"
	"github.com/zgpcy/azure-cost-pipeline/internal/extract"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
	"github.com/zgpcy/azure-cost-pipeline/internal/sink"
)

// LifetimeMonths is how far back lifetime mode reaches; Azure retains
// roughly 13 months of cost history.
const LifetimeMonths = 13

// Summary describes one pipeline invocation
type Summary struct {
	StartTime       time.Time
	EndTime         time.Time
	DatesProcessed  []string
	ScopesProcessed []string
	TotalRows       int
	Errors          []string
	Success         bool
}

// Duration returns the wall time of the run
func (s Summary) Duration() time.Duration {
	return s.EndTime.Sub(s.StartTime)
}

// Pipeline drives extraction across dates and scopes and lands the
// results in the configured sink.
type Pipeline struct {
	cfg          *config.Config
	orchestrator *extract.Orchestrator
	writer       sink.Writer
	clock        clock.Clock
	logger       *logger.Logger
}

// New assembles a pipeline from its collaborators
func New(cfg *config.Config, orch *extract.Orchestrator, writer sink.Writer, log *logger.Logger) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		orchestrator: orch,
		writer:       writer,
		clock:        clock.RealClock{},
		logger:       log,
	}
}

// RunDates processes each date independently. A failure for one date is
// collected and the remaining dates still run. Success means zero
// collected errors.
func (p *Pipeline) RunDates(ctx context.Context, dates []time.Time, idempotent bool) Summary {
	summary := p.newSummary()

	for _, date := range dates {
		window := extract.SingleDay(date)
		p.logger.Info("Processing date", "date", window.Label())
		p.runWindow(ctx, window, idempotent, &summary)
	}

	return p.finish(summary)
}

// RunRange processes one date range as a single extraction
func (p *Pipeline) RunRange(ctx context.Context, window extract.Window, idempotent bool) Summary {
	summary := p.newSummary()
	p.logger.Info("Processing date range", "range", window.Label())
	p.runWindow(ctx, window, idempotent, &summary)
	return p.finish(summary)
}

// runWindow extracts and writes one window, collecting any error
func (p *Pipeline) runWindow(ctx context.Context, window extract.Window, idempotent bool, summary *Summary) {
	reports := p.orchestrator.Extract(ctx, p.cfg.Scopes, window)
	if len(reports) == 0 {
		p.logger.Warn("No data extracted", "window", window.Label())
		return
	}

	rows, err := p.writer.Write(ctx, reports, idempotent)
	if err != nil {
		msg := fmt.Sprintf("error processing %s: %v", window.Label(), err)
		p.logger.Error("Window failed", "window", window.Label(), "error", err)
		summary.Errors = append(summary.Errors, msg)
		return
	}

	summary.DatesProcessed = append(summary.DatesProcessed, window.Label())
	summary.TotalRows += rows
	for _, report := range reports {
		summary.ScopesProcessed = append(summary.ScopesProcessed, report.ScopeName)
	}
}

func (p *Pipeline) newSummary() Summary {
	return Summary{StartTime: p.clock.Now()}
}

// finish closes out the summary and logs it
func (p *Pipeline) finish(summary Summary) Summary {
	summary.EndTime = p.clock.Now()
	summary.ScopesProcessed = lo.Uniq(summary.ScopesProcessed)
	summary.DatesProcessed = lo.Uniq(summary.DatesProcessed)
	summary.Success = len(summary.Errors) == 0

	status := "SUCCESS"
	if !summary.Success {
		status = "COMPLETED WITH ERRORS"
	}
	p.logger.Info("Pipeline summary",
		"status", status,
		"duration_seconds", summary.Duration().Seconds(),
		"dates_processed", len(summary.DatesProcessed),
		"scopes_processed", len(summary.ScopesProcessed),
		"total_rows", summary.TotalRows,
		"errors", len(summary.Errors))
	for _, err := range summary.Errors {
		p.logger.Error("Collected error", "error", err)
	}

	return summary
}

// BackfillDates returns the last n days before today in chronological
// order.
func BackfillDates(c clock.Clock, days int) []time.Time {
	now := c.Now()
	dates := make([]time.Time, 0, days)
	for i := days; i >= 1; i-- {
		dates = append(dates, now.AddDate(0, 0, -i))
	}
	return dates
}

// Yesterday returns the default extraction date
func Yesterday(c clock.Clock) time.Time {
	return c.Now().AddDate(0, 0, -1)
}

// LifetimeWindow returns the widest supported extraction range
func LifetimeWindow(c clock.Clock) (extract.Window, error) {
	now := c.Now()
	return extract.NewWindow(now.AddDate(0, -LifetimeMonths, 0), now)
}
