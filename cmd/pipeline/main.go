package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zgpcy/azure-cost-pipeline/internal/auth"
	"github.com/zgpcy/azure-cost-pipeline/internal/clock"
	"github.com/zgpcy/azure-cost-pipeline/internal/collector"
	"github.com/zgpcy/azure-cost-pipeline/internal/config"
	"github.com/zgpcy/azure-cost-pipeline/internal/extract"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
	"github.com/zgpcy/azure-cost-pipeline/internal/pipeline"
	"github.com/zgpcy/azure-cost-pipeline/internal/server"
	"github.com/zgpcy/azure-cost-pipeline/internal/sink"
	"github.com/zgpcy/azure-cost-pipeline/internal/transport"
)

const (
	// DefaultShutdownTimeout is the maximum time to wait for graceful shutdown
	DefaultShutdownTimeout = 30 * time.Second
)

var (
	configPath = flag.String("config", "", "Path to optional YAML configuration file")
	dateFlag   = flag.String("date", "", "Specific date to process (YYYY-MM-DD)")
	daysFlag   = flag.Int("days", 0, "Number of days to backfill")
	lifetime   = flag.Bool("lifetime", false, "Extract all available cost data (~13 months)")
	startFlag  = flag.String("start", "", "Start date for custom range (YYYY-MM-DD, use with -end)")
	endFlag    = flag.String("end", "", "End date for custom range (YYYY-MM-DD, use with -start)")
	noMerge    = flag.Bool("no-merge", false, "Append instead of merge (may create duplicates)")
	serveMode  = flag.Bool("serve", false, "Run as a daemon with periodic extraction and a metrics endpoint")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.LogLevel)
	logg.Info("Azure Cost Pipeline starting",
		"scopes", len(cfg.Scopes),
		"auth_mode", string(cfg.AuthMode),
		"storage", string(cfg.Storage),
		"acquisition", string(cfg.Acquisition),
		"output_path", cfg.OutputPath)

	provider, err := auth.New(cfg, logg)
	if err != nil {
		logg.Error("Failed to create token provider", "error", err)
		os.Exit(1)
	}

	client := transport.NewClient(provider, logg)

	var acquirer extract.Acquirer
	switch cfg.Acquisition {
	case config.AcquisitionReport:
		acquirer = extract.NewReportAcquirer(client,
			time.Duration(cfg.RequestTimeout)*time.Second,
			time.Duration(cfg.DownloadTimeout)*time.Second,
			time.Duration(cfg.PollInterval)*time.Second,
			cfg.MaxPollAttempts,
			logg)
	default:
		acquirer = extract.NewQueryAcquirer(client,
			time.Duration(cfg.RequestTimeout)*time.Second,
			time.Duration(cfg.DownloadTimeout)*time.Second,
			logg)
	}

	writer, cleanup, err := newWriter(cfg, logg)
	if err != nil {
		logg.Error("Failed to create sink writer", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	orch := extract.NewOrchestrator(acquirer, logg)
	pipe := pipeline.New(cfg, orch, writer, logg)

	if *serveMode {
		runServe(cfg, pipe, logg)
		return
	}

	summary, err := runOnce(pipe)
	if err != nil {
		logg.Error("Invalid arguments", "error", err)
		os.Exit(1)
	}
	if !summary.Success {
		os.Exit(1)
	}
}

// runOnce executes a single pipeline invocation per the CLI flags
func runOnce(pipe *pipeline.Pipeline) (pipeline.Summary, error) {
	ctx := context.Background()
	idempotent := !*noMerge
	clk := clock.RealClock{}

	switch {
	case *lifetime:
		window, err := pipeline.LifetimeWindow(clk)
		if err != nil {
			return pipeline.Summary{}, err
		}
		return pipe.RunRange(ctx, window, idempotent), nil

	case *startFlag != "" || *endFlag != "":
		window, err := extract.ParseWindow(*startFlag, *endFlag)
		if err != nil {
			return pipeline.Summary{}, err
		}
		return pipe.RunRange(ctx, window, idempotent), nil

	case *daysFlag > 0:
		return pipe.RunDates(ctx, pipeline.BackfillDates(clk, *daysFlag), idempotent), nil

	case *dateFlag != "":
		date, err := time.Parse("2006-01-02", *dateFlag)
		if err != nil {
			return pipeline.Summary{}, err
		}
		return pipe.RunDates(ctx, []time.Time{date}, idempotent), nil

	default:
		// Default: yesterday
		return pipe.RunDates(ctx, []time.Time{pipeline.Yesterday(clk)}, idempotent), nil
	}
}

// yesterdayRunner re-extracts yesterday's costs on every scheduled run
type yesterdayRunner struct {
	pipe *pipeline.Pipeline
}

func (r yesterdayRunner) Run(ctx context.Context) pipeline.Summary {
	return r.pipe.RunDates(ctx, []time.Time{pipeline.Yesterday(clock.RealClock{})}, true)
}

// runServe starts the daemon: periodic pipeline runs plus the metrics
// server, shutting down gracefully on SIGINT/SIGTERM.
func runServe(cfg *config.Config, pipe *pipeline.Pipeline, logg *logger.Logger) {
	runCollector := collector.NewRunCollector(yesterdayRunner{pipe: pipe}, logg)

	if err := prometheus.Register(runCollector); err != nil {
		logg.Error("Failed to register collector", "error", err)
		os.Exit(1)
	}
	if err := prometheus.Register(prometheus.NewGoCollector()); err != nil {
		logg.Warn("Failed to register Go collector", "error", err)
	}
	if err := prometheus.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		logg.Warn("Failed to register process collector", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logg.Info("Starting background extraction",
		"refresh_interval_seconds", cfg.RefreshInterval)
	runCollector.StartBackgroundRefresh(ctx, time.Duration(cfg.RefreshInterval)*time.Second)

	srv := server.NewServer(cfg, runCollector, logg)
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logg.Error("Server error", "error", err)
		os.Exit(1)

	case sig := <-shutdown:
		logg.Info("Received shutdown signal, starting graceful shutdown", "signal", sig.String())
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logg.Error("Error during server shutdown", "error", err)
			os.Exit(1)
		}

		logg.Info("Server stopped gracefully")
	}
}

// newWriter selects the sink implementation from configuration
func newWriter(cfg *config.Config, logg *logger.Logger) (sink.Writer, func(), error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		w, err := sink.NewSQLiteWriter(cfg.OutputPath, logg)
		if err != nil {
			return nil, nil, err
		}
		return w, func() { _ = w.Close() }, nil
	default:
		w, err := sink.NewCSVWriter(cfg.OutputPath, logg)
		if err != nil {
			return nil, nil, err
		}
		return w, func() {}, nil
	}
}
