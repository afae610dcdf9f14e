// Package collector exposes pipeline run state as Prometheus metrics
// for serve mode.
//
// RunCollector schedules pipeline runs on a refresh interval and
// implements prometheus.Collector over the most recent run summary:
// success, duration, rows written, scopes processed, plus counters that
// accumulate across runs. The pipeline itself stays unaware of
// Prometheus; the collector only consumes run summaries.
package collector
