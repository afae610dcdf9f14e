// Package pipeline ties extraction and sinks together into one run.
//
// A run covers either a list of single dates (default: yesterday;
// backfill: the last N days) or one date range. Errors are collected per
// date, never aborting the remaining dates; the run summary reports
// dates processed, scopes processed, rows written, and the collected
// errors. Overall success is defined as zero collected errors.
package pipeline
