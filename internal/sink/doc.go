// Package sink persists extracted report records.
//
// Two implementations honor one write contract:
//   - CSVWriter lands flat files, one per date label and scope, and
//     rewrites them with composite-key deduplication on idempotent
//     re-runs
//   - SQLiteWriter lands a local table store and upserts on the same
//     composite key
//
// Every stored row is enriched with lineage columns (_source_scope,
// _source_scope_name, _ingestion_timestamp, _ingestion_date, _cost_date)
// before it is written. The composite key for idempotent writes is
// (_cost_date, ResourceId, MeterId, SubscriptionId, _source_scope).
// A failure writing one report is isolated; the remaining reports are
// still written.
package sink
