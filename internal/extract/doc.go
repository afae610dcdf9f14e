// Package extract acquires cost data from the Azure Cost Management API
// and shapes it into per-scope report records.
//
// Acquisition is a pluggable strategy:
//   - QueryAcquirer POSTs to the Query API and follows nextLink
//     continuation until the result set is exhausted. Column metadata
//     from the first page is authoritative for all pages.
//   - ReportAcquirer submits a generateCostDetailsReport job, polls it,
//     and downloads the produced CSV blobs (EA/MCA accounts).
//
// Both strategies produce the same Table shape, so the Orchestrator and
// the sinks are agnostic to how the data was acquired. The Orchestrator
// isolates per-scope failures: one failing scope is logged and skipped,
// never aborting the remaining scopes.
package extract
