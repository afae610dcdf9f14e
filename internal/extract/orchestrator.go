package extract

import (
	"context"
	"strings"

	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
)

// Orchestrator iterates configured scopes and assembles one report
// record per scope. A failure in one scope never aborts extraction for
// the remaining scopes.
type Orchestrator struct {
	acquirer Acquirer
	logger   *logger.Logger
}

// NewOrchestrator creates an orchestrator over the given acquisition
// strategy.
func NewOrchestrator(acquirer Acquirer, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		acquirer: acquirer,
		logger:   log,
	}
}

// Extract acquires cost data for every scope in the window. Only
// successful scopes appear in the result; an empty result is a valid,
// non-error outcome.
func (o *Orchestrator) Extract(ctx context.Context, scopes []string, window Window) []ReportRecord {
	results := make([]ReportRecord, 0, len(scopes))

	for _, scopeID := range scopes {
		scopeName := ScopeDisplayName(scopeID)
		o.logger.Info("Processing scope", "scope", scopeName)

		table, err := o.acquirer.Acquire(ctx, scopeID, window)
		if err != nil {
			// Log and continue with other scopes
			o.logger.Error("Failed to extract data for scope",
				"scope", scopeName,
				"scope_id", scopeID,
				"error", err)
			continue
		}

		results = append(results, ReportRecord{
			ScopeID:   scopeID,
			ScopeName: scopeName,
			DateLabel: window.Label(),
			Table:     table,
			RowCount:  len(table.Rows),
		})

		o.logger.Info("Successfully extracted rows",
			"scope", scopeName,
			"rows", len(table.Rows))
	}

	return results
}

// ScopeDisplayName derives a short human-readable name from an opaque
// scope ID.
func ScopeDisplayName(scopeID string) string {
	parts := strings.Split(scopeID, "/")

	for i, part := range parts {
		if part == "subscriptions" && i+1 < len(parts) && parts[i+1] != "" {
			id := parts[i+1]
			if len(id) > 8 {
				id = id[:8]
			}
			return "subscription-" + id
		}
	}

	for i, part := range parts {
		if part == "managementGroups" && i+1 < len(parts) && parts[i+1] != "" {
			return "mg-" + parts[i+1]
		}
	}

	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}

	if len(scopeID) > 20 {
		return scopeID[:20]
	}
	return scopeID
}
