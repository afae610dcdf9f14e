package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/costmanagement/armcostmanagement"
	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
	"github.com/zgpcy/azure-cost-pipeline/internal/transport"
)

// queryURLTemplate is the scope-scoped Cost Management Query endpoint.
// The Query API supports all subscription types including PAYG.
const queryURLTemplate = "https://management.azure.com/%s/providers/Microsoft.CostManagement/query?api-version=2025-03-01"

// Requester executes one HTTP call with the pipeline's retry policy.
// Implemented by transport.Client.
type Requester interface {
	Do(ctx context.Context, method, url string, body []byte, timeout time.Duration) (*transport.Response, error)
}

// QueryAcquirer drives the Query API for one scope and window, following
// continuation links until the result set is exhausted.
type QueryAcquirer struct {
	client          Requester
	requestTimeout  time.Duration
	downloadTimeout time.Duration
	logger          *logger.Logger
}

var _ Acquirer = (*QueryAcquirer)(nil)

// NewQueryAcquirer creates the direct-query acquisition strategy.
// requestTimeout bounds the initial query; downloadTimeout bounds
// pagination fetches, which can be substantially larger.
func NewQueryAcquirer(client Requester, requestTimeout, downloadTimeout time.Duration, log *logger.Logger) *QueryAcquirer {
	return &QueryAcquirer{
		client:          client,
		requestTimeout:  requestTimeout,
		downloadTimeout: downloadTimeout,
		logger:          log,
	}
}

// Acquire issues the query and follows nextLink pagination. Column
// metadata from the first page is authoritative for the whole sequence.
func (a *QueryAcquirer) Acquire(ctx context.Context, scopeID string, window Window) (Table, error) {
	page, err := a.runQuery(ctx, scopeID, window)
	if err != nil {
		return Table{}, err
	}

	table := Table{
		Columns: columnNames(page),
		Rows:    pageRows(page),
	}
	a.logger.Info("Initial query returned rows", "rows", len(table.Rows), "scope", scopeID)

	pageCount := 1
	for link := nextLink(page); link != ""; link = nextLink(page) {
		pageCount++
		a.logger.Info("Fetching continuation page", "page", pageCount)

		page, err = a.fetchNextPage(ctx, link)
		if err != nil {
			return Table{}, err
		}
		newRows := pageRows(page)
		table.Rows = append(table.Rows, newRows...)
		a.logger.Info("Continuation page returned rows", "page", pageCount, "rows", len(newRows))
	}

	a.logger.Info("Query complete", "scope", scopeID, "total_rows", len(table.Rows), "pages", pageCount)
	return table, nil
}

// runQuery POSTs the query definition for the window
func (a *QueryAcquirer) runQuery(ctx context.Context, scopeID string, window Window) (*armcostmanagement.QueryResult, error) {
	exportType := armcostmanagement.ExportTypeUsage
	timeframe := armcostmanagement.TimeframeTypeCustom
	granularity := armcostmanagement.GranularityTypeDaily
	from := window.FromTime()
	to := window.ToTime()

	def := armcostmanagement.QueryDefinition{
		Type:      &exportType,
		Timeframe: &timeframe,
		TimePeriod: &armcostmanagement.QueryTimePeriod{
			From: &from,
			To:   &to,
		},
		Dataset: &armcostmanagement.QueryDataset{
			Granularity: &granularity,
		},
	}

	body, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query definition: %w", err)
	}

	url := fmt.Sprintf(queryURLTemplate, strings.Trim(scopeID, "/"))
	a.logger.Info("Querying cost data", "scope", scopeID, "window", window.Label())

	resp, err := a.client.Do(ctx, http.MethodPost, url, body, a.requestTimeout)
	if err != nil {
		return nil, fmt.Errorf("cost query failed for %s: %w", window.Label(), err)
	}

	return decodeQueryResult(resp)
}

// fetchNextPage GETs a continuation link with the extended timeout
func (a *QueryAcquirer) fetchNextPage(ctx context.Context, link string) (*armcostmanagement.QueryResult, error) {
	resp, err := a.client.Do(ctx, http.MethodGet, link, nil, a.downloadTimeout)
	if err != nil {
		return nil, fmt.Errorf("pagination fetch failed: %w", err)
	}
	return decodeQueryResult(resp)
}

// decodeQueryResult checks the status and unmarshals the SDK wire type
func decodeQueryResult(resp *transport.Response) (*armcostmanagement.QueryResult, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("query API returned status %d: %s", resp.StatusCode, snippet(resp.Body))
	}

	var result armcostmanagement.QueryResult
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode query response: %w", err)
	}
	return &result, nil
}

func columnNames(result *armcostmanagement.QueryResult) []string {
	if result.Properties == nil {
		return nil
	}
	names := make([]string, 0, len(result.Properties.Columns))
	for _, col := range result.Properties.Columns {
		if col != nil && col.Name != nil {
			names = append(names, *col.Name)
		}
	}
	return names
}

func pageRows(result *armcostmanagement.QueryResult) [][]any {
	if result.Properties == nil {
		return nil
	}
	return result.Properties.Rows
}

func nextLink(result *armcostmanagement.QueryResult) string {
	if result.Properties == nil || result.Properties.NextLink == nil {
		return ""
	}
	return *result.Properties.NextLink
}

// snippet truncates a response body for error messages
func snippet(body []byte) string {
	const max = 500
	s := string(body)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
