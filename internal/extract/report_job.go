package extract

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zgpcy/azure-cost-pipeline/internal/logger"
)

// generateURLTemplate is the cost details report generation endpoint.
// Available for EA/MCA billing accounts only.
const generateURLTemplate = "https://management.azure.com/%s/providers/Microsoft.CostManagement/generateCostDetailsReport?api-version=2022-05-01"

// ReportAcquirer acquires cost data via the report-generation job API:
// submit a generation request, poll the returned operation until it
// completes, then download the produced CSV blob.
type ReportAcquirer struct {
	client          Requester
	requestTimeout  time.Duration
	downloadTimeout time.Duration
	pollInterval    time.Duration
	maxPollAttempts int
	sleep           func(ctx context.Context, d time.Duration) error
	logger          *logger.Logger
}

var _ Acquirer = (*ReportAcquirer)(nil)

// NewReportAcquirer creates the report-generation acquisition strategy
func NewReportAcquirer(client Requester, requestTimeout, downloadTimeout, pollInterval time.Duration, maxPollAttempts int, log *logger.Logger) *ReportAcquirer {
	return &ReportAcquirer{
		client:          client,
		requestTimeout:  requestTimeout,
		downloadTimeout: downloadTimeout,
		pollInterval:    pollInterval,
		maxPollAttempts: maxPollAttempts,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		logger: log,
	}
}

// generateRequest is the report generation job body
type generateRequest struct {
	Metric     string             `json:"metric"`
	TimePeriod generateTimePeriod `json:"timePeriod"`
}

type generateTimePeriod struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// operationStatus is the poll response for a generation job
type operationStatus struct {
	Status string `json:"status"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Manifest *struct {
		Blobs []struct {
			BlobLink  string `json:"blobLink"`
			ByteCount int64  `json:"byteCount"`
		} `json:"blobs"`
	} `json:"manifest"`
}

// Acquire submits the generation job, polls until completion, and
// downloads and parses the CSV result.
func (a *ReportAcquirer) Acquire(ctx context.Context, scopeID string, window Window) (Table, error) {
	pollURL, err := a.submit(ctx, scopeID, window)
	if err != nil {
		return Table{}, err
	}

	blobs, err := a.poll(ctx, pollURL)
	if err != nil {
		return Table{}, err
	}

	var table Table
	for i, blobLink := range blobs {
		a.logger.Info("Downloading report blob", "blob", i+1, "total", len(blobs))
		part, err := a.download(ctx, blobLink)
		if err != nil {
			return Table{}, err
		}
		if i == 0 {
			table = part
			continue
		}
		// Later blobs share the first blob's header
		table.Rows = append(table.Rows, part.Rows...)
	}

	a.logger.Info("Report acquisition complete", "scope", scopeID, "total_rows", len(table.Rows))
	return table, nil
}

// submit starts the generation job and returns the operation poll URL
func (a *ReportAcquirer) submit(ctx context.Context, scopeID string, window Window) (string, error) {
	body, err := json.Marshal(generateRequest{
		Metric: "ActualCost",
		TimePeriod: generateTimePeriod{
			Start: window.Start.Format(dateLayout),
			End:   window.End.Format(dateLayout),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode report request: %w", err)
	}

	url := fmt.Sprintf(generateURLTemplate, strings.Trim(scopeID, "/"))
	a.logger.Info("Submitting cost report generation job", "scope", scopeID, "window", window.Label())

	resp, err := a.client.Do(ctx, http.MethodPost, url, body, a.requestTimeout)
	if err != nil {
		return "", fmt.Errorf("report generation request failed: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		// Small result sets complete synchronously; poll URL in Location
		// is still provided, but the body may already carry the manifest.
		if loc := resp.Header.Get("Location"); loc != "" {
			return loc, nil
		}
		return "", fmt.Errorf("report generation returned 200 without a Location header")
	case http.StatusAccepted:
		loc := resp.Header.Get("Location")
		if loc == "" {
			return "", fmt.Errorf("report generation accepted without a Location header")
		}
		return loc, nil
	default:
		return "", fmt.Errorf("report generation returned status %d: %s", resp.StatusCode, snippet(resp.Body))
	}
}

// poll waits for the generation job to complete and returns blob links
func (a *ReportAcquirer) poll(ctx context.Context, pollURL string) ([]string, error) {
	for attempt := 1; attempt <= a.maxPollAttempts; attempt++ {
		resp, err := a.client.Do(ctx, http.MethodGet, pollURL, nil, a.requestTimeout)
		if err != nil {
			return nil, fmt.Errorf("report status poll failed: %w", err)
		}

		if resp.StatusCode == http.StatusAccepted {
			a.logger.Info("Report still generating", "attempt", attempt, "max_attempts", a.maxPollAttempts)
			if err := a.sleep(ctx, a.pollInterval); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("report status poll returned status %d: %s", resp.StatusCode, snippet(resp.Body))
		}

		var status operationStatus
		if err := json.Unmarshal(resp.Body, &status); err != nil {
			return nil, fmt.Errorf("failed to decode report status: %w", err)
		}

		switch status.Status {
		case "Completed":
			if status.Manifest == nil || len(status.Manifest.Blobs) == 0 {
				// A completed job with no blobs means no cost data
				return nil, nil
			}
			links := make([]string, 0, len(status.Manifest.Blobs))
			for _, b := range status.Manifest.Blobs {
				links = append(links, b.BlobLink)
			}
			return links, nil
		case "Failed":
			if status.Error != nil {
				return nil, fmt.Errorf("report generation failed: %s: %s", status.Error.Code, status.Error.Message)
			}
			return nil, fmt.Errorf("report generation failed")
		default:
			// InProgress, Queued and friends
			a.logger.Info("Report generation in progress", "status", status.Status, "attempt", attempt)
			if err := a.sleep(ctx, a.pollInterval); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("report generation did not complete after %d poll attempts", a.maxPollAttempts)
}

// download fetches one CSV blob and parses it into a table
func (a *ReportAcquirer) download(ctx context.Context, blobLink string) (Table, error) {
	resp, err := a.client.Do(ctx, http.MethodGet, blobLink, nil, a.downloadTimeout)
	if err != nil {
		return Table{}, fmt.Errorf("report download failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Table{}, fmt.Errorf("report download returned status %d", resp.StatusCode)
	}
	return parseCSVTable(resp.Body)
}

// parseCSVTable converts report CSV bytes into the common tabular form.
// The first record is the column header; cell values stay strings.
func parseCSVTable(data []byte) (Table, error) {
	reader := csv.NewReader(strings.NewReader(string(data)))
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return Table{}, fmt.Errorf("failed to parse report CSV: %w", err)
	}
	if len(records) == 0 {
		return Table{}, nil
	}

	table := Table{Columns: records[0]}
	for _, rec := range records[1:] {
		row := make([]any, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}
