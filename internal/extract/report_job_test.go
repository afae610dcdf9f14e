package extract

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/zgpcy/azure-cost-pipeline/internal/transport"
)

const reportCSV = `Cost,UsageDate,ResourceId,MeterId,SubscriptionId
12.34,2026-01-05,/subscriptions/s1/vm-1,m-1,s1
0.56,2026-01-05,/subscriptions/s1/sa-1,m-2,s1
`

func newTestReportAcquirer(req Requester) *ReportAcquirer {
	a := NewReportAcquirer(req, 30*time.Second, 120*time.Second, 100*time.Millisecond, 5, testLogger())
	a.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return a
}

func acceptedResponse(location string) *transport.Response {
	h := http.Header{}
	h.Set("Location", location)
	return &transport.Response{StatusCode: http.StatusAccepted, Header: h}
}

func TestReportAcquire_SubmitPollDownload(t *testing.T) {
	req := &fakeRequester{responses: []*transport.Response{
		acceptedResponse("https://management.azure.com/op/1"),
		okResponse([]byte(`{"status":"InProgress"}`)),
		okResponse([]byte(`{"status":"Completed","manifest":{"blobs":[{"blobLink":"https://blobs.example/report.csv","byteCount":128}]}}`)),
		okResponse([]byte(reportCSV)),
	}}
	a := newTestReportAcquirer(req)

	table, err := a.Acquire(context.Background(), "/subscriptions/s1", SingleDay(date(2026, 1, 5)))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	if len(table.Columns) != 5 || table.Columns[0] != "Cost" {
		t.Errorf("Columns = %v, want CSV header", table.Columns)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(table.Rows))
	}
	if table.Rows[0][0] != "12.34" {
		t.Errorf("Rows[0][0] = %v, want string cell 12.34", table.Rows[0][0])
	}

	requests := req.recorded()
	if len(requests) != 4 {
		t.Fatalf("made %d requests, want 4 (submit, 2 polls, download)", len(requests))
	}
	if requests[0].method != http.MethodPost {
		t.Errorf("submit method = %s, want POST", requests[0].method)
	}
	if !strings.Contains(requests[0].url, "generateCostDetailsReport") {
		t.Errorf("submit URL = %q, want generation endpoint", requests[0].url)
	}
	if requests[1].url != "https://management.azure.com/op/1" {
		t.Errorf("poll URL = %q, want Location header value", requests[1].url)
	}
	if requests[3].timeout != 120*time.Second {
		t.Errorf("download timeout = %v, want the extended timeout", requests[3].timeout)
	}
}

func TestReportAcquire_MergesMultipleBlobs(t *testing.T) {
	secondBlob := `Cost,UsageDate,ResourceId,MeterId,SubscriptionId
7.89,2026-01-05,/subscriptions/s1/sql-1,m-3,s1
`
	req := &fakeRequester{responses: []*transport.Response{
		acceptedResponse("https://management.azure.com/op/1"),
		okResponse([]byte(`{"status":"Completed","manifest":{"blobs":[{"blobLink":"https://blobs.example/a.csv"},{"blobLink":"https://blobs.example/b.csv"}]}}`)),
		okResponse([]byte(reportCSV)),
		okResponse([]byte(secondBlob)),
	}}
	a := newTestReportAcquirer(req)

	table, err := a.Acquire(context.Background(), "/subscriptions/s1", SingleDay(date(2026, 1, 5)))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(table.Rows) != 3 {
		t.Errorf("got %d rows, want 3 across both blobs", len(table.Rows))
	}
}

func TestReportAcquire_CompletedWithoutBlobs(t *testing.T) {
	req := &fakeRequester{responses: []*transport.Response{
		acceptedResponse("https://management.azure.com/op/1"),
		okResponse([]byte(`{"status":"Completed"}`)),
	}}
	a := newTestReportAcquirer(req)

	table, err := a.Acquire(context.Background(), "/subscriptions/s1", SingleDay(date(2026, 1, 5)))
	if err != nil {
		t.Fatalf("Acquire() error = %v, want empty result for blobless completion", err)
	}
	if len(table.Rows) != 0 {
		t.Errorf("got %d rows, want 0", len(table.Rows))
	}
}

func TestReportAcquire_JobFailed(t *testing.T) {
	req := &fakeRequester{responses: []*transport.Response{
		acceptedResponse("https://management.azure.com/op/1"),
		okResponse([]byte(`{"status":"Failed","error":{"code":"InvalidScope","message":"scope not supported"}}`)),
	}}
	a := newTestReportAcquirer(req)

	_, err := a.Acquire(context.Background(), "/subscriptions/s1", SingleDay(date(2026, 1, 5)))
	if err == nil {
		t.Fatal("Acquire() error = nil, want job failure")
	}
	if !strings.Contains(err.Error(), "InvalidScope") {
		t.Errorf("error = %v, want API error code included", err)
	}
}

func TestReportAcquire_PollAttemptsExhausted(t *testing.T) {
	req := &fakeRequester{responses: []*transport.Response{
		acceptedResponse("https://management.azure.com/op/1"),
		okResponse([]byte(`{"status":"InProgress"}`)),
	}}
	a := newTestReportAcquirer(req)

	_, err := a.Acquire(context.Background(), "/subscriptions/s1", SingleDay(date(2026, 1, 5)))
	if err == nil {
		t.Fatal("Acquire() error = nil, want poll exhaustion")
	}
	if !strings.Contains(err.Error(), "did not complete") {
		t.Errorf("error = %v, want poll exhaustion message", err)
	}
	// submit + maxPollAttempts status checks
	if got := len(req.recorded()); got != 6 {
		t.Errorf("made %d requests, want 6", got)
	}
}

func TestReportAcquire_SubmitRejected(t *testing.T) {
	req := &fakeRequester{responses: []*transport.Response{
		{StatusCode: http.StatusBadRequest, Header: http.Header{}, Body: []byte(`{"error":{"code":"BadRequest"}}`)},
	}}
	a := newTestReportAcquirer(req)

	if _, err := a.Acquire(context.Background(), "/subscriptions/s1", SingleDay(date(2026, 1, 5))); err == nil {
		t.Fatal("Acquire() error = nil, want submit rejection")
	}
}

func TestReportAcquire_PendingPollStatus(t *testing.T) {
	// A raw 202 on the poll URL means the operation resource is not
	// ready yet; keep polling
	req := &fakeRequester{responses: []*transport.Response{
		acceptedResponse("https://management.azure.com/op/1"),
		{StatusCode: http.StatusAccepted, Header: http.Header{}},
		okResponse([]byte(`{"status":"Completed","manifest":{"blobs":[{"blobLink":"https://blobs.example/a.csv"}]}}`)),
		okResponse([]byte(reportCSV)),
	}}
	a := newTestReportAcquirer(req)

	table, err := a.Acquire(context.Background(), "/subscriptions/s1", SingleDay(date(2026, 1, 5)))
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if len(table.Rows) != 2 {
		t.Errorf("got %d rows, want 2", len(table.Rows))
	}
}

func TestParseCSVTable(t *testing.T) {
	table, err := parseCSVTable([]byte(reportCSV))
	if err != nil {
		t.Fatalf("parseCSVTable() error = %v", err)
	}
	if len(table.Columns) != 5 {
		t.Errorf("got %d columns, want 5", len(table.Columns))
	}
	if len(table.Rows) != 2 {
		t.Errorf("got %d rows, want 2", len(table.Rows))
	}

	empty, err := parseCSVTable(nil)
	if err != nil {
		t.Fatalf("parseCSVTable(nil) error = %v", err)
	}
	if len(empty.Columns) != 0 || len(empty.Rows) != 0 {
		t.Errorf("parseCSVTable(nil) = %+v, want empty table", empty)
	}
}
