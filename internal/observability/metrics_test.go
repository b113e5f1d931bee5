package observability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("GET", "/v1/jobs", "200", 15*time.Millisecond)
	m.ObserveJobSubmitted("copernicus")
	m.ObserveJobFinished("copernicus", "succeeded")
	m.SetQueueDepth(3)
	m.AddDownloadBytes("copernicus", 1024)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		"nimbuschain_fetch_http_requests_total",
		"nimbuschain_fetch_jobs_submitted_total",
		"nimbuschain_fetch_jobs_finished_total",
		"nimbuschain_fetch_job_queue_depth 3",
		"nimbuschain_fetch_download_bytes_total",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected metrics output to contain %q, got:\n%s", want, body)
		}
	}
}
