package metrics

import (
	"strings"
	"testing"
)

func TestRecordRequestAndExport(t *testing.T) {
	RecordRequest("GET", "/v1/crawl/abc", 200, 42)

	out := Export()
	if !strings.Contains(out, "raito_http_requests_total{method=\"GET\",path=\"/v1/crawl/abc\",status=\"200\"}") {
		t.Fatalf("expected HTTP request metric for GET /v1/crawl/abc in export, got:\n%s", out)
	}
	if !strings.Contains(out, "raito_http_request_duration_ms_sum") || !strings.Contains(out, "raito_http_request_duration_ms_count") {
		t.Fatalf("expected latency metrics headers in export, got:\n%s", out)
	}
}

func TestRecordCreditAndQueueMetrics(t *testing.T) {
	RecordCreditCheck("team-1", "admitted")
	RecordCreditCheck("preview", "bypass")
	RecordQueueState("waiting")
	RecordQueueState("completed")

	out := Export()
	if !strings.Contains(out, `raito_credit_checks_total{team_id="team-1",result="admitted"}`) {
		t.Fatalf("expected credit check metric for team-1, got:\n%s", out)
	}
	if !strings.Contains(out, `raito_credit_checks_total{team_id="preview",result="bypass"}`) {
		t.Fatalf("expected credit check bypass metric for preview, got:\n%s", out)
	}
	if !strings.Contains(out, `raito_queue_state_observed_total{state="waiting"}`) {
		t.Fatalf("expected queue state metric for waiting, got:\n%s", out)
	}
}

func TestRecordDispatchAndStreamerMetrics(t *testing.T) {
	RecordDispatch("completed")
	RecordDispatch("timeout")
	RecordStreamerSession()
	RecordStreamerFrame("catchup")
	RecordStreamerFrame("document")

	out := Export()
	if !strings.Contains(out, `raito_dispatch_total{outcome="completed"}`) {
		t.Fatalf("expected dispatch metric for completed, got:\n%s", out)
	}
	if !strings.Contains(out, `raito_dispatch_total{outcome="timeout"}`) {
		t.Fatalf("expected dispatch metric for timeout, got:\n%s", out)
	}
	if !strings.Contains(out, "raito_streamer_sessions_total") {
		t.Fatalf("expected streamer sessions metric, got:\n%s", out)
	}
	if !strings.Contains(out, `raito_streamer_frames_total{frame_type="catchup"}`) {
		t.Fatalf("expected streamer frame metric for catchup, got:\n%s", out)
	}
}

func TestRecordRetentionMetrics(t *testing.T) {
	RecordRetentionJobs("single_urls", 3)
	RecordRetentionDocuments(5)

	out := Export()
	if !strings.Contains(out, `raito_retention_jobs_deleted_total{job_type="single_urls"}`) {
		t.Fatalf("expected retention jobs metric, got:\n%s", out)
	}
	if !strings.Contains(out, "raito_retention_documents_deleted_total") {
		t.Fatalf("expected retention documents metric, got:\n%s", out)
	}
}
