package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics, in-memory only, exported as text via
// Export(). Intentionally minimal: enough to watch the orchestration
// components without pulling in a client library for counters the teacher
// never needed.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	retentionJobsDeleted      = make(map[string]int64)
	retentionDocumentsDeleted int64

	creditChecksTotal = make(map[creditKey]int64)
	queueStateTotal   = make(map[queueKey]int64)
	dispatchTotal     = make(map[dispatchKey]int64)
	streamerFrames    = make(map[streamerKey]int64)
	streamerSessions  int64
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type creditKey struct {
	TeamID string
	Result string // admitted, denied_insufficient, bypass_preview, bypass_no_auth, internal_error
}

type queueKey struct {
	State string
}

type dispatchKey struct {
	Outcome string // success, job_timeout, llm_extraction_failed, unexpected, invalid_input, blocklisted, credit_check_error, insufficient_credits, queue_unavailable
}

type streamerKey struct {
	FrameType string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordCreditCheck records the outcome of a Credit Gate admission check.
func RecordCreditCheck(teamID, result string) {
	mu.Lock()
	defer mu.Unlock()
	creditChecksTotal[creditKey{TeamID: teamID, Result: result}]++
}

// RecordQueueState records a job queue state transition/observation.
func RecordQueueState(state string) {
	mu.Lock()
	defer mu.Unlock()
	queueStateTotal[queueKey{State: state}]++
}

// RecordDispatch records the terminal outcome of a scrape dispatch.
func RecordDispatch(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	dispatchTotal[dispatchKey{Outcome: outcome}]++
}

// RecordStreamerSession records a new progress-streamer session starting.
func RecordStreamerSession() {
	mu.Lock()
	defer mu.Unlock()
	streamerSessions++
}

// RecordStreamerFrame records a frame of the given type sent to a client.
func RecordStreamerFrame(frameType string) {
	mu.Lock()
	defer mu.Unlock()
	streamerFrames[streamerKey{FrameType: frameType}]++
}

// RecordRetentionJobs increments the counter of jobs deleted by TTL for
// a given job type.
func RecordRetentionJobs(jobType string, deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionJobsDeleted[jobType] += deleted
}

// RecordRetentionDocuments increments the counter of documents deleted
// by TTL cleanup.
func RecordRetentionDocuments(deleted int64) {
	if deleted <= 0 {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	retentionDocumentsDeleted += deleted
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP raito_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE raito_http_requests_total counter\n")

	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})
	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "raito_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP raito_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE raito_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP raito_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE raito_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})
	for _, k := range latKeys {
		sum := latencyMsSum[k]
		cnt := latencyMsCount[k]
		fmt.Fprintf(&b, "raito_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n", k.Method, k.Path, sum)
		fmt.Fprintf(&b, "raito_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n", k.Method, k.Path, cnt)
	}

	b.WriteString("# HELP raito_credit_checks_total Credit gate admission checks by team and result\n")
	b.WriteString("# TYPE raito_credit_checks_total counter\n")
	var creditKeys []creditKey
	for k := range creditChecksTotal {
		creditKeys = append(creditKeys, k)
	}
	sort.Slice(creditKeys, func(i, j int) bool {
		if creditKeys[i].TeamID != creditKeys[j].TeamID {
			return creditKeys[i].TeamID < creditKeys[j].TeamID
		}
		return creditKeys[i].Result < creditKeys[j].Result
	})
	for _, k := range creditKeys {
		v := creditChecksTotal[k]
		fmt.Fprintf(&b, "raito_credit_checks_total{team_id=\"%s\",result=\"%s\"} %d\n", k.TeamID, k.Result, v)
	}

	b.WriteString("# HELP raito_queue_state_observed_total Job queue state observations\n")
	b.WriteString("# TYPE raito_queue_state_observed_total counter\n")
	var queueKeys []queueKey
	for k := range queueStateTotal {
		queueKeys = append(queueKeys, k)
	}
	sort.Slice(queueKeys, func(i, j int) bool { return queueKeys[i].State < queueKeys[j].State })
	for _, k := range queueKeys {
		v := queueStateTotal[k]
		fmt.Fprintf(&b, "raito_queue_state_observed_total{state=\"%s\"} %d\n", k.State, v)
	}

	b.WriteString("# HELP raito_dispatch_total Scrape dispatch terminal outcomes\n")
	b.WriteString("# TYPE raito_dispatch_total counter\n")
	var dispatchKeys []dispatchKey
	for k := range dispatchTotal {
		dispatchKeys = append(dispatchKeys, k)
	}
	sort.Slice(dispatchKeys, func(i, j int) bool { return dispatchKeys[i].Outcome < dispatchKeys[j].Outcome })
	for _, k := range dispatchKeys {
		v := dispatchTotal[k]
		fmt.Fprintf(&b, "raito_dispatch_total{outcome=\"%s\"} %d\n", k.Outcome, v)
	}

	b.WriteString("# HELP raito_streamer_sessions_total Progress streamer sessions started\n")
	b.WriteString("# TYPE raito_streamer_sessions_total counter\n")
	fmt.Fprintf(&b, "raito_streamer_sessions_total %d\n", streamerSessions)

	b.WriteString("# HELP raito_streamer_frames_total Progress streamer frames sent by type\n")
	b.WriteString("# TYPE raito_streamer_frames_total counter\n")
	var streamerKeys []streamerKey
	for k := range streamerFrames {
		streamerKeys = append(streamerKeys, k)
	}
	sort.Slice(streamerKeys, func(i, j int) bool { return streamerKeys[i].FrameType < streamerKeys[j].FrameType })
	for _, k := range streamerKeys {
		v := streamerFrames[k]
		fmt.Fprintf(&b, "raito_streamer_frames_total{frame_type=\"%s\"} %d\n", k.FrameType, v)
	}

	b.WriteString("# HELP raito_retention_jobs_deleted_total Total jobs deleted by TTL\n")
	b.WriteString("# TYPE raito_retention_jobs_deleted_total counter\n")
	var jobTypes []string
	for t := range retentionJobsDeleted {
		jobTypes = append(jobTypes, t)
	}
	sort.Strings(jobTypes)
	for _, t := range jobTypes {
		v := retentionJobsDeleted[t]
		fmt.Fprintf(&b, "raito_retention_jobs_deleted_total{job_type=\"%s\"} %d\n", t, v)
	}

	b.WriteString("# HELP raito_retention_documents_deleted_total Total documents deleted by TTL\n")
	b.WriteString("# TYPE raito_retention_documents_deleted_total counter\n")
	fmt.Fprintf(&b, "raito_retention_documents_deleted_total %d\n", retentionDocumentsDeleted)

	return b.String()
}
