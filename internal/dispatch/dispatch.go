// Package dispatch implements Scrape Dispatch (component D): the v0
// single-URL scrape contract. It is grounded on the teacher's
// handlers_scrape.go request/response shape and the await-for-job poll
// loop the teacher's deleted HTTP executor used, generalized to the
// credit-gated, queue-mediated pipeline the orchestration core requires.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"raito-core/internal/config"
	"raito-core/internal/credit"
	"raito-core/internal/metrics"
	"raito-core/internal/model"
	"raito-core/internal/queue"
)

// BlocklistedURLMessage is the fixed message returned for blocklisted
// hosts, matching the design's "fixed BLOCKLISTED_URL_MESSAGE".
const BlocklistedURLMessage = "This website is no longer supported, please reach out to help@raito.example for more info"

var (
	ErrInvalidInput      = errors.New("invalid_input")
	ErrBlocklistedURL    = errors.New("blocklisted_url")
	ErrInsufficientCredit = errors.New("insufficient_credits")
	ErrJobTimeout        = errors.New("job_timeout")
	ErrLLMExtraction     = errors.New("llm_extraction_failed")
)

// llmErrorSubstrings are matched against a failed job's error message to
// distinguish a recovered LLM-extraction failure (500, message passed
// through) from any other, fatal error (propagated).
var llmErrorSubstrings = []string{
	"Error generating completions: ",
	"Invalid schema for function",
	"LLM extraction did not match the extraction schema",
}

// Request is the v0 /scrape request body.
type Request struct {
	URL              string          `json:"url"`
	CrawlerOptions   json.RawMessage `json:"crawlerOptions,omitempty"`
	PageOptions      PageOptions     `json:"pageOptions,omitempty"`
	ExtractorOptions ExtractorOptions `json:"extractorOptions,omitempty"`
	Origin           string          `json:"origin,omitempty"`
	Timeout          int             `json:"timeout,omitempty"`
	Integration      string          `json:"integration,omitempty"`
}

type PageOptions struct {
	IncludeRawHTML bool `json:"includeRawHtml,omitempty"`
	IncludeHTML    bool `json:"includeHtml,omitempty"`
	OnlyMainContent bool `json:"onlyMainContent,omitempty"`
}

type ExtractorOptions struct {
	Mode             string         `json:"mode,omitempty"`
	ExtractionSchema map[string]any `json:"extractionSchema,omitempty"`
}

// Response is the v0 /scrape response envelope.
type Response struct {
	Success    bool            `json:"success"`
	Data       *model.Document `json:"data,omitempty"`
	ReturnCode int             `json:"returnCode,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// BlocklistChecker reports whether a host is blocklisted. The blocklist's
// content is an external collaborator per the design; this core only
// carries whatever list an operator supplies via config.
type BlocklistChecker interface {
	IsBlocked(host string) bool
}

// Executor is Scrape Dispatch: scrape(request) -> {success, data?, error?, return_code}.
type Executor struct {
	gate      *credit.Gate
	queue     *queue.Gateway
	blocklist BlocklistChecker
	cfg       config.ScraperConfig
	worker    config.WorkerConfig
	credit    config.CreditConfig
	pollEvery time.Duration
}

func New(gate *credit.Gate, q *queue.Gateway, blocklist BlocklistChecker, scraperCfg config.ScraperConfig, workerCfg config.WorkerConfig, creditCfg config.CreditConfig) *Executor {
	return &Executor{
		gate:      gate,
		queue:     q,
		blocklist: blocklist,
		cfg:       scraperCfg,
		worker:    workerCfg,
		credit:    creditCfg,
		pollEvery: 200 * time.Millisecond,
	}
}

// StripInternalFields clears worker-internal bookkeeping fields (index,
// provider) from a document before it is returned to a caller, per step 9
// of the dispatch algorithm.
func StripInternalFields(doc *model.Document) {
	doc.Index = 0
	doc.Provider = ""
}

// Scrape runs the full 10-step Scrape Dispatch algorithm. authMode is the
// resolved admission tri-state, threaded straight through to the Credit
// Gate's Check/Bill so only the true bypass case skips real pricing.
func (e *Executor) Scrape(ctx context.Context, teamID string, req Request, authMode config.AuthMode) (Response, error) {
	// Step 1: parse/normalize URL, reject blocklisted host.
	normalized, err := normalizeURL(req.URL)
	if err != nil {
		metrics.RecordDispatch("invalid_input")
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if e.blocklist != nil && e.blocklist.IsBlocked(normalized.Hostname()) {
		metrics.RecordDispatch("blocklisted")
		return Response{}, fmt.Errorf("%w: %s", ErrBlocklistedURL, BlocklistedURLMessage)
	}

	// Step 2: merge options over built-in defaults.
	timeout := time.Duration(e.worker.SyncJobWaitTimeoutMs) * time.Millisecond
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Millisecond
	}
	origin := req.Origin
	if origin == "" {
		origin = "api"
	}

	// Step 3: LLM-extraction mode validation.
	isLLM := strings.Contains(req.ExtractorOptions.Mode, "llm-extraction")
	if isLLM {
		if len(req.ExtractorOptions.ExtractionSchema) == 0 {
			metrics.RecordDispatch("invalid_input")
			return Response{}, fmt.Errorf("%w: extractionSchema must be an object for llm-extraction mode", ErrInvalidInput)
		}
		req.PageOptions.OnlyMainContent = true
		timeout = 90 * time.Second
	}

	// Step 4: resolve priority.
	priority := queue.BasePriority(10, 0)

	// Step 5: admit via Credit Gate for 1 credit.
	credits := int64(e.credit.BaseCredits)
	result, err := e.gate.Check(ctx, teamID, credits, authMode)
	if err != nil {
		metrics.RecordDispatch("credit_check_error")
		return Response{}, fmt.Errorf("credit_check_error: %w", err)
	}
	if !result.Admitted {
		metrics.RecordDispatch("insufficient_credits")
		return Response{}, fmt.Errorf("%w: %s", ErrInsufficientCredit, result.Message)
	}

	// Step 6: construct job id (UUID v4); enqueue mode=single_urls.
	jobID := uuid.New()
	scrapeOptions, _ := json.Marshal(req.PageOptions)
	internalOptions, _ := json.Marshal(req.ExtractorOptions)
	err = e.queue.Enqueue(ctx, queue.Descriptor{
		JobID:           jobID,
		Mode:            "single_urls",
		TeamID:          teamID,
		URL:             normalized.String(),
		ScrapeOptions:   scrapeOptions,
		InternalOptions: internalOptions,
		Origin:          origin,
		Integration:     req.Integration,
		IsScrape:        true,
		Priority:        priority,
	})
	if err != nil {
		metrics.RecordDispatch("queue_unavailable")
		return Response{}, err
	}

	// Step 7: await completion, the central suspension point.
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	output, jobErr, waitErr := e.awaitJob(waitCtx, jobID)
	if waitErr != nil {
		if errors.Is(waitErr, context.DeadlineExceeded) {
			metrics.RecordDispatch("job_timeout")
			// Per the design's open question (a): preserve source behavior
			// and do not remove the queue entry on a v0 timeout.
			return Response{}, fmt.Errorf("%w: Request timed out", ErrJobTimeout)
		}
		metrics.RecordDispatch("unexpected")
		return Response{}, waitErr
	}
	if jobErr != "" {
		if substr := matchingLLMSubstring(jobErr); substr != "" {
			metrics.RecordDispatch("llm_extraction_failed")
			return Response{}, fmt.Errorf("%w: %s", ErrLLMExtraction, jobErr)
		}
		metrics.RecordDispatch("unexpected")
		return Response{}, errors.New(jobErr)
	}

	// Step 8: remove the terminal job from the queue.
	if err := e.queue.Remove(ctx, jobID); err != nil {
		// Non-fatal: the response still carries a valid result.
	}

	// Step 9: post-process the document.
	var doc model.Document
	if len(output) > 0 {
		if err := json.Unmarshal(output, &doc); err != nil {
			metrics.RecordDispatch("unexpected")
			return Response{}, err
		}
	}
	StripInternalFields(&doc)
	if !req.PageOptions.IncludeRawHTML {
		doc.RawHTML = ""
	}
	if !req.PageOptions.IncludeHTML {
		doc.HTML = ""
	}
	if isLLM && len(doc.Extract) > 0 {
		doc.Markdown = ""
	}

	// Step 10: bill asynchronously.
	billCredits := credits
	if isLLM {
		billCredits += int64(e.credit.LLMExtractionCredits)
	}
	e.gate.Bill(teamID, "", billCredits, isLLM, authMode)

	metrics.RecordDispatch("success")
	return Response{Success: true, Data: &doc, ReturnCode: 200}, nil
}

// awaitJob polls the queue until the job reaches a terminal state or ctx
// is done. It returns the job's output, its error message (if failed), or
// a wait error (typically context.DeadlineExceeded).
func (e *Executor) awaitJob(ctx context.Context, jobID uuid.UUID) (json.RawMessage, string, error) {
	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()

	for {
		job, ok, err := e.queue.Get(ctx, jobID)
		if err != nil {
			return nil, "", err
		}
		if ok {
			switch job.Status {
			case "completed":
				var out json.RawMessage
				if job.Output.Valid {
					out = job.Output.RawMessage
				}
				return out, "", nil
			case "failed":
				msg := "job failed"
				if job.Error.Valid {
					msg = job.Error.String
				}
				return nil, msg, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func matchingLLMSubstring(errMsg string) string {
	for _, s := range llmErrorSubstrings {
		if strings.Contains(errMsg, s) {
			return errMsg
		}
	}
	return ""
}

func normalizeURL(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, errors.New("url is required")
	}
	// A bare "host/path" parses with an empty Host, so give it a scheme
	// before parsing.
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("url is missing a host")
	}
	return u, nil
}
