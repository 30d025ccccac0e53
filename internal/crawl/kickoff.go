// Package crawl implements Crawl Kickoff (component E): validates and
// persists a crawl request, then enqueues the kickoff job that expands it
// into child scrape jobs. It replaces the teacher's in-memory crawl
// manager (internal/crawl/jobs.go) with the DB/Redis-backed pipeline the
// orchestration core requires, grounded on the teacher's crawler.Map
// sitemap/HTML discovery and robots handling.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"raito-core/internal/crawler"
	"raito-core/internal/crawlstate"
	"raito-core/internal/queue"
	"raito-core/internal/store"
)

var ErrInvalidInput = errors.New("invalid_input")
var ErrForbiddenFlag = errors.New("forbidden_flag")

// ErrForbiddenTeam is returned by GetStatus when the crawl exists but
// belongs to a different team than the caller.
var ErrForbiddenTeam = errors.New("forbidden_team")

// Request is the v1 /crawl request body.
type Request struct {
	URL                string          `json:"url"`
	Origin             string          `json:"origin,omitempty"`
	IncludePaths       []string        `json:"includePaths,omitempty"`
	ExcludePaths       []string        `json:"excludePaths,omitempty"`
	Limit              int             `json:"limit,omitempty"`
	MaxDiscoveryDepth  int             `json:"maxDiscoveryDepth,omitempty"`
	AllowExternalLinks bool            `json:"allowExternalLinks,omitempty"`
	AllowSubdomains    bool            `json:"allowSubdomains,omitempty"`
	IgnoreRobotsTxt    bool            `json:"ignoreRobotsTxt,omitempty"`
	SkipTLSVerification bool           `json:"skipTlsVerification,omitempty"`
	Delay              int             `json:"delay,omitempty"` // seconds
	Webhook            string          `json:"webhook,omitempty"`
	ScrapeOptions      json.RawMessage `json:"scrapeOptions,omitempty"`
	ZeroDataRetention  bool            `json:"zeroDataRetention,omitempty"`
	MaxConcurrency     int             `json:"maxConcurrency,omitempty"`
}

// Response is the v1 /crawl response envelope.
type Response struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	URL     string `json:"url"`
}

// TeamPolicy carries the per-team flags and limits Crawl Kickoff needs
// from the team's credit chunk without depending on the credit package
// directly.
type TeamPolicy struct {
	AllowZDR         bool
	ForceZDR         bool
	RemainingCredits int64 // -1 means unlimited
	MaxConcurrency   int   // 0 means unset
}

// Kickoff is Crawl Kickoff: crawl(request) -> {success, id, url}.
type Kickoff struct {
	store     *store.Store
	state     *crawlstate.Store
	queue     *queue.Gateway
	userAgent string
}

func New(st *store.Store, state *crawlstate.Store, q *queue.Gateway, userAgent string) *Kickoff {
	return &Kickoff{store: st, state: state, queue: q, userAgent: userAgent}
}

// Crawl runs the full 10-step Crawl Kickoff algorithm. baseURL is the
// request's own "${protocol}://${host}" (the caller resolves protocol per
// the ENV override rule), used to build the returned status URL.
func (k *Kickoff) Crawl(ctx context.Context, teamID string, req Request, policy TeamPolicy, baseURL string) (Response, error) {
	// Step 1: validate ZDR flags.
	if req.ZeroDataRetention && !policy.AllowZDR {
		return Response{}, fmt.Errorf("%w: zero data retention is not enabled for this team", ErrForbiddenFlag)
	}
	if policy.ForceZDR {
		req.ZeroDataRetention = true
	}

	// Step 2: remaining-credit budget.
	remaining := policy.RemainingCredits
	if remaining < 0 {
		remaining = -1 // unlimited sentinel
	}

	// Step 3: validate includePaths/excludePaths as regular expressions.
	for _, p := range req.IncludePaths {
		if _, err := regexp.Compile(p); err != nil {
			return Response{}, fmt.Errorf("%w: invalid includePaths pattern %q: %v", ErrInvalidInput, p, err)
		}
	}
	for _, p := range req.ExcludePaths {
		if _, err := regexp.Compile(p); err != nil {
			return Response{}, fmt.Errorf("%w: invalid excludePaths pattern %q: %v", ErrInvalidInput, p, err)
		}
	}

	// Step 4: clamp limit.
	limit := req.Limit
	if limit <= 0 {
		limit = 10000
	}
	if remaining >= 0 && int(remaining) < limit {
		limit = int(remaining)
	}

	// Step 6: resolve max concurrency (min of request and team cap, else
	// whichever is present).
	maxConcurrency := 0
	switch {
	case req.MaxConcurrency > 0 && policy.MaxConcurrency > 0:
		maxConcurrency = min(req.MaxConcurrency, policy.MaxConcurrency)
	case req.MaxConcurrency > 0:
		maxConcurrency = req.MaxConcurrency
	case policy.MaxConcurrency > 0:
		maxConcurrency = policy.MaxConcurrency
	}

	// Step 7: robots.txt fetch, non-fatal.
	delay := time.Duration(req.Delay) * time.Second
	if !req.IgnoreRobotsTxt {
		info, err := crawler.FetchRobotsInfo(ctx, req.URL, k.userAgent, req.SkipTLSVerification, 5*time.Second)
		if err == nil && delay == 0 && info.CrawlDelay > 0 {
			delay = info.CrawlDelay
		}
		// fetch failure is non-fatal: the error is dropped here and the
		// user's delay is kept.
	}

	// Step 5: build StoredCrawl record.
	crawlID := uuid.New()
	req.Limit = limit
	crawlerOptions, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	stored := crawlstate.StoredCrawl{
		CrawlID:               crawlID,
		OriginURL:             req.URL,
		CrawlerOptions:        crawlerOptions,
		ScrapeOptions:         req.ScrapeOptions,
		TeamID:                teamID,
		CreatedAt:             time.Now(),
		MaxConcurrency:        maxConcurrency,
		RobotsCrawlDelayMs:    delay.Milliseconds(),
		ZeroDataRetention:     req.ZeroDataRetention,
		DisableSmartWaitCache: true,
	}

	// Step 8: persist crawl record.
	if err := k.state.SaveCrawl(ctx, stored); err != nil {
		return Response{}, err
	}

	// Step 9: enqueue mode=kickoff job, priority 10, carrying crawl_id and webhook.
	jobID := uuid.New()
	err = k.queue.Enqueue(ctx, queue.Descriptor{
		JobID:             jobID,
		Mode:              "kickoff",
		TeamID:            teamID,
		URL:               req.URL,
		ScrapeOptions:     req.ScrapeOptions,
		InternalOptions:   crawlerOptions,
		Origin:            req.Origin,
		IsScrape:          false,
		ZeroDataRetention: req.ZeroDataRetention,
		CrawlID:           uuid.NullUUID{UUID: crawlID, Valid: true},
		Webhook:           req.Webhook,
		Priority:          queue.BasePriority(10, 0),
	})
	if err != nil {
		return Response{}, err
	}

	// Step 10: return opaque crawl id and status URL.
	return Response{
		Success: true,
		ID:      crawlID.String(),
		URL:     fmt.Sprintf("%s/v1/crawl/%s", baseURL, crawlID.String()),
	}, nil
}

// Status returns the current, streamer-equivalent snapshot of a crawl:
// total child jobs, completed count, and done documents, used by the v1
// GET /v1/crawl/:id polling endpoint (a non-WebSocket alternative to the
// Progress Streamer over the same state).
type Status struct {
	Status      string            `json:"status"`
	Total       int               `json:"total"`
	Completed   int               `json:"completed"`
	CreditsUsed int               `json:"creditsUsed"`
	ExpiresAt   time.Time         `json:"expiresAt"`
	Data        []json.RawMessage `json:"data"`
}

func (k *Kickoff) GetStatus(ctx context.Context, crawlID uuid.UUID, teamID string) (Status, error) {
	stored, err := k.state.GetCrawl(ctx, crawlID)
	if err != nil {
		return Status{}, err
	}
	if stored.TeamID != teamID {
		return Status{}, ErrForbiddenTeam
	}

	jobIDs, err := k.state.GetCrawlJobs(ctx, crawlID)
	if err != nil {
		return Status{}, err
	}
	doneIDs, err := k.state.GetDoneOrdered(ctx, crawlID)
	if err != nil {
		return Status{}, err
	}

	status := "scraping"
	if stored.Cancelled {
		status = "cancelled"
	} else if len(doneIDs) >= len(jobIDs) && len(jobIDs) > 0 {
		status = "completed"
	}

	var data []json.RawMessage
	for _, id := range doneIDs {
		job, ok, err := k.queue.Get(ctx, id)
		if err != nil || !ok {
			continue
		}
		if job.Output.Valid {
			data = append(data, job.Output.RawMessage)
		}
	}

	expiry, _ := k.state.GetExpiry(ctx, crawlID)

	return Status{
		Status:      status,
		Total:       len(jobIDs),
		Completed:   len(doneIDs),
		CreditsUsed: len(jobIDs),
		ExpiresAt:   time.Now().Add(expiry),
		Data:        data,
	}, nil
}
