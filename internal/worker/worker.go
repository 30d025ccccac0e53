// Package worker runs the background poll loop that actually executes
// queued jobs: single-URL scrapes and crawl kickoffs that expand a seed
// URL into child scrape jobs. It is adapted from the teacher's
// internal/jobs runner (ticker + semaphore-bounded concurrency + periodic
// retention sweep), trimmed to the two job modes this core dispatches
// (single_urls, kickoff) instead of the teacher's five job types.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"raito-core/internal/config"
	"raito-core/internal/crawl"
	"raito-core/internal/crawler"
	"raito-core/internal/crawlstate"
	"raito-core/internal/db"
	"raito-core/internal/metrics"
	"raito-core/internal/model"
	"raito-core/internal/queue"
	"raito-core/internal/scraper"
	"raito-core/internal/scrapeutil"
	"raito-core/internal/store"
)

// Runner polls the jobs table and executes waiting jobs up to a bounded
// concurrency, and periodically sweeps expired terminal jobs.
type Runner struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.Gateway
	state   *crawlstate.Store
	scraper scraper.Scraper
	logger  *slog.Logger

	sem chan struct{}
}

func New(cfg config.Config, st *store.Store, q *queue.Gateway, state *crawlstate.Store, logger *slog.Logger) *Runner {
	maxJobs := cfg.Worker.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 4
	}
	return &Runner{
		cfg:     cfg,
		store:   st,
		queue:   q,
		state:   state,
		scraper: scraper.NewHTTPScraper(time.Duration(cfg.Scraper.TimeoutMs) * time.Millisecond),
		logger:  logger,
		sem:     make(chan struct{}, maxJobs),
	}
}

// Start runs the poll loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	pollEvery := time.Duration(r.cfg.Worker.PollIntervalMs) * time.Millisecond
	if pollEvery <= 0 {
		pollEvery = time.Second
	}
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	retentionEvery := time.Duration(r.cfg.Retention.CleanupIntervalMinutes) * time.Minute
	if retentionEvery <= 0 {
		retentionEvery = 30 * time.Minute
	}
	retentionTicker := time.NewTicker(retentionEvery)
	defer retentionTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		case <-retentionTicker.C:
			if r.cfg.Retention.Enabled {
				r.cleanupExpired(ctx)
			}
		}
	}
}

func (r *Runner) pollOnce(ctx context.Context) {
	available := cap(r.sem) - len(r.sem)
	if available <= 0 {
		return
	}
	jobs, err := r.queue.ListPending(ctx, int32(available))
	if err != nil {
		r.logger.Error("worker: failed to list pending jobs", "error", err)
		return
	}

	for _, job := range jobs {
		job := job
		r.sem <- struct{}{}
		go func() {
			defer func() { <-r.sem }()
			r.dispatchJob(ctx, job)
		}()
	}
}

func (r *Runner) dispatchJob(ctx context.Context, job db.Job) {
	if err := r.queue.MarkActive(ctx, job.ID); err != nil {
		r.logger.Error("worker: failed to mark job active", "job_id", job.ID, "error", err)
		return
	}

	var err error
	switch job.Mode {
	case "single_urls":
		err = r.executeScrape(ctx, job)
	case "kickoff":
		err = r.executeKickoff(ctx, job)
	default:
		r.logger.Warn("worker: unknown job mode", "mode", job.Mode, "job_id", job.ID)
		return
	}

	if err != nil {
		r.logger.Error("worker: job failed", "job_id", job.ID, "mode", job.Mode, "error", err)
		if markErr := r.queue.MarkFailed(ctx, job.ID, err.Error()); markErr != nil {
			r.logger.Error("worker: failed to mark job failed", "job_id", job.ID, "error", markErr)
		}
		// A permanently failed child still counts toward the crawl's done
		// count, otherwise one bad URL blocks completion forever.
		if job.Mode == "single_urls" && job.CrawlID.Valid {
			r.recordCrawlCompletion(ctx, job.CrawlID.UUID, job.ID)
		}
	}
}

func (r *Runner) executeScrape(ctx context.Context, job db.Job) error {
	result, err := r.scraper.Scrape(ctx, scraper.Request{
		URL:       job.URL,
		UserAgent: r.cfg.Scraper.UserAgent,
		Timeout:   time.Duration(r.cfg.Scraper.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	links := scrapeutil.FilterLinks(result.Links, job.URL, r.cfg.Scraper.LinksSameDomainOnly, r.cfg.Scraper.LinksMaxPerDocument)

	doc := model.Document{
		Markdown: result.Markdown,
		HTML:     result.HTML,
		RawHTML:  result.RawHTML,
		Links:    links,
		Engine:   result.Engine,
	}
	doc.Metadata.StatusCode = result.Status
	doc.Metadata.SourceURL = result.URL
	if title, ok := result.Metadata["title"].(string); ok {
		doc.Metadata.Title = title
	}

	output, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := r.queue.MarkCompleted(ctx, job.ID, output); err != nil {
		return err
	}
	if job.CrawlID.Valid {
		r.recordCrawlCompletion(ctx, job.CrawlID.UUID, job.ID)
	}
	return nil
}

// executeKickoff expands a crawl's seed URL into its child scrape jobs,
// honoring the include/exclude path patterns, external-link and
// subdomain policy, and limit carried in the stored crawl record.
func (r *Runner) executeKickoff(ctx context.Context, job db.Job) error {
	if !job.CrawlID.Valid {
		return errNoCrawlID
	}
	crawlID := job.CrawlID.UUID
	stored, err := r.state.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}

	var req crawl.Request
	if err := json.Unmarshal(stored.CrawlerOptions, &req); err != nil {
		return err
	}

	mapResult, err := crawler.Map(ctx, crawler.MapOptions{
		URL:               req.URL,
		Limit:             req.Limit,
		IncludeSubdomains: req.AllowSubdomains,
		AllowExternal:     req.AllowExternalLinks,
		Timeout:           time.Duration(r.cfg.Scraper.TimeoutMs) * time.Millisecond,
		RespectRobots:     !req.IgnoreRobotsTxt,
		UserAgent:         r.cfg.Scraper.UserAgent,
	})
	if err != nil {
		return err
	}

	includeRe, err := compileAll(req.IncludePaths)
	if err != nil {
		return err
	}
	excludeRe, err := compileAll(req.ExcludePaths)
	if err != nil {
		return err
	}

	enqueued := 0
	for _, link := range mapResult.Links {
		if enqueued >= req.Limit {
			break
		}
		if !matchesPathFilters(link.URL, includeRe, excludeRe) {
			continue
		}

		childID := uuid.New()
		enqueueErr := r.queue.Enqueue(ctx, queue.Descriptor{
			JobID:             childID,
			Mode:              "single_urls",
			TeamID:            stored.TeamID,
			URL:               link.URL,
			ScrapeOptions:     stored.ScrapeOptions,
			IsScrape:          true,
			ZeroDataRetention: stored.ZeroDataRetention,
			CrawlID:           job.CrawlID,
			Priority:          queue.BasePriority(10, 0),
		})
		if enqueueErr != nil {
			r.logger.Error("worker: failed to enqueue crawl child", "crawl_id", crawlID, "url", link.URL, "error", enqueueErr)
			continue
		}
		if err := r.state.AddCrawlJob(ctx, crawlID, childID); err != nil {
			r.logger.Error("worker: failed to record crawl child", "crawl_id", crawlID, "job_id", childID, "error", err)
		}
		enqueued++
	}

	return r.queue.MarkCompleted(ctx, job.ID, nil)
}

func (r *Runner) recordCrawlCompletion(ctx context.Context, crawlID, jobID uuid.UUID) {
	if err := r.state.PushDone(ctx, crawlID, jobID); err != nil {
		r.logger.Error("worker: failed to record crawl completion", "crawl_id", crawlID, "job_id", jobID, "error", err)
	}
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesPathFilters(url string, include, exclude []*regexp.Regexp) bool {
	for _, re := range exclude {
		if re.MatchString(url) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, re := range include {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// cleanupExpired sweeps terminal jobs older than their configured TTL.
func (r *Runner) cleanupExpired(ctx context.Context) {
	ttls := map[string]int{
		"single_urls": r.cfg.Retention.Jobs.ScrapeDays,
		"kickoff":     r.cfg.Retention.Jobs.CrawlDays,
	}
	for mode, days := range ttls {
		if days <= 0 {
			days = r.cfg.Retention.Jobs.DefaultDays
		}
		if days <= 0 {
			continue
		}
		cutoff := time.Now().AddDate(0, 0, -days)
		n, err := r.store.DeleteExpiredJobsByMode(ctx, mode, cutoff)
		if err != nil {
			r.logger.Error("worker: retention sweep failed", "mode", mode, "error", err)
			continue
		}
		metrics.RecordRetentionJobs(mode, n)
		if n > 0 {
			r.logger.Info("worker: retention sweep deleted jobs", "mode", mode, "count", n)
		}
	}
}

var errNoCrawlID = &crawlJobMissingFieldError{field: "crawl_id"}

type crawlJobMissingFieldError struct{ field string }

func (e *crawlJobMissingFieldError) Error() string {
	return "kickoff job missing required field: " + e.field
}
