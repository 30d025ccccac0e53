// Package queue implements the Job Queue Gateway: the durable, idempotent
// submission point between a request and the background worker that
// actually performs a scrape or crawl expansion. It is grounded on the
// teacher's jobs table and store.go query patterns, generalized to the
// mode/priority/descriptor shape the orchestration core needs.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"raito-core/internal/db"
	"raito-core/internal/metrics"
	"raito-core/internal/store"
)

// State mirrors the Job Queue Gateway's state() return values.
type State string

const (
	StateWaiting    State = "waiting"
	StateActive     State = "active"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDelayed    State = "delayed"
	StatePrioritized State = "prioritized"
	StateUnknown    State = "unknown"
)

// ErrQueueUnavailable is the fatal, non-recoverable "queue_unavailable"
// error kind: transport-level failures talking to the backing store.
var ErrQueueUnavailable = errors.New("queue_unavailable")

// Descriptor is the Job Descriptor data-model entry: everything enqueue
// needs to build a row, plus the caller-assigned job id and priority.
type Descriptor struct {
	JobID             uuid.UUID
	Mode              string
	TeamID            string
	URL               string
	ScrapeOptions     json.RawMessage
	InternalOptions   json.RawMessage
	Origin            string
	Integration       string
	IsScrape          bool
	ZeroDataRetention bool
	CrawlID           uuid.NullUUID
	Webhook           string
	Priority          int32
}

// Gateway is the Job Queue Gateway, backed by the jobs table.
type Gateway struct {
	store *store.Store
}

func New(st *store.Store) *Gateway {
	return &Gateway{store: st}
}

// Enqueue submits descriptor with a stable job id. Re-submitting the same
// id is idempotent: the second insert is a no-op that returns nil, and the
// row the first call created is left as it was.
func (g *Gateway) Enqueue(ctx context.Context, d Descriptor) error {
	err := g.store.InsertJob(ctx, store.JobDescriptor{
		ID:                d.JobID,
		Mode:              d.Mode,
		TeamID:            d.TeamID,
		URL:               d.URL,
		ScrapeOptions:     d.ScrapeOptions,
		InternalOptions:   d.InternalOptions,
		Origin:            d.Origin,
		Integration:       d.Integration,
		IsScrape:          d.IsScrape,
		ZeroDataRetention: d.ZeroDataRetention,
		CrawlID:           d.CrawlID,
		Webhook:           d.Webhook,
		Priority:          d.Priority,
		StartTime:         time.Now(),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// State reports the current lifecycle state of a job.
func (g *Gateway) State(ctx context.Context, jobID uuid.UUID) (State, error) {
	job, err := g.store.GetJobByID(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return StateUnknown, nil
	}
	if err != nil {
		return StateUnknown, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	state := toState(job.Status)
	metrics.RecordQueueState(string(state))
	return state, nil
}

func toState(status string) State {
	switch status {
	case "waiting":
		return StateWaiting
	case "active":
		return StateActive
	case "completed":
		return StateCompleted
	case "failed":
		return StateFailed
	case "delayed":
		return StateDelayed
	case "prioritized":
		return StatePrioritized
	default:
		return StateUnknown
	}
}

// Get returns the raw job row, or (Job{}, false) if it does not exist.
func (g *Gateway) Get(ctx context.Context, jobID uuid.UUID) (db.Job, bool, error) {
	job, err := g.store.GetJobByID(ctx, jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return db.Job{}, false, nil
	}
	if err != nil {
		return db.Job{}, false, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return job, true, nil
}

// GetMany fetches several jobs by id, skipping any that no longer exist.
func (g *Gateway) GetMany(ctx context.Context, ids []uuid.UUID) ([]db.Job, error) {
	out := make([]db.Job, 0, len(ids))
	for _, id := range ids {
		job, ok, err := g.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, job)
		}
	}
	return out, nil
}

// ReturnValue returns the job's stored output, only meaningful once State
// reports StateCompleted.
func (g *Gateway) ReturnValue(ctx context.Context, jobID uuid.UUID) (json.RawMessage, bool, error) {
	job, ok, err := g.Get(ctx, jobID)
	if err != nil || !ok {
		return nil, false, err
	}
	if job.Status != "completed" || !job.Output.Valid {
		return nil, false, nil
	}
	return job.Output.RawMessage, true, nil
}

// Remove deletes a terminal job's artifacts from the queue.
func (g *Gateway) Remove(ctx context.Context, jobID uuid.UUID) error {
	if err := g.store.RemoveJob(ctx, jobID); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return nil
}

// MarkCompleted transitions a job to completed with its return value.
func (g *Gateway) MarkCompleted(ctx context.Context, jobID uuid.UUID, output json.RawMessage) error {
	if err := g.store.SetJobOutput(ctx, jobID, output); err != nil {
		return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return g.store.UpdateJobStatus(ctx, jobID, "completed", nil)
}

// MarkFailed transitions a job to failed with an error message.
func (g *Gateway) MarkFailed(ctx context.Context, jobID uuid.UUID, message string) error {
	return g.store.UpdateJobStatus(ctx, jobID, "failed", &message)
}

// MarkActive transitions a job to active, claimed by a worker.
func (g *Gateway) MarkActive(ctx context.Context, jobID uuid.UUID) error {
	return g.store.UpdateJobStatus(ctx, jobID, "active", nil)
}

// ListPending returns up to limit waiting jobs for the worker poll loop to
// claim, ordered by priority then age.
func (g *Gateway) ListPending(ctx context.Context, limit int32) ([]db.Job, error) {
	jobs, err := g.store.ListPendingJobs(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return jobs, nil
}

// ListByCrawlID returns every child job of a crawl.
func (g *Gateway) ListByCrawlID(ctx context.Context, crawlID uuid.UUID) ([]db.Job, error) {
	jobs, err := g.store.ListJobsByCrawlID(ctx, crawlID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return jobs, nil
}

// BasePriority computes the priority used for scrape dispatch: base 10
// offset by a per-team factor. The Job Priority service proper is an
// external collaborator; absent one, team offsets default to zero so
// every team dispatches at the base priority.
func BasePriority(base int32, teamOffset int32) int32 {
	return base + teamOffset
}
