package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"raito-core/internal/db"
)

// Store wraps access to the database through the hand-written query layer
// in internal/db. It is the persistent half of the Job Queue Gateway and
// the Credit Gate's team-chunk lookup; the Redis-backed Crawl State Store
// lives separately in internal/crawlstate.
type Store struct {
	DB *sql.DB
}

func New(database *sql.DB) *Store {
	return &Store{DB: database}
}

func (s *Store) queries() *db.Queries {
	return db.New(s.DB)
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// JobDescriptor is the orchestration-facing view of a job: everything the
// Credit Gate, Scrape Dispatch and Crawl Kickoff components need to build
// and interpret a queued unit of work.
type JobDescriptor struct {
	ID                uuid.UUID
	Mode              string // "single_urls", "kickoff", "crawl"
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
	StartTime         time.Time
}

// InsertJob enqueues a job idempotently: re-submitting the same id is a
// no-op that leaves the existing row in place.
func (s *Store) InsertJob(ctx context.Context, j JobDescriptor) error {
	return s.queries().InsertJob(ctx, db.InsertJobParams{
		ID:                j.ID,
		Mode:              j.Mode,
		TeamID:            j.TeamID,
		URL:               j.URL,
		ScrapeOptions:     j.ScrapeOptions,
		InternalOptions:   j.InternalOptions,
		Origin:            j.Origin,
		Integration:       j.Integration,
		IsScrape:          j.IsScrape,
		ZeroDataRetention: j.ZeroDataRetention,
		CrawlID:           j.CrawlID,
		Webhook:           j.Webhook,
		Priority:          j.Priority,
		StartTime:         j.StartTime,
	})
}

func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (db.Job, error) {
	return s.queries().GetJobByID(ctx, id)
}

func (s *Store) UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, errMsg *string) error {
	var sqlErr sql.NullString
	if errMsg != nil {
		sqlErr = sql.NullString{String: *errMsg, Valid: true}
	}
	var completedAt sql.NullTime
	if status == "completed" || status == "failed" {
		completedAt = sql.NullTime{Time: nowFunc(), Valid: true}
	}
	return s.queries().UpdateJobStatus(ctx, db.UpdateJobStatusParams{
		ID:          id,
		Status:      status,
		Error:       sqlErr,
		CompletedAt: completedAt,
	})
}

func (s *Store) SetJobOutput(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	return s.queries().UpdateJobOutput(ctx, id, output)
}

// RemoveJob deletes a terminal job's row, backing the Job Queue Gateway's
// remove(job_id) operation.
func (s *Store) RemoveJob(ctx context.Context, id uuid.UUID) error {
	return s.queries().DeleteJob(ctx, id)
}

func (s *Store) ListPendingJobs(ctx context.Context, limit int32) ([]db.Job, error) {
	return s.queries().ListPendingJobs(ctx, limit)
}

func (s *Store) ListJobsByCrawlID(ctx context.Context, crawlID uuid.UUID) ([]db.Job, error) {
	return s.queries().ListJobsByCrawlID(ctx, crawlID)
}

// DeleteExpiredJobsByMode deletes terminal jobs of the given mode older
// than cutoff, backing the retention sweep.
func (s *Store) DeleteExpiredJobsByMode(ctx context.Context, mode string, cutoff time.Time) (int64, error) {
	return s.queries().DeleteExpiredJobsByMode(ctx, mode, cutoff)
}

func (s *Store) GetTeamCreditChunk(ctx context.Context, teamID string) (db.TeamCreditChunk, error) {
	return s.queries().GetTeamCreditChunk(ctx, teamID)
}

func (s *Store) UpsertTeamCreditChunk(ctx context.Context, p db.UpsertTeamCreditChunkParams) error {
	return s.queries().UpsertTeamCreditChunk(ctx, p)
}

// GetAPIKeyByRawKey looks up an API key by its raw value, used by the DB
// authentication path.
func (s *Store) GetAPIKeyByRawKey(ctx context.Context, rawKey string) (db.APIKey, error) {
	return s.queries().GetAPIKeyByHash(ctx, hashAPIKey(rawKey))
}

// CreateRandomAPIKey creates a new random API key (with a raito_ prefix)
// for operational/admin tooling. It returns the raw key plus the stored
// record; the raw value is never persisted, only its hash.
func (s *Store) CreateRandomAPIKey(ctx context.Context, teamID, label string, isAdmin bool, rateLimitPerMinute *int) (string, db.APIKey, error) {
	raw := "raito_" + uuid.New().String()
	hash := hashAPIKey(raw)

	var rl sql.NullInt32
	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		rl = sql.NullInt32{Int32: int32(*rateLimitPerMinute), Valid: true}
	}

	key, err := s.queries().InsertAPIKey(ctx, db.InsertAPIKeyParams{
		ID:                 uuid.New(),
		KeyHash:            hash,
		TeamID:             teamID,
		Label:              label,
		IsAdmin:            isAdmin,
		RateLimitPerMinute: rl,
	})
	return raw, key, err
}

// nowFunc is a var so tests can deterministically stub the completion
// timestamp without reaching for a real clock dependency.
var nowFunc = time.Now
