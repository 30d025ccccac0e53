// Package db is a hand-written replacement for the sqlc-generated query
// layer the teacher's store.go was built against. sqlc itself requires a
// code-generation step (`sqlc generate`) that depends on the Go toolchain
// plus a sqlc binary; neither the teacher's sqlc.yaml nor its generated
// package were available to build from, so the same query surface is
// implemented directly against database/sql, keeping pgx/v5's stdlib
// driver and sqlc-dev/pqtype for JSONB columns exactly as the teacher used
// them.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queries wraps a *sql.DB with the query methods the orchestration
// components need. It deliberately mirrors the shape of a sqlc Queries
// struct (one receiver, one method per statement) so callers read the
// same way the teacher's store.go did.
type Queries struct {
	db *sql.DB
}

func New(database *sql.DB) *Queries {
	return &Queries{db: database}
}

type InsertJobParams struct {
	ID                uuid.UUID
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
	StartTime         time.Time
}

// InsertJob inserts a new job row with ON CONFLICT (id) DO NOTHING so that
// re-submitting the same job id (the Job Queue Gateway's idempotency
// contract) is a no-op rather than an error. The caller should follow up
// with GetJobByID to read back whichever row won the race.
func (q *Queries) InsertJob(ctx context.Context, p InsertJobParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (
			id, mode, team_id, url, scrape_options, internal_options,
			origin, integration, is_scrape, zero_data_retention,
			crawl_id, webhook, priority, status, start_time, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, 'waiting', $14, now(), now()
		)
		ON CONFLICT (id) DO NOTHING
	`,
		p.ID, p.Mode, p.TeamID, p.URL, nullableJSON(p.ScrapeOptions), nullableJSON(p.InternalOptions),
		nullableString(p.Origin), nullableString(p.Integration), p.IsScrape, p.ZeroDataRetention,
		p.CrawlID, nullableString(p.Webhook), p.Priority, p.StartTime,
	)
	return err
}

// GetJobByID fetches a single job row by id.
func (q *Queries) GetJobByID(ctx context.Context, id uuid.UUID) (Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, mode, team_id, url, scrape_options, internal_options,
			origin, integration, is_scrape, zero_data_retention,
			crawl_id, webhook, priority, status, output, error,
			start_time, created_at, updated_at, completed_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// UpdateJobStatusParams carries the fields that change on a status
// transition. CompletedAt is set only when status reaches a terminal
// state (completed/failed); callers pass it as non-nil for those.
type UpdateJobStatusParams struct {
	ID          uuid.UUID
	Status      string
	Error       sql.NullString
	CompletedAt sql.NullTime
}

func (q *Queries) UpdateJobStatus(ctx context.Context, p UpdateJobStatusParams) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = $2, error = $3, completed_at = $4, updated_at = now()
		WHERE id = $1
	`, p.ID, p.Status, p.Error, p.CompletedAt)
	return err
}

// UpdateJobOutput stores the worker's terminal return value.
func (q *Queries) UpdateJobOutput(ctx context.Context, id uuid.UUID, output json.RawMessage) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET output = $2, updated_at = now() WHERE id = $1
	`, id, nullableJSON(output))
	return err
}

// DeleteJob removes a terminal job's row entirely, implementing the Job
// Queue Gateway's remove(job_id) operation.
func (q *Queries) DeleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	return err
}

// ListPendingJobs returns up to `limit` waiting jobs ordered by priority
// (ascending: lower value is higher priority) then by creation order.
func (q *Queries) ListPendingJobs(ctx context.Context, limit int32) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, mode, team_id, url, scrape_options, internal_options,
			origin, integration, is_scrape, zero_data_retention,
			crawl_id, webhook, priority, status, output, error,
			start_time, created_at, updated_at, completed_at
		FROM jobs
		WHERE status = 'waiting'
		ORDER BY priority ASC, created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ListJobsByCrawlID returns every child job belonging to a crawl, used by
// admin/diagnostic paths; the authoritative child-job set for streaming
// purposes lives in the Crawl State Store (Redis), not here.
func (q *Queries) ListJobsByCrawlID(ctx context.Context, crawlID uuid.UUID) ([]Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, mode, team_id, url, scrape_options, internal_options,
			origin, integration, is_scrape, zero_data_retention,
			crawl_id, webhook, priority, status, output, error,
			start_time, created_at, updated_at, completed_at
		FROM jobs WHERE crawl_id = $1
	`, crawlID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// DeleteExpiredJobsByMode deletes terminal jobs of the given mode older
// than cutoff, backing the retention sweep.
func (q *Queries) DeleteExpiredJobsByMode(ctx context.Context, mode string, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE mode = $1 AND status IN ('completed', 'failed') AND created_at < $2
	`, mode, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetTeamCreditChunk loads the cached credit-chunk snapshot for a team.
func (q *Queries) GetTeamCreditChunk(ctx context.Context, teamID string) (TeamCreditChunk, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT team_id, adjusted_credits_used, remaining_credits, total_credits_sum,
			sub_id, sub_current_period_start, sub_current_period_end,
			is_extract, flags, concurrency, updated_at
		FROM team_credit_chunks WHERE team_id = $1
	`, teamID)

	var c TeamCreditChunk
	err := row.Scan(
		&c.TeamID, &c.AdjustedCreditsUsed, &c.RemainingCredits, &c.TotalCreditsSum,
		&c.SubID, &c.SubCurrentPeriodStart, &c.SubCurrentPeriodEnd,
		&c.IsExtract, &c.Flags, &c.Concurrency, &c.UpdatedAt,
	)
	return c, err
}

// UpsertTeamCreditChunkParams carries a full chunk replacement, used by the
// billing aggregator after reconciling against the external ledger.
type UpsertTeamCreditChunkParams struct {
	TeamID                string
	AdjustedCreditsUsed   int64
	RemainingCredits      int64
	TotalCreditsSum       int64
	SubID                 sql.NullString
	SubCurrentPeriodStart sql.NullTime
	SubCurrentPeriodEnd   sql.NullTime
	IsExtract             bool
	Flags                 json.RawMessage
	Concurrency           int32
}

func (q *Queries) UpsertTeamCreditChunk(ctx context.Context, p UpsertTeamCreditChunkParams) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO team_credit_chunks (
			team_id, adjusted_credits_used, remaining_credits, total_credits_sum,
			sub_id, sub_current_period_start, sub_current_period_end,
			is_extract, flags, concurrency, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (team_id) DO UPDATE SET
			adjusted_credits_used = EXCLUDED.adjusted_credits_used,
			remaining_credits = EXCLUDED.remaining_credits,
			total_credits_sum = EXCLUDED.total_credits_sum,
			sub_id = EXCLUDED.sub_id,
			sub_current_period_start = EXCLUDED.sub_current_period_start,
			sub_current_period_end = EXCLUDED.sub_current_period_end,
			is_extract = EXCLUDED.is_extract,
			flags = EXCLUDED.flags,
			concurrency = EXCLUDED.concurrency,
			updated_at = now()
	`, p.TeamID, p.AdjustedCreditsUsed, p.RemainingCredits, p.TotalCreditsSum,
		p.SubID, p.SubCurrentPeriodStart, p.SubCurrentPeriodEnd,
		p.IsExtract, nullableJSON(p.Flags), p.Concurrency)
	return err
}

// GetAPIKeyByHash resolves a hashed API key to its team.
func (q *Queries) GetAPIKeyByHash(ctx context.Context, hash string) (APIKey, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, key_hash, team_id, label, is_admin, rate_limit_per_minute, created_at
		FROM api_keys WHERE key_hash = $1
	`, hash)

	var k APIKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.TeamID, &k.Label, &k.IsAdmin, &k.RateLimitPerMinute, &k.CreatedAt)
	return k, err
}

type InsertAPIKeyParams struct {
	ID                 uuid.UUID
	KeyHash            string
	TeamID             string
	Label              string
	IsAdmin            bool
	RateLimitPerMinute sql.NullInt32
}

func (q *Queries) InsertAPIKey(ctx context.Context, p InsertAPIKeyParams) (APIKey, error) {
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, key_hash, team_id, label, is_admin, rate_limit_per_minute, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING id, key_hash, team_id, label, is_admin, rate_limit_per_minute, created_at
	`, p.ID, p.KeyHash, p.TeamID, p.Label, p.IsAdmin, p.RateLimitPerMinute)

	var k APIKey
	err := row.Scan(&k.ID, &k.KeyHash, &k.TeamID, &k.Label, &k.IsAdmin, &k.RateLimitPerMinute, &k.CreatedAt)
	return k, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.Mode, &j.TeamID, &j.URL, &j.ScrapeOptions, &j.InternalOptions,
		&j.Origin, &j.Integration, &j.IsScrape, &j.ZeroDataRetention,
		&j.CrawlID, &j.Webhook, &j.Priority, &j.Status, &j.Output, &j.Error,
		&j.StartTime, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt,
	)
	return j, err
}

func scanJobRows(rows *sql.Rows) (Job, error) {
	return scanJob(rows)
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
