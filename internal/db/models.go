package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// Job mirrors one row of the jobs table: the persistent half of the Job
// Queue Gateway (component B). Columns beyond the teacher's original
// scrape-job table carry the fields a Job Descriptor needs per the
// orchestration contract: mode, team_id, scrape/internal options, origin,
// integration, zero-data-retention, and an optional parent crawl id.
type Job struct {
	ID                uuid.UUID
	Mode              string
	TeamID            string
	URL               string
	ScrapeOptions     pqtype.NullRawMessage
	InternalOptions   pqtype.NullRawMessage
	Origin            sql.NullString
	Integration       sql.NullString
	IsScrape          bool
	ZeroDataRetention bool
	CrawlID           uuid.NullUUID
	Webhook           sql.NullString
	Priority          int32
	Status            string
	Output            pqtype.NullRawMessage
	Error             sql.NullString
	StartTime         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       sql.NullTime
}

// TeamCreditChunk is the one piece of billing-ledger state this core owns:
// a cached snapshot of a team's credit usage, refreshed by whatever process
// reconciles against the external ledger of record.
type TeamCreditChunk struct {
	TeamID                 string
	AdjustedCreditsUsed    int64
	RemainingCredits       int64
	TotalCreditsSum        int64
	SubID                  sql.NullString
	SubCurrentPeriodStart  sql.NullTime
	SubCurrentPeriodEnd    sql.NullTime
	IsExtract              bool
	Flags                  pqtype.NullRawMessage
	Concurrency            int32
	UpdatedAt              time.Time
}

// APIKey maps a hashed API key to a team, the minimal admission mechanism
// this core needs (no session/OIDC layer). IsAdmin is reserved for
// operational tooling (e.g. inspecting the teams_using_v0 set).
type APIKey struct {
	ID                 uuid.UUID
	KeyHash            string
	TeamID             string
	Label              string
	IsAdmin            bool
	RateLimitPerMinute sql.NullInt32
	CreatedAt          time.Time
}
