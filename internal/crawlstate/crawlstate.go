// Package crawlstate implements the Crawl State Store (component C): a
// Redis-backed persistent key-value store with set, list and TTL
// operations, grounded on the teacher's redis wiring in config/router and
// generalized to the crawl record / child-job set / done-job sequence
// shape the orchestration core needs. redis/go-redis/v9 is the same
// client the teacher uses for rate limiting and health checks.
package crawlstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when a crawl record has expired or was
// never saved.
var ErrNotFound = errors.New("crawl not found")

// StoredCrawl is the Stored Crawl data-model entry.
type StoredCrawl struct {
	CrawlID               uuid.UUID       `json:"crawlId"`
	OriginURL             string          `json:"originUrl"`
	CrawlerOptions        json.RawMessage `json:"crawlerOptions"`
	ScrapeOptions         json.RawMessage `json:"scrapeOptions"`
	InternalOptions       json.RawMessage `json:"internalOptions"`
	TeamID                string          `json:"teamId"`
	CreatedAt             time.Time       `json:"createdAt"`
	MaxConcurrency        int             `json:"maxConcurrency,omitempty"`
	RobotsCrawlDelayMs     int64          `json:"robotsCrawlDelayMs,omitempty"`
	Cancelled             bool            `json:"cancelled"`
	ZeroDataRetention      bool           `json:"zeroDataRetention"`
	DisableSmartWaitCache  bool           `json:"disableSmartWaitCache"`
}

// Store is the Crawl State Store, backed by a Redis client. Per-crawl keys
// are namespaced under "crawl:", per-team throttled sets under "team:", and
// the v0 membership set is "teams_using_v0", so they coexist with unrelated
// Redis use (rate limiting, the auto-recharge flag) in the same database.
type Store struct {
	rdb           *redis.Client
	ttl           time.Duration
	lockTTL       time.Duration
}

func New(rdb *redis.Client, ttl time.Duration, lockTTL time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl, lockTTL: lockTTL}
}

func crawlKey(id uuid.UUID) string     { return "crawl:" + id.String() }
func jobsKey(id uuid.UUID) string      { return "crawl:" + id.String() + ":jobs" }
func doneKey(id uuid.UUID) string      { return "crawl:" + id.String() + ":done" }
func lockKey(id uuid.UUID) string      { return "crawl:" + id.String() + ":lock" }
func throttledKey(teamID string) string { return "team:" + teamID + ":throttled" }

// teamsUsingV0Key is the global, unexpiring membership set named in the
// design's persisted-state list: every team id that has ever hit a v0
// endpoint.
const teamsUsingV0Key = "teams_using_v0"

// AddTeamUsingV0 records teamID as having hit a v0 endpoint.
func (s *Store) AddTeamUsingV0(ctx context.Context, teamID string) error {
	return s.rdb.SAdd(ctx, teamsUsingV0Key, teamID).Err()
}

// ListTeamsUsingV0 returns every team id recorded by AddTeamUsingV0.
func (s *Store) ListTeamsUsingV0(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, teamsUsingV0Key).Result()
}

// SaveCrawl persists a crawl record, refreshing its TTL.
func (s *Store) SaveCrawl(ctx context.Context, crawl StoredCrawl) error {
	payload, err := json.Marshal(crawl)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, crawlKey(crawl.CrawlID), payload, s.ttl).Err()
}

// GetCrawl loads a crawl record. Returns ErrNotFound if it has expired or
// never existed.
func (s *Store) GetCrawl(ctx context.Context, id uuid.UUID) (StoredCrawl, error) {
	raw, err := s.rdb.Get(ctx, crawlKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return StoredCrawl{}, ErrNotFound
	}
	if err != nil {
		return StoredCrawl{}, err
	}
	var crawl StoredCrawl
	if err := json.Unmarshal(raw, &crawl); err != nil {
		return StoredCrawl{}, err
	}
	return crawl, nil
}

// AddCrawlJob adds job_id to the crawl's child-job set and refreshes TTL
// on both the set and the crawl record.
func (s *Store) AddCrawlJob(ctx context.Context, crawlID, jobID uuid.UUID) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, jobsKey(crawlID), jobID.String())
	pipe.Expire(ctx, jobsKey(crawlID), s.ttl)
	pipe.Expire(ctx, crawlKey(crawlID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetCrawlJobs returns the full child-job id set for a crawl.
func (s *Store) GetCrawlJobs(ctx context.Context, crawlID uuid.UUID) ([]uuid.UUID, error) {
	members, err := s.rdb.SMembers(ctx, jobsKey(crawlID)).Result()
	if err != nil {
		return nil, err
	}
	return parseUUIDs(members), nil
}

// PushDone appends job_id to the done-job ordered sequence, refreshing
// TTL. Sequence length defines observable progress and is monotonically
// non-decreasing by construction (append-only).
func (s *Store) PushDone(ctx context.Context, crawlID, jobID uuid.UUID) error {
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, doneKey(crawlID), jobID.String())
	pipe.Expire(ctx, doneKey(crawlID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// GetDoneOrdered returns the done-job sequence in completion order.
func (s *Store) GetDoneOrdered(ctx context.Context, crawlID uuid.UUID) ([]uuid.UUID, error) {
	members, err := s.rdb.LRange(ctx, doneKey(crawlID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return parseUUIDs(members), nil
}

// GetDoneLength returns the done-job sequence's length without
// materializing its contents.
func (s *Store) GetDoneLength(ctx context.Context, crawlID uuid.UUID) (int64, error) {
	return s.rdb.LLen(ctx, doneKey(crawlID)).Result()
}

// IsFinished reports whether the crawl's done count has caught up with
// its child-job set cardinality, or the crawl was cancelled.
func (s *Store) IsFinished(ctx context.Context, crawlID uuid.UUID) (bool, error) {
	crawl, err := s.GetCrawl(ctx, crawlID)
	if err != nil {
		return false, err
	}
	if crawl.Cancelled {
		return true, nil
	}
	total, err := s.rdb.SCard(ctx, jobsKey(crawlID)).Result()
	if err != nil {
		return false, err
	}
	done, err := s.GetDoneLength(ctx, crawlID)
	if err != nil {
		return false, err
	}
	return done >= total, nil
}

// IsFinishedLocked is IsFinished guarded by an advisory lock so that
// concurrent finalizers (e.g. two streamer sessions racing the last poll)
// serialize on the decision. The lock is released automatically via its
// own short TTL; callers do not need to unlock explicitly.
func (s *Store) IsFinishedLocked(ctx context.Context, crawlID uuid.UUID) (bool, error) {
	acquired, err := s.rdb.SetNX(ctx, lockKey(crawlID), "1", s.lockTTL).Result()
	if err != nil {
		return false, err
	}
	if !acquired {
		// Another finalizer holds the lock; treat as not-yet-finished from
		// this caller's perspective rather than blocking.
		return false, nil
	}
	return s.IsFinished(ctx, crawlID)
}

// GetExpiry returns the crawl record's remaining TTL.
func (s *Store) GetExpiry(ctx context.Context, crawlID uuid.UUID) (time.Duration, error) {
	return s.rdb.TTL(ctx, crawlKey(crawlID)).Result()
}

// Cancel marks a crawl cancelled in place; saving the record resets its
// TTL to the store's full ttl.
func (s *Store) Cancel(ctx context.Context, crawlID uuid.UUID) error {
	crawl, err := s.GetCrawl(ctx, crawlID)
	if err != nil {
		return err
	}
	crawl.Cancelled = true
	return s.SaveCrawl(ctx, crawl)
}

// GetThrottled returns the concurrency-limited set of job ids currently
// held back for a team.
func (s *Store) GetThrottled(ctx context.Context, teamID string) (map[uuid.UUID]struct{}, error) {
	members, err := s.rdb.SMembers(ctx, throttledKey(teamID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]struct{}, len(members))
	for _, id := range parseUUIDs(members) {
		out[id] = struct{}{}
	}
	return out, nil
}

// SetThrottled replaces a team's throttled set, used by the worker when it
// defers jobs past the team's concurrency cap.
func (s *Store) SetThrottled(ctx context.Context, teamID string, jobIDs []uuid.UUID) error {
	key := throttledKey(teamID)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, key)
	if len(jobIDs) > 0 {
		members := make([]any, len(jobIDs))
		for i, id := range jobIDs {
			members[i] = id.String()
		}
		pipe.SAdd(ctx, key, members...)
		pipe.Expire(ctx, key, s.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func parseUUIDs(raw []string) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		if id, err := uuid.Parse(s); err == nil {
			out = append(out, id)
		}
	}
	return out
}
