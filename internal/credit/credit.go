// Package credit implements the Credit Gate (component A): admission
// control and asynchronous billing against a team's credit chunk. It is
// grounded on the teacher's rate-limit middleware (Redis-cached counters
// gating a request) and store.go (database-backed team state), generalized
// to the check/bill contract and auto-recharge cache the orchestration
// core needs.
package credit

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"raito-core/internal/config"
	"raito-core/internal/db"
	"raito-core/internal/metrics"
	"raito-core/internal/store"
)

// ErrInternal is returned when a DB-auth admission check cannot find the
// team's credit chunk at all - an internal inconsistency, not a business
// denial.
var ErrInternal = errors.New("credit_check_error")

// Notification kinds emitted by check(), matching the design's
// LIMIT_REACHED / APPROACHING_LIMIT events.
type Notification string

const (
	NotificationLimitReached    Notification = "LIMIT_REACHED"
	NotificationApproachingLimit Notification = "APPROACHING_LIMIT"
)

// Notifier receives credit notifications. The default implementation logs;
// a production deployment would forward these to an external billing/CRM
// system, which is out of scope here.
type Notifier interface {
	Notify(ctx context.Context, teamID string, kind Notification, chunk db.TeamCreditChunk)
}

type slogNotifier struct{ logger *slog.Logger }

func (n slogNotifier) Notify(_ context.Context, teamID string, kind Notification, chunk db.TeamCreditChunk) {
	n.logger.Warn("credit notification", "team_id", teamID, "kind", kind, "remaining", chunk.RemainingCredits, "total", chunk.TotalCreditsSum)
}

// CheckResult is check()'s return value.
type CheckResult struct {
	Admitted  bool
	Remaining int64
	Chunk     *db.TeamCreditChunk
	Message   string
}

// billOp is one unit of work for the async billing aggregator.
type billOp struct {
	teamID    string
	subID     string
	credits   int64
	isExtract bool
}

// Gate is the Credit Gate. It owns the bounded billing aggregator
// goroutine for the lifetime of the process.
type Gate struct {
	store    *store.Store
	rdb      *redis.Client
	cfg      config.CreditConfig
	notifier Notifier
	logger   *slog.Logger

	billQueue chan billOp

	// bypassWarnings is the process-wide, monotonic, capped-at-5 warning
	// counter for auth-bypass mode.
	bypassWarnings atomic.Int32
}

// New constructs a Gate and starts its billing aggregator goroutine. The
// aggregator runs until ctx is cancelled.
func New(ctx context.Context, st *store.Store, rdb *redis.Client, cfg config.CreditConfig, logger *slog.Logger) *Gate {
	g := &Gate{
		store:     st,
		rdb:       rdb,
		cfg:       cfg,
		notifier:  slogNotifier{logger: logger},
		logger:    logger,
		billQueue: make(chan billOp, cfg.BillingQueueSize),
	}
	go g.runBillingAggregator(ctx)
	return g
}

func isBypassTeam(teamID string) bool {
	return teamID == "preview" || strings.HasPrefix(teamID, "preview_") || strings.HasPrefix(teamID, "env_")
}

// Check implements check(team_id, chunk, credits). mode is the resolved
// admission tri-state (bypass/allow-list/db); only AuthModeBypass
// short-circuits, per spec's "neither DB-auth nor an allow-list is
// configured" rule — allow-list mode is authenticated and still priced
// against a real chunk, the same path as DB-auth mode.
func (g *Gate) Check(ctx context.Context, teamID string, credits int64, mode config.AuthMode) (CheckResult, error) {
	if isBypassTeam(teamID) {
		metrics.RecordCreditCheck(teamID, "bypass_preview")
		return CheckResult{Admitted: true, Remaining: -1}, nil
	}

	if mode == config.AuthModeBypass {
		n := g.bypassWarnings.Add(1)
		if n <= 5 {
			g.logger.Warn("credit gate running in auth-bypass mode", "occurrence", n)
		}
		metrics.RecordCreditCheck(teamID, "bypass_no_auth")
		return CheckResult{Admitted: true, Remaining: -1}, nil
	}

	chunk, err := g.store.GetTeamCreditChunk(ctx, teamID)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordCreditCheck(teamID, "internal_error")
		return CheckResult{}, ErrInternal
	}
	if err != nil {
		metrics.RecordCreditCheck(teamID, "internal_error")
		return CheckResult{}, errors.Join(ErrInternal, err)
	}

	if recharged, ok := g.maybeAutoRecharge(ctx, teamID, chunk); ok {
		chunk = recharged
	}

	willUse := chunk.AdjustedCreditsUsed + credits
	var usageRatio float64
	if chunk.TotalCreditsSum > 0 {
		usageRatio = float64(chunk.AdjustedCreditsUsed) / float64(chunk.TotalCreditsSum)
	}

	if willUse > chunk.TotalCreditsSum {
		if chunk.AdjustedCreditsUsed > chunk.TotalCreditsSum {
			g.notifier.Notify(ctx, teamID, NotificationLimitReached, chunk)
		}
		metrics.RecordCreditCheck(teamID, "denied_insufficient")
		return CheckResult{
			Admitted:  false,
			Remaining: chunk.RemainingCredits,
			Chunk:     &chunk,
			Message:   "Insufficient credits to perform this request. " + g.cfg.UpgradeURL,
		}, nil
	}

	if usageRatio >= g.cfg.ApproachingLimitRatio && usageRatio < 1.0 {
		g.notifier.Notify(ctx, teamID, NotificationApproachingLimit, chunk)
	}

	metrics.RecordCreditCheck(teamID, "admitted")
	return CheckResult{Admitted: true, Remaining: chunk.RemainingCredits, Chunk: &chunk}, nil
}

// maybeAutoRecharge reads the team's auto-recharge flag from the Redis key
// team_auto_recharge_<id> and checks eligibility. No recharge call is made
// (there is no billing provider client in this core), so it returns
// (chunk, false) with the chunk unchanged in every case.
func (g *Gate) maybeAutoRecharge(ctx context.Context, teamID string, chunk db.TeamCreditChunk) (db.TeamCreditChunk, bool) {
	if g.rdb == nil {
		return chunk, false
	}
	key := "team_auto_recharge_" + teamID
	enabled, err := g.rdb.Get(ctx, key).Result()
	if err != nil || enabled != "true" {
		return chunk, false
	}
	if chunk.RemainingCredits >= chunk.TotalCreditsSum/10 {
		return chunk, false
	}
	if chunk.IsExtract {
		return chunk, false
	}
	// No recharge call is made here; an eligible team still goes through
	// the normal admission check with its unchanged chunk.
	return chunk, false
}

// Bill implements bill(team_id, sub_id, credits, is_extract): a
// fire-and-forget enqueue onto the process-wide billing aggregator. It
// never blocks and never returns an error to the caller, matching the
// design's "failures are logged, never propagated" rule. Per spec, the
// true auth-bypass case short-circuits to the same synthetic success
// sentinel as Check and never enqueues a real billing op.
func (g *Gate) Bill(teamID, subID string, credits int64, isExtract bool, mode config.AuthMode) {
	if isBypassTeam(teamID) || mode == config.AuthModeBypass {
		return
	}
	op := billOp{teamID: teamID, subID: subID, credits: credits, isExtract: isExtract}
	select {
	case g.billQueue <- op:
	default:
		g.logger.Error("billing queue full, dropping bill op", "team_id", teamID, "credits", credits)
	}
}

func (g *Gate) runBillingAggregator(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-g.billQueue:
			g.applyBill(ctx, op)
		}
	}
}

func (g *Gate) applyBill(ctx context.Context, op billOp) {
	chunk, err := g.store.GetTeamCreditChunk(ctx, op.teamID)
	if err != nil {
		g.logger.Error("billing: failed to load credit chunk", "team_id", op.teamID, "error", err)
		return
	}
	chunk.AdjustedCreditsUsed += op.credits
	chunk.RemainingCredits -= op.credits
	if chunk.RemainingCredits < 0 {
		chunk.RemainingCredits = 0
	}

	err = g.store.UpsertTeamCreditChunk(ctx, db.UpsertTeamCreditChunkParams{
		TeamID:                op.teamID,
		AdjustedCreditsUsed:   chunk.AdjustedCreditsUsed,
		RemainingCredits:      chunk.RemainingCredits,
		TotalCreditsSum:       chunk.TotalCreditsSum,
		SubID:                 chunk.SubID,
		SubCurrentPeriodStart: chunk.SubCurrentPeriodStart,
		SubCurrentPeriodEnd:   chunk.SubCurrentPeriodEnd,
		IsExtract:             op.isExtract,
		Flags:                 chunk.Flags.RawMessage,
		Concurrency:           chunk.Concurrency,
	})
	if err != nil {
		g.logger.Error("billing: failed to persist credit chunk", "team_id", op.teamID, "error", err)
	}
}

// waitForDrain is a test helper: it blocks until the billing queue is
// empty or the timeout elapses.
func (g *Gate) waitForDrain(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(g.billQueue) == 0 {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return len(g.billQueue) == 0
}
