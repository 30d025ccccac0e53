package credit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"raito-core/internal/config"
	"raito-core/internal/store"
)

func newTestGate(t *testing.T) (*Gate, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := config.CreditConfig{BillingQueueSize: 10, ApproachingLimitRatio: 0.8, UpgradeURL: "https://raito.example/upgrade", BaseCredits: 1, LLMExtractionCredits: 4}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(ctx, store.New(db), nil, cfg, logger)
	return g, mock
}

func TestCheck_TrueBypassModeNeverQueriesDB(t *testing.T) {
	g, mock := newTestGate(t)

	result, err := g.Check(context.Background(), "team-1", 1, config.AuthModeBypass)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Admitted || result.Remaining != -1 {
		t.Fatalf("expected unlimited admit in bypass mode, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("bypass mode must not touch the DB: %v", err)
	}
}

func TestCheck_AllowListModeQueriesRealChunk(t *testing.T) {
	g, mock := newTestGate(t)

	rows := sqlmock.NewRows([]string{
		"team_id", "adjusted_credits_used", "remaining_credits", "total_credits_sum",
		"sub_id", "sub_current_period_start", "sub_current_period_end",
		"is_extract", "flags", "concurrency", "updated_at",
	}).AddRow("team-1", int64(0), int64(100), int64(100), nil, nil, nil, false, nil, int32(0), time.Now())
	mock.ExpectQuery("SELECT team_id, adjusted_credits_used, remaining_credits, total_credits_sum").
		WithArgs("team-1").
		WillReturnRows(rows)

	result, err := g.Check(context.Background(), "team-1", 1, config.AuthModeAllowList)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !result.Admitted {
		t.Fatalf("expected admission within budget, got %+v", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("allow-list mode must price against a real chunk: %v", err)
	}
}

func TestCheck_AllowListModeDeniesOverBudget(t *testing.T) {
	g, mock := newTestGate(t)

	rows := sqlmock.NewRows([]string{
		"team_id", "adjusted_credits_used", "remaining_credits", "total_credits_sum",
		"sub_id", "sub_current_period_start", "sub_current_period_end",
		"is_extract", "flags", "concurrency", "updated_at",
	}).AddRow("team-1", int64(100), int64(0), int64(100), nil, nil, nil, false, nil, int32(0), time.Now())
	mock.ExpectQuery("SELECT team_id, adjusted_credits_used, remaining_credits, total_credits_sum").
		WithArgs("team-1").
		WillReturnRows(rows)

	result, err := g.Check(context.Background(), "team-1", 1, config.AuthModeAllowList)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if result.Admitted {
		t.Fatalf("expected denial once the chunk is exhausted, got %+v", result)
	}
}

func TestBill_TrueBypassModeNeverEnqueues(t *testing.T) {
	g, mock := newTestGate(t)

	g.Bill("team-1", "", 1, false, config.AuthModeBypass)

	if !g.waitForDrain(100 * time.Millisecond) {
		t.Fatal("expected billing queue to stay empty in bypass mode")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("bypass mode must never touch the DB: %v", err)
	}
}

func TestBill_AllowListModeEnqueuesRealBillOp(t *testing.T) {
	g, mock := newTestGate(t)

	rows := sqlmock.NewRows([]string{
		"team_id", "adjusted_credits_used", "remaining_credits", "total_credits_sum",
		"sub_id", "sub_current_period_start", "sub_current_period_end",
		"is_extract", "flags", "concurrency", "updated_at",
	}).AddRow("team-1", int64(0), int64(100), int64(100), nil, nil, nil, false, nil, int32(0), time.Now())
	mock.ExpectQuery("SELECT team_id, adjusted_credits_used, remaining_credits, total_credits_sum").
		WithArgs("team-1").
		WillReturnRows(rows)
	mock.ExpectExec("INSERT INTO team_credit_chunks").WillReturnResult(sqlmock.NewResult(0, 1))

	g.Bill("team-1", "", 1, false, config.AuthModeAllowList)

	if !g.waitForDrain(time.Second) {
		t.Fatal("expected the bill op to drain")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("allow-list mode must bill for real: %v", err)
	}
}

func TestIsBypassTeam(t *testing.T) {
	cases := map[string]bool{
		"preview":        true,
		"preview_abcd":   true,
		"env_my-api-key": true,
		"team-123":       false,
		"":               false,
	}

	for teamID, want := range cases {
		if got := isBypassTeam(teamID); got != want {
			t.Errorf("isBypassTeam(%q) = %v, want %v", teamID, got, want)
		}
	}
}
