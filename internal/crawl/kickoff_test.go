package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"raito-core/internal/crawlstate"
	"raito-core/internal/queue"
	"raito-core/internal/store"
)

func newTestKickoff(t *testing.T) (*Kickoff, *crawlstate.Store, sqlmock.Sqlmock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	state := crawlstate.New(rdb, time.Hour, 5*time.Second)

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	q := queue.New(store.New(db))

	return New(nil, state, q, "test-agent"), state, mock
}

func TestCrawl_RejectsZDRWhenNotAllowed(t *testing.T) {
	k := New(nil, nil, nil, "test-agent")

	_, err := k.Crawl(context.Background(), "team-1", Request{URL: "https://example.com", ZeroDataRetention: true}, TeamPolicy{AllowZDR: false}, "https://api.example.com")

	if !errors.Is(err, ErrForbiddenFlag) {
		t.Fatalf("expected ErrForbiddenFlag, got %v", err)
	}
}

func TestCrawl_RejectsInvalidIncludePathsPattern(t *testing.T) {
	k := New(nil, nil, nil, "test-agent")

	_, err := k.Crawl(context.Background(), "team-1", Request{
		URL:          "https://example.com",
		IncludePaths: []string{"("},
	}, TeamPolicy{AllowZDR: true}, "https://api.example.com")

	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCrawl_RejectsInvalidExcludePathsPattern(t *testing.T) {
	k := New(nil, nil, nil, "test-agent")

	_, err := k.Crawl(context.Background(), "team-1", Request{
		URL:          "https://example.com",
		ExcludePaths: []string{"["},
	}, TeamPolicy{AllowZDR: true}, "https://api.example.com")

	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCrawl_ClampsLimitToRemainingCreditsAndPersists(t *testing.T) {
	k, state, mock := newTestKickoff(t)
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	resp, err := k.Crawl(context.Background(), "team-1", Request{
		URL:             "https://example.com",
		Limit:           50000,
		IgnoreRobotsTxt: true,
	}, TeamPolicy{AllowZDR: true, RemainingCredits: 100}, "https://api.raito.example")

	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success response, got %+v", resp)
	}
	wantURL := "https://api.raito.example/v1/crawl/" + resp.ID
	if resp.URL != wantURL {
		t.Errorf("URL = %q, want %q", resp.URL, wantURL)
	}

	crawlID, err := uuid.Parse(resp.ID)
	if err != nil {
		t.Fatalf("parse returned id: %v", err)
	}
	stored, err := state.GetCrawl(context.Background(), crawlID)
	if err != nil {
		t.Fatalf("GetCrawl: %v", err)
	}
	var persisted Request
	if err := json.Unmarshal(stored.CrawlerOptions, &persisted); err != nil {
		t.Fatalf("unmarshal persisted options: %v", err)
	}
	if persisted.Limit != 100 {
		t.Errorf("expected limit clamped to remaining credits (100), got %d", persisted.Limit)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetStatus_ForbiddenTeamMismatch(t *testing.T) {
	k, state, _ := newTestKickoff(t)
	crawlID := uuid.New()
	if err := state.SaveCrawl(context.Background(), crawlstate.StoredCrawl{CrawlID: crawlID, TeamID: "owning-team"}); err != nil {
		t.Fatalf("SaveCrawl: %v", err)
	}

	_, err := k.GetStatus(context.Background(), crawlID, "other-team")

	if !errors.Is(err, ErrForbiddenTeam) {
		t.Fatalf("expected ErrForbiddenTeam, got %v", err)
	}
}

func TestCrawl_UnlimitedBudgetKeepsRequestedLimit(t *testing.T) {
	k, state, mock := newTestKickoff(t)
	mock.ExpectExec("INSERT INTO jobs").WillReturnResult(sqlmock.NewResult(0, 1))

	resp, err := k.Crawl(context.Background(), "team-1", Request{
		URL:             "https://example.com",
		Limit:           500,
		IgnoreRobotsTxt: true,
	}, TeamPolicy{AllowZDR: true, RemainingCredits: -1}, "https://api.raito.example")

	if err != nil {
		t.Fatalf("Crawl: %v", err)
	}

	crawlID, err := uuid.Parse(resp.ID)
	if err != nil {
		t.Fatalf("parse returned id: %v", err)
	}
	stored, err := state.GetCrawl(context.Background(), crawlID)
	if err != nil {
		t.Fatalf("GetCrawl: %v", err)
	}
	var persisted Request
	if err := json.Unmarshal(stored.CrawlerOptions, &persisted); err != nil {
		t.Fatalf("unmarshal persisted options: %v", err)
	}
	if persisted.Limit != 500 {
		t.Errorf("expected unlimited budget to keep requested limit 500, got %d", persisted.Limit)
	}
}
