package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"raito-core/internal/config"
	"raito-core/internal/credit"
	"raito-core/internal/model"
	"raito-core/internal/queue"
	"raito-core/internal/store"
)

func newTestExecutor(t *testing.T, blocked []string) (*Executor, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.New(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	creditCfg := config.CreditConfig{BillingQueueSize: 10, ApproachingLimitRatio: 0.8, UpgradeURL: "https://raito.example/upgrade", BaseCredits: 1, LLMExtractionCredits: 4}
	gate := credit.New(ctx, st, nil, creditCfg, logger)
	q := queue.New(st)
	blocklist := NewBlocklist(blocked)

	return New(gate, q, blocklist, config.ScraperConfig{}, config.WorkerConfig{SyncJobWaitTimeoutMs: 30000}, creditCfg), mock
}

func TestStripInternalFields(t *testing.T) {
	doc := &model.Document{Index: 3, Provider: "http", Markdown: "content"}

	StripInternalFields(doc)

	if doc.Index != 0 {
		t.Errorf("Index = %d, want 0", doc.Index)
	}
	if doc.Provider != "" {
		t.Errorf("Provider = %q, want empty", doc.Provider)
	}
	if doc.Markdown != "content" {
		t.Errorf("Markdown was unexpectedly cleared")
	}
}

func TestMatchingLLMSubstring(t *testing.T) {
	if got := matchingLLMSubstring("Error generating completions: timeout"); got == "" {
		t.Error("expected a matching substring result")
	}
	if got := matchingLLMSubstring("connection refused"); got != "" {
		t.Errorf("expected no match, got %q", got)
	}
}

func TestScrape_BlocklistedHostReturnsForbidden(t *testing.T) {
	e, _ := newTestExecutor(t, []string{"evil.example.com"})

	_, err := e.Scrape(context.Background(), "team-1", Request{URL: "https://evil.example.com/page"}, config.AuthModeBypass)

	if !errors.Is(err, ErrBlocklistedURL) {
		t.Fatalf("expected ErrBlocklistedURL, got %v", err)
	}
}

func TestScrape_InvalidURLReturnsInvalidInput(t *testing.T) {
	e, _ := newTestExecutor(t, nil)

	_, err := e.Scrape(context.Background(), "team-1", Request{URL: ""}, config.AuthModeBypass)

	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestScrape_LLMModeWithoutSchemaReturnsInvalidInput(t *testing.T) {
	e, _ := newTestExecutor(t, nil)

	req := Request{URL: "https://example.com"}
	req.ExtractorOptions.Mode = "llm-extraction"

	_, err := e.Scrape(context.Background(), "team-1", req, config.AuthModeBypass)

	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestScrape_AllowListModeDeniesOverExhaustedBudget(t *testing.T) {
	e, mock := newTestExecutor(t, nil)

	rows := sqlmock.NewRows([]string{
		"team_id", "adjusted_credits_used", "remaining_credits", "total_credits_sum",
		"sub_id", "sub_current_period_start", "sub_current_period_end",
		"is_extract", "flags", "concurrency", "updated_at",
	}).AddRow("team-1", int64(100), int64(0), int64(100), nil, nil, nil, false, nil, int32(0), time.Now())
	mock.ExpectQuery("SELECT team_id, adjusted_credits_used, remaining_credits, total_credits_sum").
		WithArgs("team-1").
		WillReturnRows(rows)

	_, err := e.Scrape(context.Background(), "team-1", Request{URL: "https://example.com"}, config.AuthModeAllowList)

	if !errors.Is(err, ErrInsufficientCredit) {
		t.Fatalf("expected ErrInsufficientCredit, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("allow-list mode must price against a real chunk: %v", err)
	}
}

func TestNormalizeURL(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		wantErr bool
		wantURL string
	}{
		{"empty", "", true, ""},
		{"missing scheme defaults to https", "example.com/path", false, "https://example.com/path"},
		{"explicit https kept", "https://example.com", false, "https://example.com"},
		{"unsupported scheme rejected", "ftp://example.com", true, ""},
		{"missing host rejected", "https://", true, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := normalizeURL(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil (url=%v)", u)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.String() != tc.wantURL {
				t.Errorf("normalizeURL(%q) = %q, want %q", tc.in, u.String(), tc.wantURL)
			}
		})
	}
}
