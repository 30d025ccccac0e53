package crawlstate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, time.Hour, 5*time.Second)
}

func TestKeyHelpers(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")

	if got, want := crawlKey(id), "crawl:"+id.String(); got != want {
		t.Errorf("crawlKey = %q, want %q", got, want)
	}
	if got, want := jobsKey(id), "crawl:"+id.String()+":jobs"; got != want {
		t.Errorf("jobsKey = %q, want %q", got, want)
	}
	if got, want := doneKey(id), "crawl:"+id.String()+":done"; got != want {
		t.Errorf("doneKey = %q, want %q", got, want)
	}
	if got, want := lockKey(id), "crawl:"+id.String()+":lock"; got != want {
		t.Errorf("lockKey = %q, want %q", got, want)
	}
	if got, want := throttledKey("team-1"), "team:team-1:throttled"; got != want {
		t.Errorf("throttledKey = %q, want %q", got, want)
	}
}

func TestParseUUIDs(t *testing.T) {
	valid := uuid.New().String()
	out := parseUUIDs([]string{valid, "not-a-uuid", ""})

	if len(out) != 1 {
		t.Fatalf("expected 1 parsed uuid, got %d", len(out))
	}
	if out[0].String() != valid {
		t.Errorf("expected %s, got %s", valid, out[0])
	}
}

func TestParseUUIDs_Empty(t *testing.T) {
	if out := parseUUIDs(nil); len(out) != 0 {
		t.Errorf("expected empty slice, got %d entries", len(out))
	}
}

func TestSaveAndGetCrawl_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	crawlID := uuid.New()

	stored := StoredCrawl{CrawlID: crawlID, OriginURL: "https://example.com", TeamID: "team-1", CreatedAt: time.Now()}
	if err := s.SaveCrawl(ctx, stored); err != nil {
		t.Fatalf("SaveCrawl: %v", err)
	}

	got, err := s.GetCrawl(ctx, crawlID)
	if err != nil {
		t.Fatalf("GetCrawl: %v", err)
	}
	if got.TeamID != "team-1" || got.OriginURL != "https://example.com" {
		t.Errorf("unexpected crawl record: %+v", got)
	}
}

func TestGetCrawl_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetCrawl(context.Background(), uuid.New()); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsFinished_TracksDoneAgainstJobs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	crawlID := uuid.New()
	job1, job2 := uuid.New(), uuid.New()

	if err := s.SaveCrawl(ctx, StoredCrawl{CrawlID: crawlID, TeamID: "team-1"}); err != nil {
		t.Fatalf("SaveCrawl: %v", err)
	}
	if err := s.AddCrawlJob(ctx, crawlID, job1); err != nil {
		t.Fatalf("AddCrawlJob: %v", err)
	}
	if err := s.AddCrawlJob(ctx, crawlID, job2); err != nil {
		t.Fatalf("AddCrawlJob: %v", err)
	}

	finished, err := s.IsFinished(ctx, crawlID)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if finished {
		t.Fatal("expected not finished with zero done jobs")
	}

	if err := s.PushDone(ctx, crawlID, job1); err != nil {
		t.Fatalf("PushDone: %v", err)
	}
	if finished, _ := s.IsFinished(ctx, crawlID); finished {
		t.Fatal("expected not finished with one of two jobs done")
	}

	if err := s.PushDone(ctx, crawlID, job2); err != nil {
		t.Fatalf("PushDone: %v", err)
	}
	finished, err = s.IsFinished(ctx, crawlID)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if !finished {
		t.Fatal("expected finished once done count catches up to job count")
	}
}

func TestIsFinished_CancelledIsAlwaysFinished(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	crawlID := uuid.New()

	if err := s.SaveCrawl(ctx, StoredCrawl{CrawlID: crawlID, TeamID: "team-1"}); err != nil {
		t.Fatalf("SaveCrawl: %v", err)
	}
	if err := s.AddCrawlJob(ctx, crawlID, uuid.New()); err != nil {
		t.Fatalf("AddCrawlJob: %v", err)
	}
	if err := s.Cancel(ctx, crawlID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	finished, err := s.IsFinished(ctx, crawlID)
	if err != nil {
		t.Fatalf("IsFinished: %v", err)
	}
	if !finished {
		t.Fatal("expected a cancelled crawl to report finished regardless of job completion")
	}
}

func TestIsFinishedLocked_SerializesConcurrentFinalizers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	crawlID := uuid.New()

	if err := s.SaveCrawl(ctx, StoredCrawl{CrawlID: crawlID, TeamID: "team-1", Cancelled: true}); err != nil {
		t.Fatalf("SaveCrawl: %v", err)
	}

	first, err := s.IsFinishedLocked(ctx, crawlID)
	if err != nil {
		t.Fatalf("IsFinishedLocked: %v", err)
	}
	if !first {
		t.Fatal("expected the first finalizer to win the lock and see finished=true")
	}

	second, err := s.IsFinishedLocked(ctx, crawlID)
	if err != nil {
		t.Fatalf("IsFinishedLocked: %v", err)
	}
	if second {
		t.Fatal("expected a second concurrent finalizer to lose the lock and see finished=false")
	}
}

func TestTeamsUsingV0(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddTeamUsingV0(ctx, "team-a"); err != nil {
		t.Fatalf("AddTeamUsingV0: %v", err)
	}
	if err := s.AddTeamUsingV0(ctx, "team-b"); err != nil {
		t.Fatalf("AddTeamUsingV0: %v", err)
	}
	if err := s.AddTeamUsingV0(ctx, "team-a"); err != nil {
		t.Fatalf("AddTeamUsingV0 (duplicate): %v", err)
	}

	teams, err := s.ListTeamsUsingV0(ctx)
	if err != nil {
		t.Fatalf("ListTeamsUsingV0: %v", err)
	}
	if len(teams) != 2 {
		t.Fatalf("expected 2 distinct teams, got %v", teams)
	}
}

func TestThrottled_SetAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	job1, job2 := uuid.New(), uuid.New()

	if err := s.SetThrottled(ctx, "team-1", []uuid.UUID{job1, job2}); err != nil {
		t.Fatalf("SetThrottled: %v", err)
	}
	throttled, err := s.GetThrottled(ctx, "team-1")
	if err != nil {
		t.Fatalf("GetThrottled: %v", err)
	}
	if _, ok := throttled[job1]; !ok {
		t.Error("expected job1 to be throttled")
	}
	if _, ok := throttled[job2]; !ok {
		t.Error("expected job2 to be throttled")
	}

	if err := s.SetThrottled(ctx, "team-1", nil); err != nil {
		t.Fatalf("SetThrottled (clear): %v", err)
	}
	throttled, err = s.GetThrottled(ctx, "team-1")
	if err != nil {
		t.Fatalf("GetThrottled: %v", err)
	}
	if len(throttled) != 0 {
		t.Errorf("expected throttled set cleared, got %v", throttled)
	}
}
