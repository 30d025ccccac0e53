package streamer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"raito-core/internal/crawlstate"
	"raito-core/internal/queue"
)

func newTestSession(t *testing.T) (*Session, *crawlstate.Store) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	state := crawlstate.New(rdb, time.Hour, 5*time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewSession(state, queue.New(nil), 20*time.Millisecond, logger), state
}

func dialSession(t *testing.T, session *Session, crawlID uuid.UUID, teamID string) (*websocket.Conn, *http.Response) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session.Serve(w, r, crawlID, teamID)
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, resp
}

func TestServe_NotFoundWhenCrawlMissing(t *testing.T) {
	session, _ := newTestSession(t)
	conn, _ := dialSession(t, session, uuid.New(), "team-1")

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != CloseNotFound {
		t.Errorf("expected close code %d, got %d", CloseNotFound, closeErr.Code)
	}
}

func TestServe_ForbiddenWhenTeamMismatch(t *testing.T) {
	session, state := newTestSession(t)
	crawlID := uuid.New()
	if err := state.SaveCrawl(context.Background(), crawlstate.StoredCrawl{CrawlID: crawlID, TeamID: "owning-team"}); err != nil {
		t.Fatalf("SaveCrawl: %v", err)
	}

	conn, _ := dialSession(t, session, crawlID, "other-team")

	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != CloseForbidden {
		t.Errorf("expected close code %d, got %d", CloseForbidden, closeErr.Code)
	}
}

func TestServe_CancelledCrawlCatchesUpAndClosesDone(t *testing.T) {
	session, state := newTestSession(t)
	crawlID := uuid.New()
	ctx := context.Background()
	if err := state.SaveCrawl(ctx, crawlstate.StoredCrawl{CrawlID: crawlID, TeamID: "team-1", Cancelled: true}); err != nil {
		t.Fatalf("SaveCrawl: %v", err)
	}

	conn, _ := dialSession(t, session, crawlID, "team-1")

	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a catchup frame, got error: %v", err)
	}
	var catchup Frame
	if err := json.Unmarshal(raw, &catchup); err != nil {
		t.Fatalf("unmarshal catchup frame: %v", err)
	}
	if catchup.Type != "catchup" {
		t.Fatalf("expected catchup frame, got %q", catchup.Type)
	}
	var body map[string]any
	if err := json.Unmarshal(catchup.Data, &body); err != nil {
		t.Fatalf("unmarshal catchup data: %v", err)
	}
	if body["status"] != "cancelled" {
		t.Errorf("expected cancelled status, got %v", body["status"])
	}

	_, raw, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected a done frame, got error: %v", err)
	}
	var done Frame
	if err := json.Unmarshal(raw, &done); err != nil {
		t.Fatalf("unmarshal done frame: %v", err)
	}
	if done.Type != "done" {
		t.Fatalf("expected done frame, got %q", done.Type)
	}

	_, _, err = conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected a close error, got %v", err)
	}
	if closeErr.Code != CloseNormal {
		t.Errorf("expected close code %d, got %d", CloseNormal, closeErr.Code)
	}
}

func TestToSet(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	set := toSet([]uuid.UUID{a, b})

	if len(set) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(set))
	}
	if _, ok := set[a]; !ok {
		t.Error("expected set to contain a")
	}
	if _, ok := set[b]; !ok {
		t.Error("expected set to contain b")
	}
}

func TestToSet_Empty(t *testing.T) {
	set := toSet(nil)
	if len(set) != 0 {
		t.Errorf("expected empty set, got %d entries", len(set))
	}
}

func TestUnexpectedMessage(t *testing.T) {
	msg := unexpectedMessage(errors.New("boom"))
	if !strings.Contains(msg, "boom") {
		t.Errorf("expected message to contain the underlying error, got %q", msg)
	}
}
