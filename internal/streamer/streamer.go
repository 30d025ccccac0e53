// Package streamer implements the Progress Streamer (component F): a
// per-crawl WebSocket session that catches clients up on completed child
// jobs and then pushes new completions as they land. It is grounded on
// the teacher's gorilla/websocket-free HTTP stack generalized with
// gorilla/websocket (used elsewhere in the retrieved pack for push
// transports) plus fiber's adaptor for mounting a net/http handler inside
// a fiber app.
package streamer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"raito-core/internal/crawlstate"
	"raito-core/internal/metrics"
	"raito-core/internal/queue"
)

// Close codes per the design's §6 external-interfaces table.
const (
	CloseNormal          = websocket.CloseNormalClosure    // 1000, "done"
	CloseNotFound        = websocket.ClosePolicyViolation  // 1008, "Job not found"
	CloseUnauthenticated = 3000
	CloseForbidden       = 3003
	CloseUnexpected      = websocket.CloseInternalServerErr // 1011
)

// Frame is the push-only server-to-client wire shape.
type Frame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Session runs one Progress Streamer lifecycle for a single client
// connection, attached to one crawl id.
type Session struct {
	state        *crawlstate.Store
	queue        *queue.Gateway
	pollInterval time.Duration
	logger       *slog.Logger
}

func NewSession(state *crawlstate.Store, q *queue.Gateway, pollInterval time.Duration, logger *slog.Logger) *Session {
	return &Session{state: state, queue: q, pollInterval: pollInterval, logger: logger}
}

// Serve upgrades w/r to a WebSocket and runs the full session lifecycle
// for crawlID, authenticated as teamID. It blocks until the session
// terminates (normal completion, client disconnect, or error).
func (s *Session) Serve(w http.ResponseWriter, r *http.Request, crawlID uuid.UUID, teamID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("streamer: upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	metrics.RecordStreamerSession()

	ctx := r.Context()

	// Step 1: resolve crawl.
	stored, err := s.state.GetCrawl(ctx, crawlID)
	if err != nil {
		closeWith(conn, CloseNotFound, "Job not found")
		return
	}
	if stored.TeamID != teamID {
		closeWith(conn, CloseForbidden, "Forbidden")
		return
	}

	// Step 2-3: initial catch-up.
	doneJobIDs, err := s.state.GetDoneOrdered(ctx, crawlID)
	if err != nil {
		closeWith(conn, CloseUnexpected, unexpectedMessage(err))
		return
	}
	allJobIDs, err := s.state.GetCrawlJobs(ctx, crawlID)
	if err != nil {
		closeWith(conn, CloseUnexpected, unexpectedMessage(err))
		return
	}
	throttled, _ := s.state.GetThrottled(ctx, teamID)

	doneSet := toSet(doneJobIDs)
	included := 0
	completed := 0
	for _, id := range allJobIDs {
		if _, isThrottled := throttled[id]; isThrottled {
			included++
			continue
		}
		st, err := s.queue.State(ctx, id)
		if err != nil {
			continue
		}
		if st == queue.StateFailed || st == queue.StateUnknown {
			continue
		}
		included++
		if st == queue.StateCompleted {
			completed++
		}
	}

	// Step 4: session status, delegated to the Crawl State Store's own
	// finalization check (advisory-locked so concurrent streamer sessions
	// racing the last poll agree on the decision).
	finished, err := s.state.IsFinishedLocked(ctx, crawlID)
	if err != nil {
		closeWith(conn, CloseUnexpected, unexpectedMessage(err))
		return
	}
	status := "scraping"
	switch {
	case stored.Cancelled:
		status = "cancelled"
	case finished:
		status = "completed"
	}

	// Step 5: catchup frame.
	var data []json.RawMessage
	for _, id := range doneJobIDs {
		if out, ok, err := s.queue.ReturnValue(ctx, id); err == nil && ok {
			data = append(data, out)
		}
	}
	expiry, _ := s.state.GetExpiry(ctx, crawlID)
	catchup := map[string]any{
		"status":      status,
		"total":       included,
		"completed":   completed,
		"creditsUsed": included,
		"expiresAt":   time.Now().Add(expiry),
		"data":        data,
	}
	if !sendFrame(conn, "catchup", catchup) {
		return
	}

	// Step 6: if already terminal, finish immediately.
	if status != "scraping" {
		sendFrame(conn, "done", nil)
		closeWith(conn, CloseNormal, "")
		return
	}

	// Step 7: poll loop.
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			finished, err := s.pollOnce(ctx, conn, crawlID, &doneSet)
			if err != nil {
				closeWith(conn, CloseUnexpected, unexpectedMessage(err))
				return
			}
			if finished {
				sendFrame(conn, "done", nil)
				closeWith(conn, CloseNormal, "")
				return
			}
		}
	}
}

func (s *Session) pollOnce(ctx context.Context, conn *websocket.Conn, crawlID uuid.UUID, doneSet *map[uuid.UUID]struct{}) (bool, error) {
	allJobIDs, err := s.state.GetCrawlJobs(ctx, crawlID)
	if err != nil {
		return false, err
	}
	if len(allJobIDs) == len(*doneSet) {
		return true, nil
	}

	var newlyDone []uuid.UUID
	for _, id := range allJobIDs {
		if _, ok := (*doneSet)[id]; ok {
			continue
		}
		st, err := s.queue.State(ctx, id)
		if err != nil {
			continue
		}
		if st == queue.StateCompleted || st == queue.StateFailed {
			newlyDone = append(newlyDone, id)
		}
	}

	for _, id := range newlyDone {
		if out, ok, err := s.queue.ReturnValue(ctx, id); err == nil && ok {
			sendFrame(conn, "document", json.RawMessage(out))
		}
		(*doneSet)[id] = struct{}{}
	}

	return false, nil
}

func toSet(ids []uuid.UUID) map[uuid.UUID]struct{} {
	set := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func sendFrame(conn *websocket.Conn, frameType string, data any) bool {
	metrics.RecordStreamerFrame(frameType)
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return false
		}
		raw = encoded
	}
	frame := Frame{Type: frameType, Data: raw}
	return conn.WriteJSON(frame) == nil
}

func closeWith(conn *websocket.Conn, code int, message string) {
	payload := websocket.FormatCloseMessage(code, message)
	_ = conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(time.Second))
}

func unexpectedMessage(err error) string {
	return uuid.NewString() + ": " + err.Error()
}
