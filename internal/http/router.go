package http

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"raito-core/internal/config"
	"raito-core/internal/crawl"
	"raito-core/internal/crawlstate"
	"raito-core/internal/credit"
	"raito-core/internal/dispatch"
	"raito-core/internal/metrics"
	"raito-core/internal/queue"
	"raito-core/internal/store"
	"raito-core/internal/streamer"
)

// Server wires every orchestration component behind the fiber app: the
// Credit Gate, Job Queue Gateway, Crawl Kickoff, Scrape Dispatch, and
// Progress Streamer.
type Server struct {
	app    *fiber.App
	cfg    *config.Config
	store  *store.Store
	state  *crawlstate.Store
	rdb    *redis.Client
	logger *slog.Logger

	gate            *credit.Gate
	queue           *queue.Gateway
	dispatch        *dispatch.Executor
	kickoff         *crawl.Kickoff
	streamerSession *streamer.Session
}

// NewServer builds the fiber app and wires the orchestration components
// against the given config, database store, Crawl State Store, and Redis
// client.
func NewServer(cfg *config.Config, st *store.Store, state *crawlstate.Store, rdb *redis.Client, gate *credit.Gate, q *queue.Gateway, k *crawl.Kickoff, crawlStreamer *streamer.Session, logger *slog.Logger) *Server {
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	blocklist := dispatch.NewBlocklist(cfg.Blocklist.Hosts)
	dispatcher := dispatch.New(gate, q, blocklist, cfg.Scraper, cfg.Worker, cfg.Credit)

	s := &Server{
		app:             app,
		cfg:             cfg,
		store:           st,
		state:           state,
		rdb:             rdb,
		logger:          logger,
		gate:            gate,
		queue:           q,
		dispatch:        dispatcher,
		kickoff:         k,
		streamerSession: crawlStreamer,
	}

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		metrics.RecordRequest(c.Method(), c.Path(), c.Response().StatusCode(), time.Since(start).Milliseconds())
		return err
	})

	app.Get("/healthz", s.healthHandler)
	app.Get("/metrics", s.metricsHandler)

	v1 := app.Group("/v1", authMiddleware(cfg, st), rateLimitMiddleware(cfg, rdb))
	v1.Post("/crawl", crawlHandler(s))
	// A single path serves both the REST status poll and the WebSocket
	// upgrade, differentiated by the Upgrade header, per the documented
	// external interface.
	v1.Get("/crawl/:id", crawlStatusOrStreamHandler(s))

	// v0 carries no rate limiting in the teacher's original deployment; it
	// predates the v1 rate-limit rollout, preserved here for compatibility.
	app.Post("/scrape", authMiddleware(cfg, st), scrapeHandler(s))

	admin := app.Group("/admin", authMiddleware(cfg, st), adminOnlyMiddleware)
	admin.Get("/teams/:id/credits", s.adminGetTeamCreditsHandler)
	admin.Get("/teams-using-v0", s.adminListTeamsUsingV0Handler)

	return s
}

func (s *Server) Listen() error {
	addr := s.cfg.Server.Host + ":" + strconv.Itoa(s.cfg.Server.Port)
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	deep := c.Query("deep") == "true"
	status := fiber.Map{"status": "ok"}
	if deep {
		checks := fiber.Map{}
		if s.store != nil && s.store.DB != nil {
			if err := s.store.DB.PingContext(c.Context()); err != nil {
				checks["db"] = "error: " + err.Error()
			} else {
				checks["db"] = "ok"
			}
		}
		if s.rdb != nil {
			if err := s.rdb.Ping(c.Context()).Err(); err != nil {
				checks["redis"] = "error: " + err.Error()
			} else {
				checks["redis"] = "ok"
			}
		}
		status["checks"] = checks
	}
	return c.JSON(status)
}

func (s *Server) metricsHandler(c *fiber.Ctx) error {
	c.Set("Content-Type", "text/plain; version=0.0.4")
	return c.SendString(metrics.Export())
}

// adminGetTeamCreditsHandler is an operational endpoint for inspecting a
// team's cached credit chunk, useful for diagnosing Credit Gate denials.
func (s *Server) adminGetTeamCreditsHandler(c *fiber.Ctx) error {
	teamID := c.Params("id")
	chunk, err := s.store.GetTeamCreditChunk(c.Context(), teamID)
	if err != nil {
		if err == sql.ErrNoRows {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Success: false, Code: "NOT_FOUND", Error: "team not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Success: false, Code: "INTERNAL_ERROR", Error: err.Error()})
	}
	return c.JSON(chunk)
}

// requestBaseURL derives "${protocol}://${host}" for the in-flight request,
// per the documented rule: ENV=local keeps the request's observed protocol,
// any other ENV forces https regardless of what the client connected with
// (e.g. behind a TLS-terminating proxy).
func (s *Server) requestBaseURL(c *fiber.Ctx) string {
	protocol := c.Protocol()
	if s.cfg.UseHTTPSURLs() {
		protocol = "https"
	}
	return protocol + "://" + c.Hostname()
}

// adminListTeamsUsingV0Handler exposes the teams_using_v0 membership set
// recorded by the v0 scrape handler, for operators checking v0 deprecation
// progress.
func (s *Server) adminListTeamsUsingV0Handler(c *fiber.Ctx) error {
	if s.state == nil {
		return c.JSON(fiber.Map{"teams": []string{}})
	}
	teams, err := s.state.ListTeamsUsingV0(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Success: false, Code: "INTERNAL_ERROR", Error: err.Error()})
	}
	return c.JSON(fiber.Map{"teams": teams})
}

// resolveTeamPolicy loads the team's credit chunk (if DB auth is enabled)
// and translates it into the flags Crawl Kickoff needs. Absent a chunk
// (auth bypass or allow-list mode), the team is treated as unlimited with
// ZDR allowed, matching the Credit Gate's own bypass semantics.
func (s *Server) resolveTeamPolicy(ctx context.Context, teamID string) crawl.TeamPolicy {
	if !s.cfg.DBAuthEnabled() {
		return crawl.TeamPolicy{AllowZDR: true, RemainingCredits: -1}
	}

	chunk, err := s.store.GetTeamCreditChunk(ctx, teamID)
	if err != nil {
		return crawl.TeamPolicy{RemainingCredits: 0}
	}

	var flags struct {
		AllowZDR bool `json:"allowZDR"`
		ForceZDR bool `json:"forceZDR"`
	}
	if chunk.Flags.Valid {
		_ = json.Unmarshal(chunk.Flags.RawMessage, &flags)
	}

	return crawl.TeamPolicy{
		AllowZDR:         flags.AllowZDR,
		ForceZDR:         flags.ForceZDR,
		RemainingCredits: chunk.RemainingCredits,
		MaxConcurrency:   int(chunk.Concurrency),
	}
}

