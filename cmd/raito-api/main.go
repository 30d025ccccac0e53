package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"log/slog"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"raito-core/internal/config"
	"raito-core/internal/crawl"
	"raito-core/internal/crawlstate"
	"raito-core/internal/credit"
	server "raito-core/internal/http"
	"raito-core/internal/migrate"
	"raito-core/internal/queue"
	"raito-core/internal/store"
	"raito-core/internal/streamer"
	"raito-core/internal/worker"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	cfg := config.Load(*configPath)

	// Run migrations on a short-lived connection
	if err := migrate.Run(cfg.Database.DSN); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	// Create a shared *sql.DB with pooling for the Store
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		log.Fatalf("open db failed: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	st := store.New(db)

	opt, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		log.Fatalf("parse redis url failed: %v", err)
	}
	rdb := redis.NewClient(opt)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{}))

	rootCtx := context.Background()

	gate := credit.New(rootCtx, st, rdb, cfg.Credit, logger)
	q := queue.New(st)
	state := crawlstate.New(
		rdb,
		time.Duration(cfg.CrawlState.TTLSeconds)*time.Second,
		time.Duration(cfg.CrawlState.LockTTLMillis)*time.Millisecond,
	)
	kickoff := crawl.New(st, state, q, cfg.Scraper.UserAgent)
	streamerSession := streamer.NewSession(
		state, q,
		time.Duration(cfg.Streamer.PollIntervalMillis)*time.Millisecond,
		logger,
	)

	// Background worker polls the Job Queue Gateway and executes scrape and
	// crawl-kickoff jobs; it runs for the lifetime of the process.
	runner := worker.New(*cfg, st, q, state, logger)
	go runner.Start(rootCtx)

	s := server.NewServer(cfg, st, state, rdb, gate, q, kickoff, streamerSession, logger)

	if err := s.Listen(); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
