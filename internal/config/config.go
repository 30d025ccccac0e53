package config

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Env mirrors the ENV environment variable: "local" keeps request
	// protocol as observed; anything else forces https in generated URLs.
	Env string `yaml:"env"`
}

type ScraperConfig struct {
	UserAgent           string `yaml:"userAgent"`
	TimeoutMs           int    `yaml:"timeoutMs"`
	LinksSameDomainOnly bool   `yaml:"linksSameDomainOnly"`
	LinksMaxPerDocument int    `yaml:"linksMaxPerDocument"`
}

type CrawlerConfig struct {
	MaxDepthDefault int `yaml:"maxDepthDefault"`
	MaxPagesDefault int `yaml:"maxPagesDefault"`
}

type RobotsConfig struct {
	Respect bool `yaml:"respect"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuthConfig controls the minimal API-key admission mechanism in front of
// the v0/v1 edge. There is no session/OIDC layer in this core: a request
// either carries a recognized key (resolved to a team id) or, when neither
// DB auth nor an allow-list is configured, falls through to the Credit
// Gate's auth-bypass sentinel.
type AuthConfig struct {
	// UseDBAuthentication mirrors the USE_DB_AUTHENTICATION environment
	// variable: when true, API keys are resolved against the database and
	// priced against real credit chunks.
	UseDBAuthentication bool `yaml:"useDBAuthentication"`
	// AllowedKeys mirrors ALLOWED_KEYS: a non-empty list enables allow-list
	// mode even without DB auth, mapping each key to a synthetic team id.
	AllowedKeys []string `yaml:"allowedKeys"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

type WorkerConfig struct {
	MaxConcurrentJobs       int `yaml:"maxConcurrentJobs"`
	PollIntervalMs          int `yaml:"pollIntervalMs"`
	MaxConcurrentURLsPerJob int `yaml:"maxConcurrentURLsPerJob"`
	SyncJobWaitTimeoutMs    int `yaml:"syncJobWaitTimeoutMs"`
}

// CreditConfig controls the Credit Gate (component A).
type CreditConfig struct {
	// AutoRechargeCacheTTLSeconds is loaded and defaulted (300) but not read
	// by the Credit Gate: the gate only reads an existing
	// team_auto_recharge_<id> key and never writes that key or sets its TTL.
	AutoRechargeCacheTTLSeconds int `yaml:"autoRechargeCacheTTLSeconds"`
	// ApproachingLimitRatio is the usage ratio (used/total) at or above which
	// an admitted request triggers an APPROACHING_LIMIT notification.
	ApproachingLimitRatio float64 `yaml:"approachingLimitRatio"`
	// BillingQueueSize bounds the async billing aggregator's channel.
	BillingQueueSize int `yaml:"billingQueueSize"`
	// UpgradeURL is included in insufficient-credits responses.
	UpgradeURL string `yaml:"upgradeURL"`
	// BaseCredits / LLMExtractionCredits price a single scrape dispatch.
	BaseCredits          int `yaml:"baseCredits"`
	LLMExtractionCredits int `yaml:"llmExtractionCredits"`
}

// QueueConfig controls the Job Queue Gateway (component B).
type QueueConfig struct {
	BasePriority int `yaml:"basePriority"`
}

// CrawlStateConfig controls the Redis-backed Crawl State Store (component C).
type CrawlStateConfig struct {
	TTLSeconds    int `yaml:"ttlSeconds"`
	LockTTLMillis int `yaml:"lockTTLMillis"`
}

// StreamerConfig controls the Progress Streamer (component F).
type StreamerConfig struct {
	PollIntervalMillis int `yaml:"pollIntervalMillis"`
}

// BlocklistConfig names hosts that the Scrape Dispatch rejects outright.
// Blocklist content is an external collaborator per spec; this config only
// carries whatever list an operator supplies.
type BlocklistConfig struct {
	Hosts []string `yaml:"hosts"`
}

// JobTTLConfig controls per-job-type retention in days.
type JobTTLConfig struct {
	DefaultDays int `yaml:"defaultDays"`
	ScrapeDays  int `yaml:"scrapeDays"`
	CrawlDays   int `yaml:"crawlDays"`
}

// RetentionConfig controls TTL-like deletion of terminal jobs so that the
// database does not grow without bound over time.
type RetentionConfig struct {
	Enabled                bool         `yaml:"enabled"`
	CleanupIntervalMinutes int          `yaml:"cleanupIntervalMinutes"`
	Jobs                   JobTTLConfig `yaml:"jobs"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Scraper    ScraperConfig    `yaml:"scraper"`
	Crawler    CrawlerConfig    `yaml:"crawler"`
	Robots     RobotsConfig     `yaml:"robots"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit"`
	Worker     WorkerConfig     `yaml:"worker"`
	Credit     CreditConfig     `yaml:"credit"`
	Queue      QueueConfig      `yaml:"queue"`
	CrawlState CrawlStateConfig `yaml:"crawlState"`
	Streamer   StreamerConfig   `yaml:"streamer"`
	Blocklist  BlocklistConfig  `yaml:"blocklist"`
	Retention  RetentionConfig  `yaml:"retention"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.ApplyEnvOverrides(os.Environ())
	cfg.applyDefaults()

	return &cfg
}

// ApplyEnvOverrides mixes deploy-time environment toggles on top of the
// YAML file, the same way the teacher's auth/bootstrap config historically
// layered file config with env-driven switches. It takes the environment
// as a slice of "KEY=VALUE" strings so it can be exercised in tests without
// touching process-global state.
func (cfg *Config) ApplyEnvOverrides(environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		env[parts[0]] = parts[1]
	}

	if v, ok := env["USE_DB_AUTHENTICATION"]; ok {
		cfg.Auth.UseDBAuthentication = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	if v, ok := env["ALLOWED_KEYS"]; ok {
		v = strings.TrimSpace(v)
		if v == "" {
			cfg.Auth.AllowedKeys = nil
		} else {
			keys := strings.Split(v, ",")
			for i := range keys {
				keys[i] = strings.TrimSpace(keys[i])
			}
			cfg.Auth.AllowedKeys = keys
		}
	}
	if v, ok := env["ENV"]; ok {
		cfg.Server.Env = strings.TrimSpace(v)
	}
}

// DBAuthEnabled reports whether the Credit Gate should load real credit
// chunks from the database rather than running in bypass mode.
func (cfg *Config) DBAuthEnabled() bool {
	return cfg.Auth.UseDBAuthentication
}

// AllowListEnabled reports whether allow-list mode is active: an operator
// configured ALLOWED_KEYS without DB auth.
func (cfg *Config) AllowListEnabled() bool {
	return !cfg.Auth.UseDBAuthentication && len(cfg.Auth.AllowedKeys) > 0
}

// AuthMode is the resolved admission tri-state the Credit Gate needs to
// decide whether check()/bill() run for real or short-circuit to the
// auth-bypass sentinel.
type AuthMode int

const (
	// AuthModeBypass is set only when neither DB auth nor an allow-list is
	// configured: both Credit Gate operations short-circuit.
	AuthModeBypass AuthMode = iota
	// AuthModeAllowList is set when ALLOWED_KEYS is configured without DB
	// auth: requests are authenticated but priced against a real chunk.
	AuthModeAllowList
	// AuthModeDB is set when USE_DB_AUTHENTICATION is true.
	AuthModeDB
)

// ResolvedAuthMode reports which of the three admission modes is active.
// Per spec, only the true no-auth-at-all case bypasses the Credit Gate;
// allow-list mode is authenticated and must still be priced.
func (cfg *Config) ResolvedAuthMode() AuthMode {
	switch {
	case cfg.DBAuthEnabled():
		return AuthModeDB
	case cfg.AllowListEnabled():
		return AuthModeAllowList
	default:
		return AuthModeBypass
	}
}

// UseHTTPSURLs reports whether generated status/crawl URLs should force
// https, per the ENV environment variable's documented behavior.
func (cfg *Config) UseHTTPSURLs() bool {
	return !strings.EqualFold(cfg.Server.Env, "local")
}

func (cfg *Config) applyDefaults() {
	if cfg.Credit.AutoRechargeCacheTTLSeconds <= 0 {
		cfg.Credit.AutoRechargeCacheTTLSeconds = 300
	}
	if cfg.Credit.ApproachingLimitRatio <= 0 {
		cfg.Credit.ApproachingLimitRatio = 0.8
	}
	if cfg.Credit.BillingQueueSize <= 0 {
		cfg.Credit.BillingQueueSize = 1024
	}
	if cfg.Credit.BaseCredits <= 0 {
		cfg.Credit.BaseCredits = 1
	}
	if cfg.Credit.LLMExtractionCredits <= 0 {
		cfg.Credit.LLMExtractionCredits = 4
	}
	if cfg.Queue.BasePriority <= 0 {
		cfg.Queue.BasePriority = 10
	}
	if cfg.CrawlState.TTLSeconds <= 0 {
		cfg.CrawlState.TTLSeconds = 24 * 60 * 60
	}
	if cfg.CrawlState.LockTTLMillis <= 0 {
		cfg.CrawlState.LockTTLMillis = 10_000
	}
	if cfg.Streamer.PollIntervalMillis <= 0 {
		cfg.Streamer.PollIntervalMillis = 1000
	}
	if cfg.Worker.SyncJobWaitTimeoutMs <= 0 {
		cfg.Worker.SyncJobWaitTimeoutMs = 30_000
	}
}

// Validate performs basic sanity checks on the loaded configuration so
// obviously broken deployments fail fast at startup.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Auth.UseDBAuthentication && strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("auth.useDBAuthentication is true but database.dsn is empty")
	}
	if cfg.Credit.ApproachingLimitRatio <= 0 || cfg.Credit.ApproachingLimitRatio >= 1 {
		return fmt.Errorf("credit.approachingLimitRatio must be in (0, 1)")
	}
	return nil
}
