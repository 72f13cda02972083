// Package config loads the link-enricher configuration from YAML with
// defaults and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/link-enricher/pkg/enrich"
	"github.com/Sternrassler/link-enricher/pkg/logging"
	"github.com/Sternrassler/link-enricher/pkg/queue"
	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

// Environment variables that override file values.
const (
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvRedisURL        = "REDIS_URL"
	EnvLogLevel        = "LINK_ENRICHER_LOG_LEVEL"
)

// Provider backends.
const (
	BackendGemini    = "gemini"
	BackendAnthropic = "anthropic"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Default model rotation order per backend.
var (
	DefaultModels          = []string{"gemini-2.5-flash", "gemini-2.0-flash", "gemini-2.0-flash-lite"}
	DefaultAnthropicModels = []string{"claude-sonnet-4-20250514", "claude-3-5-haiku-latest"}
)

// Config is the complete configuration.
type Config struct {
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Queue     QueueConfig     `yaml:"queue"`
	Provider  ProviderConfig  `yaml:"provider"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Store     StoreConfig     `yaml:"store"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// RateLimitConfig bounds provider requests.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	Window            time.Duration `yaml:"window"`
	Cooldown          time.Duration `yaml:"cooldown"`
	ErrorThreshold    int           `yaml:"error_threshold"`
}

// QueueConfig drives the automatic scheduler. Enabled is a pointer so an
// explicit false survives defaulting.
type QueueConfig struct {
	Enabled         *bool         `yaml:"enabled"`
	BatchSize       int           `yaml:"batch_size"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	ErrorRetryGrace time.Duration `yaml:"error_retry_grace"`
}

// ProviderConfig selects and tunes the enrichment provider.
type ProviderConfig struct {
	Backend           string         `yaml:"backend"`
	Models            []string       `yaml:"models"`
	Endpoint          string         `yaml:"endpoint"`
	APIKey            string         `yaml:"api_key"`
	Language          string         `yaml:"language"`
	Timeout           time.Duration  `yaml:"timeout"`
	MaxTokens         int            `yaml:"max_tokens"`
	Temperature       float64        `yaml:"temperature"`
	TokensPerItem     int            `yaml:"tokens_per_item"`
	BudgetMargin      float64        `yaml:"budget_margin"`
	MaxPracticalBatch int            `yaml:"max_practical_batch"`
	TokenCeilings     map[string]int `yaml:"token_ceilings"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

// RedisConfig locates the Redis server. Addr is host:port or a redis://
// URL; an empty Addr disables Redis.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StoreConfig selects the catalog store.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

// Load reads path, applies defaults and environment overrides and
// validates the result. An empty path or a missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config YAML: %w", err)
			}
		}
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	rl := &c.RateLimit
	if rl.RequestsPerMinute == 0 {
		rl.RequestsPerMinute = ratelimit.DefaultMaxRequests
	}
	if rl.Window == 0 {
		rl.Window = ratelimit.DefaultWindow
	}
	if rl.Cooldown == 0 {
		rl.Cooldown = ratelimit.DefaultCooldown
	}
	if rl.ErrorThreshold == 0 {
		rl.ErrorThreshold = ratelimit.DefaultErrorThreshold
	}

	qd := queue.DefaultConfig()
	q := &c.Queue
	if q.Enabled == nil {
		enabled := qd.Enabled
		q.Enabled = &enabled
	}
	if q.BatchSize == 0 {
		q.BatchSize = qd.BatchSize
	}
	if q.InitialDelay == 0 {
		q.InitialDelay = qd.InitialDelay
	}
	if q.MinDelay == 0 {
		q.MinDelay = qd.MinDelay
	}
	if q.MaxDelay == 0 {
		q.MaxDelay = qd.MaxDelay
	}
	if q.ErrorRetryGrace == 0 {
		q.ErrorRetryGrace = qd.ErrorRetryGrace
	}

	bd := enrich.DefaultBudget()
	p := &c.Provider
	if p.Backend == "" {
		p.Backend = BackendGemini
	}
	if len(p.Models) == 0 {
		switch p.Backend {
		case BackendGemini:
			p.Models = append([]string(nil), DefaultModels...)
		case BackendAnthropic:
			p.Models = append([]string(nil), DefaultAnthropicModels...)
		}
	}
	if p.Language == "" {
		p.Language = enrich.DefaultLanguage
	}
	if p.Timeout == 0 {
		p.Timeout = 30 * time.Second
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = 2048
	}
	if p.Temperature == 0 {
		p.Temperature = 0.2
	}
	if p.TokensPerItem == 0 {
		p.TokensPerItem = bd.TokensPerItem
	}
	if p.BudgetMargin == 0 {
		p.BudgetMargin = bd.Margin
	}
	if p.MaxPracticalBatch == 0 {
		p.MaxPracticalBatch = bd.MaxPracticalBatch
	}

	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = 1000
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.Driver == DriverSQLite && c.Store.Path == "" {
		c.Store.Path = "link-enricher.db"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) applyEnv() {
	if c.Provider.APIKey == "" {
		switch c.Provider.Backend {
		case BackendGemini:
			c.Provider.APIKey = os.Getenv(EnvGeminiAPIKey)
		case BackendAnthropic:
			c.Provider.APIKey = os.Getenv(EnvAnthropicAPIKey)
		}
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

// Validate checks the configuration for values no component can work with.
// A missing API key is not an error here; commands that call the provider
// check it.
func (c *Config) Validate() error {
	if err := c.Policy().Validate(); err != nil {
		return fmt.Errorf("rate_limit: %w", err)
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}

	switch c.Provider.Backend {
	case BackendGemini, BackendAnthropic:
	default:
		return fmt.Errorf("provider: unknown backend %q", c.Provider.Backend)
	}
	if len(c.Provider.Models) == 0 {
		return fmt.Errorf("provider: at least one model is required")
	}
	for i, m := range c.Provider.Models {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("provider: model at index %d is empty", i)
		}
	}
	if c.Provider.Timeout < 0 {
		return fmt.Errorf("provider: timeout must be non-negative")
	}
	if c.Provider.BudgetMargin <= 0 || c.Provider.BudgetMargin > 1 {
		return fmt.Errorf("provider: budget_margin must be in (0, 1], got %v", c.Provider.BudgetMargin)
	}

	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache: ttl must be non-negative")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache: max_entries must be non-negative")
	}

	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("store: driver redis requires redis.addr or %s", EnvRedisURL)
		}
	default:
		return fmt.Errorf("store: unknown driver %q", c.Store.Driver)
	}

	if !logging.IsValidLevel(logging.LogLevel(c.Log.Level)) {
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

// Policy returns the rate limit policy.
func (c *Config) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		MaxRequests:    c.RateLimit.RequestsPerMinute,
		Window:         c.RateLimit.Window,
		Cooldown:       c.RateLimit.Cooldown,
		ErrorThreshold: c.RateLimit.ErrorThreshold,
	}
}

// SchedulerConfig returns the queue scheduler configuration.
func (c *Config) SchedulerConfig() queue.Config {
	enabled := true
	if c.Queue.Enabled != nil {
		enabled = *c.Queue.Enabled
	}
	return queue.Config{
		Enabled:         enabled,
		BatchSize:       c.Queue.BatchSize,
		InitialDelay:    c.Queue.InitialDelay,
		MinDelay:        c.Queue.MinDelay,
		MaxDelay:        c.Queue.MaxDelay,
		ErrorRetryGrace: c.Queue.ErrorRetryGrace,
	}
}

// EnrichConfig returns the enrichment client configuration.
func (c *Config) EnrichConfig() enrich.Config {
	return enrich.Config{
		Models:   append([]string(nil), c.Provider.Models...),
		Language: c.Provider.Language,
		Budget: enrich.Budget{
			TokensPerItem:     c.Provider.TokensPerItem,
			Margin:            c.Provider.BudgetMargin,
			MaxPracticalBatch: c.Provider.MaxPracticalBatch,
			Ceilings:          c.Provider.TokenCeilings,
		},
	}
}

// UsesRedis reports whether any component needs a Redis connection.
func (c *Config) UsesRedis() bool {
	return c.Redis.Addr != ""
}

// RedisOptions returns client options for the configured server.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if strings.HasPrefix(c.Redis.Addr, "redis://") || strings.HasPrefix(c.Redis.Addr, "rediss://") {
		opts, err := redis.ParseURL(c.Redis.Addr)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}, nil
}
