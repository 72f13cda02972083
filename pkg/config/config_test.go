package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{EnvGeminiAPIKey, EnvAnthropicAPIKey, EnvRedisURL, EnvLogLevel} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RateLimit.RequestsPerMinute != 15 || cfg.RateLimit.Cooldown != 60*time.Second || cfg.RateLimit.ErrorThreshold != 5 {
		t.Errorf("rate limit defaults = %+v", cfg.RateLimit)
	}
	q := cfg.SchedulerConfig()
	if !q.Enabled || q.BatchSize != 3 || q.InitialDelay != 6*time.Second || q.MinDelay != 4*time.Second || q.MaxDelay != 60*time.Second || q.ErrorRetryGrace != 5*time.Minute {
		t.Errorf("queue defaults = %+v", q)
	}
	if cfg.Provider.Backend != BackendGemini || len(cfg.Provider.Models) != 3 {
		t.Errorf("provider defaults = %+v", cfg.Provider)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("cache ttl = %v", cfg.Cache.TTL)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Server.Addr != ":8080" || cfg.Log.Level != "info" {
		t.Errorf("store/server/log defaults = %+v %+v %+v", cfg.Store, cfg.Server, cfg.Log)
	}
	if cfg.UsesRedis() {
		t.Error("default config should not need Redis")
	}
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Queue.BatchSize != 3 {
		t.Errorf("BatchSize = %d, want 3", cfg.Queue.BatchSize)
	}
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
rate_limit:
  requests_per_minute: 10
  cooldown: 2m
queue:
  enabled: false
  batch_size: 5
  max_delay: 90s
provider:
  backend: anthropic
  models: [claude-a, claude-b]
  token_ceilings:
    claude-a: 40000
store:
  driver: sqlite
log:
  level: debug
  pretty: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.RateLimit.RequestsPerMinute != 10 || cfg.RateLimit.Cooldown != 2*time.Minute {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.RateLimit.Window != 60*time.Second {
		t.Errorf("unset window should default, got %v", cfg.RateLimit.Window)
	}

	q := cfg.SchedulerConfig()
	if q.Enabled {
		t.Error("explicit enabled: false was lost")
	}
	if q.BatchSize != 5 || q.MaxDelay != 90*time.Second || q.MinDelay != 4*time.Second {
		t.Errorf("queue = %+v", q)
	}

	ec := cfg.EnrichConfig()
	if len(ec.Models) != 2 || ec.Models[0] != "claude-a" {
		t.Errorf("models = %v", ec.Models)
	}
	if ec.Budget.Ceiling("claude-a") != 40000 {
		t.Errorf("ceiling override = %d", ec.Budget.Ceiling("claude-a"))
	}

	if cfg.Store.Path != "link-enricher.db" {
		t.Errorf("sqlite path default = %q", cfg.Store.Path)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.Pretty {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvGeminiAPIKey, "gemini-key")
	t.Setenv(EnvRedisURL, "redis://localhost:6379/2")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(writeConfig(t, "store:\n  driver: redis\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Provider.APIKey != "gemini-key" {
		t.Errorf("APIKey = %q", cfg.Provider.APIKey)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q", cfg.Log.Level)
	}

	opts, err := cfg.RedisOptions()
	if err != nil {
		t.Fatalf("RedisOptions() error = %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 2 {
		t.Errorf("RedisOptions() = %s db %d", opts.Addr, opts.DB)
	}
}

func TestLoad_FileKeyBeatsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvAnthropicAPIKey, "from-env")

	cfg, err := Load(writeConfig(t, "provider:\n  backend: anthropic\n  api_key: from-file\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Provider.APIKey != "from-file" {
		t.Errorf("APIKey = %q, want from-file", cfg.Provider.APIKey)
	}
	if len(cfg.Provider.Models) != len(DefaultAnthropicModels) {
		t.Errorf("anthropic default models = %v", cfg.Provider.Models)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad yaml", "queue: [", "parse"},
		{"unknown backend", "provider:\n  backend: openai\n", "unknown backend"},
		{"unknown driver", "store:\n  driver: mongo\n", "unknown driver"},
		{"redis without addr", "store:\n  driver: redis\n", "requires redis.addr"},
		{"max below min delay", "queue:\n  min_delay: 10s\n  max_delay: 5s\n", "queue"},
		{"negative rate", "rate_limit:\n  requests_per_minute: -1\n", "rate_limit"},
		{"bad margin", "provider:\n  budget_margin: 1.5\n", "budget_margin"},
		{"bad log level", "log:\n  level: loud\n", "unknown level"},
		{"blank model", "provider:\n  models: [\"\"]\n", "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestRedisOptions_HostPort(t *testing.T) {
	cfg := Default()
	cfg.Redis = RedisConfig{Addr: "cache:6380", Password: "secret", DB: 3}

	opts, err := cfg.RedisOptions()
	if err != nil {
		t.Fatalf("RedisOptions() error = %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 3 {
		t.Errorf("RedisOptions() = %+v", opts)
	}
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	p := cfg.Policy()
	if p.MaxRequests != 15 || p.Window != time.Minute || p.Cooldown != time.Minute || p.ErrorThreshold != 5 {
		t.Errorf("Policy() = %+v", p)
	}
}
