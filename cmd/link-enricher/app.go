package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/link-enricher/pkg/cache"
	"github.com/Sternrassler/link-enricher/pkg/catalog"
	"github.com/Sternrassler/link-enricher/pkg/config"
	"github.com/Sternrassler/link-enricher/pkg/enrich"
	"github.com/Sternrassler/link-enricher/pkg/logging"
	"github.com/Sternrassler/link-enricher/pkg/provider"
	"github.com/Sternrassler/link-enricher/pkg/queue"
	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

// app holds the wired components of one command invocation.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	redis   *redis.Client
	store   catalog.Store
	sqlite  *catalog.SQLiteStore
	limiter *ratelimit.Tracker

	// enricher and sched are nil when no provider is configured.
	enricher *enrich.Client
	sched    *queue.Scheduler

	closers []func() error
}

// newApp wires storage, the rate limiter and, when requireProvider is set
// or an API key is available, the provider, the enrichment client and the
// scheduler.
func newApp(ctx context.Context, cfg *config.Config, requireProvider bool) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.NewLogger("link-enricher"),
	}

	if err := a.connectRedis(ctx); err != nil {
		return nil, err
	}
	if err := a.openStore(); err != nil {
		a.Close()
		return nil, err
	}

	a.limiter = ratelimit.NewTracker(a.stateStore(), cfg.Policy(), logging.NewLogger("ratelimit"))

	if cfg.Provider.APIKey == "" && !requireProvider {
		return a, nil
	}

	gen, err := newGenerator(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var backend cache.Backend = cache.NewMemoryBackend(cfg.Cache.MaxEntries)
	if a.redis != nil {
		backend = cache.NewRedisBackend(a.redis)
	}
	resultCache := cache.NewManager(backend, cfg.Cache.TTL, logging.NewLogger("cache"))

	a.enricher, err = enrich.New(gen, resultCache, cfg.EnrichConfig(), logging.NewLogger("enrich"))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.sched = queue.New(a.store, a.enricher, a.limiter, cfg.SchedulerConfig(), logging.NewLogger("queue"))
	return a, nil
}

func (a *app) connectRedis(ctx context.Context) error {
	if !a.cfg.UsesRedis() {
		return nil
	}

	opts, err := a.cfg.RedisOptions()
	if err != nil {
		return err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}

	a.logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	a.redis = client
	a.closers = append(a.closers, client.Close)
	return nil
}

func (a *app) openStore() error {
	switch a.cfg.Store.Driver {
	case config.DriverRedis:
		a.store = catalog.NewRedisStore(a.redis)
	case config.DriverSQLite:
		s, err := catalog.OpenSQLite(a.cfg.Store.Path)
		if err != nil {
			return err
		}
		a.store = s
		a.sqlite = s
		a.closers = append(a.closers, s.Close)
	default:
		a.store = catalog.NewMemoryStore()
	}
	a.logger.Debug().Str("driver", a.cfg.Store.Driver).Msg("Catalog store opened")
	return nil
}

// stateStore persists the rate limit state in Redis when it is configured,
// otherwise next to a SQLite catalog. Only a fully in-memory setup keeps it
// in memory.
func (a *app) stateStore() ratelimit.StateStore {
	switch {
	case a.redis != nil:
		return ratelimit.NewRedisStateStore(a.redis)
	case a.sqlite != nil:
		return a.sqlite.RateLimitStore()
	default:
		return ratelimit.NewMemoryStateStore()
	}
}

func newGenerator(cfg *config.Config) (provider.Generator, error) {
	p := cfg.Provider
	switch p.Backend {
	case config.BackendAnthropic:
		return provider.NewAnthropicClient(provider.AnthropicConfig{
			APIKey:      p.APIKey,
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
		}, logging.NewLogger("provider"))
	default:
		return provider.NewGeminiClient(provider.GeminiConfig{
			Endpoint:    p.Endpoint,
			APIKey:      p.APIKey,
			Timeout:     p.Timeout,
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
		}, logging.NewLogger("provider"))
	}
}

// ready pings Redis when it is in use.
func (a *app) ready(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.Ping(ctx).Err()
}

// Close releases connections in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
