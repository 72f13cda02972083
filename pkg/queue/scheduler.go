// Package queue drives automatic enrichment of the catalog. A single
// Scheduler selects eligible items, asks the rate limiter for permission,
// submits one batch at a time and writes the outcome back to the store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/link-enricher/pkg/catalog"
	"github.com/Sternrassler/link-enricher/pkg/enrich"
	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

// Prometheus metrics for the scheduler.
var (
	queueTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkhub_queue_ticks_total",
		Help: "Total scheduler ticks by outcome",
	}, []string{"outcome"})

	queueItemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkhub_queue_items_total",
		Help: "Total items resolved by the scheduler by resulting status",
	}, []string{"status"})

	queueDelaySeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkhub_queue_delay_seconds",
		Help: "Current delay between dispatch attempts",
	})
)

var (
	// ErrBusy is returned when another dispatch is already in flight.
	ErrBusy = errors.New("enrichment already in progress")

	// ErrCooldown is returned while the rate limiter cooldown is active.
	ErrCooldown = errors.New("rate limit cooldown active")

	// ErrThrottled is returned when the request window is exhausted.
	ErrThrottled = errors.New("rate limit window exhausted")
)

// Outcome describes what a tick did.
type Outcome string

const (
	OutcomeIdle       Outcome = "idle"
	OutcomeCooldown   Outcome = "cooldown"
	OutcomeThrottled  Outcome = "throttled"
	OutcomeDispatched Outcome = "dispatched"
	OutcomeFailed     Outcome = "failed"
	OutcomeBusy       Outcome = "busy"
	OutcomeDisabled   Outcome = "disabled"
	OutcomeCached     Outcome = "cached"
	OutcomeError      Outcome = "error"
)

// Enricher is the part of the enrichment client the scheduler drives.
type Enricher interface {
	EnrichBatch(ctx context.Context, items []enrich.BatchItem) (map[string]enrich.Result, error)
	Cached(ctx context.Context, url string) (enrich.Result, bool)
	MaxBatchSize() int
	CachedSearch(ctx context.Context, query string) ([]string, bool)
	Search(ctx context.Context, query string, items []catalog.Item) ([]string, error)
	RepairImport(ctx context.Context, raw string) ([]enrich.ImportedLink, error)
}

var _ Enricher = (*enrich.Client)(nil)

// Config holds the scheduler configuration.
type Config struct {
	// Enabled turns automatic processing on. Manual enrichment works either way.
	Enabled bool

	// BatchSize caps items per request before the token budget applies.
	BatchSize int

	// InitialDelay, MinDelay and MaxDelay bound the adaptive dispatch spacing.
	InitialDelay time.Duration
	MinDelay     time.Duration
	MaxDelay     time.Duration

	// ErrorRetryGrace delays automatic retries of errored items.
	ErrorRetryGrace time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		BatchSize:       3,
		InitialDelay:    6 * time.Second,
		MinDelay:        4 * time.Second,
		MaxDelay:        60 * time.Second,
		ErrorRetryGrace: DefaultErrorRetryGrace,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if c.MinDelay <= 0 {
		return fmt.Errorf("min delay must be positive, got %v", c.MinDelay)
	}
	if c.MaxDelay < c.MinDelay {
		return fmt.Errorf("max delay %v is below min delay %v", c.MaxDelay, c.MinDelay)
	}
	if c.ErrorRetryGrace < 0 {
		return fmt.Errorf("error retry grace must not be negative, got %v", c.ErrorRetryGrace)
	}
	return nil
}

// Scheduler is the enrichment driver. At most one dispatch, automatic or
// manual, is in flight at any time.
type Scheduler struct {
	store    catalog.Store
	enricher Enricher
	limiter  *ratelimit.Tracker
	cfg      Config
	backoff  *Backoff
	logger   zerolog.Logger

	inFlight atomic.Bool

	mu  sync.RWMutex
	now func() time.Time
}

// New creates a scheduler.
func New(store catalog.Store, enricher Enricher, limiter *ratelimit.Tracker, cfg Config, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    store,
		enricher: enricher,
		limiter:  limiter,
		cfg:      cfg,
		backoff:  NewBackoff(cfg.InitialDelay, cfg.MinDelay, cfg.MaxDelay),
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source (for testing).
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Scheduler) clock() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now()
}

// Delay is the current spacing between dispatch attempts.
func (s *Scheduler) Delay() time.Duration {
	return s.backoff.Current()
}

// Busy reports whether a dispatch is in flight.
func (s *Scheduler) Busy() bool {
	return s.inFlight.Load()
}

// Enabled reports whether automatic processing is on.
func (s *Scheduler) Enabled() bool {
	return s.cfg.Enabled
}

func (s *Scheduler) acquire() bool {
	return s.inFlight.CompareAndSwap(false, true)
}

func (s *Scheduler) release() {
	s.inFlight.Store(false)
}

// Tick runs one dispatch cycle. It never returns provider errors: every
// failure ends as item status changes and a rate limiter update.
func (s *Scheduler) Tick(ctx context.Context) Outcome {
	var outcome Outcome
	switch {
	case !s.cfg.Enabled:
		outcome = OutcomeDisabled
	case !s.acquire():
		outcome = OutcomeBusy
	default:
		outcome = s.tick(ctx)
		s.release()
	}

	queueTicksTotal.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (s *Scheduler) tick(ctx context.Context) Outcome {
	cooling, err := s.limiter.InCooldown(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to read rate limit state")
		return OutcomeError
	}
	if cooling {
		return OutcomeCooldown
	}

	items, err := s.store.List(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list catalog items")
		return OutcomeError
	}

	eligible := SelectEligible(items, s.clock(), s.cfg.ErrorRetryGrace)
	if len(eligible) == 0 {
		return OutcomeIdle
	}

	batch := s.takeBatch(ctx, eligible)
	if len(batch) == 0 {
		return OutcomeCached
	}

	switch err := s.reserve(ctx); {
	case errors.Is(err, ErrCooldown):
		return OutcomeCooldown
	case errors.Is(err, ErrThrottled):
		s.logger.Debug().Int("eligible", len(eligible)).Msg("Dispatch deferred by rate limit")
		return OutcomeThrottled
	case err != nil:
		s.logger.Error().Err(err).Msg("Failed to check rate limit")
		return OutcomeError
	}

	outcome, _ := s.dispatch(ctx, batch)
	return outcome
}

// batchSize is the configured cap further bounded by the token budget.
func (s *Scheduler) batchSize() int {
	n := s.cfg.BatchSize
	if m := s.enricher.MaxBatchSize(); m > 0 && m < n {
		n = m
	}
	if n < 1 {
		n = 1
	}
	return n
}

// takeBatch walks eligible items in order, resolving cache hits on the way,
// until a full batch of uncached items is collected.
func (s *Scheduler) takeBatch(ctx context.Context, eligible []catalog.Item) []catalog.Item {
	size := s.batchSize()
	batch := make([]catalog.Item, 0, size)

	for _, it := range eligible {
		if len(batch) == size {
			break
		}
		if r, ok := s.enricher.Cached(ctx, it.URL); ok {
			merged := MergeResult(it, r)
			if err := s.store.Update(ctx, merged); err != nil {
				s.logger.Error().Err(err).Str("item_id", it.ID).Msg("Failed to apply cached result")
				continue
			}
			queueItemsTotal.WithLabelValues(string(merged.Status)).Inc()
			s.logger.Debug().Str("item_id", it.ID).Msg("Applied cached enrichment")
			continue
		}
		batch = append(batch, it)
	}
	return batch
}

// dispatch marks batch as processing, submits it and applies the outcome.
// The caller has already reserved the request with reserve. The provider call and everything after it ignore cancellation of ctx so
// that no item is left in processing.
func (s *Scheduler) dispatch(ctx context.Context, batch []catalog.Item) (Outcome, error) {
	claimed := make([]catalog.Item, 0, len(batch))
	for _, it := range batch {
		processing := it.Clone()
		processing.Status = catalog.StatusProcessing
		if err := s.store.Update(ctx, processing); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			s.logger.Error().Err(err).Str("item_id", it.ID).Msg("Failed to claim item")
			s.restore(context.WithoutCancel(ctx), claimed)
			return OutcomeError, err
		}
		claimed = append(claimed, it)
	}
	if len(claimed) == 0 {
		return OutcomeIdle, nil
	}

	callCtx := context.WithoutCancel(ctx)
	s.logger.Info().Int("batch_size", len(claimed)).Msg("Dispatching enrichment batch")

	results, err := s.enricher.EnrichBatch(callCtx, toBatchItems(claimed))
	if err != nil {
		s.handleFailure(callCtx, claimed, err)
		return OutcomeFailed, err
	}

	s.applyResults(callCtx, claimed, results)
	return OutcomeDispatched, nil
}

func (s *Scheduler) applyResults(ctx context.Context, batch []catalog.Item, results map[string]enrich.Result) {
	now := s.clock()
	missing := 0

	for _, it := range batch {
		current, ok := s.current(ctx, it)
		if !ok {
			continue
		}

		r, found := results[it.ID]
		if found {
			current = MergeResult(current, r)
		} else {
			missing++
			current.Status = catalog.StatusError
			current.LastErrorAt = now
		}

		if err := s.store.Update(ctx, current); err != nil {
			s.logger.Error().Err(err).Str("item_id", it.ID).Msg("Failed to store enrichment result")
			continue
		}
		queueItemsTotal.WithLabelValues(string(current.Status)).Inc()
	}

	if err := s.limiter.RecordSuccess(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record success")
	}
	delay := s.backoff.Success()

	s.logger.Info().
		Int("batch_size", len(batch)).
		Int("missing", missing).
		Dur("delay", delay).
		Msg("Enrichment batch applied")
}

func (s *Scheduler) handleFailure(ctx context.Context, batch []catalog.Item, cause error) {
	class := enrich.ClassifyError(cause)
	quota := class == enrich.ErrorClassQuota
	now := s.clock()

	if err := s.limiter.RecordFailure(ctx, quota); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record failure")
	}

	for _, it := range batch {
		current, ok := s.current(ctx, it)
		if !ok {
			continue
		}
		if quota {
			current.Status = catalog.StatusQueued
		} else {
			current.Status = catalog.StatusError
			current.LastErrorAt = now
		}
		if err := s.store.Update(ctx, current); err != nil {
			s.logger.Error().Err(err).Str("item_id", it.ID).Msg("Failed to revert item")
			continue
		}
		queueItemsTotal.WithLabelValues(string(current.Status)).Inc()
	}

	if quota {
		s.logger.Warn().
			Err(cause).
			Str("error_class", string(class)).
			Int("batch_size", len(batch)).
			Msg("Provider quota exhausted, batch requeued")
		return
	}

	delay := s.backoff.Failure()
	s.logger.Error().
		Err(cause).
		Str("error_class", string(class)).
		Int("batch_size", len(batch)).
		Dur("delay", delay).
		Msg("Enrichment batch failed")
}

// current re-reads it so that edits made during the provider call survive.
func (s *Scheduler) current(ctx context.Context, it catalog.Item) (catalog.Item, bool) {
	current, err := s.store.Get(ctx, it.ID)
	if err == nil {
		return current, true
	}
	if errors.Is(err, catalog.ErrNotFound) {
		s.logger.Debug().Str("item_id", it.ID).Msg("Item deleted during enrichment")
		return catalog.Item{}, false
	}
	s.logger.Warn().Err(err).Str("item_id", it.ID).Msg("Failed to reload item, using batch copy")
	return it.Clone(), true
}

// restore writes back items claimed before an aborted dispatch.
func (s *Scheduler) restore(ctx context.Context, items []catalog.Item) {
	for _, it := range items {
		if err := s.store.Update(ctx, it); err != nil {
			s.logger.Error().Err(err).Str("item_id", it.ID).Msg("Failed to restore item")
		}
	}
}

func toBatchItems(items []catalog.Item) []enrich.BatchItem {
	out := make([]enrich.BatchItem, len(items))
	for i, it := range items {
		out[i] = enrich.BatchItem{
			ID:          it.ID,
			Name:        it.Name,
			URL:         it.URL,
			Description: it.Description,
		}
	}
	return out
}

// EnrichNow enriches one item immediately, bypassing eligibility and the
// cache read. It is refused with ErrBusy, ErrCooldown or ErrThrottled and
// must not be retried automatically by the caller. Provider failures are
// applied to the item like a failed batch and also returned.
func (s *Scheduler) EnrichNow(ctx context.Context, id string) (catalog.Item, error) {
	if !s.acquire() {
		return catalog.Item{}, ErrBusy
	}
	defer s.release()

	it, err := s.store.Get(ctx, id)
	if err != nil {
		return catalog.Item{}, err
	}

	if err := s.reserve(ctx); err != nil {
		return it, err
	}

	if _, err := s.dispatch(ctx, []catalog.Item{it}); err != nil {
		updated, getErr := s.store.Get(context.WithoutCancel(ctx), id)
		if getErr != nil {
			updated = it
		}
		return updated, err
	}
	return s.store.Get(context.WithoutCancel(ctx), id)
}

// reserve checks the cooldown and the request window and counts the
// request in one step. A refusal is ErrCooldown or ErrThrottled.
func (s *Scheduler) reserve(ctx context.Context) error {
	decision, err := s.limiter.TryDispatch(ctx)
	if err != nil {
		return err
	}
	switch decision {
	case ratelimit.DecisionAllowed:
		return nil
	case ratelimit.DecisionCooldown:
		return ErrCooldown
	default:
		return ErrThrottled
	}
}

// Recover requeues items left in processing by an interrupted run.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	if !s.acquire() {
		return 0, ErrBusy
	}
	defer s.release()

	items, err := s.store.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, it := range items {
		if it.Status != catalog.StatusProcessing {
			continue
		}
		it.Status = catalog.StatusQueued
		if err := s.store.Update(ctx, it); err != nil {
			return n, fmt.Errorf("requeue %s: %w", it.ID, err)
		}
		n++
	}
	if n > 0 {
		s.logger.Info().Int("items", n).Msg("Requeued items left in processing")
	}
	return n, nil
}

// Run drives Tick until ctx is cancelled. Between ticks it waits the current
// delay; when idle it sleeps until the store changes or MaxDelay passes.
// A pending timer is stopped on cancellation; an in-flight batch completes.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("Automatic enrichment disabled")
		return nil
	}

	wake := make(chan struct{}, 1)
	unsubscribe := s.store.Subscribe(func([]catalog.Item) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if _, err := s.Recover(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to requeue interrupted items")
	}

	s.logger.Info().Dur("delay", s.Delay()).Msg("Scheduler started")

	wait := s.Delay()
	for {
		if !sleep(ctx, wait, nil) {
			s.logger.Info().Msg("Scheduler stopped")
			return nil
		}

		outcome := s.Tick(ctx)
		s.logger.Debug().Str("outcome", string(outcome)).Msg("Tick finished")

		switch outcome {
		case OutcomeIdle, OutcomeCached:
			if !sleep(ctx, s.cfg.MaxDelay, wake) {
				s.logger.Info().Msg("Scheduler stopped")
				return nil
			}
			wait = s.Delay()
		case OutcomeCooldown:
			wait = s.Delay()
			if remaining, err := s.limiter.CooldownRemaining(ctx); err == nil && remaining > wait {
				wait = remaining
			}
		default:
			wait = s.Delay()
		}
	}
}

// sleep waits for d, a signal on wake, or cancellation. It reports false
// when ctx was cancelled.
func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-wake:
		return true
	}
}
