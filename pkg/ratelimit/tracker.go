package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	requestsInWindow = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkhub_rate_limit_requests_in_window",
		Help: "Provider requests recorded in the current rate limit window",
	})

	inCooldownGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linkhub_rate_limit_in_cooldown",
		Help: "1 while dispatch is blocked by a cooldown",
	})

	cooldownsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkhub_rate_limit_cooldowns_total",
		Help: "Total number of cooldowns entered",
	})

	blocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkhub_rate_limit_blocks_total",
		Help: "Total number of refused dispatch checks by reason",
	}, []string{"reason"})
)

// Tracker applies Policy transitions to the persisted State. Each operation
// is a locked load, transition and save, so a single Tracker is the only
// writer of the state within a process.
type Tracker struct {
	mu     sync.Mutex
	store  StateStore
	policy Policy
	now    func() time.Time
	logger zerolog.Logger
}

// NewTracker creates a rate limit tracker.
func NewTracker(store StateStore, policy Policy, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		policy: policy,
		now:    time.Now,
		logger: logger,
	}
}

// SetClock replaces the time source (for testing).
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Policy returns the limits the tracker enforces.
func (t *Tracker) Policy() Policy {
	return t.policy
}

// GetState returns the stored state, or a fresh default state when nothing
// has been stored yet.
func (t *Tracker) GetState(ctx context.Context) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(ctx)
}

// InCooldown reports whether an unexpired cooldown is active. It does not
// modify the stored state.
func (t *Tracker) InCooldown(ctx context.Context) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return false, err
	}
	return state.InCooldown(t.now()), nil
}

// CooldownRemaining returns how long the active cooldown still lasts.
func (t *Tracker) CooldownRemaining(ctx context.Context) (time.Duration, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return 0, err
	}
	return state.CooldownRemaining(t.now()), nil
}

// Decision is the verdict of a dispatch check.
type Decision string

const (
	// DecisionAllowed means a request may be sent.
	DecisionAllowed Decision = "allowed"
	// DecisionCooldown means a cooldown is active.
	DecisionCooldown Decision = "cooldown"
	// DecisionWindow means the request window is exhausted.
	DecisionWindow Decision = "window"
)

// CanDispatch checks the cooldown and the request window, persisting any
// cooldown expiry or window rollover it performs.
func (t *Tracker) CanDispatch(ctx context.Context) (bool, error) {
	d, err := t.decide(ctx, false)
	return d == DecisionAllowed, err
}

// TryDispatch checks the cooldown and the request window and, when allowed,
// counts the request in the same locked step. Concurrent callers therefore
// never push the window past its ceiling.
func (t *Tracker) TryDispatch(ctx context.Context) (Decision, error) {
	return t.decide(ctx, true)
}

func (t *Tracker) decide(ctx context.Context, record bool) (Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	state, err := t.load(ctx)
	if err != nil {
		return "", err
	}

	wasInCooldown := state.IsInCooldown
	next, allowed := t.policy.CanDispatch(state, now)
	if allowed && record {
		next = t.policy.RecordDispatch(next, now)
	}

	if next != state {
		if err := t.save(ctx, next); err != nil {
			return "", err
		}
	}

	if wasInCooldown && !next.IsInCooldown {
		t.logger.Info().Msg("Rate limit cooldown expired")
	}

	if allowed {
		return DecisionAllowed, nil
	}

	reason := DecisionWindow
	if next.InCooldown(now) {
		reason = DecisionCooldown
	}
	blocksTotal.WithLabelValues(string(reason)).Inc()
	t.logger.Debug().
		Str("reason", string(reason)).
		Int("requests_in_window", next.RequestsThisWindow).
		Time("cooldown_until", next.CooldownUntil).
		Msg("Dispatch refused by rate limiter")
	return reason, nil
}

// RecordDispatch counts one provider request.
func (t *Tracker) RecordDispatch(ctx context.Context) error {
	_, err := t.update(ctx, func(s State, now time.Time) State {
		return t.policy.RecordDispatch(s, now)
	})
	return err
}

// RecordFailure counts a failed provider request and may start a cooldown.
func (t *Tracker) RecordFailure(ctx context.Context, isQuotaError bool) error {
	next, err := t.update(ctx, func(s State, now time.Time) State {
		next := t.policy.RecordFailure(s, isQuotaError, now)
		if next.IsInCooldown && !s.InCooldown(now) {
			cooldownsTotal.Inc()
		}
		return next
	})
	if err != nil {
		return err
	}

	event := t.logger.Debug()
	if next.IsInCooldown {
		event = t.logger.Warn()
	}
	event.
		Bool("quota", isQuotaError).
		Int("consecutive_errors", next.ConsecutiveErrors).
		Bool("in_cooldown", next.IsInCooldown).
		Time("cooldown_until", next.CooldownUntil).
		Msg("Provider failure recorded")

	return nil
}

// RecordSuccess resets the failure streak.
func (t *Tracker) RecordSuccess(ctx context.Context) error {
	_, err := t.update(ctx, func(s State, _ time.Time) State {
		return t.policy.RecordSuccess(s)
	})
	return err
}

func (t *Tracker) update(ctx context.Context, fn func(State, time.Time) State) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	state, err := t.load(ctx)
	if err != nil {
		return State{}, err
	}

	next := fn(state, t.now())
	if err := t.save(ctx, next); err != nil {
		return State{}, err
	}
	return next, nil
}

func (t *Tracker) load(ctx context.Context) (State, error) {
	state, found, err := t.store.Load(ctx)
	if err != nil {
		return State{}, fmt.Errorf("load rate limit state: %w", err)
	}
	if !found {
		return NewState(t.now()), nil
	}
	return state, nil
}

func (t *Tracker) save(ctx context.Context, state State) error {
	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save rate limit state: %w", err)
	}

	requestsInWindow.Set(float64(state.RequestsThisWindow))
	if state.IsInCooldown {
		inCooldownGauge.Set(1)
	} else {
		inCooldownGauge.Set(0)
	}
	return nil
}
