// Package ratelimit implements request-window accounting and failure cooldowns
// for the enrichment provider. State transitions are pure functions on State;
// the Tracker persists the result of every transition.
package ratelimit

import (
	"fmt"
	"time"
)

// Defaults for the request window and cooldown policy.
const (
	// DefaultMaxRequests is the number of provider requests allowed per window.
	DefaultMaxRequests = 15

	// DefaultWindow is the length of the request-count window.
	DefaultWindow = 60 * time.Second

	// DefaultCooldown is how long dispatch stays blocked after a quota error
	// or too many consecutive failures.
	DefaultCooldown = 60 * time.Second

	// DefaultErrorThreshold is the number of consecutive failures that
	// triggers a cooldown even without a quota signal.
	DefaultErrorThreshold = 5
)

// State is the process-wide rate limit state. It is persisted after every
// transition so that a restart resumes inside the same window or cooldown.
type State struct {
	// RequestsThisWindow counts batch submissions since WindowStart.
	RequestsThisWindow int `json:"requests_this_window"`

	// WindowStart is when the current request window opened.
	WindowStart time.Time `json:"window_start"`

	// IsInCooldown is set on entering a cooldown and cleared by CanDispatch
	// once CooldownUntil has passed.
	IsInCooldown bool `json:"is_in_cooldown"`

	// CooldownUntil is the end of the active cooldown.
	CooldownUntil time.Time `json:"cooldown_until"`

	// ConsecutiveErrors counts failures since the last success or cooldown exit.
	ConsecutiveErrors int `json:"consecutive_errors"`
}

// NewState returns the zero-default state with a window opening at now.
func NewState(now time.Time) State {
	return State{WindowStart: now}
}

// InCooldown reports whether a cooldown is active at now.
func (s State) InCooldown(now time.Time) bool {
	return s.IsInCooldown && now.Before(s.CooldownUntil)
}

// CooldownRemaining returns the time left in the active cooldown, or 0.
func (s State) CooldownRemaining(now time.Time) time.Duration {
	if !s.IsInCooldown {
		return 0
	}
	remaining := s.CooldownUntil.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Policy holds the limits applied by the transition functions.
type Policy struct {
	MaxRequests    int
	Window         time.Duration
	Cooldown       time.Duration
	ErrorThreshold int
}

// DefaultPolicy returns the policy for the provider's free tier.
func DefaultPolicy() Policy {
	return Policy{
		MaxRequests:    DefaultMaxRequests,
		Window:         DefaultWindow,
		Cooldown:       DefaultCooldown,
		ErrorThreshold: DefaultErrorThreshold,
	}
}

// Validate checks that every limit is positive.
func (p Policy) Validate() error {
	if p.MaxRequests <= 0 {
		return fmt.Errorf("max requests must be positive (got %d)", p.MaxRequests)
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be positive (got %s)", p.Window)
	}
	if p.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive (got %s)", p.Cooldown)
	}
	if p.ErrorThreshold <= 0 {
		return fmt.Errorf("error threshold must be positive (got %d)", p.ErrorThreshold)
	}
	return nil
}

// CanDispatch reports whether a batch may be submitted at now. The returned
// state has an elapsed cooldown cleared (with ConsecutiveErrors reset) and an
// expired window rolled over; callers persist it.
func (p Policy) CanDispatch(s State, now time.Time) (State, bool) {
	if s.IsInCooldown {
		if now.Before(s.CooldownUntil) {
			return s, false
		}
		s.IsInCooldown = false
		s.ConsecutiveErrors = 0
	}

	s = p.rollWindow(s, now)
	return s, s.RequestsThisWindow < p.MaxRequests
}

// RecordDispatch counts one batch submission. Call it once per provider
// request, never per item.
func (p Policy) RecordDispatch(s State, now time.Time) State {
	s = p.rollWindow(s, now)
	s.RequestsThisWindow++
	return s
}

// RecordFailure counts a failed provider call and enters a cooldown on a
// quota error or once the consecutive-error threshold is reached. Other
// failures leave the cooldown fields untouched.
func (p Policy) RecordFailure(s State, isQuotaError bool, now time.Time) State {
	s.ConsecutiveErrors++
	if isQuotaError || s.ConsecutiveErrors >= p.ErrorThreshold {
		s.IsInCooldown = true
		s.CooldownUntil = now.Add(p.Cooldown)
	}
	return s
}

// RecordSuccess resets the failure streak. An active cooldown is kept; only
// its expiry ends it.
func (p Policy) RecordSuccess(s State) State {
	s.ConsecutiveErrors = 0
	return s
}

func (p Policy) rollWindow(s State, now time.Time) State {
	if s.WindowStart.IsZero() || now.Sub(s.WindowStart) > p.Window {
		s.RequestsThisWindow = 0
		s.WindowStart = now
	}
	return s
}

// FormatRemaining renders a cooldown duration as "1m 5s". Zero or negative
// durations render as an empty string.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	minutes := int(d / time.Minute)
	seconds := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
