package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

func TestSQLiteStateStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	store := s.RateLimitStore()

	if _, found, err := store.Load(ctx); err != nil || found {
		t.Fatalf("Load() on empty table = found %v, err %v", found, err)
	}

	want := ratelimit.State{
		RequestsThisWindow: 7,
		WindowStart:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		IsInCooldown:       true,
		CooldownUntil:      time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC),
		ConsecutiveErrors:  2,
	}
	for i := 0; i < 2; i++ {
		if err := store.Save(ctx, want); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}

	got, found, err := store.Load(ctx)
	if err != nil || !found {
		t.Fatalf("Load() = found %v, err %v", found, err)
	}
	if got.RequestsThisWindow != want.RequestsThisWindow || !got.IsInCooldown ||
		got.ConsecutiveErrors != want.ConsecutiveErrors ||
		!got.WindowStart.Equal(want.WindowStart) || !got.CooldownUntil.Equal(want.CooldownUntil) {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestSQLiteStateStore_CooldownSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	first, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	tracker := ratelimit.NewTracker(first.RateLimitStore(), ratelimit.DefaultPolicy(), zerolog.Nop())
	tracker.SetClock(clock)
	if d, err := tracker.TryDispatch(ctx); err != nil || d != ratelimit.DecisionAllowed {
		t.Fatalf("TryDispatch() = %q, %v", d, err)
	}
	if err := tracker.RecordFailure(ctx, true); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	first.Close()

	second, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { second.Close() })
	tracker = ratelimit.NewTracker(second.RateLimitStore(), ratelimit.DefaultPolicy(), zerolog.Nop())
	tracker.SetClock(clock)

	if d, _ := tracker.TryDispatch(ctx); d != ratelimit.DecisionCooldown {
		t.Errorf("TryDispatch() after reopen = %q, want cooldown", d)
	}
	state, err := tracker.GetState(ctx)
	if err != nil {
		t.Fatalf("GetState() error = %v", err)
	}
	if state.RequestsThisWindow != 1 || state.ConsecutiveErrors != 1 {
		t.Errorf("state after reopen = %+v", state)
	}
}
