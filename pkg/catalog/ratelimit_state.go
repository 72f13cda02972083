package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

// SQLiteStateStore persists the rate limit state in the single row of the
// rate_limit_state table, next to the items it governs.
type SQLiteStateStore struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

var _ ratelimit.StateStore = (*SQLiteStateStore)(nil)

var stateColumns = []string{
	"requests_this_window", "window_start_ms", "is_in_cooldown", "cooldown_until_ms", "consecutive_errors",
}

// RateLimitStore returns a state store sharing the database of s.
func (s *SQLiteStore) RateLimitStore() *SQLiteStateStore {
	return &SQLiteStateStore{db: s.db, builder: s.builder}
}

// Load reads the stored row; found is false before the first Save.
func (s *SQLiteStateStore) Load(ctx context.Context) (ratelimit.State, bool, error) {
	query, args, err := s.builder.Select(stateColumns...).From("rate_limit_state").Where(sq.Eq{"id": 1}).ToSql()
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("build state query: %w", err)
	}

	var (
		state                   ratelimit.State
		windowStart, cooldownTo int64
		inCooldown              int
	)
	err = s.db.QueryRowContext(ctx, query, args...).Scan(
		&state.RequestsThisWindow, &windowStart, &inCooldown, &cooldownTo, &state.ConsecutiveErrors)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.State{}, false, nil
	}
	if err != nil {
		return ratelimit.State{}, false, fmt.Errorf("load rate limit state: %w", err)
	}

	state.WindowStart = fromMillis(windowStart)
	state.CooldownUntil = fromMillis(cooldownTo)
	state.IsInCooldown = inCooldown == 1
	return state, true, nil
}

// Save upserts the row.
func (s *SQLiteStateStore) Save(ctx context.Context, state ratelimit.State) error {
	inCooldown := 0
	if state.IsInCooldown {
		inCooldown = 1
	}

	query, args, err := s.builder.Insert("rate_limit_state").
		Columns(append([]string{"id"}, stateColumns...)...).
		Values(1, state.RequestsThisWindow, toMillis(state.WindowStart), inCooldown,
			toMillis(state.CooldownUntil), state.ConsecutiveErrors).
		Suffix(`ON CONFLICT(id) DO UPDATE SET
			requests_this_window = excluded.requests_this_window,
			window_start_ms = excluded.window_start_ms,
			is_in_cooldown = excluded.is_in_cooldown,
			cooldown_until_ms = excluded.cooldown_until_ms,
			consecutive_errors = excluded.consecutive_errors`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build state upsert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save rate limit state: %w", err)
	}
	return nil
}
