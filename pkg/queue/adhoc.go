package queue

import (
	"context"
	"strings"

	"github.com/Sternrassler/link-enricher/pkg/catalog"
	"github.com/Sternrassler/link-enricher/pkg/enrich"
	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

// UnknownName is given to imported links that arrive without a name.
const UnknownName = "Unknown"

// Search returns the ids of catalog items matching query. A cached answer
// is served without touching the rate limiter. Otherwise the call is refused
// with ErrBusy while a batch is in flight, and is gated and counted like a
// batch dispatch.
func (s *Scheduler) Search(ctx context.Context, query string) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []string{}, nil
	}

	items, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	if ids, ok := s.enricher.CachedSearch(ctx, query); ok {
		return enrich.FilterKnownIDs(ids, items), nil
	}

	var ids []string
	err = s.adhoc(ctx, "search", func(ctx context.Context) error {
		var err error
		ids, err = s.enricher.Search(ctx, query, items)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ImportStats reports what an import did.
type ImportStats struct {
	Total      int `json:"total"`
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
}

// ImportRaw asks the provider to extract links from messy text and adds
// the new ones to the catalog.
func (s *Scheduler) ImportRaw(ctx context.Context, raw string) (ImportStats, error) {
	if strings.TrimSpace(raw) == "" {
		return ImportStats{}, nil
	}

	var links []enrich.ImportedLink
	err := s.adhoc(ctx, "import", func(ctx context.Context) error {
		var err error
		links, err = s.enricher.RepairImport(ctx, raw)
		return err
	})
	if err != nil {
		return ImportStats{}, err
	}
	return s.ImportLinks(ctx, links)
}

// ImportLinks adds links whose URL is not yet in the catalog. Links that
// carry both a usable description and a real category are stored as done;
// the rest wait for enrichment.
func (s *Scheduler) ImportLinks(ctx context.Context, links []enrich.ImportedLink) (ImportStats, error) {
	stats := ImportStats{Total: len(links)}

	existing, err := s.store.List(ctx)
	if err != nil {
		return stats, err
	}
	seen := make(map[string]bool, len(existing)+len(links))
	for _, it := range existing {
		seen[catalog.NormalizeURL(it.URL)] = true
	}

	for _, l := range links {
		url := catalog.EnsureScheme(catalog.CleanImportURL(l.URL))
		key := catalog.NormalizeURL(url)
		if key == "" {
			stats.Errors++
			continue
		}
		if seen[key] {
			stats.Duplicates++
			continue
		}

		it := importedItem(l, url)
		if _, err := s.store.Add(ctx, it); err != nil {
			s.logger.Warn().Err(err).Str("url", url).Msg("Failed to add imported link")
			stats.Errors++
			continue
		}
		seen[key] = true
		stats.Added++
	}

	s.logger.Info().
		Int("total", stats.Total).
		Int("added", stats.Added).
		Int("duplicates", stats.Duplicates).
		Int("errors", stats.Errors).
		Msg("Import finished")
	return stats, nil
}

func importedItem(l enrich.ImportedLink, url string) catalog.Item {
	it := catalog.Item{
		Name:        strings.TrimSpace(l.Name),
		URL:         url,
		Description: strings.TrimSpace(l.Description),
		Category:    strings.TrimSpace(l.Category),
		Tags:        []string{},
		Status:      catalog.StatusPending,
	}
	if it.Name == "" {
		it.Name = UnknownName
	}
	if it.Category == "" {
		it.Category = catalog.DefaultCategory
	}
	if catalog.IsUsableDescription(it.Description) && !catalog.IsPlaceholderCategory(it.Category) {
		it.Status = catalog.StatusDone
	} else if it.Description == "" {
		it.Description = catalog.AwaitingDescription
	}
	return it
}

// adhoc runs a synchronous provider call under the busy guard, reserved
// through the rate limiter, and records its outcome. The adaptive delay of
// the queue is left alone.
func (s *Scheduler) adhoc(ctx context.Context, op string, call func(context.Context) error) error {
	if !s.acquire() {
		return ErrBusy
	}
	defer s.release()

	if err := s.reserve(ctx); err != nil {
		return err
	}

	err := call(ctx)
	if err != nil {
		class := enrich.ClassifyError(err)
		if recErr := s.limiter.RecordFailure(context.WithoutCancel(ctx), class == enrich.ErrorClassQuota); recErr != nil {
			s.logger.Error().Err(recErr).Msg("Failed to record failure")
		}
		s.logger.Warn().Err(err).Str("op", op).Str("error_class", string(class)).Msg("Ad-hoc provider call failed")
		return err
	}

	if err := s.limiter.RecordSuccess(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record success")
	}
	return nil
}

// Summary counts items per status.
type Summary struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Error      int `json:"error"`
}

// Remaining is the number of items not yet done.
func (s Summary) Remaining() int {
	return s.Total - s.Done
}

// Summarize counts items per status.
func Summarize(items []catalog.Item) Summary {
	sum := Summary{Total: len(items)}
	for _, it := range items {
		switch it.Status {
		case catalog.StatusPending:
			sum.Pending++
		case catalog.StatusQueued:
			sum.Queued++
		case catalog.StatusProcessing:
			sum.Processing++
		case catalog.StatusDone:
			sum.Done++
		case catalog.StatusError:
			sum.Error++
		}
	}
	return sum
}

// Snapshot is the scheduler's externally visible state.
type Snapshot struct {
	Enabled           bool    `json:"enabled"`
	Busy              bool    `json:"busy"`
	DelaySeconds      float64 `json:"delay_seconds"`
	InCooldown        bool    `json:"in_cooldown"`
	CooldownRemaining string  `json:"cooldown_remaining,omitempty"`
	RequestsInWindow  int     `json:"requests_in_window"`
	MaxRequests       int     `json:"max_requests"`
	ConsecutiveErrors int     `json:"consecutive_errors"`
	Items             Summary `json:"items"`
}

// Snapshot reports the queue and rate limiter state.
func (s *Scheduler) Snapshot(ctx context.Context) (Snapshot, error) {
	items, err := s.store.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	state, err := s.limiter.GetState(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	now := s.clock()
	return Snapshot{
		Enabled:           s.cfg.Enabled,
		Busy:              s.Busy(),
		DelaySeconds:      s.Delay().Seconds(),
		InCooldown:        state.InCooldown(now),
		CooldownRemaining: ratelimit.FormatRemaining(state.CooldownRemaining(now)),
		RequestsInWindow:  state.RequestsThisWindow,
		MaxRequests:       s.limiter.Policy().MaxRequests,
		ConsecutiveErrors: state.ConsecutiveErrors,
		Items:             Summarize(items),
	}, nil
}
