// Package enrich is the batch enrichment client. It turns catalog links into
// one provider request per batch, parses the answer defensively, rotates
// through interchangeable models on quota failures and classifies every
// error before it reaches the scheduler.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/link-enricher/pkg/cache"
	"github.com/Sternrassler/link-enricher/pkg/catalog"
	"github.com/Sternrassler/link-enricher/pkg/provider"
)

// Prometheus metrics for enrichment.
var (
	enrichModelRotationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkhub_enrich_model_rotations_total",
		Help: "Total number of rotations away from a model after a quota failure",
	}, []string{"model"})

	enrichErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "linkhub_enrich_errors_total",
		Help: "Total enrichment call failures by class",
	}, []string{"class"})

	enrichSoftFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "linkhub_enrich_soft_failures_total",
		Help: "Total items the provider answered for but could not classify",
	})
)

// DefaultLanguage is the language descriptions are written in.
const DefaultLanguage = "English"

// Config holds the client configuration.
type Config struct {
	// Models is the ordered list of interchangeable model identifiers.
	Models []string

	// Language of generated descriptions.
	Language string

	// Budget bounds batch size by token cost.
	Budget Budget
}

// Client is the batch enrichment client.
type Client struct {
	gen      provider.Generator
	cache    *cache.Manager
	models   []string
	language string
	budget   Budget
	logger   zerolog.Logger
}

// New creates an enrichment client. resultCache may be nil.
func New(gen provider.Generator, resultCache *cache.Manager, cfg Config, logger zerolog.Logger) (*Client, error) {
	if gen == nil {
		return nil, fmt.Errorf("enrich: generator is required")
	}

	models := make([]string, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		if m = strings.TrimSpace(m); m != "" {
			models = append(models, m)
		}
	}
	if len(models) == 0 {
		return nil, ErrNoModels
	}

	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Budget.TokensPerItem == 0 && cfg.Budget.Margin == 0 && cfg.Budget.MaxPracticalBatch == 0 {
		cfg.Budget = DefaultBudget()
	}

	return &Client{
		gen:      gen,
		cache:    resultCache,
		models:   models,
		language: cfg.Language,
		budget:   cfg.Budget,
		logger:   logger,
	}, nil
}

// Models returns the configured model rotation order.
func (c *Client) Models() []string {
	return append([]string(nil), c.models...)
}

// ActiveModel is the model every request starts with.
func (c *Client) ActiveModel() string {
	return c.models[0]
}

// MaxBatchSize is the token-budget bound for one request to the active model.
func (c *Client) MaxBatchSize() int {
	return c.budget.MaxBatch(c.ActiveModel())
}

// EnrichBatch classifies items with a single provider request and returns
// results keyed by the submitted ids. Items the provider omitted are absent
// from the map. Authoritative results are written to the cache.
func (c *Client) EnrichBatch(ctx context.Context, items []BatchItem) (map[string]Result, error) {
	if len(items) == 0 {
		return map[string]Result{}, nil
	}

	prompt, err := batchPrompt(items, c.language)
	if err != nil {
		return nil, err
	}

	var results map[string]Result
	err = c.withModelRotation(ctx, func(model string) error {
		text, err := c.gen.Generate(ctx, provider.Request{
			Model:  model,
			System: systemPrompt,
			Prompt: prompt,
			Schema: batchSchema,
		})
		if err != nil {
			return err
		}

		parsed, unknown, err := parseBatch(text, items)
		if err != nil {
			return err
		}
		if len(unknown) > 0 {
			c.logger.Debug().
				Strs("ids", unknown).
				Str("model", model).
				Msg("Discarding results for unknown ids")
		}
		results = parsed
		return nil
	})
	if err != nil {
		class := ClassifyError(err)
		enrichErrorsTotal.WithLabelValues(string(class)).Inc()
		return nil, err
	}

	urls := make(map[string]string, len(items))
	for _, it := range items {
		urls[it.ID] = it.URL
	}
	for id, r := range results {
		if IsSoftFailure(r) {
			enrichSoftFailuresTotal.Inc()
			continue
		}
		c.store(ctx, cache.EnrichmentKey(urls[id]), r)
	}

	c.logger.Debug().
		Int("batch_size", len(items)).
		Int("results", len(results)).
		Msg("Batch enriched")
	return results, nil
}

// EnrichOne is EnrichBatch for a single item. Returns ErrMissingResult when
// the provider answered without the item.
func (c *Client) EnrichOne(ctx context.Context, item BatchItem) (Result, error) {
	results, err := c.EnrichBatch(ctx, []BatchItem{item})
	if err != nil {
		return Result{}, err
	}
	r, ok := results[item.ID]
	if !ok {
		return Result{}, ErrMissingResult
	}
	return r, nil
}

// Cached returns a previously stored result for url.
func (c *Client) Cached(ctx context.Context, url string) (Result, bool) {
	var r Result
	if !c.load(ctx, cache.EnrichmentKey(url), &r) {
		return Result{}, false
	}
	return r, true
}

// CachedSearch returns the ids previously matched for query.
func (c *Client) CachedSearch(ctx context.Context, query string) ([]string, bool) {
	var ids []string
	if !c.load(ctx, cache.SearchKey(query), &ids) {
		return nil, false
	}
	return ids, true
}

// Search asks the provider which items match query. Only ids present in
// items are returned, in the provider's order.
func (c *Client) Search(ctx context.Context, query string, items []catalog.Item) ([]string, error) {
	query = strings.TrimSpace(query)
	if query == "" || len(items) == 0 {
		return []string{}, nil
	}

	entries := make([]searchEntry, len(items))
	for i, it := range items {
		entries[i] = searchEntry{
			ID:  it.ID,
			Txt: fmt.Sprintf("%s (%s): %s", it.Name, it.Category, it.Description),
		}
	}
	prompt, err := searchPrompt(query, entries)
	if err != nil {
		return nil, err
	}

	var matched []string
	err = c.withModelRotation(ctx, func(model string) error {
		text, err := c.gen.Generate(ctx, provider.Request{
			Model:  model,
			System: systemPrompt,
			Prompt: prompt,
			Schema: searchSchema,
		})
		if err != nil {
			return err
		}
		matched, err = parseSearch(text)
		return err
	})
	if err != nil {
		enrichErrorsTotal.WithLabelValues(string(ClassifyError(err))).Inc()
		return nil, err
	}

	ids := FilterKnownIDs(matched, items)
	c.store(ctx, cache.SearchKey(query), ids)
	return ids, nil
}

// FilterKnownIDs keeps the ids that name an item, matching case-insensitively
// and returning each item's own id once.
func FilterKnownIDs(ids []string, items []catalog.Item) []string {
	byLower := make(map[string]string, len(items))
	for _, it := range items {
		byLower[strings.ToLower(it.ID)] = it.ID
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		original, ok := byLower[strings.ToLower(strings.TrimSpace(id))]
		if !ok || seen[original] {
			continue
		}
		seen[original] = true
		out = append(out, original)
	}
	return out
}

// RepairImport extracts links from messy import text. Input beyond
// 10000 characters is ignored.
func (c *Client) RepairImport(ctx context.Context, raw string) ([]ImportedLink, error) {
	if strings.TrimSpace(raw) == "" {
		return []ImportedLink{}, nil
	}
	prompt := importPrompt(raw)

	var links []ImportedLink
	err := c.withModelRotation(ctx, func(model string) error {
		text, err := c.gen.Generate(ctx, provider.Request{
			Model:  model,
			System: systemPrompt,
			Prompt: prompt,
			Schema: importSchema,
		})
		if err != nil {
			return err
		}
		links, err = parseImport(text)
		return err
	})
	if err != nil {
		enrichErrorsTotal.WithLabelValues(string(ClassifyError(err))).Inc()
		return nil, err
	}
	return links, nil
}

// withModelRotation runs fn against each model in order. A quota-class
// failure moves on to the next model; any other failure stops immediately.
// Failing every model yields ErrModelsExhausted wrapping the last error.
func (c *Client) withModelRotation(ctx context.Context, fn func(model string) error) error {
	var lastErr error
	for i, model := range c.models {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				return &EnrichError{Class: ErrorClassCancelled, Model: model, Err: err}
			}
		}

		err := fn(model)
		if err == nil {
			if i > 0 {
				c.logger.Info().
					Str("model", model).
					Int("attempt", i+1).
					Msg("Request succeeded after model rotation")
			}
			return nil
		}

		class := ClassifyError(err)
		attemptErr := &EnrichError{Class: class, Model: model, Err: err}
		if class != ErrorClassQuota {
			return attemptErr
		}

		lastErr = attemptErr
		if i < len(c.models)-1 {
			enrichModelRotationsTotal.WithLabelValues(model).Inc()
			c.logger.Warn().
				Err(err).
				Str("model", model).
				Str("next_model", c.models[i+1]).
				Msg("Model out of quota, rotating")
		}
	}
	return fmt.Errorf("%w: %w", ErrModelsExhausted, lastErr)
}

func (c *Client) load(ctx context.Context, key cache.CacheKey, v any) bool {
	if c.cache == nil {
		return false
	}
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.logger.Debug().Err(err).Msg("Cache read failed")
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		c.logger.Debug().Err(err).Msg("Cached value does not decode")
		return false
	}
	return true
}

func (c *Client) store(ctx context.Context, key cache.CacheKey, v any) {
	if c.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data); err != nil {
		c.logger.Warn().Err(err).Msg("Cache write failed")
	}
}
