package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/link-enricher/pkg/catalog"
	"github.com/Sternrassler/link-enricher/pkg/enrich"
	"github.com/Sternrassler/link-enricher/pkg/queue"
	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

type handler struct {
	store   catalog.Store
	sched   *queue.Scheduler
	limiter *ratelimit.Tracker
	ready   ReadyFunc
	logger  zerolog.Logger
}

type addItemRequest struct {
	Name        string   `json:"name"`
	URL         string   `json:"url" binding:"required"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
}

type importRequest struct {
	Text  string                `json:"text"`
	Links []enrich.ImportedLink `json:"links"`
}

type rateLimitResponse struct {
	ratelimit.State
	InCooldown        bool   `json:"in_cooldown"`
	CooldownRemaining string `json:"cooldown_remaining,omitempty"`
	MaxRequests       int    `json:"max_requests"`
}

func (h *handler) health(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

func (h *handler) readyCheck(c *gin.Context) {
	if h.ready != nil {
		if err := h.ready(c.Request.Context()); err != nil {
			h.logger.Warn().Err(err).Msg("Readiness check failed")
			c.String(http.StatusServiceUnavailable, "NOT READY")
			return
		}
	}
	c.String(http.StatusOK, "OK")
}

func (h *handler) listItems(c *gin.Context) {
	items, err := h.store.List(c.Request.Context())
	if err != nil {
		h.internalError(c, "list_items", err)
		return
	}

	if status := c.Query("status"); status != "" {
		filtered := items[:0]
		for _, it := range items {
			if string(it.Status) == status {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}

	c.JSON(http.StatusOK, gin.H{"items": items, "total": len(items)})
}

func (h *handler) getItem(c *gin.Context) {
	it, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.storeError(c, "get_item", err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (h *handler) addItem(c *gin.Context) {
	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	url := catalog.EnsureScheme(catalog.CleanImportURL(req.URL))
	if catalog.NormalizeURL(url) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
		return
	}

	ctx := c.Request.Context()
	items, err := h.store.List(ctx)
	if err != nil {
		h.internalError(c, "list_items", err)
		return
	}
	if existing, ok := catalog.FindByURL(items, url); ok {
		c.JSON(http.StatusConflict, gin.H{"error": "url already in catalog", "item": existing})
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = queue.UnknownName
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = catalog.AwaitingDescription
	}

	it, err := h.store.Add(ctx, catalog.Item{
		Name:        name,
		URL:         url,
		Description: description,
		Category:    strings.TrimSpace(req.Category),
		Tags:        req.Tags,
		Status:      catalog.StatusPending,
	})
	if err != nil {
		h.storeError(c, "add_item", err)
		return
	}
	c.JSON(http.StatusCreated, it)
}

func (h *handler) deleteItem(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.storeError(c, "delete_item", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) enrichItem(c *gin.Context) {
	ctx := c.Request.Context()
	it, err := h.sched.EnrichNow(ctx, c.Param("id"))
	if err == nil {
		c.JSON(http.StatusOK, it)
		return
	}

	if h.refused(c, err) {
		return
	}
	if errors.Is(err, catalog.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusBadGateway, gin.H{
		"error":       err.Error(),
		"error_class": enrich.ClassifyError(err),
		"item":        it,
	})
}

func (h *handler) queueStatus(c *gin.Context) {
	snap, err := h.sched.Snapshot(c.Request.Context())
	if err != nil {
		h.internalError(c, "snapshot", err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handler) rateLimitStatus(c *gin.Context) {
	ctx := c.Request.Context()
	state, err := h.limiter.GetState(ctx)
	if err != nil {
		h.internalError(c, "rate_limit_state", err)
		return
	}
	remaining, err := h.limiter.CooldownRemaining(ctx)
	if err != nil {
		h.internalError(c, "rate_limit_state", err)
		return
	}

	c.JSON(http.StatusOK, rateLimitResponse{
		State:             state,
		InCooldown:        remaining > 0,
		CooldownRemaining: ratelimit.FormatRemaining(remaining),
		MaxRequests:       h.limiter.Policy().MaxRequests,
	})
}

func (h *handler) search(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "query parameter q is required"})
		return
	}

	ctx := c.Request.Context()
	ids, err := h.sched.Search(ctx, query)
	if err != nil {
		if h.refused(c, err) {
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "error_class": enrich.ClassifyError(err)})
		return
	}

	items := make([]catalog.Item, 0, len(ids))
	for _, id := range ids {
		it, err := h.store.Get(ctx, id)
		if err != nil {
			continue
		}
		items = append(items, it)
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "ids": ids, "items": items})
}

func (h *handler) importLinks(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	switch {
	case len(req.Links) > 0:
		stats, err := h.sched.ImportLinks(ctx, req.Links)
		if err != nil {
			h.internalError(c, "import", err)
			return
		}
		c.JSON(http.StatusOK, stats)
	case strings.TrimSpace(req.Text) != "":
		stats, err := h.sched.ImportRaw(ctx, req.Text)
		if err != nil {
			if h.refused(c, err) {
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "error_class": enrich.ClassifyError(err)})
			return
		}
		c.JSON(http.StatusOK, stats)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or links is required"})
	}
}

// refused writes the response for a request turned away by the busy guard
// or the rate limiter. It reports whether err was such a refusal.
func (h *handler) refused(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, queue.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrCooldown):
		h.setRetryAfter(c.Request.Context(), c)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case errors.Is(err, queue.ErrThrottled):
		c.Header("Retry-After", strconv.Itoa(int(h.limiter.Policy().Window.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	default:
		return false
	}
	return true
}

func (h *handler) setRetryAfter(ctx context.Context, c *gin.Context) {
	remaining, err := h.limiter.CooldownRemaining(ctx)
	if err != nil || remaining <= 0 {
		return
	}
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(remaining.Seconds()))))
}

func (h *handler) storeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, catalog.ErrInvalidItem):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.internalError(c, op, err)
	}
}

func (h *handler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error().Err(err).Str("operation", op).Msg("Request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
