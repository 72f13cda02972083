// Package api exposes the catalog, the enrichment queue and the rate limiter
// over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/link-enricher/pkg/catalog"
	"github.com/Sternrassler/link-enricher/pkg/queue"
	"github.com/Sternrassler/link-enricher/pkg/ratelimit"
)

// ReadyFunc reports whether a backing dependency is reachable.
type ReadyFunc func(ctx context.Context) error

// Deps are the components the server exposes.
type Deps struct {
	Store     catalog.Store
	Scheduler *queue.Scheduler
	Limiter   *ratelimit.Tracker
	// Ready is optional; nil means always ready.
	Ready ReadyFunc
}

// Server is the HTTP API.
type Server struct {
	engine  *gin.Engine
	handler *handler
	logger  zerolog.Logger
}

// NewServer creates the API server with all routes registered.
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(requestLogger(logger))
	r.Use(gin.Recovery())

	h := &handler{
		store:   deps.Store,
		sched:   deps.Scheduler,
		limiter: deps.Limiter,
		ready:   deps.Ready,
		logger:  logger,
	}
	setupRoutes(r, h)

	return &Server{engine: r, handler: h, logger: logger}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("HTTP server stopped")
	return nil
}

func setupRoutes(r *gin.Engine, h *handler) {
	r.GET("/health", h.health)
	r.GET("/ready", h.readyCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		v1.GET("/items", h.listItems)
		v1.POST("/items", h.addItem)
		v1.GET("/items/:id", h.getItem)
		v1.DELETE("/items/:id", h.deleteItem)
		v1.POST("/items/:id/enrich", h.enrichItem)

		v1.GET("/queue", h.queueStatus)
		v1.GET("/ratelimit", h.rateLimitStatus)
		v1.GET("/search", h.search)
		v1.POST("/import", h.importLinks)
	}
}

// requestLogger logs each request through zerolog.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := logger.Debug()
		switch {
		case status >= 500:
			event = logger.Error()
		case status >= 400:
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
