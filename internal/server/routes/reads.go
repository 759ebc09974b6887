package routes

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/obsync/obsync/internal/cache"
	"github.com/obsync/obsync/internal/db"
)

// ReadRoutes registers the cached read endpoints and health probe.
type ReadRoutes struct {
	store *db.Database
	cache *cache.Manager
	ttl   time.Duration
}

// NewReadRoutes constructs read routes. ttl bounds how stale a cached read
// can get when no write invalidates it first.
func NewReadRoutes(store *db.Database, manager *cache.Manager, ttl time.Duration) *ReadRoutes {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ReadRoutes{store: store, cache: manager, ttl: ttl}
}

// RegisterRoutes registers read endpoints.
func (r *ReadRoutes) RegisterRoutes(s *echo.Echo) {
	api := s.Group("/api")

	api.GET("/metrics/summary", r.handleMetricsSummary)
	api.GET("/traces", r.handleListTraces)
	api.GET("/traces/:id", r.handleGetTrace)
	api.GET("/cache/stats", r.handleCacheStats)
	api.GET("/db/latency", r.handleDBLatency)

	s.GET("/healthz", r.handleHealthz)
}

func (r *ReadRoutes) handleMetricsSummary(c echo.Context) error {
	windowHours := queryInt(c, "window_hours", 24, 1, 720)

	key := fmt.Sprintf("metrics:summary:%d", windowHours)
	payload, err := r.cache.GetOrCompute(c.Request().Context(), key, r.ttl, func(ctx context.Context) ([]byte, error) {
		summary, err := r.store.MetricsSummary(ctx, windowHours)
		if err != nil {
			return nil, err
		}
		return json.Marshal(summary)
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "metrics unavailable"})
	}
	return c.JSONBlob(http.StatusOK, payload)
}

func (r *ReadRoutes) handleListTraces(c echo.Context) error {
	limit := queryInt(c, "limit", 100, 1, 500)
	offset := queryInt(c, "offset", 0, 0, 1<<30)

	key := fmt.Sprintf("traces:list:%d:%d", limit, offset)
	payload, err := r.cache.GetOrCompute(c.Request().Context(), key, r.ttl, func(ctx context.Context) ([]byte, error) {
		traces, err := r.store.ListTraces(ctx, limit, offset)
		if err != nil {
			return nil, err
		}
		return json.Marshal(traces)
	})
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "traces unavailable"})
	}
	return c.JSONBlob(http.StatusOK, payload)
}

func (r *ReadRoutes) handleGetTrace(c echo.Context) error {
	trace, err := r.store.GetTrace(c.Request().Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown trace"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "trace unavailable"})
	}
	return c.JSON(http.StatusOK, trace)
}

func (r *ReadRoutes) handleCacheStats(c echo.Context) error {
	return c.JSON(http.StatusOK, r.cache.Stats())
}

func (r *ReadRoutes) handleDBLatency(c echo.Context) error {
	return c.JSON(http.StatusOK, r.store.QueryLatencyStats())
}

func (r *ReadRoutes) handleHealthz(c echo.Context) error {
	if err := r.store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(c echo.Context, name string, def, min, max int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
