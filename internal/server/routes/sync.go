package routes

import (
	"crypto/subtle"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/obsync/obsync/internal/breaker"
	"github.com/obsync/obsync/internal/db"
	"github.com/obsync/obsync/internal/scheduler"
	"github.com/obsync/obsync/internal/syncer"
)

// SyncRoutes registers the manual trigger and sync status endpoints.
type SyncRoutes struct {
	sched    *scheduler.Scheduler
	store    *db.Database
	breakers *breaker.Registry
	token    string
}

// NewSyncRoutes constructs sync routes. token guards the trigger endpoint.
func NewSyncRoutes(sched *scheduler.Scheduler, store *db.Database, breakers *breaker.Registry, token string) *SyncRoutes {
	return &SyncRoutes{sched: sched, store: store, breakers: breakers, token: token}
}

// RegisterRoutes registers sync endpoints.
func (r *SyncRoutes) RegisterRoutes(s *echo.Echo) {
	s.POST("/sync/trigger", r.handleTrigger)
	s.GET("/sync/status", r.handleStatus)
	s.GET("/sync/runs/:id", r.handleRun)
}

type triggerRequest struct {
	CollectionID string `json:"collection_id"`
	WindowHours  int    `json:"window_hours"`
	ForceFull    bool   `json:"force_full"`
}

type triggerResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

func (r *SyncRoutes) handleTrigger(c echo.Context) error {
	if !r.authorized(c) {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid token"})
	}

	var req triggerRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed body"})
	}
	if req.CollectionID == "" {
		req.CollectionID = syncer.CollectionTraces
	}

	runID, err := r.sched.TriggerSync(c.Request().Context(), req.CollectionID, req.WindowHours, req.ForceFull)
	if errors.Is(err, syncer.ErrUnknownCollection) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if errors.Is(err, scheduler.ErrBusy) {
		return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "sync trigger queue is full"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "trigger failed"})
	}

	// 202: the run is queued; poll /sync/runs/:id for the outcome.
	return c.JSON(http.StatusAccepted, triggerResponse{RunID: runID, Status: db.RunStatusPending})
}

type statusResponse struct {
	Runs     []db.SyncRun       `json:"runs"`
	Cursors  []db.SyncCursor    `json:"cursors"`
	Breakers []breaker.Snapshot `json:"breakers"`
	Now      time.Time          `json:"now"`
}

func (r *SyncRoutes) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()

	runs, err := r.store.LatestSyncRuns(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
	}
	cursors, err := r.store.ListSyncCursors(ctx)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "status unavailable"})
	}

	return c.JSON(http.StatusOK, statusResponse{
		Runs:     runs,
		Cursors:  cursors,
		Breakers: r.breakers.Snapshots(),
		Now:      time.Now().UTC(),
	})
}

func (r *SyncRoutes) handleRun(c echo.Context) error {
	run, err := r.store.GetSyncRun(c.Request().Context(), c.Param("id"))
	if errors.Is(err, sql.ErrNoRows) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "unknown run"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "run unavailable"})
	}
	return c.JSON(http.StatusOK, run)
}

func (r *SyncRoutes) authorized(c echo.Context) bool {
	if r.token == "" {
		return false
	}
	auth := c.Request().Header.Get(echo.HeaderAuthorization)
	got, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) == 1
}
