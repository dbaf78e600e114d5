package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kohill/issuesync/internal/domain"
	"github.com/kohill/issuesync/internal/service"
)

// IssueCounter reports record counts grouped by status.
type IssueCounter interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// TaskInspector reports queue health.
type TaskInspector interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
	RecentFailures(ctx context.Context, limit int) ([]domain.SyncTask, error)
}

// MonitorInspector reports the progress monitor's working set.
type MonitorInspector interface {
	Stats(ctx context.Context) (service.MonitorStats, error)
}

// StatusHandler serves health and diagnostics endpoints.
type StatusHandler struct {
	issues  IssueCounter
	tasks   TaskInspector
	monitor MonitorInspector
}

func NewStatusHandler(issues IssueCounter, tasks TaskInspector, monitor MonitorInspector) *StatusHandler {
	return &StatusHandler{issues: issues, tasks: tasks, monitor: monitor}
}

// Health answers liveness probes without touching the database.
func (h *StatusHandler) Health(c echo.Context) error {
	return JSON(c, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

type databaseStatusResponse struct {
	Issues map[string]int `json:"issues"`
	Tasks  map[string]int `json:"tasks"`
}

// DatabaseStatus reports record and task counts grouped by status.
func (h *StatusHandler) DatabaseStatus(c echo.Context) error {
	ctx := c.Request().Context()

	issueCounts, err := h.issues.CountByStatus(ctx)
	if err != nil {
		return err
	}
	taskCounts, err := h.tasks.CountByStatus(ctx)
	if err != nil {
		return err
	}

	return JSON(c, http.StatusOK, databaseStatusResponse{
		Issues: issueCounts,
		Tasks:  taskCounts,
	})
}

type queueStatusResponse struct {
	Counts         map[string]int       `json:"counts"`
	RecentFailures []domain.SyncTask    `json:"recent_failures"`
	Monitor        *service.MonitorStats `json:"monitor,omitempty"`
}

const recentFailureLimit = 10

// QueueStatus reports task counts, the most recent terminal failures and
// the monitor's working set.
func (h *StatusHandler) QueueStatus(c echo.Context) error {
	ctx := c.Request().Context()

	counts, err := h.tasks.CountByStatus(ctx)
	if err != nil {
		return err
	}
	failures, err := h.tasks.RecentFailures(ctx, recentFailureLimit)
	if err != nil {
		return err
	}

	resp := queueStatusResponse{
		Counts:         counts,
		RecentFailures: failures,
	}
	if h.monitor != nil {
		stats, err := h.monitor.Stats(ctx)
		if err != nil {
			return err
		}
		resp.Monitor = &stats
	}
	return JSON(c, http.StatusOK, resp)
}
