package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kohill/issuesync/internal/domain"
	"github.com/kohill/issuesync/internal/service"
)

// ReconcileService decides insert/update/no-op for one incoming row.
type ReconcileService interface {
	Reconcile(ctx context.Context, row service.UploadRow) (service.Outcome, error)
}

// QueueService drains the sync task queue.
type QueueService interface {
	ProcessBatch(ctx context.Context, batchSize, maxPriority int) (service.BatchReport, error)
	ProcessAction(ctx context.Context, action domain.TaskAction, batchSize, maxPriority int) (service.BatchReport, error)
}

// UploadHandler ingests spreadsheet row batches.
type UploadHandler struct {
	reconciler  ReconcileService
	queue       QueueService
	batchSize   int
	maxPriority int
}

// NewUploadHandler creates a new UploadHandler. batchSize and maxPriority
// bound the queue drain performed after each upload.
func NewUploadHandler(reconciler ReconcileService, queue QueueService, batchSize, maxPriority int) *UploadHandler {
	return &UploadHandler{
		reconciler:  reconciler,
		queue:       queue,
		batchSize:   batchSize,
		maxPriority: maxPriority,
	}
}

type uploadRequest struct {
	TableData  []map[string]any `json:"table_data" validate:"required,min=1"`
	ClientInfo map[string]any   `json:"client_info"`
}

type uploadStatistics struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type uploadResponse struct {
	Success    bool                `json:"success"`
	Message    string              `json:"message"`
	Statistics uploadStatistics    `json:"statistics"`
	Errors     []string            `json:"errors,omitempty"`
	Skipped    []string            `json:"skipped,omitempty"`
	Updated    []string            `json:"updated,omitempty"`
	Queue      service.BatchReport `json:"queue"`
	Timestamp  string              `json:"timestamp"`
}

// Error and sample lists in the response are bounded; operators get the
// full picture from logs, not from an unbounded dump.
const (
	maxErrorSamples  = 10
	maxChangeSamples = 5
)

// Upload accepts a batch of spreadsheet rows, reconciles each against the
// record store and drains one queue batch before responding.
func (h *UploadHandler) Upload(c echo.Context) error {
	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	stats := uploadStatistics{Total: len(req.TableData)}
	var errSamples, skippedSamples, updatedSamples []string

	for i, raw := range req.TableData {
		row := canonicalRow(raw)

		outcome, err := h.reconciler.Reconcile(ctx, row)
		if err != nil {
			stats.Failed++
			if len(errSamples) < maxErrorSamples {
				errSamples = append(errSamples, fmt.Sprintf("row %d: %v", i+1, err))
			}
			var validationErr *domain.ValidationError
			if !errors.As(err, &validationErr) {
				// Store errors are worth surfacing beyond the sample list.
				slog.Error("reconcile row failed", "row", i+1, "error", err)
			}
			continue
		}

		switch outcome.Action {
		case service.ActionInsert:
			stats.Success++
		case service.ActionUpdateStatus:
			stats.Updated++
			if len(updatedSamples) < maxChangeSamples {
				updatedSamples = append(updatedSamples,
					fmt.Sprintf("row %d: issue %d %s → %s", i+1, outcome.IssueID, outcome.OldStatus, outcome.NewStatus))
			}
		case service.ActionNoop:
			stats.Skipped++
			if len(skippedSamples) < maxChangeSamples {
				skippedSamples = append(skippedSamples,
					fmt.Sprintf("row %d: issue %d unchanged", i+1, outcome.IssueID))
			}
		}
	}

	// Drain one batch so a reachable remote tracker gets new work within
	// the request; unreachable ones leave tasks pending for the loop.
	queueReport, err := h.queue.ProcessBatch(ctx, h.batchSize, h.maxPriority)
	if err != nil {
		slog.Error("queue drain after upload failed", "error", err)
	}

	resp := uploadResponse{
		Success: stats.Success > 0 || stats.Updated > 0 || stats.Skipped > 0,
		Message: fmt.Sprintf("processed %d rows: %d inserted, %d updated, %d skipped, %d failed",
			stats.Total, stats.Success, stats.Updated, stats.Skipped, stats.Failed),
		Statistics: stats,
		Errors:     errSamples,
		Skipped:    skippedSamples,
		Updated:    updatedSamples,
		Queue:      queueReport,
		Timestamp:  time.Now().Format(time.RFC3339),
	}
	return JSON(c, http.StatusOK, resp)
}

type processQueueRequest struct {
	Action string `json:"action" validate:"omitempty,oneof=create close create_and_close update sync_progress"`
	Limit  int    `json:"limit" validate:"omitempty,min=1,max=500"`
}

// ProcessQueue triggers one queue batch on demand, optionally restricted
// to a single action, for manual repair.
func (h *UploadHandler) ProcessQueue(c echo.Context) error {
	var req processQueueRequest
	if err := c.Bind(&req); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	limit := req.Limit
	if limit == 0 {
		limit = h.batchSize
	}

	ctx := c.Request().Context()
	var report service.BatchReport
	var err error
	if req.Action != "" {
		report, err = h.queue.ProcessAction(ctx, domain.TaskAction(req.Action), limit, h.maxPriority)
	} else {
		report, err = h.queue.ProcessBatch(ctx, limit, h.maxPriority)
	}
	if err != nil {
		return err
	}
	return JSON(c, http.StatusOK, report)
}

// fieldAliases maps the spreadsheet's native field names to the canonical
// ones. Rows already carrying canonical names pass through unchanged.
var fieldAliases = map[string]string{
	"序号":      "serial_number",
	"项目名称":    "project_name",
	"问题分类":    "problem_category",
	"严重程度":    "severity_level",
	"问题/需求描述": "problem_description",
	"解决方案":    "solution",
	"行动优先级":   "action_priority",
	"行动记录":    "action_record",
	"发起人":     "initiator",
	"责任人":     "responsible_person",
	"状态":      "status",
	"开始时间":    "start_time",
	"目标完成时间":  "target_completion_time",
	"实完时间":    "actual_completion_time",
	"备注":      "remarks",
}

// canonicalRow maps one raw upload row to canonical field names and
// stringifies its values.
func canonicalRow(raw map[string]any) service.UploadRow {
	fields := make(map[string]string, len(raw))
	for key, value := range raw {
		name := key
		if canonical, ok := fieldAliases[key]; ok {
			name = canonical
		}
		fields[name] = cleanString(value)
	}

	return service.UploadRow{
		ProjectName:          fields["project_name"],
		ProblemCategory:      fields["problem_category"],
		SeverityLevel:        fields["severity_level"],
		ProblemDescription:   fields["problem_description"],
		Solution:             fields["solution"],
		ActionPriority:       fields["action_priority"],
		ActionRecord:         fields["action_record"],
		Initiator:            fields["initiator"],
		ResponsiblePerson:    fields["responsible_person"],
		Status:               fields["status"],
		StartTime:            fields["start_time"],
		TargetCompletionTime: fields["target_completion_time"],
		ActualCompletionTime: fields["actual_completion_time"],
		Remarks:              fields["remarks"],
	}
}

func cleanString(value any) string {
	if value == nil {
		return ""
	}
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(value))
}
