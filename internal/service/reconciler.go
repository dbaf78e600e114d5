package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kohill/issuesync/internal/domain"
)

// IssueStore defines the issue data access interface consumed by the
// Reconciler.
type IssueStore interface {
	FindByBusinessKey(ctx context.Context, projectName, problemDescription string) ([]domain.Issue, error)
	Insert(ctx context.Context, issue domain.Issue) (int64, error)
	UpdateStatus(ctx context.Context, id int64, status domain.IssueStatus, actualCompletionTime *time.Time) error
}

// TaskStore defines the sync queue interface consumed by the Reconciler.
type TaskStore interface {
	Enqueue(ctx context.Context, task domain.SyncTask) (int64, error)
}

// UploadRow is one incoming spreadsheet row, already mapped to canonical
// field names. All fields arrive as strings; the reconciler owns their
// interpretation.
type UploadRow struct {
	ProjectName          string `json:"project_name"`
	ProblemCategory      string `json:"problem_category"`
	SeverityLevel        string `json:"severity_level"`
	ProblemDescription   string `json:"problem_description"`
	Solution             string `json:"solution"`
	ActionPriority       string `json:"action_priority"`
	ActionRecord         string `json:"action_record"`
	Initiator            string `json:"initiator"`
	ResponsiblePerson    string `json:"responsible_person"`
	Status               string `json:"status"`
	StartTime            string `json:"start_time"`
	TargetCompletionTime string `json:"target_completion_time"`
	ActualCompletionTime string `json:"actual_completion_time"`
	Remarks              string `json:"remarks"`
}

// ReconcileAction is the decision made for one incoming row.
type ReconcileAction string

const (
	ActionInsert       ReconcileAction = "insert"
	ActionUpdateStatus ReconcileAction = "update_status"
	ActionNoop         ReconcileAction = "noop"
)

// Outcome reports what the reconciler did with a row.
type Outcome struct {
	Action    ReconcileAction
	IssueID   int64
	OldStatus domain.IssueStatus
	NewStatus domain.IssueStatus
}

// Reconciler decides, for each incoming row, whether it is a new issue, a
// status transition of an existing one, or a no-op, mutates the record
// store accordingly and enqueues any remote sync work.
type Reconciler struct {
	issues IssueStore
	tasks  TaskStore
	now    func() time.Time
}

// NewReconciler creates a Reconciler over the given stores.
func NewReconciler(issues IssueStore, tasks TaskStore) *Reconciler {
	return &Reconciler{issues: issues, tasks: tasks, now: time.Now}
}

// Reconcile processes one incoming row.
//
// A row matching an existing record's business key (project name, problem
// description) is a transition of that record: same status is a no-op,
// a different status updates the record and, when the transition is to
// closed and a remote link exists, enqueues a close task. Unmatched rows
// are inserted; non-closed inserts enqueue a create task. Records that
// arrive already closed never get a remote issue.
func (r *Reconciler) Reconcile(ctx context.Context, row UploadRow) (Outcome, error) {
	projectName := strings.TrimSpace(row.ProjectName)
	problemDescription := strings.TrimSpace(row.ProblemDescription)

	if projectName == "" {
		return Outcome{}, &domain.ValidationError{Field: "project_name", Message: "must not be empty"}
	}

	newStatus := domain.ParseRawStatus(row.Status)

	// An empty description leaves the business key incomplete, which
	// disables matching: such rows are always treated as new.
	var existing []domain.Issue
	if problemDescription != "" {
		var err error
		existing, err = r.issues.FindByBusinessKey(ctx, projectName, problemDescription)
		if err != nil {
			return Outcome{}, err
		}
	}

	if len(existing) > 1 {
		slog.Warn("multiple records share one business key, using most recent",
			"project", projectName, "count", len(existing))
	}

	if len(existing) > 0 {
		return r.transition(ctx, existing[0], newStatus, row)
	}
	return r.insert(ctx, projectName, problemDescription, newStatus, row)
}

func (r *Reconciler) transition(ctx context.Context, issue domain.Issue, newStatus domain.IssueStatus, row UploadRow) (Outcome, error) {
	if issue.Status == newStatus {
		slog.Debug("duplicate row, status unchanged", "issue_id", issue.ID, "status", issue.Status)
		return Outcome{Action: ActionNoop, IssueID: issue.ID, OldStatus: issue.Status, NewStatus: newStatus}, nil
	}

	actualCompletion := domain.ParseTimestamp(row.ActualCompletionTime)
	if actualCompletion == nil && newStatus == domain.IssueStatusClosed {
		now := r.now()
		actualCompletion = &now
	}

	if err := r.issues.UpdateStatus(ctx, issue.ID, newStatus, actualCompletion); err != nil {
		return Outcome{}, err
	}

	slog.Info("issue status updated",
		"issue_id", issue.ID, "old_status", issue.Status, "new_status", newStatus)

	if newStatus == domain.IssueStatusClosed {
		if issue.RemoteURL() != "" {
			metadata, _ := json.Marshal(map[string]any{"remove_labels": []string{ProgressLabelPrefix}})
			_, err := r.tasks.Enqueue(ctx, domain.SyncTask{
				IssueID:  issue.ID,
				Action:   domain.TaskActionClose,
				Metadata: metadata,
			})
			if err != nil {
				return Outcome{}, fmt.Errorf("enqueue close for issue %d: %w", issue.ID, err)
			}
		} else {
			// Closed without ever having a remote issue: do not create one.
			slog.Debug("closed issue has no remote link, skipping remote close", "issue_id", issue.ID)
		}
	}

	return Outcome{Action: ActionUpdateStatus, IssueID: issue.ID, OldStatus: issue.Status, NewStatus: newStatus}, nil
}

func (r *Reconciler) insert(ctx context.Context, projectName, problemDescription string, status domain.IssueStatus, row UploadRow) (Outcome, error) {
	issue := domain.Issue{
		ProjectName:          projectName,
		ProblemCategory:      strings.TrimSpace(row.ProblemCategory),
		SeverityLevel:        parseIntField(row.SeverityLevel),
		ProblemDescription:   problemDescription,
		Solution:             strings.TrimSpace(row.Solution),
		ActionPriority:       parseIntField(row.ActionPriority),
		ActionRecord:         strings.TrimSpace(row.ActionRecord),
		Initiator:            strings.TrimSpace(row.Initiator),
		ResponsiblePerson:    strings.TrimSpace(row.ResponsiblePerson),
		Status:               status,
		StartTime:            domain.ParseTimestamp(row.StartTime),
		TargetCompletionTime: domain.ParseTimestamp(row.TargetCompletionTime),
		ActualCompletionTime: domain.ParseTimestamp(row.ActualCompletionTime),
		Remarks:              strings.TrimSpace(row.Remarks),
	}
	if status != domain.IssueStatusClosed {
		issue.SyncStatus = domain.SyncStatusPending
	}

	id, err := r.issues.Insert(ctx, issue)
	if err != nil {
		return Outcome{}, err
	}

	slog.Info("issue inserted", "issue_id", id, "project", projectName, "status", status)

	// Records arriving already closed never get a remote issue.
	if status != domain.IssueStatusClosed {
		_, err := r.tasks.Enqueue(ctx, domain.SyncTask{
			IssueID: id,
			Action:  domain.TaskActionCreate,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("enqueue create for issue %d: %w", id, err)
		}
	}

	return Outcome{Action: ActionInsert, IssueID: id, NewStatus: status}, nil
}

// parseIntField parses a numeric spreadsheet field that may arrive as
// "2", "2.0" or blank.
func parseIntField(value string) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return int(f)
	}
	return 0
}
