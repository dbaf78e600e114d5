package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kohill/issuesync/internal/domain"
	"github.com/kohill/issuesync/internal/gitlab"
)

// QueueIssueStore defines the issue data access interface consumed by the
// QueueProcessor.
type QueueIssueStore interface {
	FindByID(ctx context.Context, id int64) (*domain.Issue, error)
	UpdateRemoteInfo(ctx context.Context, id int64, gitlabURL, progress string, syncStatus domain.SyncStatus) error
	UpdateProgress(ctx context.Context, id int64, progress string) error
	UpdateSyncStatus(ctx context.Context, id int64, syncStatus domain.SyncStatus) error
}

// QueueTaskStore defines the task queue interface consumed by the
// QueueProcessor.
type QueueTaskStore interface {
	SelectReady(ctx context.Context, batchSize, maxPriority int, action domain.TaskAction) ([]domain.SyncTask, error)
	Claim(ctx context.Context, id int64) (bool, error)
	MarkCompleted(ctx context.Context, id int64) error
	ScheduleRetry(ctx context.Context, id int64, errMsg string, delay time.Duration) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
}

// Tracker defines the remote tracker operations consumed by the
// QueueProcessor and ProgressMonitor.
type Tracker interface {
	CreateIssue(ctx context.Context, req gitlab.CreateIssueRequest) (*gitlab.Issue, error)
	UpdateIssue(ctx context.Context, iid int, upd gitlab.UpdateIssueRequest) (*gitlab.Issue, error)
	CloseIssue(ctx context.Context, iid int) (*gitlab.Issue, error)
	GetIssue(ctx context.Context, iid int) (*gitlab.Issue, error)
	UserIDByUsername(ctx context.Context, username string) (int, error)
}

// BatchReport aggregates one queue batch.
type BatchReport struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Retried   int `json:"retry"`
}

// QueueProcessor drains the sync task queue against the remote tracker,
// rescheduling transient failures with exponential backoff and terminally
// failing tasks past their retry cap.
type QueueProcessor struct {
	issues  QueueIssueStore
	tasks   QueueTaskStore
	tracker Tracker
	mapper  *Mapper
	workers int
	now     func() time.Time
}

// NewQueueProcessor creates a QueueProcessor. workers bounds the number of
// tasks dispatched concurrently within one batch.
func NewQueueProcessor(issues QueueIssueStore, tasks QueueTaskStore, tracker Tracker, mapper *Mapper, workers int) *QueueProcessor {
	if workers < 1 {
		workers = 1
	}
	return &QueueProcessor{
		issues:  issues,
		tasks:   tasks,
		tracker: tracker,
		mapper:  mapper,
		workers: workers,
		now:     time.Now,
	}
}

// ProcessBatch claims and executes up to batchSize ready tasks at or below
// maxPriority, most urgent and oldest first.
func (p *QueueProcessor) ProcessBatch(ctx context.Context, batchSize, maxPriority int) (BatchReport, error) {
	return p.processBatch(ctx, batchSize, maxPriority, "")
}

// ProcessAction is ProcessBatch restricted to one task action, used by
// manual repair tooling.
func (p *QueueProcessor) ProcessAction(ctx context.Context, action domain.TaskAction, batchSize, maxPriority int) (BatchReport, error) {
	return p.processBatch(ctx, batchSize, maxPriority, action)
}

func (p *QueueProcessor) processBatch(ctx context.Context, batchSize, maxPriority int, action domain.TaskAction) (BatchReport, error) {
	ready, err := p.tasks.SelectReady(ctx, batchSize, maxPriority, action)
	if err != nil {
		return BatchReport{}, err
	}
	if len(ready) == 0 {
		return BatchReport{}, nil
	}

	slog.Info("processing sync task batch", "tasks", len(ready))

	var mu sync.Mutex
	var report BatchReport

	// Tasks act on independent issues, so the pool only overlaps network
	// latency; selection order is a soft guarantee under concurrent
	// dispatch.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, task := range ready {
		task := task
		g.Go(func() error {
			claimed, err := p.tasks.Claim(gctx, task.ID)
			if err != nil {
				slog.Error("claim failed", "task_id", task.ID, "error", err)
				return nil
			}
			if !claimed {
				slog.Warn("task already claimed elsewhere", "task_id", task.ID)
				return nil
			}

			execErr := p.execute(gctx, task)

			mu.Lock()
			defer mu.Unlock()
			report.Processed++
			if execErr == nil {
				if err := p.tasks.MarkCompleted(gctx, task.ID); err != nil {
					slog.Error("mark completed failed", "task_id", task.ID, "error", err)
				}
				report.Success++
				slog.Info("sync task completed", "task_id", task.ID, "action", task.Action)
				return nil
			}

			if p.retryOrFail(gctx, task, execErr) {
				report.Retried++
			} else {
				report.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	return report, nil
}

// retryOrFail reschedules a failed task with exponential backoff, or
// terminally fails it when the error is non-retryable or the retry cap is
// reached. It reports true when the task was rescheduled.
func (p *QueueProcessor) retryOrFail(ctx context.Context, task domain.SyncTask, execErr error) bool {
	if isTerminal(execErr) || task.RetryCount >= task.MaxRetries {
		if err := p.tasks.MarkFailed(ctx, task.ID, execErr.Error()); err != nil {
			slog.Error("mark failed failed", "task_id", task.ID, "error", err)
		}
		slog.Error("sync task terminally failed",
			"task_id", task.ID, "action", task.Action, "retries", task.RetryCount, "error", execErr)
		return false
	}

	delay := domain.RetryDelay(task.RetryCount)
	if err := p.tasks.ScheduleRetry(ctx, task.ID, execErr.Error(), delay); err != nil {
		slog.Error("schedule retry failed", "task_id", task.ID, "error", err)
	}
	slog.Warn("sync task scheduled for retry",
		"task_id", task.ID, "action", task.Action, "retry", task.RetryCount+1, "delay", delay, "error", execErr)
	return true
}

// isTerminal reports whether a sync error cannot be fixed by retrying.
func isTerminal(err error) bool {
	if errors.Is(err, domain.ErrTerminal) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrCreatedNotClosed) {
		return true
	}
	var apiErr *gitlab.APIError
	if errors.As(err, &apiErr) {
		return !apiErr.Retryable()
	}
	return false
}

func (p *QueueProcessor) execute(ctx context.Context, task domain.SyncTask) error {
	issue, err := p.issues.FindByID(ctx, task.IssueID)
	if err != nil {
		return fmt.Errorf("load issue %d: %w", task.IssueID, err)
	}

	switch task.Action {
	case domain.TaskActionCreate:
		_, err := p.createRemoteIssue(ctx, issue)
		return err
	case domain.TaskActionClose:
		return p.CloseRemoteIssue(ctx, issue)
	case domain.TaskActionCreateAndClose:
		return p.createAndCloseRemoteIssue(ctx, issue)
	case domain.TaskActionUpdate:
		return p.updateRemoteIssue(ctx, issue)
	case domain.TaskActionSyncProgress:
		return p.syncRemoteProgress(ctx, issue)
	default:
		return fmt.Errorf("unknown task action %q: %w", task.Action, domain.ErrTerminal)
	}
}

// createRemoteIssue creates the remote mirror of an issue and stores its
// URL and initial progress label locally.
func (p *QueueProcessor) createRemoteIssue(ctx context.Context, issue *domain.Issue) (*gitlab.Issue, error) {
	req := gitlab.CreateIssueRequest{
		Title:       remoteTitle(issue),
		Description: remoteDescription(issue),
		Labels:      p.remoteLabels(issue),
		AssigneeIDs: p.assigneeIDs(ctx, issue.ResponsiblePerson),
	}

	remote, err := p.tracker.CreateIssue(ctx, req)
	if err != nil {
		p.recordSyncFailure(ctx, issue.ID)
		return nil, err
	}

	progress := p.mapper.ExtractProgressFromLabels(remote.Labels, remote.State)
	if err := p.issues.UpdateRemoteInfo(ctx, issue.ID, remote.WebURL, progress, domain.SyncStatusSynced); err != nil {
		return nil, err
	}

	slog.Info("remote issue created", "issue_id", issue.ID, "url", remote.WebURL)
	return remote, nil
}

// CloseRemoteIssue closes the remote mirror of an issue: the close note is
// appended to the remote description, progress labels are stripped
// remotely, and the local progress label is cleared. Closed issues carry
// no progress stage.
func (p *QueueProcessor) CloseRemoteIssue(ctx context.Context, issue *domain.Issue) error {
	iid, err := gitlab.IssueIIDFromURL(issue.RemoteURL())
	if err != nil {
		return err
	}

	remote, err := p.tracker.GetIssue(ctx, iid)
	if err != nil {
		p.recordSyncFailure(ctx, issue.ID)
		return err
	}

	kept := make([]string, 0, len(remote.Labels))
	for _, label := range remote.Labels {
		if !strings.HasPrefix(label, ProgressLabelPrefix) {
			kept = append(kept, label)
		}
	}

	description := remote.Description + closeNote(issue, p.now())
	if _, err := p.tracker.UpdateIssue(ctx, iid, gitlab.UpdateIssueRequest{
		Description: &description,
		Labels:      kept,
		StateEvent:  "close",
	}); err != nil {
		p.recordSyncFailure(ctx, issue.ID)
		return err
	}

	if err := p.issues.UpdateProgress(ctx, issue.ID, ""); err != nil {
		return err
	}
	if err := p.issues.UpdateSyncStatus(ctx, issue.ID, domain.SyncStatusSynced); err != nil {
		return err
	}

	slog.Info("remote issue closed", "issue_id", issue.ID, "iid", iid)
	return nil
}

// createAndCloseRemoteIssue creates a remote issue and immediately closes
// it, one logical unit. A create success followed by a close failure is
// its own failure mode: the remote issue exists but stays open.
func (p *QueueProcessor) createAndCloseRemoteIssue(ctx context.Context, issue *domain.Issue) error {
	remote, err := p.createRemoteIssue(ctx, issue)
	if err != nil {
		return err
	}

	updated := *issue
	updated.GitlabURL = &remote.WebURL
	if err := p.CloseRemoteIssue(ctx, &updated); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrCreatedNotClosed, err)
	}
	return nil
}

// updateRemoteIssue pushes the issue's current fields to the remote
// mirror without touching its state.
func (p *QueueProcessor) updateRemoteIssue(ctx context.Context, issue *domain.Issue) error {
	iid, err := gitlab.IssueIIDFromURL(issue.RemoteURL())
	if err != nil {
		return err
	}

	title := remoteTitle(issue)
	description := remoteDescription(issue)
	if _, err := p.tracker.UpdateIssue(ctx, iid, gitlab.UpdateIssueRequest{
		Title:       &title,
		Description: &description,
		Labels:      p.remoteLabels(issue),
	}); err != nil {
		p.recordSyncFailure(ctx, issue.ID)
		return err
	}

	return p.issues.UpdateSyncStatus(ctx, issue.ID, domain.SyncStatusSynced)
}

// syncRemoteProgress pulls the remote label state and stores the derived
// progress label locally.
func (p *QueueProcessor) syncRemoteProgress(ctx context.Context, issue *domain.Issue) error {
	iid, err := gitlab.IssueIIDFromURL(issue.RemoteURL())
	if err != nil {
		return err
	}

	remote, err := p.tracker.GetIssue(ctx, iid)
	if err != nil {
		return err
	}

	progress := p.mapper.ExtractProgressFromLabels(remote.Labels, remote.State)
	return p.issues.UpdateProgress(ctx, issue.ID, progress)
}

// remoteLabels assembles the full label set of a remote issue: severity,
// progress stage, fixed labels and the classified issue type.
func (p *QueueProcessor) remoteLabels(issue *domain.Issue) []string {
	labels := append([]string{}, p.mapper.SeverityLabels(issue.SeverityLevel)...)
	labels = append(labels, p.mapper.ProgressLabel(issue.Status))
	labels = append(labels, p.mapper.AdditionalLabels()...)
	labels = append(labels, p.mapper.ClassifyIssueType(issue.ProblemDescription))
	return labels
}

// assigneeIDs resolves the responsible-person field to remote user IDs.
// Unresolvable usernames are skipped rather than failing the sync.
func (p *QueueProcessor) assigneeIDs(ctx context.Context, responsiblePerson string) []int {
	var ids []int
	for _, username := range p.mapper.AssigneeUsernames(responsiblePerson) {
		id, err := p.tracker.UserIDByUsername(ctx, username)
		if err != nil {
			slog.Warn("assignee lookup failed", "username", username, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

func (p *QueueProcessor) recordSyncFailure(ctx context.Context, issueID int64) {
	if err := p.issues.UpdateSyncStatus(ctx, issueID, domain.SyncStatusFailed); err != nil {
		slog.Error("record sync failure failed", "issue_id", issueID, "error", err)
	}
}

// Run drains the queue on a fixed interval until the context is
// cancelled. Iterations are sequential; a slow batch delays the next one.
func (p *QueueProcessor) Run(ctx context.Context, interval time.Duration, batchSize, maxPriority int) {
	slog.Info("queue processor started", "interval", interval)
	for {
		report, err := p.ProcessBatch(ctx, batchSize, maxPriority)
		if err != nil {
			slog.Error("queue batch failed", "error", err)
		} else if report.Processed > 0 {
			slog.Info("queue batch done",
				"processed", report.Processed, "success", report.Success,
				"failed", report.Failed, "retry", report.Retried)
		}

		select {
		case <-ctx.Done():
			slog.Info("queue processor stopped")
			return
		case <-time.After(interval):
		}
	}
}

func remoteTitle(issue *domain.Issue) string {
	switch {
	case issue.ProjectName != "" && issue.ProblemDescription != "":
		return issue.ProjectName + ": " + issue.ProblemDescription
	case issue.ProjectName != "":
		return issue.ProjectName
	default:
		return fmt.Sprintf("议题 #%d", issue.ID)
	}
}

func remoteDescription(issue *domain.Issue) string {
	var b strings.Builder
	if issue.Initiator != "" {
		fmt.Fprintf(&b, "## 提出人: %s\n\n", issue.Initiator)
	}
	fmt.Fprintf(&b, "## 问题描述\n%s\n\n", issue.ProblemDescription)
	fmt.Fprintf(&b, "## 解决方案\n%s\n\n", issue.Solution)
	fmt.Fprintf(&b, "## 行动记录\n%s\n\n", issue.ActionRecord)
	fmt.Fprintf(&b, "## 备注\n%s\n\n", issue.Remarks)
	b.WriteString("---\n*此议题由数据同步系统自动创建*")
	return b.String()
}

func closeNote(issue *domain.Issue, now time.Time) string {
	var b strings.Builder
	b.WriteString("\n\n---\n\n## 议题关闭信息\n")
	fmt.Fprintf(&b, "- **关闭时间**: %s\n", now.Format(domain.TimestampLayout))
	b.WriteString("- **关闭原因**: 数据库状态已更新为closed\n")
	fmt.Fprintf(&b, "- **项目名称**: %s\n", issue.ProjectName)
	fmt.Fprintf(&b, "- **问题分类**: %s\n", issue.ProblemCategory)
	fmt.Fprintf(&b, "- **解决方案**: %s\n", issue.Solution)
	fmt.Fprintf(&b, "- **行动记录**: %s\n", issue.ActionRecord)
	fmt.Fprintf(&b, "- **备注**: %s\n", issue.Remarks)
	b.WriteString("\n*此议题已通过自动化系统关闭*")
	return b.String()
}
