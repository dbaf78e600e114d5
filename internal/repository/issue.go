package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kohill/issuesync/internal/domain"
)

const issueColumns = `id, project_name, problem_category, severity_level, problem_description,
	 solution, action_priority, action_record, initiator, responsible_person,
	 status, start_time, target_completion_time, actual_completion_time, remarks,
	 gitlab_url, gitlab_progress, sync_status, last_sync_time, created_at, updated_at`

// IssueRepository handles issue data access operations.
type IssueRepository struct {
	db *sqlx.DB
}

// NewIssueRepository creates a new IssueRepository.
func NewIssueRepository(db *sqlx.DB) *IssueRepository {
	return &IssueRepository{db: db}
}

// FindByID retrieves an issue by its ID.
func (r *IssueRepository) FindByID(ctx context.Context, id int64) (*domain.Issue, error) {
	var issue domain.Issue
	err := r.db.GetContext(ctx, &issue,
		`SELECT `+issueColumns+` FROM issues WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("find issue by id %d: %w", id, err)
	}
	return &issue, nil
}

// FindByBusinessKey retrieves all issues matching the business key
// (project name, problem description), most recently updated first. Under
// the one-live-record invariant the result has at most one element; the
// caller logs an inconsistency otherwise.
func (r *IssueRepository) FindByBusinessKey(ctx context.Context, projectName, problemDescription string) ([]domain.Issue, error) {
	var issues []domain.Issue
	err := r.db.SelectContext(ctx, &issues,
		`SELECT `+issueColumns+`
		 FROM issues
		 WHERE project_name = $1 AND problem_description = $2
		 ORDER BY updated_at DESC`, projectName, problemDescription)
	if err != nil {
		return nil, fmt.Errorf("find issue by business key %q/%q: %w", projectName, problemDescription, err)
	}
	return issues, nil
}

// Insert creates a new issue record and returns its ID.
func (r *IssueRepository) Insert(ctx context.Context, issue domain.Issue) (int64, error) {
	var id int64
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO issues (project_name, problem_category, severity_level, problem_description,
		                     solution, action_priority, action_record, initiator, responsible_person,
		                     status, start_time, target_completion_time, actual_completion_time,
		                     remarks, sync_status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		issue.ProjectName, issue.ProblemCategory, issue.SeverityLevel, issue.ProblemDescription,
		issue.Solution, issue.ActionPriority, issue.ActionRecord, issue.Initiator, issue.ResponsiblePerson,
		issue.Status, issue.StartTime, issue.TargetCompletionTime, issue.ActualCompletionTime,
		issue.Remarks, issue.SyncStatus,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert issue %q: %w", issue.ProjectName, err)
	}
	return id, nil
}

// UpdateStatus transitions an issue to a new status and marks it pending
// sync. A nil actualCompletionTime leaves the stored value untouched.
func (r *IssueRepository) UpdateStatus(ctx context.Context, id int64, status domain.IssueStatus, actualCompletionTime *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE issues
		 SET status = $2,
		     actual_completion_time = COALESCE($3, actual_completion_time),
		     sync_status = $4,
		     updated_at = NOW()
		 WHERE id = $1`,
		id, status, actualCompletionTime, domain.SyncStatusPending)
	if err != nil {
		return fmt.Errorf("update issue %d status: %w", id, err)
	}
	return nil
}

// UpdateRemoteInfo stores the remote tracker URL and progress label after a
// successful create, and records the sync result.
func (r *IssueRepository) UpdateRemoteInfo(ctx context.Context, id int64, gitlabURL, progress string, syncStatus domain.SyncStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE issues
		 SET gitlab_url = $2,
		     gitlab_progress = $3,
		     sync_status = $4,
		     last_sync_time = NOW(),
		     updated_at = NOW()
		 WHERE id = $1`,
		id, gitlabURL, progress, syncStatus)
	if err != nil {
		return fmt.Errorf("update issue %d remote info: %w", id, err)
	}
	return nil
}

// UpdateProgress stores the remote progress label. Closed issues store the
// empty string: they carry no progress stage.
func (r *IssueRepository) UpdateProgress(ctx context.Context, id int64, progress string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE issues SET gitlab_progress = $2, updated_at = NOW() WHERE id = $1`,
		id, progress)
	if err != nil {
		return fmt.Errorf("update issue %d progress: %w", id, err)
	}
	return nil
}

// UpdateSyncStatus records the outcome of a sync attempt.
func (r *IssueRepository) UpdateSyncStatus(ctx context.Context, id int64, syncStatus domain.SyncStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE issues SET sync_status = $2, last_sync_time = NOW(), updated_at = NOW() WHERE id = $1`,
		id, syncStatus)
	if err != nil {
		return fmt.Errorf("update issue %d sync status: %w", id, err)
	}
	return nil
}

// ListOpenWithRemoteLink retrieves issues that are not closed and carry a
// remote tracker URL, the progress monitor's working set.
func (r *IssueRepository) ListOpenWithRemoteLink(ctx context.Context) ([]domain.Issue, error) {
	var issues []domain.Issue
	err := r.db.SelectContext(ctx, &issues,
		`SELECT `+issueColumns+`
		 FROM issues
		 WHERE status <> $1
		   AND gitlab_url IS NOT NULL
		   AND gitlab_url <> ''
		 ORDER BY updated_at DESC`, domain.IssueStatusClosed)
	if err != nil {
		return nil, fmt.Errorf("list open issues with remote link: %w", err)
	}
	return issues, nil
}

// CountByStatus returns issue counts keyed by status.
func (r *IssueRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS count FROM issues GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count issues by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan issue count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}
