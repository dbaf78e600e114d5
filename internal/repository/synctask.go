package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kohill/issuesync/internal/domain"
)

const taskColumns = `id, issue_id, action, priority, retry_count, max_retries,
	 scheduled_at, status, error_message, metadata, created_at, processed_at`

// SyncTaskRepository handles sync task queue data access.
type SyncTaskRepository struct {
	db *sqlx.DB
}

// NewSyncTaskRepository creates a new SyncTaskRepository.
func NewSyncTaskRepository(db *sqlx.DB) *SyncTaskRepository {
	return &SyncTaskRepository{db: db}
}

// Enqueue inserts a pending task, eligible to run immediately, and returns
// its ID. Zero priority and max retries fall back to the defaults.
func (r *SyncTaskRepository) Enqueue(ctx context.Context, task domain.SyncTask) (int64, error) {
	if task.Priority == 0 {
		task.Priority = domain.DefaultTaskPriority
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = domain.DefaultMaxRetries
	}
	metadata := task.Metadata
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}

	var id int64
	err := r.db.QueryRowxContext(ctx,
		`INSERT INTO sync_tasks (issue_id, action, priority, max_retries, scheduled_at, status, metadata)
		 VALUES ($1, $2, $3, $4, NOW(), $5, $6)
		 RETURNING id`,
		task.IssueID, task.Action, task.Priority, task.MaxRetries, domain.TaskStatusPending, metadata,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s task for issue %d: %w", task.Action, task.IssueID, err)
	}
	return id, nil
}

// SelectReady retrieves tasks eligible to run: pending, or retry whose
// backoff has elapsed, at or below maxPriority, most urgent and oldest
// first. An empty action selects all actions.
func (r *SyncTaskRepository) SelectReady(ctx context.Context, batchSize, maxPriority int, action domain.TaskAction) ([]domain.SyncTask, error) {
	query := `SELECT ` + taskColumns + `
		 FROM sync_tasks
		 WHERE status IN ($1, $2)
		   AND scheduled_at <= NOW()
		   AND priority <= $3`
	args := []any{domain.TaskStatusPending, domain.TaskStatusRetry, maxPriority}

	if action != "" {
		query += ` AND action = $4`
		args = append(args, action)
	}
	query += fmt.Sprintf(` ORDER BY priority ASC, created_at ASC LIMIT %d`, batchSize)

	var tasks []domain.SyncTask
	if err := r.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, fmt.Errorf("select ready tasks: %w", err)
	}
	return tasks, nil
}

// Claim transitions a task to processing. It reports false when another
// processor already claimed the task; only a true return permits
// execution. This is advisory locking, sufficient for a single processor
// deployment.
func (r *SyncTaskRepository) Claim(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sync_tasks
		 SET status = $2, processed_at = NOW()
		 WHERE id = $1 AND status IN ($3, $4)`,
		id, domain.TaskStatusProcessing, domain.TaskStatusPending, domain.TaskStatusRetry)
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task %d rows affected: %w", id, err)
	}
	return affected == 1, nil
}

// MarkCompleted finalizes a successfully executed task.
func (r *SyncTaskRepository) MarkCompleted(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_tasks SET status = $2, processed_at = NOW() WHERE id = $1`,
		id, domain.TaskStatusCompleted)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	return nil
}

// ScheduleRetry pushes a failed task back into the queue after the given
// backoff delay, recording the error for operator inspection.
func (r *SyncTaskRepository) ScheduleRetry(ctx context.Context, id int64, errMsg string, delay time.Duration) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_tasks
		 SET status = $2,
		     retry_count = retry_count + 1,
		     scheduled_at = NOW() + ($3 * INTERVAL '1 second'),
		     error_message = $4
		 WHERE id = $1`,
		id, domain.TaskStatusRetry, int(delay.Seconds()), errMsg)
	if err != nil {
		return fmt.Errorf("schedule retry for task %d: %w", id, err)
	}
	return nil
}

// MarkFailed finalizes a task as terminally failed. The error message is
// retained; recovery requires manual replay.
func (r *SyncTaskRepository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_tasks
		 SET status = $2, error_message = $3, processed_at = NOW()
		 WHERE id = $1`,
		id, domain.TaskStatusFailed, errMsg)
	if err != nil {
		return fmt.Errorf("fail task %d: %w", id, err)
	}
	return nil
}

// CountByStatus returns task counts keyed by status.
func (r *SyncTaskRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryxContext(ctx,
		`SELECT status, COUNT(*) AS count FROM sync_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// RecentFailures retrieves the most recent terminally failed tasks.
func (r *SyncTaskRepository) RecentFailures(ctx context.Context, limit int) ([]domain.SyncTask, error) {
	var tasks []domain.SyncTask
	err := r.db.SelectContext(ctx, &tasks,
		`SELECT `+taskColumns+`
		 FROM sync_tasks
		 WHERE status = $1
		 ORDER BY processed_at DESC
		 LIMIT $2`, domain.TaskStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent failures: %w", err)
	}
	return tasks, nil
}
