package domain

import (
	"encoding/json"
	"time"
)

// TaskAction identifies the remote-tracker mutation a sync task performs.
type TaskAction string

const (
	TaskActionCreate         TaskAction = "create"
	TaskActionClose          TaskAction = "close"
	TaskActionCreateAndClose TaskAction = "create_and_close"
	TaskActionUpdate         TaskAction = "update"
	TaskActionSyncProgress   TaskAction = "sync_progress"
)

// TaskStatus represents the state of a sync task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusRetry      TaskStatus = "retry"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// DefaultTaskPriority is assigned to tasks enqueued by the reconciler.
// Lower numbers are serviced first.
const DefaultTaskPriority = 3

// DefaultMaxRetries bounds automatic retries; tasks past the cap need
// manual replay.
const DefaultMaxRetries = 3

// SyncTask is one queued, retryable remote-tracker operation.
type SyncTask struct {
	ID           int64           `json:"id" db:"id"`
	IssueID      int64           `json:"issue_id" db:"issue_id"`
	Action       TaskAction      `json:"action" db:"action"`
	Priority     int             `json:"priority" db:"priority"`
	RetryCount   int             `json:"retry_count" db:"retry_count"`
	MaxRetries   int             `json:"max_retries" db:"max_retries"`
	ScheduledAt  time.Time       `json:"scheduled_at" db:"scheduled_at"`
	Status       TaskStatus      `json:"status" db:"status"`
	ErrorMessage *string         `json:"error_message,omitempty" db:"error_message"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
}

// RetryDelay returns the backoff before the n-th retry of a task that has
// already failed retryCount times: 60·2^retryCount seconds, capped at five
// minutes.
func RetryDelay(retryCount int) time.Duration {
	delay := 60 * time.Second
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= 300*time.Second {
			return 300 * time.Second
		}
	}
	if delay > 300*time.Second {
		delay = 300 * time.Second
	}
	return delay
}
