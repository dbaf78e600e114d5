package domain

import (
	"strings"
	"time"
)

// IssueStatus represents the lifecycle state of a tracked issue.
type IssueStatus string

const (
	IssueStatusOpen       IssueStatus = "open"
	IssueStatusInProgress IssueStatus = "in_progress"
	IssueStatusPaused     IssueStatus = "paused"
	IssueStatusResolved   IssueStatus = "resolved"
	IssueStatusClosed     IssueStatus = "closed"
)

// rawStatusCodes maps the single-letter status codes used by the
// spreadsheet export to canonical statuses.
var rawStatusCodes = map[string]IssueStatus{
	"O": IssueStatusOpen,
	"C": IssueStatusClosed,
	"P": IssueStatusInProgress,
	"R": IssueStatusResolved,
}

// ParseRawStatus resolves a raw spreadsheet status code to a canonical
// status. Unrecognized codes resolve to open.
func ParseRawStatus(code string) IssueStatus {
	if s, ok := rawStatusCodes[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return s
	}
	return IssueStatusOpen
}

// SyncStatus tracks whether an issue's latest state has reached the remote
// tracker. The empty value means the issue was never scheduled for sync.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Issue is one row of the issues table: a single tracked problem.
//
// The pair (ProjectName, ProblemDescription) is the business key: an
// incoming row matching an existing record on both fields is a transition
// of that record, never a new issue.
type Issue struct {
	ID                   int64       `json:"id" db:"id"`
	ProjectName          string      `json:"project_name" db:"project_name"`
	ProblemCategory      string      `json:"problem_category" db:"problem_category"`
	SeverityLevel        int         `json:"severity_level" db:"severity_level"`
	ProblemDescription   string      `json:"problem_description" db:"problem_description"`
	Solution             string      `json:"solution" db:"solution"`
	ActionPriority       int         `json:"action_priority" db:"action_priority"`
	ActionRecord         string      `json:"action_record" db:"action_record"`
	Initiator            string      `json:"initiator" db:"initiator"`
	ResponsiblePerson    string      `json:"responsible_person" db:"responsible_person"`
	Status               IssueStatus `json:"status" db:"status"`
	StartTime            *time.Time  `json:"start_time,omitempty" db:"start_time"`
	TargetCompletionTime *time.Time  `json:"target_completion_time,omitempty" db:"target_completion_time"`
	ActualCompletionTime *time.Time  `json:"actual_completion_time,omitempty" db:"actual_completion_time"`
	Remarks              string      `json:"remarks" db:"remarks"`
	GitlabURL            *string     `json:"gitlab_url,omitempty" db:"gitlab_url"`
	GitlabProgress       *string     `json:"gitlab_progress,omitempty" db:"gitlab_progress"`
	SyncStatus           SyncStatus  `json:"sync_status,omitempty" db:"sync_status"`
	LastSyncTime         *time.Time  `json:"last_sync_time,omitempty" db:"last_sync_time"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
}

// RemoteURL returns the issue's remote tracker URL, or "" when the issue
// was never mirrored.
func (i Issue) RemoteURL() string {
	if i.GitlabURL == nil {
		return ""
	}
	return strings.TrimSpace(*i.GitlabURL)
}

// Progress returns the stored remote progress label, or "".
func (i Issue) Progress() string {
	if i.GitlabProgress == nil {
		return ""
	}
	return *i.GitlabProgress
}

// TimestampLayout is the only timestamp form accepted from upload rows.
const TimestampLayout = "2006-01-02 15:04:05"

// ParseTimestamp parses an upload timestamp field. Blank or malformed
// values are stored as null rather than rejected.
func ParseTimestamp(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	t, err := time.Parse(TimestampLayout, value)
	if err != nil {
		return nil
	}
	return &t
}
