package service

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kohill/issuesync/internal/domain"
	"github.com/kohill/issuesync/internal/gitlab"
)

// MonitorIssueStore defines the issue data access interface consumed by
// the ProgressMonitor.
type MonitorIssueStore interface {
	ListOpenWithRemoteLink(ctx context.Context) ([]domain.Issue, error)
	UpdateProgress(ctx context.Context, id int64, progress string) error
}

// RemoteCloser closes an issue's remote mirror and clears its local
// progress label. Satisfied by the QueueProcessor.
type RemoteCloser interface {
	CloseRemoteIssue(ctx context.Context, issue *domain.Issue) error
}

// MonitorReport aggregates one monitor pass.
type MonitorReport struct {
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// MonitorStats describes the monitor's working set.
type MonitorStats struct {
	OpenWithRemoteLink int        `json:"open_issues_with_remote_link"`
	CacheSize          int        `json:"cache_size"`
	LastCheckTime      *time.Time `json:"last_check_time,omitempty"`
}

// ProgressMonitor periodically scans records that carry a remote link and
// are not closed, and pushes detected remote label drift back into the
// local record. A per-record hash cache skips records whose remote state
// has not moved since the last pass.
type ProgressMonitor struct {
	issues  MonitorIssueStore
	tracker Tracker
	mapper  *Mapper
	closer  RemoteCloser

	mu        sync.Mutex
	hashCache map[int64]string
	lastCheck *time.Time
}

// NewProgressMonitor creates a ProgressMonitor.
func NewProgressMonitor(issues MonitorIssueStore, tracker Tracker, mapper *Mapper, closer RemoteCloser) *ProgressMonitor {
	return &ProgressMonitor{
		issues:    issues,
		tracker:   tracker,
		mapper:    mapper,
		closer:    closer,
		hashCache: make(map[int64]string),
	}
}

// RunSingleCheck performs one monitor pass over all candidate records.
func (m *ProgressMonitor) RunSingleCheck(ctx context.Context) (MonitorReport, error) {
	start := time.Now()

	issues, err := m.issues.ListOpenWithRemoteLink(ctx)
	if err != nil {
		return MonitorReport{}, err
	}

	slog.Debug("progress check started", "candidates", len(issues))

	var report MonitorReport
	for _, issue := range issues {
		m.checkIssue(ctx, issue, &report)
	}

	m.mu.Lock()
	m.lastCheck = &start
	m.mu.Unlock()

	if report.Updated > 0 || report.Failed > 0 {
		slog.Info("progress check done",
			"updated", report.Updated, "failed", report.Failed, "skipped", report.Skipped)
	}
	return report, nil
}

func (m *ProgressMonitor) checkIssue(ctx context.Context, issue domain.Issue, report *MonitorReport) {
	iid, err := gitlab.IssueIIDFromURL(issue.RemoteURL())
	if err != nil {
		slog.Warn("unparsable remote URL", "issue_id", issue.ID, "url", issue.RemoteURL())
		report.Failed++
		return
	}

	remote, err := m.tracker.GetIssue(ctx, iid)
	if err != nil {
		slog.Warn("remote issue fetch failed", "issue_id", issue.ID, "iid", iid, "error", err)
		report.Failed++
		return
	}

	// The selection query excludes closed records, but the status may
	// have moved between query and fetch.
	if issue.Status == domain.IssueStatusClosed {
		if err := m.closer.CloseRemoteIssue(ctx, &issue); err != nil {
			slog.Warn("remote close failed", "issue_id", issue.ID, "error", err)
			report.Failed++
			return
		}
		report.Updated++
		return
	}

	hash := remoteStateHash(remote)

	m.mu.Lock()
	prev, seen := m.hashCache[issue.ID]
	m.hashCache[issue.ID] = hash
	m.mu.Unlock()

	// First observation always falls through to the comparison so the
	// initial remote state gets captured.
	if seen && prev == hash {
		report.Skipped++
		return
	}

	newProgress := m.mapper.ExtractProgressFromLabels(remote.Labels, remote.State)
	if newProgress == issue.Progress() {
		report.Skipped++
		return
	}

	if err := m.issues.UpdateProgress(ctx, issue.ID, newProgress); err != nil {
		slog.Error("progress update failed", "issue_id", issue.ID, "error", err)
		report.Failed++
		return
	}

	slog.Info("progress drift detected",
		"issue_id", issue.ID, "old", issue.Progress(), "new", newProgress)
	report.Updated++
}

// Stats reports the monitor's current working set.
func (m *ProgressMonitor) Stats(ctx context.Context) (MonitorStats, error) {
	issues, err := m.issues.ListOpenWithRemoteLink(ctx)
	if err != nil {
		return MonitorStats{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return MonitorStats{
		OpenWithRemoteLink: len(issues),
		CacheSize:          len(m.hashCache),
		LastCheckTime:      m.lastCheck,
	}, nil
}

// Run performs checks on a fixed interval until the context is cancelled.
// Iterations are sequential; a slow pass delays the next one.
func (m *ProgressMonitor) Run(ctx context.Context, interval time.Duration) {
	slog.Info("progress monitor started", "interval", interval)
	for {
		if _, err := m.RunSingleCheck(ctx); err != nil {
			slog.Error("progress check failed", "error", err)
		}

		select {
		case <-ctx.Done():
			slog.Info("progress monitor stopped")
			return
		case <-time.After(interval):
		}
	}
}

// remoteStateHash is a stable digest of the remote fields the monitor
// cares about, used to skip records whose remote state has not moved.
func remoteStateHash(remote *gitlab.Issue) string {
	labels := append([]string{}, remote.Labels...)
	sort.Strings(labels)

	payload, _ := json.Marshal(map[string]any{
		"labels":     labels,
		"state":      remote.State,
		"updated_at": remote.UpdatedAt,
	})
	return fmt.Sprintf("%x", md5.Sum(payload))
}
