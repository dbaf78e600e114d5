package service_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kohill/issuesync/internal/domain"
	"github.com/kohill/issuesync/internal/gitlab"
	"github.com/kohill/issuesync/internal/service"
)

type queueIssueStore struct {
	mu       sync.Mutex
	byID     map[int64]*domain.Issue
	remote   []remoteInfoUpdate
	progress []progressUpdate
	sync     []domain.SyncStatus
}

type remoteInfoUpdate struct {
	id       int64
	url      string
	progress string
	status   domain.SyncStatus
}

type progressUpdate struct {
	id       int64
	progress string
}

func newQueueIssueStore(issues ...*domain.Issue) *queueIssueStore {
	s := &queueIssueStore{byID: make(map[int64]*domain.Issue)}
	for _, issue := range issues {
		s.byID[issue.ID] = issue
	}
	return s
}

func (s *queueIssueStore) FindByID(_ context.Context, id int64) (*domain.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	issue, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *issue
	return &copied, nil
}

func (s *queueIssueStore) UpdateRemoteInfo(_ context.Context, id int64, gitlabURL, progress string, syncStatus domain.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = append(s.remote, remoteInfoUpdate{id: id, url: gitlabURL, progress: progress, status: syncStatus})
	return nil
}

func (s *queueIssueStore) UpdateProgress(_ context.Context, id int64, progress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, progressUpdate{id: id, progress: progress})
	return nil
}

func (s *queueIssueStore) UpdateSyncStatus(_ context.Context, id int64, syncStatus domain.SyncStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sync = append(s.sync, syncStatus)
	return nil
}

type queueTaskStore struct {
	mu        sync.Mutex
	ready     []domain.SyncTask
	claimDeny map[int64]bool

	completed []int64
	retried   []retryRecord
	failed    []failRecord
}

type retryRecord struct {
	id    int64
	delay time.Duration
}

type failRecord struct {
	id  int64
	msg string
}

func (s *queueTaskStore) SelectReady(_ context.Context, batchSize, _ int, action domain.TaskAction) ([]domain.SyncTask, error) {
	var out []domain.SyncTask
	for _, task := range s.ready {
		if action != "" && task.Action != action {
			continue
		}
		out = append(out, task)
		if len(out) == batchSize {
			break
		}
	}
	return out, nil
}

func (s *queueTaskStore) Claim(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.claimDeny[id], nil
}

func (s *queueTaskStore) MarkCompleted(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, id)
	return nil
}

func (s *queueTaskStore) ScheduleRetry(_ context.Context, id int64, _ string, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, retryRecord{id: id, delay: delay})
	return nil
}

func (s *queueTaskStore) MarkFailed(_ context.Context, id int64, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, failRecord{id: id, msg: msg})
	return nil
}

// fakeTracker implements service.Tracker with pluggable behavior.
type fakeTracker struct {
	createFn func(req gitlab.CreateIssueRequest) (*gitlab.Issue, error)
	updateFn func(iid int, upd gitlab.UpdateIssueRequest) (*gitlab.Issue, error)
	getFn    func(iid int) (*gitlab.Issue, error)
	userFn   func(username string) (int, error)

	mu      sync.Mutex
	updates []gitlab.UpdateIssueRequest
}

func (f *fakeTracker) CreateIssue(_ context.Context, req gitlab.CreateIssueRequest) (*gitlab.Issue, error) {
	if f.createFn == nil {
		return nil, errors.New("unexpected CreateIssue")
	}
	return f.createFn(req)
}

func (f *fakeTracker) UpdateIssue(_ context.Context, iid int, upd gitlab.UpdateIssueRequest) (*gitlab.Issue, error) {
	f.mu.Lock()
	f.updates = append(f.updates, upd)
	f.mu.Unlock()
	if f.updateFn == nil {
		return nil, errors.New("unexpected UpdateIssue")
	}
	return f.updateFn(iid, upd)
}

func (f *fakeTracker) CloseIssue(ctx context.Context, iid int) (*gitlab.Issue, error) {
	return f.UpdateIssue(ctx, iid, gitlab.UpdateIssueRequest{StateEvent: "close"})
}

func (f *fakeTracker) GetIssue(_ context.Context, iid int) (*gitlab.Issue, error) {
	if f.getFn == nil {
		return nil, errors.New("unexpected GetIssue")
	}
	return f.getFn(iid)
}

func (f *fakeTracker) UserIDByUsername(_ context.Context, username string) (int, error) {
	if f.userFn == nil {
		return 0, domain.ErrNotFound
	}
	return f.userFn(username)
}

func newQueueProcessorForTest(issues *queueIssueStore, tasks *queueTaskStore, tracker *fakeTracker) *service.QueueProcessor {
	return service.NewQueueProcessor(issues, tasks, tracker, newTestMapper(), 3)
}

func TestProcessBatchCreateTask(t *testing.T) {
	issues := newQueueIssueStore(&domain.Issue{
		ID:                 1,
		ProjectName:        "视觉检测",
		ProblemDescription: "相机标定偏移",
		SeverityLevel:      1,
		ResponsiblePerson:  "张伟",
		Status:             domain.IssueStatusOpen,
	})
	tasks := &queueTaskStore{ready: []domain.SyncTask{
		{ID: 10, IssueID: 1, Action: domain.TaskActionCreate, MaxRetries: 3},
	}}
	tracker := &fakeTracker{
		createFn: func(req gitlab.CreateIssueRequest) (*gitlab.Issue, error) {
			if req.Title != "视觉检测: 相机标定偏移" {
				t.Errorf("title = %q", req.Title)
			}
			hasSeverity, hasProgress := false, false
			for _, l := range req.Labels {
				if l == "客户需求::紧急" {
					hasSeverity = true
				}
				if l == "进度::To do" {
					hasProgress = true
				}
			}
			if !hasSeverity || !hasProgress {
				t.Errorf("labels = %v, want severity and progress labels", req.Labels)
			}
			return &gitlab.Issue{
				IID:    42,
				State:  gitlab.StateOpened,
				Labels: req.Labels,
				WebURL: "https://gitlab.example.com/g/p/-/issues/42",
			}, nil
		},
		userFn: func(username string) (int, error) {
			if username != "zhangwei" {
				t.Errorf("assignee lookup for %q", username)
			}
			return 501, nil
		},
	}

	p := newQueueProcessorForTest(issues, tasks, tracker)
	report, err := p.ProcessBatch(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if report.Processed != 1 || report.Success != 1 {
		t.Fatalf("report = %+v, want 1 processed, 1 success", report)
	}
	if len(tasks.completed) != 1 || tasks.completed[0] != 10 {
		t.Fatalf("completed = %v, want [10]", tasks.completed)
	}
	if len(issues.remote) != 1 {
		t.Fatalf("remote info updates = %d, want 1", len(issues.remote))
	}
	upd := issues.remote[0]
	if upd.url != "https://gitlab.example.com/g/p/-/issues/42" {
		t.Errorf("stored url = %q", upd.url)
	}
	if upd.progress != "进度::To do" {
		t.Errorf("stored progress = %q, want 进度::To do", upd.progress)
	}
	if upd.status != domain.SyncStatusSynced {
		t.Errorf("sync status = %q, want synced", upd.status)
	}
}

func TestProcessBatchRetriesTransientFailure(t *testing.T) {
	issues := newQueueIssueStore(&domain.Issue{ID: 1, ProjectName: "p", Status: domain.IssueStatusOpen})
	tasks := &queueTaskStore{ready: []domain.SyncTask{
		{ID: 11, IssueID: 1, Action: domain.TaskActionCreate, RetryCount: 0, MaxRetries: 3},
	}}
	tracker := &fakeTracker{
		createFn: func(gitlab.CreateIssueRequest) (*gitlab.Issue, error) {
			return nil, &gitlab.APIError{StatusCode: http.StatusBadGateway, Body: "upstream down"}
		},
	}

	p := newQueueProcessorForTest(issues, tasks, tracker)
	report, err := p.ProcessBatch(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if report.Retried != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v, want 1 retried", report)
	}
	if len(tasks.retried) != 1 {
		t.Fatalf("retried = %v, want one record", tasks.retried)
	}
	if tasks.retried[0].delay != 60*time.Second {
		t.Errorf("first retry delay = %v, want 60s", tasks.retried[0].delay)
	}

	// The attempt also marks the record as failed to sync.
	if len(issues.sync) != 1 || issues.sync[0] != domain.SyncStatusFailed {
		t.Errorf("sync status updates = %v, want [failed]", issues.sync)
	}
}

func TestProcessBatchRetrySequence(t *testing.T) {
	// A task failing transiently walks 60s, 120s, 240s backoffs and then
	// fails terminally on the attempt after its third retry.
	issues := newQueueIssueStore(&domain.Issue{ID: 1, ProjectName: "p", Status: domain.IssueStatusOpen})
	tracker := &fakeTracker{
		createFn: func(gitlab.CreateIssueRequest) (*gitlab.Issue, error) {
			return nil, &gitlab.APIError{StatusCode: http.StatusBadGateway, Body: "upstream down"}
		},
	}

	wantDelays := []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}

	tasks := &queueTaskStore{}
	p := newQueueProcessorForTest(issues, tasks, tracker)

	for attempt := 0; attempt <= 3; attempt++ {
		tasks.ready = []domain.SyncTask{
			{ID: 20, IssueID: 1, Action: domain.TaskActionCreate, RetryCount: attempt, MaxRetries: 3},
		}
		report, err := p.ProcessBatch(context.Background(), 10, 5)
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}

		if attempt < 3 {
			if report.Retried != 1 {
				t.Fatalf("attempt %d report = %+v, want retried", attempt, report)
			}
			if got := tasks.retried[attempt].delay; got != wantDelays[attempt] {
				t.Errorf("attempt %d delay = %v, want %v", attempt, got, wantDelays[attempt])
			}
		} else {
			if report.Failed != 1 {
				t.Fatalf("final attempt report = %+v, want failed", report)
			}
		}
	}

	if len(tasks.failed) != 1 {
		t.Fatalf("failed = %v, want exactly one terminal failure", tasks.failed)
	}
}

func TestProcessBatchFailsAtRetryCap(t *testing.T) {
	issues := newQueueIssueStore(&domain.Issue{ID: 1, ProjectName: "p", Status: domain.IssueStatusOpen})
	tasks := &queueTaskStore{ready: []domain.SyncTask{
		{ID: 12, IssueID: 1, Action: domain.TaskActionCreate, RetryCount: 3, MaxRetries: 3},
	}}
	tracker := &fakeTracker{
		createFn: func(gitlab.CreateIssueRequest) (*gitlab.Issue, error) {
			return nil, &gitlab.APIError{StatusCode: http.StatusServiceUnavailable, Body: "still down"}
		},
	}

	p := newQueueProcessorForTest(issues, tasks, tracker)
	report, err := p.ProcessBatch(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if report.Failed != 1 || report.Retried != 0 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}
	if len(tasks.failed) != 1 || tasks.failed[0].id != 12 {
		t.Fatalf("failed = %v, want task 12", tasks.failed)
	}
	if len(tasks.retried) != 0 {
		t.Errorf("task past retry cap was rescheduled: %v", tasks.retried)
	}
}

func TestProcessBatchClientErrorIsTerminal(t *testing.T) {
	issues := newQueueIssueStore(&domain.Issue{ID: 1, ProjectName: "p", Status: domain.IssueStatusOpen})
	tasks := &queueTaskStore{ready: []domain.SyncTask{
		{ID: 13, IssueID: 1, Action: domain.TaskActionCreate, RetryCount: 0, MaxRetries: 3},
	}}
	tracker := &fakeTracker{
		createFn: func(gitlab.CreateIssueRequest) (*gitlab.Issue, error) {
			return nil, &gitlab.APIError{StatusCode: http.StatusBadRequest, Body: "title missing"}
		},
	}

	p := newQueueProcessorForTest(issues, tasks, tracker)
	report, err := p.ProcessBatch(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	if report.Failed != 1 || report.Retried != 0 {
		t.Fatalf("report = %+v, want terminal failure with retries left", report)
	}
}

func TestProcessBatchSkipsUnclaimedTasks(t *testing.T) {
	issues := newQueueIssueStore(&domain.Issue{ID: 1, ProjectName: "p", Status: domain.IssueStatusOpen})
	tasks := &queueTaskStore{
		ready: []domain.SyncTask{
			{ID: 14, IssueID: 1, Action: domain.TaskActionCreate, MaxRetries: 3},
		},
		claimDeny: map[int64]bool{14: true},
	}
	tracker := &fakeTracker{
		createFn: func(gitlab.CreateIssueRequest) (*gitlab.Issue, error) {
			t.Error("unclaimed task reached the tracker")
			return nil, errors.New("unreachable")
		},
	}

	p := newQueueProcessorForTest(issues, tasks, tracker)
	report, err := p.ProcessBatch(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.Processed != 0 {
		t.Fatalf("report = %+v, want nothing processed", report)
	}
}

func TestCloseRemoteIssueStripsProgressLabels(t *testing.T) {
	url := "https://gitlab.example.com/g/p/-/issues/42"
	issues := newQueueIssueStore(&domain.Issue{
		ID:          1,
		ProjectName: "p",
		Status:      domain.IssueStatusClosed,
		GitlabURL:   &url,
	})
	tasks := &queueTaskStore{ready: []domain.SyncTask{
		{ID: 15, IssueID: 1, Action: domain.TaskActionClose, MaxRetries: 3},
	}}
	tracker := &fakeTracker{
		getFn: func(iid int) (*gitlab.Issue, error) {
			if iid != 42 {
				t.Errorf("fetched iid %d, want 42", iid)
			}
			return &gitlab.Issue{
				IID:         42,
				State:       gitlab.StateOpened,
				Labels:      []string{"客户需求::紧急", "进度::Doing", "议题类型::Bug"},
				Description: "original body",
			}, nil
		},
		updateFn: func(iid int, upd gitlab.UpdateIssueRequest) (*gitlab.Issue, error) {
			return &gitlab.Issue{IID: iid, State: gitlab.StateClosed}, nil
		},
	}

	p := newQueueProcessorForTest(issues, tasks, tracker)
	report, err := p.ProcessBatch(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.Success != 1 {
		t.Fatalf("report = %+v, want 1 success", report)
	}

	if len(tracker.updates) != 1 {
		t.Fatalf("tracker updates = %d, want 1", len(tracker.updates))
	}
	upd := tracker.updates[0]
	if upd.StateEvent != "close" {
		t.Errorf("state event = %q, want close", upd.StateEvent)
	}
	for _, label := range upd.Labels {
		if strings.HasPrefix(label, service.ProgressLabelPrefix) {
			t.Errorf("progress label %q survived the close", label)
		}
	}
	if len(upd.Labels) != 2 {
		t.Errorf("kept labels = %v, want the two non-progress labels", upd.Labels)
	}
	if upd.Description == nil || !strings.Contains(*upd.Description, "议题关闭信息") {
		t.Error("close note missing from updated description")
	}
	if !strings.HasPrefix(*upd.Description, "original body") {
		t.Error("original description not preserved ahead of the close note")
	}

	// Closed records carry no progress stage locally either.
	if len(issues.progress) != 1 || issues.progress[0].progress != "" {
		t.Errorf("progress updates = %+v, want one clearing update", issues.progress)
	}
}

func TestCreateAndClosePartialFailureIsTerminal(t *testing.T) {
	issues := newQueueIssueStore(&domain.Issue{
		ID:          1,
		ProjectName: "p",
		Status:      domain.IssueStatusClosed,
	})
	tasks := &queueTaskStore{ready: []domain.SyncTask{
		{ID: 16, IssueID: 1, Action: domain.TaskActionCreateAndClose, MaxRetries: 3},
	}}
	tracker := &fakeTracker{
		createFn: func(gitlab.CreateIssueRequest) (*gitlab.Issue, error) {
			return &gitlab.Issue{
				IID:    43,
				State:  gitlab.StateOpened,
				WebURL: "https://gitlab.example.com/g/p/-/issues/43",
			}, nil
		},
		getFn: func(iid int) (*gitlab.Issue, error) {
			return &gitlab.Issue{IID: iid, State: gitlab.StateOpened}, nil
		},
		updateFn: func(int, gitlab.UpdateIssueRequest) (*gitlab.Issue, error) {
			return nil, &gitlab.APIError{StatusCode: http.StatusBadGateway, Body: "close failed"}
		},
	}

	p := newQueueProcessorForTest(issues, tasks, tracker)
	report, err := p.ProcessBatch(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}

	// Retrying would create a duplicate remote issue, so this fails
	// terminally despite retries remaining.
	if report.Failed != 1 || report.Retried != 0 {
		t.Fatalf("report = %+v, want 1 terminal failure", report)
	}
	if len(tasks.failed) != 1 || !strings.Contains(tasks.failed[0].msg, "created") {
		t.Fatalf("failed = %+v, want created-not-closed message", tasks.failed)
	}
}

func TestProcessBatchUnknownActionFailsTerminally(t *testing.T) {
	issues := newQueueIssueStore(&domain.Issue{ID: 1, ProjectName: "p"})
	tasks := &queueTaskStore{ready: []domain.SyncTask{
		{ID: 17, IssueID: 1, Action: domain.TaskAction("bogus"), MaxRetries: 3},
	}}

	p := newQueueProcessorForTest(issues, tasks, &fakeTracker{})
	report, err := p.ProcessBatch(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}
}

func TestProcessActionFiltersByAction(t *testing.T) {
	url := "https://gitlab.example.com/g/p/-/issues/42"
	issues := newQueueIssueStore(&domain.Issue{ID: 1, ProjectName: "p", Status: domain.IssueStatusOpen, GitlabURL: &url})
	tasks := &queueTaskStore{ready: []domain.SyncTask{
		{ID: 18, IssueID: 1, Action: domain.TaskActionCreate, MaxRetries: 3},
		{ID: 19, IssueID: 1, Action: domain.TaskActionSyncProgress, MaxRetries: 3},
	}}
	tracker := &fakeTracker{
		getFn: func(iid int) (*gitlab.Issue, error) {
			return &gitlab.Issue{IID: iid, State: gitlab.StateOpened, Labels: []string{"进度::Doing"}}, nil
		},
	}

	p := newQueueProcessorForTest(issues, tasks, tracker)
	report, err := p.ProcessAction(context.Background(), domain.TaskActionSyncProgress, 10, 5)
	if err != nil {
		t.Fatalf("ProcessAction: %v", err)
	}

	if report.Processed != 1 || report.Success != 1 {
		t.Fatalf("report = %+v, want only the sync_progress task processed", report)
	}
	if len(issues.progress) != 1 || issues.progress[0].progress != "进度::Doing" {
		t.Errorf("progress updates = %+v, want 进度::Doing stored", issues.progress)
	}
}
