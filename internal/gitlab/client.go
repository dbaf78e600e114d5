// Package gitlab wraps the remote tracker's REST API (GitLab v4).
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/kohill/issuesync/internal/domain"
)

// Issue is the remote tracker's issue object, referenced locally by its
// web URL and iid but never owned.
type Issue struct {
	IID         int      `json:"iid"`
	ProjectID   int      `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Labels      []string `json:"labels"`
	State       string   `json:"state"`
	WebURL      string   `json:"web_url"`
	UpdatedAt   string   `json:"updated_at"`
}

// States of a remote issue.
const (
	StateOpened = "opened"
	StateClosed = "closed"
)

// CreateIssueRequest carries the fields of a new remote issue.
type CreateIssueRequest struct {
	Title       string
	Description string
	Labels      []string
	AssigneeIDs []int
}

// UpdateIssueRequest carries the mutable fields of a remote issue. Nil
// pointers and nil slices leave the remote value untouched. StateEvent
// "close" closes the issue.
type UpdateIssueRequest struct {
	Title       *string
	Description *string
	Labels      []string
	StateEvent  string
}

// APIError is a non-2xx response from the remote tracker.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gitlab API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the failure is worth retrying: server errors
// and rate limiting are, client errors are not.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Client is an authenticated GitLab API client scoped to one project.
type Client struct {
	baseURL    string
	projectID  int
	httpClient *http.Client
}

// NewClient creates a client for the given GitLab instance and project.
// The private token is sent as a bearer token on every request.
func NewClient(baseURL, token string, projectID int) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := oauth2.NewClient(context.Background(), src)
	httpClient.Timeout = 30 * time.Second

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		projectID:  projectID,
		httpClient: httpClient,
	}
}

// CreateIssue creates a remote issue and returns it.
func (c *Client) CreateIssue(ctx context.Context, req CreateIssueRequest) (*Issue, error) {
	body := map[string]any{"title": req.Title}
	if req.Description != "" {
		body["description"] = req.Description
	}
	if len(req.Labels) > 0 {
		body["labels"] = strings.Join(req.Labels, ",")
	}
	if len(req.AssigneeIDs) > 0 {
		body["assignee_ids"] = req.AssigneeIDs
	}

	var issue Issue
	path := fmt.Sprintf("/api/v4/projects/%d/issues", c.projectID)
	if err := c.do(ctx, http.MethodPost, path, body, &issue); err != nil {
		return nil, fmt.Errorf("create issue %q: %w", req.Title, err)
	}
	return &issue, nil
}

// UpdateIssue updates a remote issue and returns its new state.
func (c *Client) UpdateIssue(ctx context.Context, iid int, upd UpdateIssueRequest) (*Issue, error) {
	body := map[string]any{}
	if upd.Title != nil {
		body["title"] = *upd.Title
	}
	if upd.Description != nil {
		body["description"] = *upd.Description
	}
	if upd.Labels != nil {
		body["labels"] = strings.Join(upd.Labels, ",")
	}
	if upd.StateEvent != "" {
		body["state_event"] = upd.StateEvent
	}

	var issue Issue
	path := fmt.Sprintf("/api/v4/projects/%d/issues/%d", c.projectID, iid)
	if err := c.do(ctx, http.MethodPut, path, body, &issue); err != nil {
		return nil, fmt.Errorf("update issue %d: %w", iid, err)
	}
	return &issue, nil
}

// CloseIssue closes a remote issue.
func (c *Client) CloseIssue(ctx context.Context, iid int) (*Issue, error) {
	return c.UpdateIssue(ctx, iid, UpdateIssueRequest{StateEvent: "close"})
}

// GetIssue retrieves a remote issue by iid.
func (c *Client) GetIssue(ctx context.Context, iid int) (*Issue, error) {
	var issue Issue
	path := fmt.Sprintf("/api/v4/projects/%d/issues/%d", c.projectID, iid)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, fmt.Errorf("get issue %d: %w", iid, err)
	}
	return &issue, nil
}

// ListIssues retrieves project issues in the given state ("opened",
// "closed" or "all").
func (c *Client) ListIssues(ctx context.Context, state string) ([]Issue, error) {
	path := fmt.Sprintf("/api/v4/projects/%d/issues?%s", c.projectID,
		url.Values{"state": {state}, "per_page": {"100"}}.Encode())

	var issues []Issue
	if err := c.do(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, fmt.Errorf("list %s issues: %w", state, err)
	}
	return issues, nil
}

// UserIDByUsername resolves a GitLab username to a user ID.
func (c *Client) UserIDByUsername(ctx context.Context, username string) (int, error) {
	path := "/api/v4/users?" + url.Values{"username": {username}}.Encode()

	var users []struct {
		ID int `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return 0, fmt.Errorf("look up user %q: %w", username, err)
	}
	if len(users) == 0 {
		return 0, fmt.Errorf("look up user %q: %w", username, domain.ErrNotFound)
	}
	return users[0].ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// issueIIDPattern matches the trailing numeric path segment of a remote
// issue URL, with or without the "/-/" separator newer GitLab versions
// insert.
var issueIIDPattern = regexp.MustCompile(`/issues/(\d+)/?$`)

// IssueIIDFromURL extracts the remote issue iid from its web URL. An
// unparsable URL is a terminal condition: no retry can fix it.
func IssueIIDFromURL(rawURL string) (int, error) {
	m := issueIIDPattern.FindStringSubmatch(strings.TrimSpace(rawURL))
	if m == nil {
		return 0, fmt.Errorf("no issue iid in URL %q: %w", rawURL, domain.ErrTerminal)
	}
	iid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("parse issue iid from URL %q: %w", rawURL, domain.ErrTerminal)
	}
	return iid, nil
}

// BuildIssueURL constructs the web URL of a remote issue from its project
// path and iid, the inverse of IssueIIDFromURL.
func BuildIssueURL(baseURL, projectPath string, iid int) string {
	return fmt.Sprintf("%s/%s/-/issues/%d",
		strings.TrimSuffix(baseURL, "/"), strings.Trim(projectPath, "/"), iid)
}
