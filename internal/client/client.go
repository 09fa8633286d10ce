// Package client is a typed HTTP client for the tasking API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/models"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/stats"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/tasking"
)

// DefaultTimeout is the default timeout for API requests.
const DefaultTimeout = 10 * time.Second

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Message string
	Reason  string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("API error (%d): %s [%s]", e.Status, e.Message, e.Reason)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Client wraps HTTP calls to the tasking API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the server at baseURL.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string { return c.baseURL }

// Health returns the server health. The payload is returned alongside
// the error when the server answers but reports itself unhealthy.
func (c *Client) Health(ctx context.Context) (*tasking.HealthResponse, error) {
	var health tasking.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &health)
	if err != nil {
		if _, ok := err.(*APIError); ok {
			return &health, err
		}
		return nil, err
	}
	return &health, nil
}

// ListTasks lists a project's tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, projectID int64, status models.TaskStatus) ([]models.Task, error) {
	path := fmt.Sprintf("/projects/%d/tasks", projectID)
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var tasks []models.Task
	if err := c.do(ctx, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, projectID, taskID int64) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodGet, taskPath(projectID, taskID, ""), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// History fetches a task's ledger, newest first.
func (c *Client) History(ctx context.Context, projectID, taskID int64) ([]tasking.HistoryEntry, error) {
	var entries []tasking.HistoryEntry
	if err := c.do(ctx, http.MethodGet, taskPath(projectID, taskID, "/history"), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Summary fetches a project's progress summary.
func (c *Client) Summary(ctx context.Context, projectID int64) (*stats.Summary, error) {
	var sum stats.Summary
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/projects/%d/summary", projectID), nil, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// UserStats fetches a user's lifetime counters.
func (c *Client) UserStats(ctx context.Context, userID int64) (*models.UserCounters, error) {
	var uc models.UserCounters
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/users/%d/stats", userID), nil, &uc); err != nil {
		return nil, err
	}
	return &uc, nil
}

// Lock opens a work session of the given kind on a task.
func (c *Client) Lock(ctx context.Context, kind models.LockKind, projectID, taskID, userID int64) (*models.Task, error) {
	return c.action(ctx, taskPath(projectID, taskID, "/lock-for-"+kind.String()), tasking.ActionRequest{UserID: userID})
}

// Unlock closes a work session with an outcome and optional comment.
func (c *Client) Unlock(ctx context.Context, kind models.LockKind, projectID, taskID, userID int64, outcome models.TaskStatus, comment string) (*models.Task, error) {
	req := tasking.ActionRequest{UserID: userID, Outcome: outcome, Comment: comment}
	return c.action(ctx, taskPath(projectID, taskID, "/unlock-after-"+kind.String()), req)
}

// Undo reverts the task's last settle.
func (c *Client) Undo(ctx context.Context, projectID, taskID, userID int64) (*models.Task, error) {
	return c.action(ctx, taskPath(projectID, taskID, "/undo"), tasking.ActionRequest{UserID: userID})
}

// AutoUnlock asks the server to release locks older than timeout. A zero
// timeout uses the server's configured default.
func (c *Client) AutoUnlock(ctx context.Context, timeout time.Duration) (*tasking.SweepResult, error) {
	body := map[string]int{}
	if timeout > 0 {
		body["timeout_seconds"] = int(timeout.Seconds())
	}
	var res tasking.SweepResult
	if err := c.do(ctx, http.MethodPost, "/admin/auto-unlock", body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) action(ctx context.Context, path string, req tasking.ActionRequest) (*models.Task, error) {
	var task models.Task
	if err := c.do(ctx, http.MethodPost, path, req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func taskPath(projectID, taskID int64, suffix string) string {
	return fmt.Sprintf("/projects/%d/tasks/%d%s", projectID, taskID, suffix)
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: string(bytes.TrimSpace(data))}
		var er tasking.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Message = er.Error
			apiErr.Reason = er.Reason
		}
		// health still carries a payload on 503
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
