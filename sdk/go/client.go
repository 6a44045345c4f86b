package releaseflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Releaseflow HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path, e.g. http://host:8080/api.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Task struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	AssigneeID  string    `json:"assignee_id"`
	OrderIndex  int       `json:"order_index"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Release struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Version         string     `json:"version"`
	Completed       bool       `json:"completed"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Tasks           []Task     `json:"tasks"`
}

// ReleaseTask is a task together with the release holding it.
type ReleaseTask struct {
	ReleaseID string `json:"release_id"`
	Task      Task   `json:"task"`
}

// NewTask describes a task to add to a release.
type NewTask struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	AssigneeID  string `json:"assignee_id"`
	OrderIndex  int    `json:"order_index"`
}

// Alert is a dead-lettered event surfaced to administrators.
type Alert struct {
	Topic         string    `json:"topic"`
	OriginalTopic string    `json:"original_topic"`
	Group         string    `json:"group,omitempty"`
	EventType     string    `json:"event_type"`
	EventID       string    `json:"event_id"`
	Source        string    `json:"source"`
	Reason        string    `json:"reason"`
	CapturedAt    time.Time `json:"captured_at"`
}

type FeedItem struct {
	ID        string          `json:"id"`
	EventType string          `json:"event_type"`
	Source    string          `json:"source"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// ReleaseContext is the chat digest of a release's task progress.
type ReleaseContext struct {
	ReleaseID   string    `json:"release_id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Completed   bool      `json:"completed"`
	Total       int       `json:"total"`
	Todo        int       `json:"todo"`
	InProcess   int       `json:"in_process"`
	Done        int       `json:"done"`
	Active      []string  `json:"active"`
	LastEvent   string    `json:"last_event"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// APIError wraps non-2xx responses. Code carries the server's machine-readable
// error code (e.g. "developer_busy") when the body could be decoded.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateRelease(ctx context.Context, name, version string) (Release, error) {
	body := map[string]any{
		"name":    name,
		"version": version,
	}
	var resp Release
	err := c.do(ctx, http.MethodPost, "releases", body, &resp)
	return resp, err
}

func (c *Client) ListReleases(ctx context.Context) ([]Release, error) {
	var resp []Release
	err := c.do(ctx, http.MethodGet, "releases", nil, &resp)
	return resp, err
}

func (c *Client) GetRelease(ctx context.Context, id string) (Release, error) {
	var resp Release
	err := c.do(ctx, http.MethodGet, "releases/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AddTask adds a task and returns the updated release. A completed release is reopened.
func (c *Client) AddTask(ctx context.Context, releaseID string, task NewTask) (Release, error) {
	var resp Release
	endpoint := fmt.Sprintf("releases/%s/tasks", url.PathEscape(releaseID))
	err := c.do(ctx, http.MethodPost, endpoint, task, &resp)
	return resp, err
}

func (c *Client) CompleteRelease(ctx context.Context, id string) (Release, error) {
	var resp Release
	endpoint := fmt.Sprintf("releases/%s/complete", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, nil, &resp)
	return resp, err
}

// MyTasks lists tasks assigned to the token's subject.
func (c *Client) MyTasks(ctx context.Context) ([]ReleaseTask, error) {
	var resp []ReleaseTask
	err := c.do(ctx, http.MethodGet, "tasks/my", nil, &resp)
	return resp, err
}

func (c *Client) StartTask(ctx context.Context, taskID string) (ReleaseTask, error) {
	return c.transition(ctx, taskID, "start")
}

func (c *Client) CompleteTask(ctx context.Context, taskID string) (ReleaseTask, error) {
	return c.transition(ctx, taskID, "complete")
}

func (c *Client) transition(ctx context.Context, taskID, verb string) (ReleaseTask, error) {
	var resp ReleaseTask
	endpoint := fmt.Sprintf("tasks/%s/%s", url.PathEscape(taskID), verb)
	err := c.do(ctx, http.MethodPatch, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	var resp []Alert
	err := c.do(ctx, http.MethodGet, withLimit("alerts/recent", limit), nil, &resp)
	return resp, err
}

func (c *Client) RecentFeed(ctx context.Context, limit int) ([]FeedItem, error) {
	var resp []FeedItem
	err := c.do(ctx, http.MethodGet, withLimit("feed/recent", limit), nil, &resp)
	return resp, err
}

func (c *Client) ReleaseContext(ctx context.Context, releaseID string) (ReleaseContext, error) {
	var resp ReleaseContext
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("releases/%s/context", url.PathEscape(releaseID)), nil, &resp)
	return resp, err
}

// ReportSystemError raises a SystemError event for administrators and returns its event id.
// An empty service is reported under the server's own name. Requires an ADMIN token.
func (c *Client) ReportSystemError(ctx context.Context, service, message string) (string, error) {
	body := map[string]any{
		"service": service,
		"message": message,
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	err := c.do(ctx, http.MethodPost, "notifications/system-error", body, &resp)
	return resp.EventID, err
}

func withLimit(endpoint string, limit int) string {
	if limit > 0 {
		return fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	return endpoint
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
