// Package rest provides an HTTP client for the tasklink history API.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dohr-michael/tasklink/internal/messages"
)

// ListParams selects a page of records. BeforeSequenceID 0 selects the
// newest page.
type ListParams struct {
	TaskID           int64
	Limit            int
	BeforeSequenceID int64
}

// Task summarizes a task.
type Task struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Records   int       `json:"records"`
	Streaming bool      `json:"streaming"`
}

// TaskDetail is a task with all its records.
type TaskDetail struct {
	Task
	Items []messages.Record `json:"items"`
}

// Health is the backend health report.
type Health struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.Code)
	}
	return fmt.Sprintf("http %d: %s", e.Code, e.Message)
}

// Client talks to the backend REST API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client for baseURL (e.g. "http://127.0.0.1:18520").
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// ListRecords returns a page of a task's records, oldest first.
func (c *Client) ListRecords(ctx context.Context, p ListParams) ([]messages.Record, error) {
	q := url.Values{}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.BeforeSequenceID > 0 {
		q.Set("before", strconv.FormatInt(p.BeforeSequenceID, 10))
	}
	path := fmt.Sprintf("/api/tasks/%d/records", p.TaskID)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Items []messages.Record `json:"items"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return out.Items, nil
}

// GetTask returns a task with all its records.
func (c *Client) GetTask(ctx context.Context, taskID int64) (TaskDetail, error) {
	var out TaskDetail
	if err := c.get(ctx, fmt.Sprintf("/api/tasks/%d", taskID), &out); err != nil {
		return TaskDetail{}, fmt.Errorf("get task: %w", err)
	}
	return out, nil
}

// TaskDetail returns every record of a task.
func (c *Client) TaskDetail(ctx context.Context, taskID messages.TaskID) ([]messages.Record, error) {
	d, err := c.GetTask(ctx, int64(taskID))
	if err != nil {
		return nil, err
	}
	return d.Items, nil
}

// ListTasks returns every task.
func (c *Client) ListTasks(ctx context.Context) ([]Task, error) {
	var out struct {
		Items []Task `json:"items"`
	}
	if err := c.get(ctx, "/api/tasks", &out); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return out.Items, nil
}

// Health queries the backend health endpoint.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	if err := c.get(ctx, "/api/health", &out); err != nil {
		return Health{}, fmt.Errorf("health: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
