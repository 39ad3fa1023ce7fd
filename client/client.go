package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"kanban-api/domain"
)

const defaultTimeout = 10 * time.Second

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Client wraps http.Client with helpers for the board endpoints.
type Client struct {
	BaseURL string
	Bearer  string
	HTTP    *http.Client
}

// New creates a new Client.
func New(baseURL, bearer string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

// Create adds a task. A non-empty idempotencyKey is sent as Idempotency-Key.
func (c *Client) Create(ctx context.Context, title, idempotencyKey string) (domain.Task, error) {
	var out domain.Task
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	err := c.do(ctx, http.MethodPost, "/tasks", header, map[string]string{"title": title}, &out)
	return out, err
}

// List returns all tasks ordered by position.
func (c *Client) List(ctx context.Context) ([]domain.Task, error) {
	var out []domain.Task
	err := c.do(ctx, http.MethodGet, "/tasks", nil, nil, &out)
	return out, err
}

// Move sends a status and/or target change for id.
func (c *Client) Move(ctx context.Context, id string, req domain.MoveRequest) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id), nil, req, &out)
	return out, err
}

// Delete removes id and returns the deleted task.
func (c *Client) Delete(ctx context.Context, id string) (domain.Task, error) {
	var out domain.Task
	err := c.do(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

// Logs returns the newest log entries. A non-positive limit uses the server default.
func (c *Client) Logs(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	path := "/logs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.LogEntry
	err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
