// Copyright 2024-2026 Aiku AI

// Package cloneapi is a client for the link-replacement backend that clones
// captured messages with affiliate links and schedules their redistribution.
//
// Responses are returned as raw JSON; callers proxy them or peek at the few
// fields they need.
package cloneapi

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

// Default per-request timeouts.
const (
	DefaultCloneTimeout = 30 * time.Second
	DefaultBatchTimeout = 60 * time.Second
	DefaultStatsTimeout = 5 * time.Second
	DefaultQueueTimeout = 10 * time.Second
)

// DefaultQueueStatus is sent when listing the queue without a status filter.
const DefaultQueueStatus = "todos"

// maxResponseSize bounds how much of a backend response is read (8 MB).
const maxResponseSize = 8 << 20

// CloneRequest is a single message submitted for cloning.
type CloneRequest struct {
	Text        string `json:"mensagem"`
	ImageURL    string `json:"imagem_url,omitempty"`
	SourceGroup string `json:"grupo_origem,omitempty"`
	SourceName  string `json:"grupo_origem_nome,omitempty"`
}

// Empty reports whether the request carries neither text nor an image.
func (r CloneRequest) Empty() bool {
	return r.Text == "" && r.ImageURL == ""
}

type cloneBatch struct {
	Messages []CloneRequest `json:"mensagens"`
}

// Error is returned when the backend answers with a non-2xx status.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("backend returned HTTP %d: %s", e.StatusCode, body)
}

// Timeouts are the per-request deadlines applied to each endpoint.
type Timeouts struct {
	Clone time.Duration
	Batch time.Duration
	Stats time.Duration
	Queue time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Clone <= 0 {
		t.Clone = DefaultCloneTimeout
	}
	if t.Batch <= 0 {
		t.Batch = DefaultBatchTimeout
	}
	if t.Stats <= 0 {
		t.Stats = DefaultStatsTimeout
	}
	if t.Queue <= 0 {
		t.Queue = DefaultQueueTimeout
	}
	return t
}

// Client talks to the backend over HTTP.
type Client struct {
	baseURL  string
	http     *http.Client
	timeouts Timeouts
}

// New creates a client for the backend at baseURL. A nil httpClient uses
// http.DefaultClient.
func New(baseURL string, httpClient *http.Client, timeouts Timeouts) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     httpClient,
		timeouts: timeouts.withDefaults(),
	}
}

// BaseURL returns the backend root URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// CloneMessage submits one message for cloning.
func (c *Client) CloneMessage(ctx context.Context, req CloneRequest) (json.RawMessage, error) {
	return c.do(ctx, c.timeouts.Clone, http.MethodPost, "/whatsapp/clone-message", req)
}

// CloneMultiple submits several messages in a single request.
func (c *Client) CloneMultiple(ctx context.Context, reqs []CloneRequest) (json.RawMessage, error) {
	return c.do(ctx, c.timeouts.Batch, http.MethodPost, "/whatsapp/clone-multiple", cloneBatch{Messages: reqs})
}

// QueueStats returns the backend's redistribution queue statistics.
func (c *Client) QueueStats(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, c.timeouts.Stats, http.MethodGet, "/fila-mensagens/estatisticas", nil)
}

// Queue lists queued messages filtered by status. An empty status lists all.
func (c *Client) Queue(ctx context.Context, status string) (json.RawMessage, error) {
	if status == "" {
		status = DefaultQueueStatus
	}
	path := "/fila-mensagens?" + url.Values{"status": {status}}.Encode()
	return c.do(ctx, c.timeouts.Queue, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("backend returned invalid JSON for %s %s", method, path)
	}
	return json.RawMessage(data), nil
}
