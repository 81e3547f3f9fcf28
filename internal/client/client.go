// Package client provides an HTTP client for the sitekb server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/sitekb/internal/api"
	"github.com/raphaelgruber/sitekb/internal/metrics"
	"github.com/raphaelgruber/sitekb/internal/models"
	"github.com/raphaelgruber/sitekb/internal/service"
	"github.com/raphaelgruber/sitekb/internal/vectorindex"
)

// Client talks to the sitekb HTTP API.
type Client struct {
	endpoint   string
	httpClient *http.Client
}

// New creates a new client.
// If endpoint is empty, uses SITEKB_SERVER_URL env var or defaults to localhost:8484.
// Timeout can be configured via SITEKB_CLIENT_TIMEOUT env var (default 2m).
func New(endpoint string) *Client {
	if endpoint == "" {
		endpoint = os.Getenv("SITEKB_SERVER_URL")
	}
	if endpoint == "" {
		endpoint = "http://localhost:8484"
	}

	timeout := 2 * time.Minute
	if t := os.Getenv("SITEKB_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	// JobID is set when the server refused because of an active job.
	JobID string
}

func (e *APIError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s (active job %s)", e.Message, e.JobID)
	}
	return e.Message
}

// Is maps status codes back to the model sentinel errors.
func (e *APIError) Is(target error) bool {
	switch target {
	case models.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case models.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest
	}
	return false
}

func collectionPath(tenantID, collectionID string) string {
	return "/v1/tenants/" + url.PathEscape(tenantID) + "/collections/" + url.PathEscape(collectionID)
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		var e api.ErrorResponse
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error, JobID: e.JobID}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// StartIndexing starts a crawl of domain into the collection.
func (c *Client) StartIndexing(ctx context.Context, tenantID, collectionID string, req api.IndexRequest) (*models.JobRef, error) {
	var ref models.JobRef
	if err := c.do(ctx, http.MethodPost, collectionPath(tenantID, collectionID)+"/index", req, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// Reindex reruns the collection's most recent job.
func (c *Client) Reindex(ctx context.Context, tenantID, collectionID string) (*models.JobRef, error) {
	var ref models.JobRef
	if err := c.do(ctx, http.MethodPost, collectionPath(tenantID, collectionID)+"/reindex", nil, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// GetStatus returns the collection's current or most recent job.
func (c *Client) GetStatus(ctx context.Context, tenantID, collectionID string) (*models.IndexingJob, error) {
	var job models.IndexingJob
	if err := c.do(ctx, http.MethodGet, collectionPath(tenantID, collectionID)+"/status", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Cancel requests cancellation of the collection's active job.
func (c *Client) Cancel(ctx context.Context, tenantID, collectionID string) (*models.IndexingJob, error) {
	var job models.IndexingJob
	if err := c.do(ctx, http.MethodPost, collectionPath(tenantID, collectionID)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// DeleteCollection removes every document of the collection.
func (c *Client) DeleteCollection(ctx context.Context, tenantID, collectionID string) (*vectorindex.DeleteReport, error) {
	var report vectorindex.DeleteReport
	if err := c.do(ctx, http.MethodDelete, collectionPath(tenantID, collectionID), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Retrieve assembles context for query from the collection.
func (c *Client) Retrieve(ctx context.Context, tenantID, collectionID string, req api.RetrieveRequest) (*service.Retrieval, error) {
	var out service.Retrieval
	if err := c.do(ctx, http.MethodPost, collectionPath(tenantID, collectionID)+"/retrieve", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reconcile sweeps orphans of one tenant.
func (c *Client) Reconcile(ctx context.Context, tenantID string) (*vectorindex.ReconcileReport, error) {
	var report vectorindex.ReconcileReport
	if err := c.do(ctx, http.MethodPost, "/v1/tenants/"+url.PathEscape(tenantID)+"/reconcile", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ListJobs lists the tenant's jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, tenantID string, limit int) ([]models.IndexingJob, error) {
	path := "/v1/tenants/" + url.PathEscape(tenantID) + "/jobs"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var list api.JobList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Jobs, nil
}

// GetJob fetches a job by id.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.IndexingJob, error) {
	var job models.IndexingJob
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetServerStats returns the server's runtime statistics.
func (c *Client) GetServerStats(ctx context.Context) (*metrics.Snapshot, error) {
	var snap metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WatchStatus streams job snapshots for the collection until the job reaches
// a terminal state. onUpdate is invoked for each snapshot; return an error
// from onUpdate to abort.
func (c *Client) WatchStatus(
	ctx context.Context,
	tenantID, collectionID string,
	onUpdate func(job models.IndexingJob) error,
) error {
	wsEndpoint := c.endpoint
	wsEndpoint = strings.Replace(wsEndpoint, "http://", "ws://", 1)
	wsEndpoint = strings.Replace(wsEndpoint, "https://", "wss://", 1)

	u, err := url.Parse(wsEndpoint + collectionPath(tenantID, collectionID) + "/status/stream")
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return &APIError{StatusCode: resp.StatusCode, Message: "no job found for collection"}
		}
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var msg api.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read message: %w", err)
		}

		switch msg.Type {
		case api.StreamStatus:
			if msg.Job == nil {
				continue
			}
			if err := onUpdate(*msg.Job); err != nil {
				return err
			}
		case api.StreamError:
			return errors.New(msg.Error)
		}
	}
}
