// Package webserviceclient is a repository.TaskRepository implementation
// that talks to a remote webservice.Server over HTTP, the production
// path spec.md §4.3/§4.4 call for: the scheduler loads/advances tasks
// "from the web service via its tasks endpoint" and the worker posts
// TaskRuns "to the web service", reserving direct repository access
// for embedded tests. Mirrors internal/broker/brokerhttp.Client's
// shape (swappable base URL, doRequest helper, remoteError decoding).
package webserviceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	runinatorerrors "github.com/runinator/runinator/internal/errors"
	"github.com/runinator/runinator/internal/repository"
)

// Client is a repository.TaskRepository backed by the web service's
// HTTP API, selected whenever the scheduler/worker run outside
// embedded-test mode.
type Client struct {
	mu      sync.RWMutex
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// SetBaseURL redirects subsequent requests to a new address — used by
// a gossip.Selector callback when the freshest web_service
// announcement changes, per spec.md §4.5.
func (c *Client) SetBaseURL(baseURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = baseURL
}

func (c *Client) currentBaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// DueTasks fetches every task via GET /tasks and filters/sorts
// client-side, the same selection repository.InMemory.DueTasks applies
// in embedded mode.
func (c *Client) DueTasks(ctx context.Context, now time.Time) ([]repository.ScheduledTask, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/tasks", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp)
	}

	var tasks []repository.ScheduledTask
	if err := json.NewDecoder(resp.Body).Decode(&tasks); err != nil {
		return nil, fmt.Errorf("decode tasks response: %w", err)
	}

	var due []repository.ScheduledTask
	for _, t := range tasks {
		if !t.IsEnabled() {
			continue
		}
		if t.NextExecution == nil || t.NextExecution.After(now) {
			continue
		}
		due = append(due, t)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextExecution.Before(*due[j].NextExecution)
	})
	return due, nil
}

// AdvanceNextExecution persists a task's new next_execution via a
// partial PATCH /tasks/{id}, leaving every other field untouched.
func (c *Client) AdvanceNextExecution(ctx context.Context, taskID int64, next time.Time) error {
	patch := repository.ScheduledTask{NextExecution: &next}
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal next_execution patch: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPatch, fmt.Sprintf("/tasks/%d", taskID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}
	return nil
}

// RecordRun posts a completed TaskRun to POST /task_runs.
func (c *Client) RecordRun(ctx context.Context, run repository.TaskRun) error {
	body, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal task run: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/task_runs", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body *bytes.Reader) (*http.Response, error) {
	var reqBody *bytes.Reader
	if body != nil {
		reqBody = body
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.currentBaseURL()+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, runinatorerrors.Transient(fmt.Sprintf("web service request failed: %v", err))
	}
	return resp, nil
}

func remoteError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	return runinatorerrors.Remote(resp.StatusCode, body.Message)
}
