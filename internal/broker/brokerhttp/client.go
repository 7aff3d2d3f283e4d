package brokerhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	runinatorerrors "github.com/runinator/runinator/internal/errors"
	"github.com/runinator/runinator/internal/firing"
)

// Client is a broker.Queue implementation that talks to a remote
// Server over HTTP, selected by --broker-backend=http.
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
// a gossip.Selector callback when the freshest broker announcement
// changes, per spec.md §4.5.
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

func (c *Client) Publish(ctx context.Context, f *firing.Firing) (int64, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return 0, fmt.Errorf("marshal firing: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/publish", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, remoteError(resp)
	}

	var out struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode publish response: %w", err)
	}
	return out.ID, nil
}

func (c *Client) Lease(ctx context.Context, consumerID string, maxWait time.Duration) (*firing.Firing, error) {
	q := url.Values{}
	q.Set("consumer_id", consumerID)
	q.Set("wait_ms", strconv.FormatInt(maxWait.Milliseconds(), 10))

	resp, err := c.doRequest(ctx, http.MethodPost, "/lease?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil, nil
	case http.StatusOK:
		var f firing.Firing
		if err := json.NewDecoder(resp.Body).Decode(&f); err != nil {
			return nil, fmt.Errorf("decode lease response: %w", err)
		}
		return &f, nil
	default:
		return nil, remoteError(resp)
	}
}

func (c *Client) Ack(ctx context.Context, firingID int64, leaseToken string) error {
	body, _ := json.Marshal(ackRequest{LeaseToken: leaseToken})
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/ack/%d", firingID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return runinatorerrors.LeaseStale(fmt.Sprintf("firing %d", firingID))
	}
	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}
	return nil
}

func (c *Client) Nack(ctx context.Context, firingID int64, leaseToken string, requeue bool, reason string) error {
	body, _ := json.Marshal(nackRequest{LeaseToken: leaseToken, Requeue: requeue, Reason: reason})
	resp, err := c.doRequest(ctx, http.MethodPost, fmt.Sprintf("/nack/%d", firingID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return runinatorerrors.LeaseStale(fmt.Sprintf("firing %d", firingID))
	}
	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}
	return nil
}

func (c *Client) ListDead(ctx context.Context) ([]*firing.Firing, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/dead", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp)
	}

	var out []*firing.Firing
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode dead list response: %w", err)
	}
	return out, nil
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
		return nil, runinatorerrors.Transient(fmt.Sprintf("broker request failed: %v", err))
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
