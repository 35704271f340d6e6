// Package push writes runs to a remote tviz server over its ingest API.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kon-rad/tviz"
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("push status %d", e.StatusCode)
	}
	return fmt.Sprintf("push status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the same request may succeed later.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type Client struct {
	baseURL     string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration

	mu     sync.Mutex
	random *rand.Rand
}

type RunOptions struct {
	Name     string
	Type     string
	Modality tviz.Modality
	Config   map[string]any
}

// Run is a run opened on the server. Its methods mirror tviz.Logger.
type Run struct {
	c   *Client
	ID  string
	URL string
}

func New(baseURL string) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  5,
		baseBackoff: 500 * time.Millisecond,
		random:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Client) SetTestOptions(client *http.Client, retries int, backoff time.Duration) {
	if client != nil {
		c.httpClient = client
	}
	c.maxRetries = retries
	c.baseBackoff = backoff
}

func (c *Client) CreateRun(ctx context.Context, opts RunOptions) (*Run, error) {
	if c.baseURL == "" {
		return nil, errors.New("push endpoint not configured")
	}
	body := struct {
		Name     string         `json:"name,omitempty"`
		Type     string         `json:"type,omitempty"`
		Modality string         `json:"modality,omitempty"`
		Config   map[string]any `json:"config,omitempty"`
	}{opts.Name, opts.Type, string(opts.Modality), opts.Config}

	var resp struct {
		RunID string `json:"run_id"`
		URL   string `json:"url"`
	}
	if err := c.send(ctx, "/v1/runs", body, &resp, false); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	if resp.RunID == "" {
		return nil, errors.New("create run: empty run_id in response")
	}
	return &Run{c: c, ID: resp.RunID, URL: resp.URL}, nil
}

// LogMetrics is retried on transient failures since the server replaces a
// step on every write.
func (r *Run) LogMetrics(ctx context.Context, metrics map[string]float64, step int64) error {
	body := struct {
		Step    int64              `json:"step"`
		Metrics map[string]float64 `json:"metrics"`
	}{step, metrics}
	if err := r.c.send(ctx, r.path("metrics"), body, nil, true); err != nil {
		return fmt.Errorf("log metrics step %d: %w", step, err)
	}
	return nil
}

// LogRollouts is sent once; a retry after a lost response could store the
// batch twice.
func (r *Run) LogRollouts(ctx context.Context, rollouts []tviz.RawRollout, step int64) error {
	body := struct {
		Step     int64             `json:"step"`
		Rollouts []tviz.RawRollout `json:"rollouts"`
	}{step, rollouts}
	if err := r.c.send(ctx, r.path("rollouts"), body, nil, false); err != nil {
		return fmt.Errorf("log rollouts step %d: %w", step, err)
	}
	return nil
}

func (r *Run) Close(ctx context.Context) error {
	if err := r.c.send(ctx, r.path("close"), struct{}{}, nil, false); err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	return nil
}

func (r *Run) path(action string) string {
	return "/v1/runs/" + url.PathEscape(r.ID) + "/" + action
}

func (c *Client) send(ctx context.Context, path string, in, out any, retry bool) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	attempts := 1
	if retry && c.maxRetries > 1 {
		attempts = c.maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = c.do(ctx, path, body, out)
		if lastErr == nil {
			return nil
		}
		var se *StatusError
		if errors.As(lastErr, &se) && !se.Temporary() {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		maxSleep := c.baseBackoff * time.Duration(1<<attempt)
		if maxSleep > 30*time.Second {
			maxSleep = 30 * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.jitter(maxSleep)):
		}
	}
	if attempts > 1 {
		return fmt.Errorf("push failed after retries: %w", lastErr)
	}
	return lastErr
}

func (c *Client) do(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &StatusError{StatusCode: resp.StatusCode, Message: e.Error}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) jitter(max time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.random.Int63n(int64(max) + 1))
}
