// Package sdk is a Go client for the agentloop inspection API.
//
// Use it from dashboards, CI checks or audit jobs that need to read run
// history without opening the journal database:
//
//	client := sdk.NewClient(sdk.Config{BaseURL: "http://localhost:8090"})
//
//	v, err := client.Verify(ctx)
//	if err == nil && !v.Valid {
//	    // The hash chain was tampered with
//	}
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown runs.
var ErrNotFound = errors.New("agentloop-sdk: not found")

// Config holds the SDK configuration.
type Config struct {
	// BaseURL is the ops server endpoint, e.g. "http://localhost:8090"
	BaseURL string

	// AgentID is sent as X-Agent-ID; the server rate-limits per caller
	AgentID string

	// Timeout per request (default 10s)
	Timeout time.Duration
}

// Client reads from an agentloop ops server.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a new SDK client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8090"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Health fetches the server's health report.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.get(ctx, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Runs lists journaled runs, optionally for a single agent.
func (c *Client) Runs(ctx context.Context, agentID string) ([]Run, error) {
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	var runs []Run
	if err := c.get(ctx, "/runs", q, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunJournal returns every entry of runID in order.
func (c *Client) RunJournal(ctx context.Context, runID string) ([]Entry, error) {
	var entries []Entry
	if err := c.get(ctx, "/runs/"+url.PathEscape(runID)+"/journal", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Replay rebuilds runID's state on the server.
func (c *Client) Replay(ctx context.Context, runID string) (*Replay, error) {
	var r Replay
	if err := c.get(ctx, "/runs/"+url.PathEscape(runID)+"/replay", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Verify runs a full chain check. A broken chain is reported through
// Valid, not as an error.
func (c *Client) Verify(ctx context.Context) (*Verification, error) {
	var v Verification
	err := c.get(ctx, "/journal/verify", nil, &v)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		if jerr := json.Unmarshal(se.Body, &v); jerr == nil {
			return &v, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agentloop-sdk: server returned %d: %s", e.Code, strings.TrimSpace(string(e.Body)))
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out interface{}) error {
	u := c.config.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("agentloop-sdk: failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.AgentID != "" {
		req.Header.Set("X-Agent-ID", c.config.AgentID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("agentloop-sdk: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("agentloop-sdk: failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: body}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("agentloop-sdk: failed to parse response: %w", err)
	}
	return nil
}
