// Package trust is a client for the trust exchange that records tool
// verification results. Agents query it before invoking a tool; verification
// pipelines publish to it.
package trust

import (
	"bytes"
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

// ErrNotFound is returned when the exchange holds no record for a tool.
var ErrNotFound = errors.New("trust exchange: no verification record")

// Config holds the client configuration
type Config struct {
	ExchangeURL string
	AgentID     string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Verification is the exchange's record for one tool.
type Verification struct {
	Status string    `json:"status"`
	Result string    `json:"result,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

// Client is the Trust Exchange client
type Client struct {
	baseURL string
	agentID string
	http    *http.Client
}

// NewClient creates a new Trust Exchange client
func NewClient(cfg Config) *Client {
	if cfg.ExchangeURL == "" {
		cfg.ExchangeURL = "http://localhost:8080"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.ExchangeURL, "/"),
		agentID: cfg.AgentID,
		http:    hc,
	}
}

func (c *Client) endpoint(toolID string) string {
	return c.baseURL + "/tools/" + url.PathEscape(toolID) + "/verification"
}

// Verification fetches the current record for toolID.
func (c *Client) Verification(ctx context.Context, toolID string) (Verification, error) {
	if toolID == "" {
		return Verification{}, errors.New("trust exchange: empty tool id")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(toolID), nil)
	if err != nil {
		return Verification{}, err
	}
	req.Header.Set("Accept", "application/json")
	InjectHeader(req, c.agentID)

	resp, err := c.http.Do(req)
	if err != nil {
		return Verification{}, fmt.Errorf("trust exchange request: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, toolID); err != nil {
		return Verification{}, err
	}

	var v Verification
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Verification{}, fmt.Errorf("decode verification: %w", err)
	}
	return v, nil
}

// Publish stores v as the record for toolID.
func (c *Client) Publish(ctx context.Context, toolID string, v Verification) error {
	if toolID == "" {
		return errors.New("trust exchange: empty tool id")
	}
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint(toolID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	InjectHeader(req, c.agentID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("trust exchange request: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp, toolID)
}

func checkStatus(resp *http.Response, toolID string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w for %s", ErrNotFound, toolID)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("trust exchange returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// InjectHeader identifies the calling agent on an outbound request
func InjectHeader(req *http.Request, agentID string) {
	if agentID != "" {
		req.Header.Set("X-Agent-ID", agentID)
	}
}
