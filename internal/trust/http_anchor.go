package trust

import (
	"context"
	"time"

	exchange "github.com/ocx/agentloop/pkg/trust"
)

// HTTPAnchor asks a trust exchange for a tool's verification status via
// GET {BaseURL}/tools/{id}/verification. A missing record is an error, so
// the gate blocks the call.
type HTTPAnchor struct {
	client *exchange.Client
}

// NewHTTPAnchor creates an anchor against baseURL.
func NewHTTPAnchor(baseURL, agentID string, timeout time.Duration) *HTTPAnchor {
	return &HTTPAnchor{client: exchange.NewClient(exchange.Config{
		ExchangeURL: baseURL,
		AgentID:     agentID,
		Timeout:     timeout,
	})}
}

// NewHTTPAnchorFromClient wraps an existing exchange client.
func NewHTTPAnchorFromClient(c *exchange.Client) *HTTPAnchor {
	return &HTTPAnchor{client: c}
}

func (a *HTTPAnchor) Status(ctx context.Context, toolID string) (VerificationStatus, error) {
	v, err := a.client.Verification(ctx, toolID)
	if err != nil {
		return nil, err
	}
	return StatusRecord{Status: v.Status, Result: v.Result, Reason: v.Reason, At: v.At}.ToStatus()
}
