package inference

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ocx/agentloop/internal/metrics"
)

// RetryPolicy controls WithRetry.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CallTimeout bounds each attempt. Zero means only the caller's context
	// bounds it.
	CallTimeout time.Duration
}

// DefaultRetryPolicy makes three attempts with a short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		CallTimeout:     60 * time.Second,
	}
}

type retryingBackend struct {
	next    Backend
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// WithRetry wraps next so that retryable failures and malformed responses
// are retried with exponential backoff. Responses returned through it are
// already validated.
func WithRetry(next Backend, policy RetryPolicy, m *metrics.Metrics, logger *slog.Logger) Backend {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &retryingBackend{next: next, policy: policy, metrics: m, logger: logger}
}

func (r *retryingBackend) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	return b
}

func (r *retryingBackend) Infer(ctx context.Context, req Request) (Response, error) {
	attempts := 0

	op := func() (Response, error) {
		attempts++
		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if r.policy.CallTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
		}
		defer cancel()

		resp, err := r.next.Infer(callCtx, req)
		if err == nil {
			err = resp.Validate()
		}
		if err == nil {
			r.metrics.RecordInference("ok")
			return resp, nil
		}

		if ctx.Err() != nil {
			r.metrics.RecordInference("error")
			return Response{}, backoff.Permanent(ctx.Err())
		}
		if !IsRetryable(err) {
			r.metrics.RecordInference("error")
			return Response{}, backoff.Permanent(err)
		}
		r.metrics.RecordInference("retry")
		return Response{}, err
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Warn("inference attempt failed, retrying", "attempt", attempts, "wait", wait, "error", err)
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return Response{}, fmt.Errorf("inference failed after %d attempt(s): %w", attempts, err)
	}
	resp.Attempts = attempts
	return resp, nil
}
