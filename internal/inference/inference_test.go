package inference

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/agentloop/internal/action"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func finalResponse(answer string) Response {
	return Response{Actions: []action.ProposedAction{action.FinalAnswer{Content: answer}}}
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unclassified", base, true},
		{"retryable", Retryable(base), true},
		{"fatal", Fatal(base), false},
		{"wrapped fatal", fmt.Errorf("ctx: %w", Fatal(base)), false},
		{"cancelled", context.Canceled, false},
		{"retryable cancellation", Retryable(context.Canceled), false},
		{"deadline", context.DeadlineExceeded, true},
		{"malformed", ErrMalformedResponse, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
	assert.True(t, errors.Is(Fatal(base), base))
	assert.Nil(t, Retryable(nil))
	assert.Nil(t, Fatal(nil))
}

func TestResponseHelpers(t *testing.T) {
	resp := Response{Actions: []action.ProposedAction{
		action.ToolCall{ID: "a", Name: "x"},
		action.FinalAnswer{Content: "done"},
		action.ToolCall{ID: "b", Name: "y"},
	}}
	final, ok := resp.Final()
	require.True(t, ok)
	assert.Equal(t, "done", final.Content)
	calls := resp.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "a", calls[0].ID)
	assert.Equal(t, "b", calls[1].ID)

	assert.ErrorIs(t, Response{}.Validate(), ErrMalformedResponse)
	blank := Response{Actions: []action.ProposedAction{action.FinalAnswer{Content: " \n\t"}}}
	assert.ErrorIs(t, blank.Validate(), ErrMalformedResponse)
	assert.NoError(t, resp.Validate())
}

func TestWithRetry_RecoversFromTransientErrors(t *testing.T) {
	s := NewScripted(false,
		Step{Err: Retryable(errors.New("rate limited"))},
		Step{Response: Response{}},
		Step{Response: finalResponse("ok")},
	)
	b := WithRetry(s, fastPolicy(3), nil, nil)

	resp, err := b.Infer(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, 3, resp.Attempts)
	final, ok := resp.Final()
	require.True(t, ok)
	assert.Equal(t, "ok", final.Content)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	s := NewScripted(true, Step{Err: Retryable(errors.New("unavailable"))})
	b := WithRetry(s, fastPolicy(2), nil, nil)

	_, err := b.Infer(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempt(s)")
	assert.Equal(t, 2, s.Calls())
}

func TestWithRetry_FatalIsNotRetried(t *testing.T) {
	s := NewScripted(true, Step{Err: Fatal(errors.New("bad request"))})
	b := WithRetry(s, fastPolicy(5), nil, nil)

	_, err := b.Infer(context.Background(), Request{})
	require.Error(t, err)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 1, s.Calls())
}

func TestWithRetry_CancellationStopsImmediately(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	backend := BackendFunc(func(ctx context.Context, _ Request) (Response, error) {
		calls++
		cancel()
		return Response{}, errors.New("interrupted")
	})
	b := WithRetry(backend, fastPolicy(5), nil, nil)

	_, err := b.Infer(ctx, Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_PerAttemptTimeout(t *testing.T) {
	s := NewScripted(false,
		Step{Delay: time.Second, Response: finalResponse("slow")},
		Step{Response: finalResponse("fast")},
	)
	policy := fastPolicy(2)
	policy.CallTimeout = 10 * time.Millisecond
	b := WithRetry(s, policy, nil, nil)

	resp, err := b.Infer(context.Background(), Request{})
	require.NoError(t, err)
	final, _ := resp.Final()
	assert.Equal(t, "fast", final.Content)
	assert.Equal(t, 2, resp.Attempts)
}

func TestScripted_ExhaustionAndRepeat(t *testing.T) {
	s := NewScripted(false, Step{Response: finalResponse("one")})
	_, err := s.Infer(context.Background(), Request{})
	require.NoError(t, err)
	_, err = s.Infer(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrScriptExhausted)
	assert.False(t, IsRetryable(err))

	r := NewScripted(true, Step{Response: finalResponse("a")}, Step{Response: finalResponse("b")})
	for i, want := range []string{"a", "b", "b", "b"} {
		resp, err := r.Infer(context.Background(), Request{})
		require.NoError(t, err, "call %d", i)
		final, _ := resp.Final()
		assert.Equal(t, want, final.Content)
	}
	assert.Len(t, r.Requests(), 4)
}

func TestParseScript(t *testing.T) {
	script := `
repeat: true
steps:
  - content: "checking"
    prompt_tokens: 12
    completion_tokens: 3
    tool_calls:
      - id: c1
        name: search
        arguments: '{"q":"go"}'
      - name: clock
  - error: "overloaded"
    retryable: true
  - final: "done"
`
	s, err := ParseScript([]byte(script))
	require.NoError(t, err)
	require.Len(t, s.steps, 3)
	assert.True(t, s.repeat)

	first := s.steps[0].Response
	assert.Equal(t, "checking", first.Content)
	assert.Equal(t, 15, first.Usage.TotalTokens())
	calls := first.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "search", calls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(calls[0].Arguments))
	assert.Equal(t, "call_1_2", calls[1].ID)

	assert.True(t, IsRetryable(s.steps[1].Err))

	final, ok := s.steps[2].Response.Final()
	require.True(t, ok)
	assert.Equal(t, "done", final.Content)
}

func TestParseScript_Errors(t *testing.T) {
	_, err := ParseScript([]byte("steps: []"))
	assert.Error(t, err)

	_, err = ParseScript([]byte(`
steps:
  - tool_calls:
      - name: x
        arguments: '{not json'
`))
	assert.Error(t, err)

	_, err = ParseScript([]byte(":\n  - ["))
	assert.Error(t, err)
}
