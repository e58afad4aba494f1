package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanhollander/assetforge/internal/config"
	"github.com/jonathanhollander/assetforge/internal/models"
)

type scriptedBackend struct {
	calls   int
	results []error // nil means success on that attempt
	output  Output
}

func (s *scriptedBackend) Generate(ctx context.Context, req models.GenerationRequest) (Output, error) {
	idx := s.calls
	s.calls++
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	if err := s.results[idx]; err != nil {
		return Output{}, err
	}
	return s.output, nil
}

func testProviderConfig(id string) config.Provider {
	return config.Provider{
		ID:          id,
		CostPerCall: 0.04,
		Timeout:     config.Duration(time.Second),
	}
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 4 * time.Millisecond}
}

func TestInvokeSuccessFirstAttempt(t *testing.T) {
	backend := &scriptedBackend{
		results: []error{nil},
		output:  Output{Content: []byte("hello"), ContentType: "text/plain"},
	}
	client := NewClient(testProviderConfig("p1"), fastPolicy(), backend)

	v := client.Invoke(context.Background(), models.GenerationRequest{Brief: "x"})
	require.True(t, v.Succeeded())
	assert.Equal(t, "p1", v.ProviderID)
	assert.Equal(t, 1, v.Attempts)
	assert.Equal(t, []byte("hello"), v.Content)
	assert.Equal(t, models.MicrosFromFloat(0.04), client.CostPerCall())
}

func TestInvokeRetriesTransientThenSucceeds(t *testing.T) {
	backend := &scriptedBackend{
		results: []error{
			NewFailure(models.FailureTransport, "connection reset"),
			NewFailure(models.FailureRateLimited, "429 slow down"),
			nil,
		},
		output: Output{Content: []byte("ok"), ContentType: "text/plain"},
	}
	client := NewClient(testProviderConfig("p1"), fastPolicy(), backend)

	v := client.Invoke(context.Background(), models.GenerationRequest{})
	require.True(t, v.Succeeded())
	assert.Equal(t, 3, v.Attempts)
}

func TestInvokeContentRejectionIsNotRetried(t *testing.T) {
	backend := &scriptedBackend{
		results: []error{NewFailure(models.FailureContentRejected, "policy")},
	}
	client := NewClient(testProviderConfig("p1"), fastPolicy(), backend)

	v := client.Invoke(context.Background(), models.GenerationRequest{})
	assert.False(t, v.Succeeded())
	assert.Equal(t, models.FailureContentRejected, v.FailureKind)
	assert.Equal(t, 1, backend.calls, "deterministic rejection must not be retried")
}

// Exhausting retries demotes the call to a failed variant, never an error
// crossing the client boundary.
func TestInvokeExhaustionDemotesToFailedVariant(t *testing.T) {
	backend := &scriptedBackend{
		results: []error{NewFailure(models.FailureTransport, "down")},
	}
	client := NewClient(testProviderConfig("p1"), fastPolicy(), backend)

	v := client.Invoke(context.Background(), models.GenerationRequest{})
	assert.False(t, v.Succeeded())
	assert.Equal(t, models.FailureTransport, v.FailureKind)
	assert.Equal(t, 3, backend.calls)
	assert.Equal(t, 3, v.Attempts)
}

func TestInvokeRespectsCancelledContext(t *testing.T) {
	backend := &scriptedBackend{
		results: []error{NewFailure(models.FailureTransport, "down")},
	}
	client := NewClient(testProviderConfig("p1"), fastPolicy(), backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	v := client.Invoke(ctx, models.GenerationRequest{})
	assert.False(t, v.Succeeded())
	assert.Equal(t, 0, backend.calls)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want models.FailureKind
	}{
		{context.DeadlineExceeded, models.FailureProviderTimeout},
		{errors.New("HTTP 429 Too Many Requests"), models.FailureRateLimited},
		{errors.New("rejected by content policy"), models.FailureContentRejected},
		{errors.New("flagged by moderation"), models.FailureContentRejected},
		{errors.New("connection refused"), models.FailureTransport},
		{NewFailure(models.FailureRateLimited, "passthrough"), models.FailureRateLimited},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err).Kind, "classifying %v", tc.err)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(4))
	assert.Equal(t, 500*time.Millisecond, p.Backoff(10))
}

func TestRetryableKinds(t *testing.T) {
	assert.True(t, models.FailureProviderTimeout.Retryable())
	assert.True(t, models.FailureRateLimited.Retryable())
	assert.True(t, models.FailureTransport.Retryable())
	assert.False(t, models.FailureContentRejected.Retryable())
	assert.False(t, models.FailureBudgetExceeded.Retryable())
}
