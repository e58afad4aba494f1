// Package provider is the uniform boundary to one generative model provider.
// A Client issues exactly one logical request and reports either a usable
// candidate or a classified failure value; it never touches budget state and
// never lets a raw transport error escape unclassified.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jonathanhollander/assetforge/internal/config"
	"github.com/jonathanhollander/assetforge/internal/models"
)

// Failure is a classified provider error. It is a value, not a panic: every
// path through Invoke ends in either content or one of these.
type Failure struct {
	Kind  models.FailureKind
	Cause string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Cause)
}

// NewFailure builds a Failure with a formatted cause.
func NewFailure(kind models.FailureKind, format string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, Cause: fmt.Sprintf(format, args...)}
}

// Classify maps an arbitrary error from an SDK or transport into the closed
// failure taxonomy. Errors that are already a *Failure pass through.
func Classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: models.FailureProviderTimeout, Cause: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Failure{Kind: models.FailureProviderTimeout, Cause: err.Error()}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit"):
		return &Failure{Kind: models.FailureRateLimited, Cause: err.Error()}
	case strings.Contains(msg, "content policy") || strings.Contains(msg, "content_policy") ||
		strings.Contains(msg, "safety") || strings.Contains(msg, "moderation"):
		return &Failure{Kind: models.FailureContentRejected, Cause: err.Error()}
	default:
		return &Failure{Kind: models.FailureTransport, Cause: err.Error()}
	}
}

// Output is what a backend produces for one successful call.
type Output struct {
	Content     []byte
	ContentType string
}

// Backend performs a single attempt against one provider API. Implementations
// return raw errors; classification and retries live in Client.
type Backend interface {
	Generate(ctx context.Context, req models.GenerationRequest) (Output, error)
}

// Client is the orchestrator-facing contract for one configured provider.
type Client interface {
	ID() string
	CostPerCall() models.Micros
	// Invoke runs the request with retries and returns a CandidateVariant.
	// Failures are recorded on the variant, never returned as an error.
	Invoke(ctx context.Context, req models.GenerationRequest) models.CandidateVariant
}

// RetryPolicy is the single retry configuration consumed by every Client.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// PolicyFromConfig converts the YAML retry block.
func PolicyFromConfig(r config.Retry) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff.Std(),
		MaxBackoff:     r.MaxBackoff.Std(),
	}
}

// Backoff returns the delay before the given 1-based attempt's retry,
// doubling from InitialBackoff and capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

type client struct {
	id      string
	cost    models.Micros
	timeout time.Duration
	policy  RetryPolicy
	backend Backend
}

// NewClient wraps a backend with the provider identity, per-call timeout and
// the shared retry policy.
func NewClient(cfg config.Provider, policy RetryPolicy, backend Backend) Client {
	return &client{
		id:      cfg.ID,
		cost:    cfg.CostMicros(),
		timeout: cfg.Timeout.Std(),
		policy:  policy,
		backend: backend,
	}
}

// FromConfig builds the concrete backend for one provider definition.
func FromConfig(cfg config.Provider, policy RetryPolicy) (Client, error) {
	var backend Backend
	var err error
	switch cfg.Kind {
	case "openai":
		backend, err = NewOpenAIBackend(cfg)
	case "anthropic":
		backend, err = NewAnthropicBackend(cfg)
	case "httpjson":
		backend, err = NewHTTPBackend(cfg, nil)
	default:
		return nil, fmt.Errorf("provider %q: unknown kind %q", cfg.ID, cfg.Kind)
	}
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, policy, backend), nil
}

func (c *client) ID() string                 { return c.id }
func (c *client) CostPerCall() models.Micros { return c.cost }

func (c *client) Invoke(ctx context.Context, req models.GenerationRequest) models.CandidateVariant {
	start := time.Now()
	variant := models.CandidateVariant{
		RequestID:  req.ID,
		ProviderID: c.id,
	}

	var lastFailure *Failure
	attempts := c.policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		variant.Attempts = attempt
		if ctx.Err() != nil {
			lastFailure = Classify(ctx.Err())
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		out, err := c.backend.Generate(attemptCtx, req)
		cancel()

		if err == nil {
			variant.Content = out.Content
			variant.ContentType = out.ContentType
			variant.Latency = time.Since(start)
			return variant
		}

		lastFailure = Classify(err)
		if !lastFailure.Kind.Retryable() || attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			lastFailure = Classify(ctx.Err())
		case <-time.After(c.policy.Backoff(attempt)):
			continue
		}
		break
	}

	variant.Latency = time.Since(start)
	variant.FailureKind = lastFailure.Kind
	variant.FailureCause = lastFailure.Cause
	return variant
}
