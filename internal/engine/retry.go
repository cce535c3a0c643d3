package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net"
	"slices"
	"strings"
	"time"

	"github.com/rendis/agentflow/pkg/schema"
)

// DefaultRetryableCodes are the error codes retried when a policy sets no RetryOn list.
var DefaultRetryableCodes = []string{
	schema.ErrCodeTransient,
	schema.ErrCodeRateLimited,
	schema.ErrCodeCircuitOpen,
	schema.ErrCodeTimeout,
}

// RetryPolicy computes exponential-backoff-with-jitter delays and drives retry loops.
type RetryPolicy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	Jitter          bool
	RetryOn         []string

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy is the general-purpose policy for external calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// StepRetryPolicy is the policy applied to step executor calls.
func StepRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		BaseDelay:       2 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
	}
}

// Delay returns the backoff before retrying after the given 0-based failed attempt:
// min(base * exp^attempt, max), scaled by a factor in [0.5, 1.5) when jitter is on.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	exp := p.ExponentialBase
	if exp <= 0 {
		exp = 2
	}
	d := float64(p.BaseDelay) * math.Pow(exp, float64(attempt))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		d *= 0.5 + rnd()
	}
	return time.Duration(d)
}

// ShouldRetry reports whether err belongs to the policy's retryable set.
func (p RetryPolicy) ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	codes := p.RetryOn
	if codes == nil {
		codes = DefaultRetryableCodes
	}
	return slices.Contains(codes, Classify(err))
}

// RetryNotify is called before each backoff wait with the 1-based retry number.
type RetryNotify func(retry int, err error, delay time.Duration)

// Do runs op, retrying up to MaxRetries additional times on retryable errors.
// The last error is returned unmodified once attempts are exhausted or a
// non-retryable error occurs. Rate-limited errors carrying a RetryAfter hint
// wait max(computed, hint).
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, notify RetryNotify) error {
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxRetries || !p.ShouldRetry(err) {
			return err
		}

		delay := p.backoffFor(attempt, err)
		if notify != nil {
			notify(attempt+1, err, delay)
		}
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return err
		}
	}
}

func (p RetryPolicy) backoffFor(attempt int, err error) time.Duration {
	delay := p.Delay(attempt)
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeRateLimited && fe.RetryAfter > delay {
		delay = fe.RetryAfter
	}
	return delay
}

// Classify maps an arbitrary error to a schema error code.
// FlowErrors keep their own code; context deadlines become timeouts; network
// failures are transient; unknown errors are execution errors.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrCodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return schema.ErrCodeExecution
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return schema.ErrCodeTimeout
		}
		return schema.ErrCodeTransient
	}

	// String heuristics for common provider failures.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"429", "rate limit", "ratelimit", "too many requests"} {
		if strings.Contains(msg, p) {
			return schema.ErrCodeRateLimited
		}
	}
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
	} {
		if strings.Contains(msg, p) {
			return schema.ErrCodeTransient
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return schema.ErrCodeTimeout
	}

	return schema.ErrCodeExecution
}

// IsRetryableError reports whether err is retried under the default code set.
func IsRetryableError(err error) bool {
	return RetryPolicy{}.ShouldRetry(err)
}

// WaitForBackoff sleeps for the computed backoff duration or returns early if the context is cancelled.
// Returns an error if the context was cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
