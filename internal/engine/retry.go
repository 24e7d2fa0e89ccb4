package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/automata/pkg/schema"
)

// RetryBehavior is the engine-side form of an action step's retry policy.
type RetryBehavior struct {
	MaxAttempts      int     `json:"maxAttempts"`
	InitialBackoffMs int     `json:"initialBackoffMs"`
	BackoffBase      float64 `json:"backoffBase"`
}

// BuildRetryBehaviorFromPolicy maps {maxRetries, backoffMs} to
// {maxAttempts: maxRetries+1, initialBackoffMs: backoffMs, base 2}.
// A nil policy or maxRetries <= 0 disables retries and returns nil.
func BuildRetryBehaviorFromPolicy(policy *schema.RetryPolicy) *RetryBehavior {
	if policy == nil || policy.MaxRetries <= 0 {
		return nil
	}
	backoff := policy.BackoffMs
	if backoff < 0 {
		backoff = 0
	}
	return &RetryBehavior{
		MaxAttempts:      policy.MaxRetries + 1,
		InitialBackoffMs: backoff,
		BackoffBase:      2,
	}
}

// Attempts returns how many times the action may run in total.
func (b *RetryBehavior) Attempts() int {
	if b == nil || b.MaxAttempts < 1 {
		return 1
	}
	return b.MaxAttempts
}

// Delay returns the wait before retry number retry (1-based):
// initialBackoffMs * base^(retry-1).
func (b *RetryBehavior) Delay(retry int) time.Duration {
	if b == nil || b.InitialBackoffMs <= 0 || retry < 1 {
		return 0
	}
	base := b.BackoffBase
	if base < 1 {
		base = 1
	}
	delay := float64(b.InitialBackoffMs)
	for i := 1; i < retry; i++ {
		delay *= base
	}
	return time.Duration(delay) * time.Millisecond
}

// IsRetryableError classifies whether an action error should be retried.
// Context cancellation never is; AutomataErrors decide by code; anything else is.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ae *schema.AutomataError
	if errors.As(err, &ae) {
		if !ae.IsRetryable() {
			return false
		}
		// Wrapped action errors defer to their cause when it is classified.
		if ae.Cause != nil {
			var inner *schema.AutomataError
			if errors.As(ae.Cause, &inner) {
				return inner.IsRetryable()
			}
		}
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{"permission denied", "unauthorized", "forbidden"} {
		if strings.Contains(msg, p) {
			return false
		}
	}
	return true
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
