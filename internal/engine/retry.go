package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/drip/pkg/schema"
)

// dispatchClass is how the action loop treats a Send error.
type dispatchClass int

const (
	dispatchRetriable dispatchClass = iota
	dispatchFatal
	dispatchCancelled
)

// classifyDispatch sorts a Send error. Only DISPATCH_FATAL and a cancelled
// caller context stop the retry loop; anything unclassified is retried and
// left to the attempt budget.
func classifyDispatch(ctx context.Context, err error) dispatchClass {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || schema.HasCode(err, schema.ErrCodeCancelled) {
		return dispatchCancelled
	}
	if schema.HasCode(err, schema.ErrCodeDispatchFatal) {
		return dispatchFatal
	}
	return dispatchRetriable
}

// ComputeBackoff calculates the delay before the next retry attempt.
// attempt is zero-based: the delay after the first failed attempt is
// ComputeBackoff(p, 0). Supports none, constant, linear and exponential
// backoff with an optional max_delay cap.
func ComputeBackoff(policy *schema.RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay == "" || policy.Backoff == "none" {
		return 0
	}

	base, err := time.ParseDuration(policy.Delay)
	if err != nil {
		return 0
	}

	var delay time.Duration
	switch policy.Backoff {
	case "exponential":
		multiplier := time.Duration(1)
		for i := 0; i < attempt; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case "linear":
		delay = base * time.Duration(attempt+1)
	default: // constant
		delay = base
	}

	if policy.MaxDelay != "" {
		maxDelay, parseErr := time.ParseDuration(policy.MaxDelay)
		if parseErr == nil && delay > maxDelay {
			delay = maxDelay
		}
	}

	return delay
}

// WaitForBackoff sleeps for delay or returns early if the context is cancelled.
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
