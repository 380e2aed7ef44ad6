package planner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy bounds how hard PlanWithRetry pushes against a flaky model
// endpoint.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy matches the loop's tolerance for transient API
// failures: three attempts, exponential backoff capped at 8s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     8 * time.Second,
	}
}

// PlanWithRetry calls p.Plan up to policy.MaxAttempts times. It returns
// the decision, the number of retries performed (attempts beyond the
// first), and the final error when all attempts fail.
func PlanWithRetry(ctx context.Context, p Planner, history []Message, policy RetryPolicy) (Decision, int, error) {
	attempts := 0
	op := func() (Decision, error) {
		attempts++
		return p.Plan(ctx, history)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialInterval
	b.MaxInterval = policy.MaxInterval
	b.Multiplier = 2

	decision, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
	retries := attempts - 1
	if retries < 0 {
		retries = 0
	}
	if err != nil {
		return Decision{}, retries, err
	}
	return decision, retries, nil
}
