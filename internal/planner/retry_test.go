package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephengodman/ios-agent-runner/internal/action"
)

// scriptedPlanner returns queued outcomes in order.
type scriptedPlanner struct {
	outcomes []func() (Decision, error)
	calls    int
}

func (s *scriptedPlanner) Plan(ctx context.Context, history []Message) (Decision, error) {
	if s.calls >= len(s.outcomes) {
		return Decision{}, errors.New("script exhausted")
	}
	out := s.outcomes[s.calls]
	s.calls++
	return out()
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestPlanWithRetryFirstAttemptSucceeds(t *testing.T) {
	p := &scriptedPlanner{outcomes: []func() (Decision, error){
		func() (Decision, error) {
			return Decision{Call: &action.Call{Name: action.Done}}, nil
		},
	}}

	d, retries, err := PlanWithRetry(context.Background(), p, nil, fastPolicy())
	require.NoError(t, err)
	assert.Zero(t, retries)
	require.NotNil(t, d.Call)
	assert.Equal(t, action.Done, d.Call.Name)
}

func TestPlanWithRetryRecoversAfterFailures(t *testing.T) {
	boom := errors.New("upstream 529")
	p := &scriptedPlanner{outcomes: []func() (Decision, error){
		func() (Decision, error) { return Decision{}, boom },
		func() (Decision, error) { return Decision{}, boom },
		func() (Decision, error) { return Decision{Text: "thinking"}, nil },
	}}

	d, retries, err := PlanWithRetry(context.Background(), p, nil, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, 2, retries)
	assert.Equal(t, "thinking", d.Text)
}

func TestPlanWithRetryExhaustsAttempts(t *testing.T) {
	boom := errors.New("upstream 529")
	p := &scriptedPlanner{outcomes: []func() (Decision, error){
		func() (Decision, error) { return Decision{}, boom },
		func() (Decision, error) { return Decision{}, boom },
		func() (Decision, error) { return Decision{}, boom },
	}}

	_, retries, err := PlanWithRetry(context.Background(), p, nil, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, p.calls)
}

func TestPlanWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedPlanner{outcomes: []func() (Decision, error){
		func() (Decision, error) {
			cancel()
			return Decision{}, errors.New("first failure")
		},
		func() (Decision, error) {
			t.Fatal("should not retry after cancellation")
			return Decision{}, nil
		},
	}}

	_, _, err := PlanWithRetry(ctx, p, nil, fastPolicy())
	require.Error(t, err)
	assert.Equal(t, 1, p.calls)
}
