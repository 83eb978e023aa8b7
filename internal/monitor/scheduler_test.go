package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type countingRunner struct {
	calls       atomic.Int32
	hadDeadline atomic.Bool
}

func (c *countingRunner) RunCycle(ctx context.Context) (CycleResult, error) {
	c.calls.Add(1)
	_, ok := ctx.Deadline()
	c.hadDeadline.Store(ok)
	return CycleResult{Outcome: OutcomeStable}, nil
}

func TestScheduler_RunsImmediatelyAndRepeats(t *testing.T) {
	r := &countingRunner{}
	s := NewScheduler(r, 10*time.Millisecond, time.Second)
	s.Start()

	assert.Eventually(t, func() bool { return r.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	n := r.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, r.calls.Load())
	assert.True(t, r.hadDeadline.Load())
}

func TestScheduler_FirstCycleBeforeInterval(t *testing.T) {
	r := &countingRunner{}
	s := NewScheduler(r, time.Hour, time.Second)
	s.Start()
	defer s.Stop()

	assert.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}
