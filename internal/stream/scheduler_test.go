package stream

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFrameSchedulerCoalesces(t *testing.T) {
	s := NewFrameScheduler()
	var fired atomic.Int32

	for i := 0; i < 50; i++ {
		s.Schedule(func() { fired.Add(1) })
	}

	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// A burst within one frame window collapses to a single callback.
	time.Sleep(3 * frameInterval)
	assert.Equal(t, int32(1), fired.Load())
}

func TestFrameSchedulerCancel(t *testing.T) {
	s := NewFrameScheduler()
	var fired atomic.Int32

	s.Schedule(func() { fired.Add(1) })
	s.Cancel()

	time.Sleep(3 * frameInterval)
	assert.Equal(t, int32(0), fired.Load())
}

func TestImmediateSchedulerFires(t *testing.T) {
	s := NewImmediateScheduler()
	var fired atomic.Int32

	s.Schedule(func() { fired.Add(1) })
	assert.Eventually(t, func() bool {
		return fired.Load() == 1
	}, time.Second, time.Millisecond)
}

func TestImmediateSchedulerReusableAfterFire(t *testing.T) {
	s := NewImmediateScheduler()
	var fired atomic.Int32

	s.Schedule(func() { fired.Add(1) })
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, time.Millisecond)

	s.Schedule(func() { fired.Add(1) })
	assert.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, time.Millisecond)
}
