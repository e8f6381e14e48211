package stream

import (
	"sync"
	"time"
)

// Scheduler coalesces flush requests. Contract: at most one callback is
// pending at a time; scheduling while one is pending is a no-op; Cancel
// drops any pending callback.
type Scheduler interface {
	Schedule(fn func())
	Cancel()
}

// FrameScheduler delays callbacks to the next frame boundary (~16ms),
// coalescing event bursts into one flush per frame. Used while the UI is
// visible.
type FrameScheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// frameInterval approximates one display frame at 60Hz.
const frameInterval = 16 * time.Millisecond

// NewFrameScheduler creates a frame-aligned scheduler.
func NewFrameScheduler() *FrameScheduler {
	return &FrameScheduler{}
}

// Schedule arms the frame timer unless a callback is already pending.
func (s *FrameScheduler) Schedule(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(frameInterval, func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending callback.
func (s *FrameScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = false
}

// ImmediateScheduler fires callbacks on an immediate timer. Used while the
// UI is hidden, where frame callbacks do not fire reliably and would stall
// delivery of terminal events.
type ImmediateScheduler struct {
	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewImmediateScheduler creates an immediate-timer scheduler.
func NewImmediateScheduler() *ImmediateScheduler {
	return &ImmediateScheduler{}
}

// Schedule fires fn on an immediate timer unless one is already pending.
func (s *ImmediateScheduler) Schedule(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending {
		return
	}
	s.pending = true
	s.timer = time.AfterFunc(0, func() {
		s.mu.Lock()
		s.pending = false
		s.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending callback.
func (s *ImmediateScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.pending = false
}
