package render

import (
	"sync"
	"time"
)

// DefaultFrameInterval is the frame period of TickerFrames, about 60 Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// FrameSource runs callbacks at the next frame boundary, like a display's
// animation-frame request.
type FrameSource interface {
	// RequestFrame schedules fn to run once at the next frame.
	RequestFrame(fn func())
	// Stop cancels pending callbacks. Later requests are ignored.
	Stop()
}

// TickerFrames is a FrameSource that fires one interval after each request.
type TickerFrames struct {
	interval time.Duration

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	stopped bool
}

// NewTickerFrames returns a frame source with the given interval.
// A non-positive interval uses DefaultFrameInterval.
func NewTickerFrames(interval time.Duration) *TickerFrames {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &TickerFrames{interval: interval, timers: make(map[*time.Timer]struct{})}
}

// Interval returns the frame period.
func (t *TickerFrames) Interval() time.Duration { return t.interval }

// RequestFrame implements FrameSource.
func (t *TickerFrames) RequestFrame(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(t.interval, func() {
		t.mu.Lock()
		delete(t.timers, timer)
		t.mu.Unlock()
		fn()
	})
	t.timers[timer] = struct{}{}
}

// Stop implements FrameSource.
func (t *TickerFrames) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for timer := range t.timers {
		timer.Stop()
	}
	t.timers = make(map[*time.Timer]struct{})
}

// ManualFrames is a FrameSource driven explicitly with Step. It is meant for
// tests and batch tools that render synchronously.
type ManualFrames struct {
	mu       sync.Mutex
	queue    []func()
	requests int
	stopped  bool
}

// NewManualFrames returns an empty manual frame source.
func NewManualFrames() *ManualFrames {
	return &ManualFrames{}
}

// RequestFrame implements FrameSource.
func (m *ManualFrames) RequestFrame(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.requests++
	m.queue = append(m.queue, fn)
}

// Step runs the callbacks queued before the call and returns how many ran.
// Callbacks requested while stepping wait for the next Step.
func (m *ManualFrames) Step() int {
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, fn := range queue {
		fn()
	}
	return len(queue)
}

// Pending returns the number of queued callbacks.
func (m *ManualFrames) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Requests returns the total number of RequestFrame calls.
func (m *ManualFrames) Requests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// Stop implements FrameSource.
func (m *ManualFrames) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	m.queue = nil
}
