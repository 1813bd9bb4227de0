// Package throttle implements a trailing-edge debounce.
package throttle

import (
	"sync"
	"time"
)

// Action runs fn once the quiet period has elapsed since the last Invoke.
// fn runs on a timer goroutine.
type Action struct {
	mu       sync.Mutex
	interval time.Duration
	fn       func()
	timer    *time.Timer
	gen      uint64
	closed   bool
}

// New creates an Action. It panics if fn is nil.
func New(interval time.Duration, fn func()) *Action {
	if fn == nil {
		panic("throttle: nil action")
	}
	return &Action{interval: interval, fn: fn}
}

// Invoke (re)arms the timer. Safe for concurrent use.
func (a *Action) Invoke() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.gen++
	gen := a.gen
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.interval, func() { a.fire(gen) })
}

// Pending reports whether a run is scheduled.
func (a *Action) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timer != nil && !a.closed
}

// Close cancels any pending run. Later Invoke calls do nothing.
func (a *Action) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Action) fire(gen uint64) {
	a.mu.Lock()
	// a timer that fired while Invoke was re-arming must not run
	if a.closed || gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.timer = nil
	a.mu.Unlock()
	a.fn()
}
