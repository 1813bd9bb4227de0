// Package dispatch provides the single goroutine that owns mutable engine state.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Do after the loop has been closed.
var ErrClosed = errors.New("dispatch loop closed")

// Loop runs posted functions one at a time, in order, on one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	running chan struct{}
}

// New starts a loop.
func New() *Loop {
	l := &Loop{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		running: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn without blocking. It reports false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return.
// Calling Do from inside a posted function deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-l.running:
		// the loop drains its queue before exiting, so fn either ran or never will
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, runs what is already queued and waits for the loop to exit.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.running
		return
	}
	l.closed = true
	l.mu.Unlock()
	close(l.done)
	<-l.running
}

// Run blocks until ctx is done, then closes the loop.
func (l *Loop) Run(ctx context.Context) error {
	<-ctx.Done()
	l.Close()
	return nil
}

func (l *Loop) run() {
	defer close(l.running)
	for {
		batch := l.take()
		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-l.wake:
		case <-l.done:
			for _, fn := range l.take() {
				fn()
			}
			return
		}
	}
}

func (l *Loop) take() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}
