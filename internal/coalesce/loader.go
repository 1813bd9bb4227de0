// Package coalesce schedules asynchronous loads where only the most recently scheduled one may
// commit its result.
package coalesce

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Config configures a Loader. Load, Changed and Post are required.
type Config[A, R any] struct {
	// Load runs on its own goroutine.
	Load func(ctx context.Context, arg A) (R, error)
	// Changed runs on the owning loop when the accepted result changes.
	Changed func(R)
	// Equal reports whether two results are the same value. Nil means never equal.
	Equal func(a, b R) bool
	// Release frees results that are superseded, rejected or replaced.
	Release func(R)
	// Settled runs on the owning loop once the latest scheduled load has finished,
	// whatever its outcome.
	Settled func(A)
	// Failed runs on the owning loop when the latest scheduled load fails with an error other
	// than cancellation. It runs before Settled.
	Failed func(A, error)
	// Post marshals completions back onto the owning loop.
	Post   func(func()) bool
	Logger *zap.Logger
	// Name labels log lines.
	Name string
}

// Loader is a latest-wins asynchronous load scheduler. Schedule, Current and Close must be
// called from the owning loop.
type Loader[A, R any] struct {
	cfg     Config[A, R]
	log     *zap.Logger
	version uint64
	cancel  context.CancelFunc
	current R
	closed  bool
}

// New creates a Loader.
func New[A, R any](cfg Config[A, R]) *Loader[A, R] {
	if cfg.Load == nil || cfg.Changed == nil || cfg.Post == nil {
		panic("coalesce: Load, Changed and Post are required")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Name != "" {
		log = log.With(zap.String("loader", cfg.Name))
	}
	return &Loader[A, R]{cfg: cfg, log: log}
}

// Schedule cancels any in-flight load and starts a new one for arg.
func (l *Loader[A, R]) Schedule(arg A) {
	if l.closed {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.version++
	version := l.version

	go func() {
		result, err := l.cfg.Load(ctx, arg)
		if !l.cfg.Post(func() { l.complete(arg, version, result, err) }) {
			// owning loop is gone
			l.release(result)
		}
	}()
}

// Current returns the last accepted result.
func (l *Loader[A, R]) Current() R {
	return l.current
}

// Close cancels the in-flight load and releases the accepted result.
func (l *Loader[A, R]) Close() {
	if l.closed {
		return
	}
	l.closed = true
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	var zero R
	l.release(l.current)
	l.current = zero
}

func (l *Loader[A, R]) complete(arg A, version uint64, result R, err error) {
	if l.closed || version != l.version {
		l.release(result)
		return
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	defer l.settled(arg)

	if err != nil {
		l.release(result)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		l.log.Warn("load failed", zap.Error(err))
		if l.cfg.Failed != nil {
			l.cfg.Failed(arg, err)
		}
		return
	}

	if l.cfg.Equal != nil && l.cfg.Equal(l.current, result) {
		l.release(result)
		return
	}

	old := l.current
	l.current = result
	l.cfg.Changed(result)
	l.release(old)
}

func (l *Loader[A, R]) settled(arg A) {
	if l.cfg.Settled != nil && !l.closed {
		l.cfg.Settled(arg)
	}
}

func (l *Loader[A, R]) release(r R) {
	if l.cfg.Release != nil {
		l.cfg.Release(r)
	}
}
