// Package localmedia runs a media service inside the calling process, on the user's session bus.
package localmedia

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/adapters/artwork"
	"github.com/mikey-austin/nowbar/internal/adapters/clock"
	"github.com/mikey-austin/nowbar/internal/adapters/mpris"
	"github.com/mikey-austin/nowbar/internal/dispatch"
	"github.com/mikey-austin/nowbar/internal/media"
	"github.com/mikey-austin/nowbar/internal/ports"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

// Options configures a Host.
type Options struct {
	Debounce      time.Duration
	ThumbnailSize int
	// Settle is how long Start waits after the first enumeration for property loads to land.
	// Zero means twice the debounce window.
	Settle time.Duration
	// PublishArtwork includes base64 artwork in the states the host hands out.
	PublishArtwork bool
	Logger         *zap.Logger
}

// Host owns a dispatch loop and the media service running on it. It implements ports.Local.
type Host struct {
	log     *zap.Logger
	loop    *dispatch.Loop
	svc     *media.Service
	clock   clock.Clock
	opts    Options
	closers []io.Closer

	closeOnce sync.Once
}

// Open connects to the session bus and starts a host on it.
func Open(ctx context.Context, opts Options) (*Host, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	resolver := artwork.NewResolver(artwork.Options{Logger: log})
	mgr, err := mpris.Connect(ctx, mpris.Options{
		Artwork: resolver.Ref,
		Logger:  log,
		Clock:   clock.Clock{},
	})
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	h := New(mgr, opts)
	h.closers = append(h.closers, mgr)
	if err := h.Start(ctx); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

// New builds a host over mgr. Nothing runs until Start.
func New(mgr ports.SessionManager, opts Options) *Host {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = media.DefaultDebounce
	}
	if opts.Settle <= 0 {
		opts.Settle = 2 * opts.Debounce
	}
	loop := dispatch.New()
	return &Host{
		log:  opts.Logger,
		loop: loop,
		opts: opts,
		svc: media.NewService(mgr, loop, media.Options{
			Debounce:      opts.Debounce,
			ThumbnailSize: opts.ThumbnailSize,
			Logger:        opts.Logger,
		}),
	}
}

// Start starts the service and waits until the first enumeration has settled.
func (h *Host) Start(ctx context.Context) error {
	if err := h.svc.Start(ctx); err != nil {
		return err
	}
	select {
	case <-h.svc.Ready():
	case <-ctx.Done():
		return ctx.Err()
	}
	timer := time.NewTimer(h.opts.Settle)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Service exposes the underlying media service.
func (h *Host) Service() *media.Service {
	return h.svc
}

// Run blocks until ctx is done and then closes the host.
func (h *Host) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return nil
}

// State snapshots the service into its published form.
func (h *Host) State(ctx context.Context) (nb.State, error) {
	np, err := h.svc.Snapshot(ctx)
	if err != nil {
		return nb.State{}, err
	}
	return np.Wire(h.opts.PublishArtwork, h.clock.NowUnix()), nil
}

// Send runs a transport or refresh command against the current session.
func (h *Host) Send(ctx context.Context, cmdType string) error {
	switch cmdType {
	case nb.CommandNext:
		return h.svc.Send(ctx, media.CommandNext)
	case nb.CommandPrev:
		return h.svc.Send(ctx, media.CommandPrevious)
	case nb.CommandToggle:
		return h.svc.Send(ctx, media.CommandPlayPause)
	case nb.CommandRefresh:
		h.svc.Refresh()
		return nil
	default:
		return fmt.Errorf("unsupported command %q", cmdType)
	}
}

// WatchState streams a fresh state after every service change until ctx is done.
func (h *Host) WatchState(ctx context.Context) (<-chan nb.State, <-chan nb.Event, <-chan error) {
	stateCh := make(chan nb.State, 8)
	eventCh := make(chan nb.Event, 8)
	errCh := make(chan error, 1)

	var (
		mu      sync.Mutex
		pending []media.Change
	)
	dirty := make(chan struct{}, 1)
	unwatch := h.svc.Watch(func(c media.Change) {
		mu.Lock()
		pending = append(pending, c)
		mu.Unlock()
		select {
		case dirty <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(errCh)
		defer close(eventCh)
		defer close(stateCh)
		defer unwatch()
		for {
			select {
			case <-ctx.Done():
				return
			case <-dirty:
			}
			mu.Lock()
			changes := pending
			pending = nil
			mu.Unlock()

			now := h.clock.NowUnix()
			for _, c := range changes {
				select {
				case eventCh <- nb.Event{Type: c.EventType(), TS: now}:
				default:
				}
			}
			state, err := h.State(ctx)
			if err != nil {
				if ctx.Err() == nil {
					errCh <- err
				}
				return
			}
			select {
			case stateCh <- state:
			case <-ctx.Done():
				return
			}
		}
	}()
	return stateCh, eventCh, errCh
}

// Close stops the service, its loop and the bus connection when the host opened it.
func (h *Host) Close() {
	h.closeOnce.Do(func() {
		h.svc.Close()
		h.loop.Close()
		for _, c := range h.closers {
			if err := c.Close(); err != nil {
				h.log.Debug("close", zap.Error(err))
			}
		}
	})
}
