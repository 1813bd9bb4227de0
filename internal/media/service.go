// Package media aggregates the platform's media sessions into a stable set of sources and one
// current source, and debounces their change notifications.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/coalesce"
	"github.com/mikey-austin/nowbar/internal/dispatch"
	"github.com/mikey-austin/nowbar/internal/event"
	"github.com/mikey-austin/nowbar/internal/ports"
	"github.com/mikey-austin/nowbar/internal/throttle"
)

var (
	// ErrNoCurrentSource is returned by transport calls when nothing is current.
	ErrNoCurrentSource = errors.New("no current media source")
	// ErrClosed is returned once the service has been closed.
	ErrClosed = errors.New("media service closed")
)

const (
	DefaultDebounce      = 100 * time.Millisecond
	DefaultThumbnailSize = 20

	commandTimeout = 5 * time.Second
)

// Options tunes a Service.
type Options struct {
	// Debounce is the quiet period for refreshes and events. Zero means DefaultDebounce.
	Debounce time.Duration
	// ThumbnailSize bounds artwork in both dimensions. Zero means DefaultThumbnailSize; a
	// negative value keeps artwork at its original size.
	ThumbnailSize int
	Logger        *zap.Logger
}

// Command is a transport command for the current session.
type Command int

const (
	CommandNext Command = iota + 1
	CommandPrevious
	CommandPlayPause
)

func (c Command) String() string {
	switch c {
	case CommandNext:
		return "next"
	case CommandPrevious:
		return "previous"
	case CommandPlayPause:
		return "play-pause"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Change tags the notifications delivered by Watch.
type Change int

const (
	ChangeSources Change = iota + 1
	ChangeCurrentSource
	ChangeCurrentPlayback
	ChangeCurrentThumbnail
	ChangeLoading
)

func (c Change) String() string {
	switch c {
	case ChangeSources:
		return "sources"
	case ChangeCurrentSource:
		return "current"
	case ChangeCurrentPlayback:
		return "playback"
	case ChangeCurrentThumbnail:
		return "thumbnail"
	case ChangeLoading:
		return "loading"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

type sweep struct {
	sessions []ports.Session
	current  ports.Session
}

// Service tracks every session the platform reports. Its state is owned by loop; the feeds are
// delivered on loop.
type Service struct {
	mgr  ports.SessionManager
	loop *dispatch.Loop
	log  *zap.Logger
	opts sourceOptions

	sources []*Source
	byKey   map[string]*Source
	current *Source

	platformUnsub []func()
	currentUnsub  []func()

	refreshAction         *throttle.Action
	sourcesAction         *throttle.Action
	currentSourceAction   *throttle.Action
	currentPlaybackAction *throttle.Action
	sweeps                *coalesce.Loader[struct{}, sweep]
	currentLoad           *coalesce.Loader[struct{}, ports.Session]

	pendingSources  bool
	pendingCurrent  bool
	pendingPlayback bool
	loading         bool
	started         bool
	closed          bool

	ready     chan struct{}
	readyOnce sync.Once

	SourcesChanged         event.Feed[struct{}]
	CurrentSourceChanged   event.Feed[*Source]
	CurrentPlaybackChanged event.Feed[struct{}]
	// LoadingChanged reports whether an enumeration is in flight.
	LoadingChanged         event.Feed[bool]
}

// NewService creates a service. Nothing happens until Start.
func NewService(mgr ports.SessionManager, loop *dispatch.Loop, opts Options) *Service {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	switch {
	case opts.ThumbnailSize == 0:
		opts.ThumbnailSize = DefaultThumbnailSize
	case opts.ThumbnailSize < 0:
		opts.ThumbnailSize = 0
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "media"))

	s := &Service{
		mgr:   mgr,
		loop:  loop,
		log:   log,
		byKey: make(map[string]*Source),
		ready: make(chan struct{}),
		opts: sourceOptions{
			post:          loop.Post,
			log:           log,
			thumbnailSize: opts.ThumbnailSize,
		},
	}

	onLoop := func(fn func()) func() {
		return func() { loop.Post(fn) }
	}
	s.refreshAction = throttle.New(opts.Debounce, onLoop(s.scheduleSweep))
	s.sourcesAction = throttle.New(opts.Debounce, onLoop(s.fireSourcesChanged))
	s.currentSourceAction = throttle.New(opts.Debounce, onLoop(s.fireCurrentSourceChanged))
	s.currentPlaybackAction = throttle.New(opts.Debounce, onLoop(s.fireCurrentPlaybackChanged))

	s.sweeps = coalesce.New(coalesce.Config[struct{}, sweep]{
		Name:    "sessions",
		Load:    s.enumerate,
		Changed: s.applySweep,
		Settled: func(struct{}) {
			s.setLoading(false)
			s.readyOnce.Do(func() { close(s.ready) })
		},
		Post:    loop.Post,
		Logger:  log,
	})
	s.currentLoad = coalesce.New(coalesce.Config[struct{}, ports.Session]{
		Name: "current",
		Load: func(ctx context.Context, _ struct{}) (ports.Session, error) {
			return mgr.CurrentSession(ctx)
		},
		Changed: func(session ports.Session) { s.updateCurrent(session, true) },
		Post:    loop.Post,
		Logger:  log,
	})
	return s
}

// Start subscribes to the platform and runs the first enumeration without waiting for the
// debounce window.
func (s *Service) Start(ctx context.Context) error {
	var err error
	doErr := s.loop.Do(ctx, func() {
		switch {
		case s.closed:
			err = ErrClosed
		case s.started:
		default:
			s.started = true
			s.platformUnsub = []func(){
				s.mgr.OnSessionsChanged(s.Refresh),
				s.mgr.OnCurrentSessionChanged(func() { s.loop.Post(s.scheduleCurrent) }),
			}
			s.scheduleSweep()
		}
	})
	if errors.Is(doErr, dispatch.ErrClosed) {
		return ErrClosed
	}
	if doErr != nil {
		return doErr
	}
	return err
}

// Ready is closed once the first enumeration has finished, whether or not it succeeded.
func (s *Service) Ready() <-chan struct{} {
	return s.ready
}

// Refresh requests a debounced re-enumeration. Safe from any goroutine.
func (s *Service) Refresh() {
	s.refreshAction.Invoke()
}

// Sources returns the tracked sources in display order. Must be called on the loop.
func (s *Service) Sources() []*Source {
	out := make([]*Source, len(s.sources))
	copy(out, s.sources)
	return out
}

// Loading reports whether an enumeration is in flight. Must be called on the loop.
func (s *Service) Loading() bool {
	return s.loading
}

// CurrentSource returns the current source or nil. Must be called on the loop.
func (s *Service) CurrentSource() *Source {
	return s.current
}

// Snapshot copies the service state from any goroutine.
func (s *Service) Snapshot(ctx context.Context) (NowPlaying, error) {
	var (
		np     NowPlaying
		closed bool
	)
	err := s.loop.Do(ctx, func() {
		if s.closed {
			closed = true
			return
		}
		np.Loading = s.loading
		np.Sources = make([]SourceState, 0, len(s.sources))
		for _, src := range s.sources {
			np.Sources = append(np.Sources, src.Snapshot())
		}
		if s.current != nil {
			st := s.current.Snapshot()
			np.Current = &st
		}
	})
	if errors.Is(err, dispatch.ErrClosed) || closed {
		return NowPlaying{}, ErrClosed
	}
	return np, err
}

// Watch delivers every service event to fn on the loop, plus thumbnail changes of whichever
// source is current.
func (s *Service) Watch(fn func(Change)) (unsubscribe func()) {
	var thumb func()
	follow := func(src *Source) {
		if thumb != nil {
			thumb()
			thumb = nil
		}
		if src != nil {
			thumb = src.ThumbnailChanged.Subscribe(func(*Source) { fn(ChangeCurrentThumbnail) })
		}
	}
	unsubs := []func(){
		s.SourcesChanged.Subscribe(func(struct{}) { fn(ChangeSources) }),
		s.CurrentSourceChanged.Subscribe(func(src *Source) {
			follow(src)
			fn(ChangeCurrentSource)
		}),
		s.CurrentPlaybackChanged.Subscribe(func(struct{}) { fn(ChangeCurrentPlayback) }),
		s.LoadingChanged.Subscribe(func(bool) { fn(ChangeLoading) }),
	}
	s.loop.Post(func() {
		if !s.closed {
			follow(s.current)
		}
	})
	return func() {
		for _, u := range unsubs {
			u()
		}
		s.loop.Post(func() { follow(nil) })
	}
}

// SkipNext asks the current session to skip forward without waiting for it.
func (s *Service) SkipNext(ctx context.Context) error { return s.post(ctx, CommandNext) }

// SkipPrevious asks the current session to skip back without waiting for it.
func (s *Service) SkipPrevious(ctx context.Context) error { return s.post(ctx, CommandPrevious) }

// TogglePlayPause asks the current session to toggle playback without waiting for it.
func (s *Service) TogglePlayPause(ctx context.Context) error { return s.post(ctx, CommandPlayPause) }

// Send runs cmd against the current session and waits for the platform's answer.
func (s *Service) Send(ctx context.Context, cmd Command) error {
	session, err := s.currentSession(ctx)
	if err != nil {
		return err
	}
	return invoke(ctx, session, cmd)
}

func (s *Service) post(ctx context.Context, cmd Command) error {
	session, err := s.currentSession(ctx)
	if err != nil {
		return err
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		if err := invoke(ctx, session, cmd); err != nil {
			s.log.Warn("transport command failed",
				zap.String("session", session.Key()),
				zap.Stringer("command", cmd),
				zap.Error(err))
		}
	}()
	return nil
}

func (s *Service) currentSession(ctx context.Context) (ports.Session, error) {
	var (
		session ports.Session
		closed  bool
	)
	err := s.loop.Do(ctx, func() {
		if s.closed {
			closed = true
			return
		}
		if s.current != nil {
			session = s.current.Session()
		}
	})
	switch {
	case errors.Is(err, dispatch.ErrClosed) || closed:
		return nil, ErrClosed
	case err != nil:
		return nil, err
	case session == nil:
		return nil, ErrNoCurrentSource
	}
	return session, nil
}

func invoke(ctx context.Context, session ports.Session, cmd Command) error {
	var err error
	switch cmd {
	case CommandNext:
		err = session.Next(ctx)
	case CommandPrevious:
		err = session.Previous(ctx)
	case CommandPlayPause:
		err = session.PlayPause(ctx)
	default:
		return fmt.Errorf("unknown command %d", int(cmd))
	}
	if err != nil {
		return fmt.Errorf("%s on %s: %w", cmd, session.Key(), err)
	}
	return nil
}

// Close tears the service down. It must not be called from the loop. Later calls do nothing.
func (s *Service) Close() {
	if err := s.loop.Do(context.Background(), s.close); err != nil {
		// the loop is gone, nothing else can touch the state
		s.close()
	}
}

func (s *Service) close() {
	if s.closed {
		return
	}
	s.closed = true
	for _, unsubscribe := range s.platformUnsub {
		unsubscribe()
	}
	s.platformUnsub = nil
	s.unhookCurrent()

	s.refreshAction.Close()
	s.sourcesAction.Close()
	s.currentSourceAction.Close()
	s.currentPlaybackAction.Close()
	s.sweeps.Close()
	s.currentLoad.Close()

	for _, src := range s.sources {
		src.Close()
	}
	s.sources = nil
	s.byKey = make(map[string]*Source)
	s.current = nil
	s.pendingSources, s.pendingCurrent, s.pendingPlayback = false, false, false
	s.loading = false
}

func (s *Service) scheduleSweep() {
	if s.closed {
		return
	}
	s.setLoading(true)
	s.sweeps.Schedule(struct{}{})
}

func (s *Service) setLoading(loading bool) {
	if s.loading == loading {
		return
	}
	s.loading = loading
	s.LoadingChanged.Emit(loading)
}

func (s *Service) scheduleCurrent() {
	if s.closed {
		return
	}
	s.currentLoad.Schedule(struct{}{})
}

func (s *Service) enumerate(ctx context.Context, _ struct{}) (sweep, error) {
	sessions, err := s.mgr.Sessions(ctx)
	if err != nil {
		return sweep{}, fmt.Errorf("list sessions: %w", err)
	}
	current, err := s.mgr.CurrentSession(ctx)
	if err != nil {
		return sweep{}, fmt.Errorf("current session: %w", err)
	}
	return sweep{sessions: sessions, current: current}, nil
}

func (s *Service) applySweep(r sweep) {
	if s.closed {
		return
	}
	present := make(map[string]ports.Session, len(r.sessions))
	order := make([]string, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session == nil {
			continue
		}
		key := session.Key()
		if _, seen := present[key]; !seen {
			order = append(order, key)
		}
		present[key] = session
	}

	changed := false
	kept := make([]*Source, 0, len(order))
	for _, src := range s.sources {
		if _, ok := present[src.Key()]; ok {
			kept = append(kept, src)
			continue
		}
		delete(s.byKey, src.Key())
		if src == s.current {
			s.setCurrent(nil)
		}
		src.Close()
		changed = true
		s.log.Debug("source removed", zap.String("session", src.Key()))
	}
	s.sources = kept

	for _, key := range order {
		session := present[key]
		if src, ok := s.byKey[key]; ok {
			src.UpdateSession(session)
			continue
		}
		src := newSource(session, s.opts)
		s.byKey[key] = src
		s.sources = append(s.sources, src)
		changed = true
		s.log.Debug("source added", zap.String("session", key))
	}

	if changed {
		s.pendingSources = true
		s.sourcesAction.Invoke()
	}
	s.updateCurrent(r.current, false)
}

// updateCurrent resolves the platform's current session against the tracked sources. A key
// that is not tracked yet leaves the current source alone.
func (s *Service) updateCurrent(session ports.Session, refreshOnMiss bool) {
	if s.closed {
		return
	}
	if session == nil {
		s.setCurrent(nil)
		return
	}
	src, ok := s.byKey[session.Key()]
	if !ok {
		s.log.Debug("current session is not tracked yet", zap.String("session", session.Key()))
		if refreshOnMiss {
			s.Refresh()
		}
		return
	}
	s.setCurrent(src)
}

func (s *Service) setCurrent(src *Source) {
	if s.current.Equal(src) {
		return
	}
	s.unhookCurrent()
	s.current = src
	if src != nil {
		onChange := func(*Source) { s.currentChanged() }
		s.currentUnsub = []func(){
			src.PlaybackChanged.Subscribe(onChange),
			src.PropertiesChanged.Subscribe(onChange),
		}
	}
	s.pendingCurrent = true
	s.currentSourceAction.Invoke()
}

func (s *Service) unhookCurrent() {
	for _, unsubscribe := range s.currentUnsub {
		unsubscribe()
	}
	s.currentUnsub = nil
}

func (s *Service) currentChanged() {
	if s.closed {
		return
	}
	s.pendingPlayback = true
	s.currentPlaybackAction.Invoke()
}

func (s *Service) fireSourcesChanged() {
	if s.closed || !s.pendingSources {
		return
	}
	s.pendingSources = false
	s.SourcesChanged.Emit(struct{}{})
}

func (s *Service) fireCurrentSourceChanged() {
	if s.closed {
		return
	}
	// consumers see the membership change before the current source that depends on it
	s.fireSourcesChanged()
	if !s.pendingCurrent {
		return
	}
	s.pendingCurrent = false
	s.pendingPlayback = false
	s.CurrentSourceChanged.Emit(s.current)
	s.CurrentPlaybackChanged.Emit(struct{}{})
}

func (s *Service) fireCurrentPlaybackChanged() {
	if s.closed || !s.pendingPlayback || s.pendingCurrent {
		return
	}
	s.pendingPlayback = false
	s.CurrentPlaybackChanged.Emit(struct{}{})
}
