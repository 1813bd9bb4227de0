package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/dispatch"
	"github.com/mikey-austin/nowbar/internal/event"
	"github.com/mikey-austin/nowbar/internal/ports"
)

type fakeSession struct {
	key string

	mu       sync.Mutex
	status   ports.PlaybackStatus
	props    *ports.Properties
	propsErr error
	app      ports.AppInfo
	gate     chan struct{}

	propsFeed    event.Feed[struct{}]
	playbackFeed event.Feed[struct{}]

	next, prev, toggle atomic.Int32
	commandErr         error
}

func newFakeSession(key, title string) *fakeSession {
	return &fakeSession{
		key:    key,
		status: ports.PlaybackPlaying,
		props:  &ports.Properties{Title: title, Artist: "artist " + key, Type: ports.TypeMusic},
		app:    ports.AppInfo{Name: "app " + key, IconPath: key + ".png"},
	}
}

func (f *fakeSession) Key() string { return f.key }

func (f *fakeSession) PlaybackStatus(context.Context) (ports.PlaybackStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeSession) Properties(ctx context.Context) (*ports.Properties, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.propsErr != nil {
		return nil, f.propsErr
	}
	if f.props == nil {
		return nil, nil
	}
	p := *f.props
	return &p, nil
}

func (f *fakeSession) AppInfo(context.Context) (ports.AppInfo, error) {
	return f.app, nil
}

func (f *fakeSession) OnPropertiesChanged(fn func()) func() {
	return f.propsFeed.Subscribe(func(struct{}) { fn() })
}

func (f *fakeSession) OnPlaybackChanged(fn func()) func() {
	return f.playbackFeed.Subscribe(func(struct{}) { fn() })
}

func (f *fakeSession) Next(context.Context) error {
	f.next.Add(1)
	return f.commandErr
}

func (f *fakeSession) Previous(context.Context) error {
	f.prev.Add(1)
	return f.commandErr
}

func (f *fakeSession) PlayPause(context.Context) error {
	f.toggle.Add(1)
	return f.commandErr
}

func (f *fakeSession) setProps(p *ports.Properties) {
	f.mu.Lock()
	f.props = p
	f.mu.Unlock()
	f.propsFeed.Emit(struct{}{})
}

func (f *fakeSession) setStatus(st ports.PlaybackStatus) {
	f.mu.Lock()
	f.status = st
	f.mu.Unlock()
	f.playbackFeed.Emit(struct{}{})
}

func (f *fakeSession) subscriptions() int {
	return f.propsFeed.Len() + f.playbackFeed.Len()
}

type fakeManager struct {
	mu       sync.Mutex
	sessions []ports.Session
	current  ports.Session
	err      error
	gate     chan struct{}
	sweeps   atomic.Int32

	sessionsFeed event.Feed[struct{}]
	currentFeed  event.Feed[struct{}]
}

func newFakeManager(sessions ...*fakeSession) *fakeManager {
	m := &fakeManager{}
	m.set(sessions...)
	if len(sessions) > 0 {
		m.current = sessions[0]
	}
	return m
}

func (m *fakeManager) set(sessions ...*fakeSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = m.sessions[:0]
	for _, s := range sessions {
		m.sessions = append(m.sessions, s)
	}
}

func (m *fakeManager) setCurrent(s ports.Session) {
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
	m.currentFeed.Emit(struct{}{})
}

func (m *fakeManager) Sessions(ctx context.Context) ([]ports.Session, error) {
	m.sweeps.Add(1)
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]ports.Session, len(m.sessions))
	copy(out, m.sessions)
	return out, nil
}

func (m *fakeManager) CurrentSession(context.Context) (ports.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, nil
}

func (m *fakeManager) OnSessionsChanged(fn func()) func() {
	return m.sessionsFeed.Subscribe(func(struct{}) { fn() })
}

func (m *fakeManager) OnCurrentSessionChanged(fn func()) func() {
	return m.currentFeed.Subscribe(func(struct{}) { fn() })
}

// gatedArt blocks Open until its gate is closed, regardless of the context.
type gatedArt struct {
	key    string
	data   []byte
	gate   chan struct{}
	opened chan struct{}
	once   sync.Once
}

func (a *gatedArt) Key() string { return a.key }

func (a *gatedArt) Open(context.Context) (io.ReadCloser, error) {
	if a.gate != nil {
		<-a.gate
	}
	if a.opened != nil {
		a.once.Do(func() { close(a.opened) })
	}
	if a.data == nil {
		return nil, errors.New("no artwork")
	}
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

const testDebounce = 10 * time.Millisecond

func newTestService(t *testing.T, mgr ports.SessionManager) (*Service, *dispatch.Loop) {
	t.Helper()
	loop := dispatch.New()
	svc := NewService(mgr, loop, Options{
		Debounce:      testDebounce,
		ThumbnailSize: -1,
		Logger:        zap.NewNop(),
	})
	t.Cleanup(func() {
		svc.Close()
		loop.Close()
	})
	return svc, loop
}

func onLoop(t *testing.T, loop *dispatch.Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Do(ctx, fn); err != nil {
		t.Fatalf("loop: %v", err)
	}
}

func eventually(t *testing.T, loop *dispatch.Loop, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var ok bool
		onLoop(t, loop, func() { ok = cond() })
		if ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func keys(sources []*Source) []string {
	out := make([]string, len(sources))
	for i, s := range sources {
		out[i] = s.Key()
	}
	return out
}

func sameKeys(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type counter struct {
	n atomic.Int32
}

func (c *counter) inc() { c.n.Add(1) }

func (c *counter) get() int { return int(c.n.Load()) }

// flakyArt fails to open until its data is set.
type flakyArt struct {
	key   string
	mu    sync.Mutex
	data  []byte
	opens atomic.Int32
}

func (a *flakyArt) Key() string { return a.key }

func (a *flakyArt) Open(context.Context) (io.ReadCloser, error) {
	a.opens.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.data == nil {
		return nil, errors.New("artwork not available yet")
	}
	return io.NopCloser(bytes.NewReader(a.data)), nil
}

func (a *flakyArt) set(data string) {
	a.mu.Lock()
	a.data = []byte(data)
	a.mu.Unlock()
}
