// Package mpris exposes the MPRIS media players on the D-Bus session bus as media sessions.
package mpris

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/adapters/clock"
	"github.com/mikey-austin/nowbar/internal/event"
	"github.com/mikey-austin/nowbar/internal/ports"
)

const (
	busPrefix   = "org.mpris.MediaPlayer2."
	objectPath  = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	rootIface   = "org.mpris.MediaPlayer2"
	playerIface = "org.mpris.MediaPlayer2.Player"
	propsIface  = "org.freedesktop.DBus.Properties"

	busName  = "org.freedesktop.DBus"
	sigOwner = "org.freedesktop.DBus.NameOwnerChanged"
	sigProps = "org.freedesktop.DBus.Properties.PropertiesChanged"
)

// Options configures a Manager.
type Options struct {
	Artwork ArtworkResolver
	Logger  *zap.Logger
	Clock   interface{ Now() time.Time }
}

// Manager tracks the MPRIS players on one bus connection. It implements ports.SessionManager.
type Manager struct {
	conn  *dbus.Conn
	log   *zap.Logger
	opts  Options
	dirs  []string
	clock interface{ Now() time.Time }

	mu      sync.Mutex
	players map[string]*Player
	owners  map[string]string
	order   []string
	current string

	sessionsChanged event.Feed[struct{}]
	currentChanged  event.Feed[struct{}]

	signals   chan *dbus.Signal
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ ports.SessionManager = (*Manager)(nil)

// Connect opens the session bus and starts tracking players.
func Connect(ctx context.Context, opts Options) (*Manager, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}
	m := newManager(conn, opts)
	if err := m.start(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return m, nil
}

func newManager(conn *dbus.Conn, opts Options) *Manager {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var clk interface{ Now() time.Time } = clock.Clock{}
	if opts.Clock != nil {
		clk = opts.Clock
	}
	return &Manager{
		conn:    conn,
		log:     log.With(zap.String("adapter", "mpris")),
		opts:    opts,
		dirs:    dataDirs(),
		clock:   clk,
		players: make(map[string]*Player),
		owners:  make(map[string]string),
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
	}
}

func (m *Manager) start(ctx context.Context) error {
	if err := m.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchSender(busName),
		dbus.WithMatchInterface(busName),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return fmt.Errorf("match NameOwnerChanged: %w", err)
	}
	if err := m.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(objectPath),
	); err != nil {
		return fmt.Errorf("match PropertiesChanged: %w", err)
	}
	m.conn.Signal(m.signals)

	if err := m.scan(ctx); err != nil {
		return err
	}

	m.wg.Add(1)
	go m.run()
	return nil
}

func (m *Manager) scan(ctx context.Context) error {
	var names []string
	if err := m.conn.BusObject().CallWithContext(ctx, busName+".ListNames", 0).Store(&names); err != nil {
		return fmt.Errorf("list bus names: %w", err)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, busPrefix) {
			continue
		}
		var owner string
		if err := m.conn.BusObject().CallWithContext(ctx, busName+".GetNameOwner", 0, name).Store(&owner); err != nil {
			m.log.Debug("player vanished during scan", zap.String("name", name), zap.Error(err))
			continue
		}
		m.ownerChanged(name, "", owner)
	}
	m.log.Info("mpris players discovered", zap.Int("count", len(m.order)))
	return nil
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case sig, ok := <-m.signals:
			if !ok {
				return
			}
			m.handle(sig)
		case <-m.done:
			return
		}
	}
}

func (m *Manager) handle(sig *dbus.Signal) {
	switch sig.Name {
	case sigOwner:
		if len(sig.Body) < 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)
		if !strings.HasPrefix(name, busPrefix) {
			return
		}
		m.ownerChanged(name, oldOwner, newOwner)
		m.sessionsChanged.Emit(struct{}{})
		m.updateCurrent()
	case sigProps:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		if iface != playerIface {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		var invalidated []string
		if len(sig.Body) > 2 {
			invalidated, _ = sig.Body[2].([]string)
		}
		m.propertiesChanged(sig.Sender, changed, invalidated)
	}
}

func (m *Manager) ownerChanged(name, oldOwner, newOwner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if oldOwner != "" {
		delete(m.owners, oldOwner)
	}
	if old, ok := m.players[name]; ok {
		delete(m.owners, old.owner)
	}
	if newOwner == "" {
		delete(m.players, name)
		m.order = removeName(m.order, name)
		m.log.Debug("player left", zap.String("name", name))
		return
	}

	// a new owner is a new handle for the same key
	p := &Player{
		name:  name,
		owner: newOwner,
		m:     m,
	}
	if m.conn != nil {
		p.obj = m.conn.Object(name, objectPath)
	}
	if _, ok := m.players[name]; !ok {
		m.order = append(m.order, name)
	}
	m.players[name] = p
	m.owners[newOwner] = name
	m.log.Debug("player joined", zap.String("name", name), zap.String("owner", newOwner))
}

func (m *Manager) propertiesChanged(sender string, changed map[string]dbus.Variant, invalidated []string) {
	m.mu.Lock()
	p := m.players[m.owners[sender]]
	m.mu.Unlock()
	if p == nil {
		return
	}

	if v, ok := changed["PlaybackStatus"]; ok {
		p.observeStatus(parseStatus(variantString(v)))
		p.playback.Emit(struct{}{})
		m.updateCurrent()
	}
	_, metaChanged := changed["Metadata"]
	for _, name := range invalidated {
		if name == "Metadata" {
			metaChanged = true
		}
	}
	if metaChanged {
		p.touch()
		p.props.Emit(struct{}{})
		m.updateCurrent()
	}
}

// updateCurrent recomputes the current player and notifies when it moved.
func (m *Manager) updateCurrent() {
	m.mu.Lock()
	name := m.pickLocked()
	moved := name != m.current
	m.current = name
	m.mu.Unlock()
	if moved {
		m.currentChanged.Emit(struct{}{})
	}
}

func (m *Manager) pickLocked() string {
	candidates := make([]candidate, 0, len(m.order))
	for _, name := range m.order {
		p := m.players[name]
		status, active := p.activity()
		candidates = append(candidates, candidate{name: name, status: status, lastActive: active})
	}
	return pickCurrent(candidates)
}

// Sessions returns the tracked players in the order they appeared.
func (m *Manager) Sessions(context.Context) ([]ports.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ports.Session, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.players[name])
	}
	return out, nil
}

// CurrentSession returns the player chosen by the current-session policy, or nil.
func (m *Manager) CurrentSession(context.Context) (ports.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.players[m.pickLocked()]
	if p == nil {
		return nil, nil
	}
	return p, nil
}

func (m *Manager) OnSessionsChanged(fn func()) func() {
	return m.sessionsChanged.Subscribe(func(struct{}) { fn() })
}

func (m *Manager) OnCurrentSessionChanged(fn func()) func() {
	return m.currentChanged.Subscribe(func(struct{}) { fn() })
}

// Close stops signal delivery and closes the bus connection.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		if m.conn != nil {
			m.conn.RemoveSignal(m.signals)
			err = m.conn.Close()
		}
		m.wg.Wait()
		m.sessionsChanged.Clear()
		m.currentChanged.Clear()
	})
	return err
}

type candidate struct {
	name       string
	status     ports.PlaybackStatus
	lastActive time.Time
}

// pickCurrent prefers the most recently active playing player, then the most recently active
// player, then the first one.
func pickCurrent(candidates []candidate) string {
	if len(candidates) == 0 {
		return ""
	}
	var playing, active *candidate
	for i := range candidates {
		c := &candidates[i]
		if c.status == ports.PlaybackPlaying && (playing == nil || c.lastActive.After(playing.lastActive)) {
			playing = c
		}
		if !c.lastActive.IsZero() && (active == nil || c.lastActive.After(active.lastActive)) {
			active = c
		}
	}
	switch {
	case playing != nil:
		return playing.name
	case active != nil:
		return active.name
	default:
		return candidates[0].name
	}
}

func removeName(names []string, name string) []string {
	out := names[:0]
	for _, n := range names {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}
