package mpris

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/mikey-austin/nowbar/internal/event"
	"github.com/mikey-austin/nowbar/internal/ports"
)

var errDetached = errors.New("player has no bus object")

// Player is one bus-name owner of an MPRIS player. A restarted player gets a new Player with
// the same Key.
type Player struct {
	name  string
	owner string
	obj   dbus.BusObject
	m     *Manager

	mu         sync.Mutex
	status     ports.PlaybackStatus
	lastActive time.Time

	props    event.Feed[struct{}]
	playback event.Feed[struct{}]
}

var _ ports.Session = (*Player)(nil)

// Key returns the well-known bus name.
func (p *Player) Key() string { return p.name }

func (p *Player) String() string { return p.name + "@" + p.owner }

func (p *Player) PlaybackStatus(ctx context.Context) (ports.PlaybackStatus, error) {
	v, err := p.get(ctx, playerIface, "PlaybackStatus")
	if err != nil {
		return ports.PlaybackUnknown, err
	}
	status := parseStatus(variantString(v))
	if p.observeStatus(status) {
		p.m.updateCurrent()
	}
	return status, nil
}

func (p *Player) Properties(ctx context.Context) (*ports.Properties, error) {
	v, err := p.get(ctx, playerIface, "Metadata")
	if err != nil {
		return nil, err
	}
	meta, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return nil, nil
	}
	return parseMetadata(meta, p.m.opts.Artwork), nil
}

func (p *Player) AppInfo(ctx context.Context) (ports.AppInfo, error) {
	v, err := p.get(ctx, rootIface, "Identity")
	if err != nil {
		return ports.AppInfo{}, err
	}
	info := ports.AppInfo{Name: variantString(v)}
	if info.Name == "" {
		info.Name = strings.TrimPrefix(p.name, busPrefix)
	}
	// DesktopEntry is optional in MPRIS
	if v, err := p.get(ctx, rootIface, "DesktopEntry"); err == nil {
		info.IconPath = desktopIcon(p.m.dirs, variantString(v))
	}
	return info, nil
}

func (p *Player) OnPropertiesChanged(fn func()) func() {
	return p.props.Subscribe(func(struct{}) { fn() })
}

func (p *Player) OnPlaybackChanged(fn func()) func() {
	return p.playback.Subscribe(func(struct{}) { fn() })
}

func (p *Player) Next(ctx context.Context) error     { return p.call(ctx, "Next") }
func (p *Player) Previous(ctx context.Context) error { return p.call(ctx, "Previous") }
func (p *Player) PlayPause(ctx context.Context) error {
	return p.call(ctx, "PlayPause")
}

func (p *Player) call(ctx context.Context, method string) error {
	if p.obj == nil {
		return errDetached
	}
	if err := p.obj.CallWithContext(ctx, playerIface+"."+method, 0).Err; err != nil {
		return fmt.Errorf("%s.%s: %w", p.name, method, err)
	}
	return nil
}

func (p *Player) get(ctx context.Context, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	if p.obj == nil {
		return v, errDetached
	}
	if err := p.obj.CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v); err != nil {
		return v, fmt.Errorf("get %s.%s: %w", iface, prop, err)
	}
	return v, nil
}

// observeStatus caches status and reports whether it changed.
func (p *Player) observeStatus(status ports.PlaybackStatus) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status == p.status {
		return false
	}
	p.status = status
	if status == ports.PlaybackPlaying {
		p.lastActive = p.m.clock.Now()
	}
	return true
}

// touch marks activity while the player is playing.
func (p *Player) touch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == ports.PlaybackPlaying {
		p.lastActive = p.m.clock.Now()
	}
}

func (p *Player) activity() (ports.PlaybackStatus, time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status, p.lastActive
}
