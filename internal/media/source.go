package media

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/coalesce"
	"github.com/mikey-austin/nowbar/internal/event"
	"github.com/mikey-austin/nowbar/internal/ports"
	"github.com/mikey-austin/nowbar/internal/thumbnail"
)

// Field names emitted on Source.FieldChanged.
const (
	FieldName          = "Name"
	FieldArtist        = "Artist"
	FieldPlaybackType  = "PlaybackType"
	FieldIsPlaying     = "IsPlaying"
	FieldHasProperties = "HasProperties"
	FieldAppName       = "AppName"
	FieldAppIconPath   = "AppIconPath"
	FieldThumbnail     = "Thumbnail"
)

// updateRequest says which facets of a session changed. The session and the last applied
// update are captured on the loop when the request is scheduled.
type updateRequest struct {
	playback   bool
	properties bool
	session    ports.Session
	base       update
}

func (r updateRequest) merge(o updateRequest) updateRequest {
	return updateRequest{playback: r.playback || o.playback, properties: r.properties || o.properties}
}

// update is the immutable result of one refresh pass.
type update struct {
	playing     bool
	hasProps    bool
	title       string
	artist      string
	kind        ports.PlaybackType
	artworkKey  string
	artwork     ports.ArtworkRef
	app         ports.AppInfo
	appResolved bool

	// facets that were requested; not part of equality
	playbackReq   bool
	propertiesReq bool
}

func (u update) equal(o update) bool {
	return u.playing == o.playing &&
		u.hasProps == o.hasProps &&
		u.title == o.title &&
		u.artist == o.artist &&
		u.kind == o.kind &&
		u.artworkKey == o.artworkKey &&
		u.app == o.app &&
		u.appResolved == o.appResolved
}

func (u update) withoutProperties() update {
	u.hasProps = false
	u.title = ""
	u.artist = ""
	u.kind = ports.TypeUnknown
	u.artworkKey = ""
	u.artwork = nil
	return u
}

type sourceOptions struct {
	post          func(func()) bool
	log           *zap.Logger
	thumbnailSize int
}

// Source is one application's media session. It is identified by its session key and survives
// the platform handing out new session handles for that key. All methods except Key and Equal
// must be called on the owning loop.
type Source struct {
	key     string
	session ports.Session
	unhook  []func()
	opts    sourceOptions
	log     *zap.Logger

	name         string
	artist       string
	playbackType ports.PlaybackType
	isPlaying    bool
	hasProps     bool
	appName      string
	appIconPath  string
	appResolved  bool
	thumb        *thumbnail.Info

	updates    *coalesce.Loader[updateRequest, update]
	artwork    *coalesce.Loader[ports.ArtworkRef, *thumbnail.Info]
	pending    updateRequest
	artworkKey string
	// artworkRetry is set when the load for artworkKey failed.
	artworkRetry bool
	closed       bool

	// FieldChanged carries the name of each field that changed.
	FieldChanged      event.Feed[string]
	PlaybackChanged   event.Feed[*Source]
	PropertiesChanged event.Feed[*Source]
	ThumbnailChanged  event.Feed[*Source]
}

func newSource(session ports.Session, opts sourceOptions) *Source {
	log := opts.log.With(zap.String("session", session.Key()))
	s := &Source{
		key:  session.Key(),
		opts: opts,
		log:  log,
	}

	s.updates = coalesce.New(coalesce.Config[updateRequest, update]{
		Name:    "properties",
		Load:    s.refresh,
		Changed: s.apply,
		Equal:   func(a, b update) bool { return a.equal(b) },
		Settled: s.settled,
		Post:    opts.post,
		Logger:  log,
	})
	s.artwork = s.artworkLoader(func(info *thumbnail.Info) { _ = info.Close() })

	s.UpdateSession(session)
	s.TriggerUpdate(true, true)
	return s
}

func (s *Source) artworkLoader(release func(*thumbnail.Info)) *coalesce.Loader[ports.ArtworkRef, *thumbnail.Info] {
	return coalesce.New(coalesce.Config[ports.ArtworkRef, *thumbnail.Info]{
		Name: "artwork",
		Load: func(ctx context.Context, ref ports.ArtworkRef) (*thumbnail.Info, error) {
			return thumbnail.Load(ctx, ref, s.opts.thumbnailSize, s.opts.thumbnailSize)
		},
		Changed: s.setThumbnail,
		Failed:  func(ports.ArtworkRef, error) { s.artworkRetry = true },
		Equal:   thumbnail.Same,
		Release: release,
		Post:    s.opts.post,
		Logger:  s.log,
	})
}

// Key returns the session key.
func (s *Source) Key() string { return s.key }

// Equal reports whether s and o have the same session key.
func (s *Source) Equal(o *Source) bool {
	if s == nil || o == nil {
		return s == o
	}
	return s.key == o.key
}

func (s *Source) String() string {
	return fmt.Sprintf("Source(%s: %q by %q, playing=%t)", s.key, s.name, s.artist, s.isPlaying)
}

// Session returns the currently bound handle.
func (s *Source) Session() ports.Session { return s.session }

func (s *Source) Name() string                     { return s.name }
func (s *Source) Artist() string                   { return s.artist }
func (s *Source) PlaybackType() ports.PlaybackType { return s.playbackType }
func (s *Source) IsPlaying() bool                  { return s.isPlaying }
func (s *Source) HasProperties() bool              { return s.hasProps }
func (s *Source) AppName() string                  { return s.appName }
func (s *Source) AppIconPath() string              { return s.appIconPath }
func (s *Source) Thumbnail() *thumbnail.Info       { return s.thumb }

// UpdateSession rebinds the source to session, moving the change subscriptions over.
func (s *Source) UpdateSession(session ports.Session) {
	if s.closed || session == nil {
		return
	}
	s.unhookSession()
	s.session = session
	s.hookSession()
}

// UpdateSessionWhenDifferent is UpdateSession, skipped when session is already bound.
func (s *Source) UpdateSessionWhenDifferent(session ports.Session) {
	if session == s.session {
		return
	}
	s.UpdateSession(session)
}

// TriggerUpdate schedules a refresh of the given facets. Facets requested while a refresh is
// in flight are merged into the next one.
func (s *Source) TriggerUpdate(playback, properties bool) {
	if s.closed {
		return
	}
	req := s.pending.merge(updateRequest{playback: playback, properties: properties})
	s.pending = req
	req.session = s.session
	req.base = s.updates.Current()
	s.updates.Schedule(req)
}

// Refresh re-reads everything from the session.
func (s *Source) Refresh() {
	s.TriggerUpdate(true, true)
}

// Close unhooks the session and releases the artwork. Later calls do nothing.
func (s *Source) Close() {
	if s.closed {
		return
	}
	s.unhookSession()
	s.closed = true
	s.updates.Close()
	s.artwork.Close()
	s.thumb = nil
	s.FieldChanged.Clear()
	s.PlaybackChanged.Clear()
	s.PropertiesChanged.Clear()
	s.ThumbnailChanged.Clear()
}

func (s *Source) hookSession() {
	session := s.session
	s.unhook = []func(){
		session.OnPropertiesChanged(func() {
			s.opts.post(func() { s.TriggerUpdate(true, true) })
		}),
		session.OnPlaybackChanged(func() {
			s.opts.post(func() { s.TriggerUpdate(true, false) })
		}),
	}
}

func (s *Source) unhookSession() {
	for _, unsubscribe := range s.unhook {
		if unsubscribe != nil {
			unsubscribe()
		}
	}
	s.unhook = nil
}

// refresh runs on a worker goroutine and must only touch the request.
func (s *Source) refresh(ctx context.Context, req updateRequest) (update, error) {
	u := req.base
	u.playbackReq = req.playback
	u.propertiesReq = req.properties
	session := req.session

	if !u.appResolved {
		info, err := session.AppInfo(ctx)
		switch {
		case err == nil:
			u.app = info
			u.appResolved = true
		case isCancel(err):
			return u, err
		default:
			s.log.Debug("app info unavailable", zap.Error(err))
		}
	}

	status, err := session.PlaybackStatus(ctx)
	switch {
	case err == nil:
		u.playing = status == ports.PlaybackPlaying
	case isCancel(err):
		return u, err
	default:
		s.log.Debug("playback status unavailable", zap.Error(err))
	}

	if !req.properties {
		return u, nil
	}

	props, err := session.Properties(ctx)
	if err != nil {
		if isCancel(err) {
			return u, err
		}
		s.log.Debug("media properties unavailable", zap.Error(err))
		props = nil
	}
	if props == nil {
		return u.withoutProperties(), nil
	}
	u.hasProps = true
	u.title = props.Title
	u.artist = props.Artist
	u.kind = props.Type
	u.artwork = props.Artwork
	u.artworkKey = props.ArtworkKey()
	return u, nil
}

func (s *Source) apply(u update) {
	if s.closed {
		return
	}
	setField(s, &s.isPlaying, u.playing, FieldIsPlaying)
	setField(s, &s.hasProps, u.hasProps, FieldHasProperties)
	setField(s, &s.name, u.title, FieldName)
	setField(s, &s.artist, u.artist, FieldArtist)
	setField(s, &s.playbackType, u.kind, FieldPlaybackType)
	if u.appResolved && !s.appResolved {
		s.appResolved = true
		setField(s, &s.appName, u.app.Name, FieldAppName)
		setField(s, &s.appIconPath, u.app.IconPath, FieldAppIconPath)
	}

	s.scheduleArtwork(u)

	if u.playbackReq {
		s.PlaybackChanged.Emit(s)
	}
	if u.propertiesReq {
		s.PropertiesChanged.Emit(s)
	}
}

// settled runs after every properties pass, including ones whose result matched the last one.
// After a failed artwork load the next properties pass loads the same key again.
func (s *Source) settled(req updateRequest) {
	s.pending = updateRequest{}
	if req.properties && !s.closed {
		s.scheduleArtwork(s.updates.Current())
	}
}

func (s *Source) scheduleArtwork(u update) {
	if u.artworkKey == s.artworkKey && !s.artworkRetry {
		return
	}
	s.artworkKey = u.artworkKey
	s.artworkRetry = false
	s.artwork.Schedule(u.artwork)
}

func (s *Source) setThumbnail(info *thumbnail.Info) {
	if s.closed {
		return
	}
	s.thumb = info
	s.FieldChanged.Emit(FieldThumbnail)
	s.ThumbnailChanged.Emit(s)
}

func setField[T comparable](s *Source, field *T, value T, name string) {
	if *field == value {
		return
	}
	*field = value
	s.FieldChanged.Emit(name)
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
