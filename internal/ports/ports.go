package ports

import (
	"context"
	"io"
)

// SessionManager enumerates the media sessions the platform knows about.
type SessionManager interface {
	Sessions(ctx context.Context) ([]Session, error)
	// CurrentSession returns nil when the platform has no current session.
	CurrentSession(ctx context.Context) (Session, error)
	OnSessionsChanged(fn func()) (unsubscribe func())
	OnCurrentSessionChanged(fn func()) (unsubscribe func())
}

// Session is a borrowed handle on one application's playback context. The platform may hand
// out a new handle for the same Key at any time.
type Session interface {
	Key() string
	PlaybackStatus(ctx context.Context) (PlaybackStatus, error)
	// Properties returns nil when the session currently has no media properties.
	Properties(ctx context.Context) (*Properties, error)
	AppInfo(ctx context.Context) (AppInfo, error)
	OnPropertiesChanged(fn func()) (unsubscribe func())
	OnPlaybackChanged(fn func()) (unsubscribe func())
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	PlayPause(ctx context.Context) error
}

// ArtworkRef is an opaque reference to a piece of artwork.
type ArtworkRef interface {
	// Key identifies the artwork location, not its content.
	Key() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// Properties describes what a session is playing.
type Properties struct {
	Title   string
	Artist  string
	Album   string
	Type    PlaybackType
	Artwork ArtworkRef
}

// ArtworkKey returns the key of the artwork reference, or "" if there is none.
func (p *Properties) ArtworkKey() string {
	if p == nil || p.Artwork == nil {
		return ""
	}
	return p.Artwork.Key()
}

// AppInfo is display metadata for the application that owns a session.
type AppInfo struct {
	Name     string
	IconPath string
}

// PlaybackStatus is the transport state of a session.
type PlaybackStatus int

const (
	PlaybackUnknown PlaybackStatus = iota
	PlaybackStopped
	PlaybackPaused
	PlaybackPlaying
)

func (s PlaybackStatus) String() string {
	switch s {
	case PlaybackStopped:
		return "stopped"
	case PlaybackPaused:
		return "paused"
	case PlaybackPlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// PlaybackType tags the kind of media being played.
type PlaybackType int

const (
	TypeUnknown PlaybackType = iota
	TypeMusic
	TypeVideo
	TypeImage
)

func (t PlaybackType) String() string {
	switch t {
	case TypeMusic:
		return "music"
	case TypeVideo:
		return "video"
	case TypeImage:
		return "image"
	default:
		return "unknown"
	}
}
