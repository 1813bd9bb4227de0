package mpris

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/quarckster/go-mpris-server/pkg/types"

	"github.com/mikey-austin/nowbar/internal/ports"
)

const (
	keyTitle  = "xesam:title"
	keyArtist = "xesam:artist"
	keyAlbum  = "xesam:album"
	keyURL    = "xesam:url"
	keyArtURL = "mpris:artUrl"
)

// mediaExtensions covers common media files the system mime table may not know.
var mediaExtensions = map[string]ports.PlaybackType{
	".mp3":  ports.TypeMusic,
	".flac": ports.TypeMusic,
	".ogg":  ports.TypeMusic,
	".opus": ports.TypeMusic,
	".m4a":  ports.TypeMusic,
	".wav":  ports.TypeMusic,
	".mp4":  ports.TypeVideo,
	".mkv":  ports.TypeVideo,
	".webm": ports.TypeVideo,
	".avi":  ports.TypeVideo,
	".mov":  ports.TypeVideo,
}

// ArtworkResolver maps an mpris:artUrl onto an artwork reference. It returns nil for URLs it
// cannot serve.
type ArtworkResolver func(raw string) ports.ArtworkRef

func parseStatus(raw string) ports.PlaybackStatus {
	switch types.PlaybackStatus(raw) {
	case types.PlaybackStatusPlaying:
		return ports.PlaybackPlaying
	case types.PlaybackStatusPaused:
		return ports.PlaybackPaused
	case types.PlaybackStatusStopped:
		return ports.PlaybackStopped
	default:
		return ports.PlaybackUnknown
	}
}

// parseMetadata returns nil when the player exposes no descriptive metadata.
func parseMetadata(meta map[string]dbus.Variant, artwork ArtworkResolver) *ports.Properties {
	props := &ports.Properties{
		Title:  variantString(meta[keyTitle]),
		Artist: strings.Join(variantStrings(meta[keyArtist]), ", "),
		Album:  variantString(meta[keyAlbum]),
	}
	if artwork != nil {
		props.Artwork = artwork(variantString(meta[keyArtURL]))
	}
	if props.Title == "" && props.Artist == "" && props.Album == "" && props.Artwork == nil {
		return nil
	}
	props.Type = inferType(variantString(meta[keyURL]), props)
	return props
}

func inferType(rawURL string, props *ports.Properties) ports.PlaybackType {
	if rawURL != "" {
		p := rawURL
		if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
			p = u.Path
		}
		ext := strings.ToLower(path.Ext(p))
		if kind, ok := mediaExtensions[ext]; ok {
			return kind
		}
		kind, _, _ := strings.Cut(mime.TypeByExtension(ext), "/")
		switch kind {
		case "audio":
			return ports.TypeMusic
		case "video":
			return ports.TypeVideo
		case "image":
			return ports.TypeImage
		}
	}
	if props.Artist != "" || props.Album != "" {
		return ports.TypeMusic
	}
	return ports.TypeUnknown
}

func variantString(v dbus.Variant) string {
	switch val := v.Value().(type) {
	case string:
		return val
	case dbus.ObjectPath:
		return string(val)
	default:
		return ""
	}
}

func variantStrings(v dbus.Variant) []string {
	switch val := v.Value().(type) {
	case []string:
		return val
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
