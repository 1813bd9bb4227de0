package media

import "bytes"

// SourceState is an immutable copy of a Source, safe to hand to other goroutines.
type SourceState struct {
	Key           string `json:"key"`
	Name          string `json:"name"`
	Artist        string `json:"artist"`
	PlaybackType  string `json:"playbackType"`
	IsPlaying     bool   `json:"isPlaying"`
	HasProperties bool   `json:"hasProperties"`
	AppName       string `json:"appName,omitempty"`
	AppIconPath   string `json:"appIconPath,omitempty"`
	ArtworkHash   string `json:"artworkHash,omitempty"`
	Accent        string `json:"accent,omitempty"`
	// Artwork is the encoded thumbnail.
	Artwork []byte `json:"-"`
}

// NowPlaying is a point-in-time view of the whole service.
type NowPlaying struct {
	Current *SourceState  `json:"current,omitempty"`
	Sources []SourceState `json:"sources"`
	Loading bool          `json:"loading,omitempty"`
}

// Snapshot copies the source's fields. Must be called on the loop.
func (s *Source) Snapshot() SourceState {
	st := SourceState{
		Key:           s.key,
		Name:          s.name,
		Artist:        s.artist,
		PlaybackType:  s.playbackType.String(),
		IsPlaying:     s.isPlaying,
		HasProperties: s.hasProps,
		AppName:       s.appName,
		AppIconPath:   s.appIconPath,
	}
	if s.thumb != nil {
		st.ArtworkHash = s.thumb.Hash
		st.Accent = s.thumb.AccentHex()
		if s.thumb.Stream != nil {
			st.Artwork = bytes.Clone(s.thumb.Stream.Bytes())
		}
	}
	return st
}
