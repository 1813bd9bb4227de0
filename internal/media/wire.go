package media

import (
	"encoding/base64"

	"github.com/mikey-austin/nowbar/pkg/nb"
)

// Wire converts a snapshot into the published state. Artwork bytes are included only when
// withArtwork is set.
func (np NowPlaying) Wire(withArtwork bool, ts int64) nb.State {
	state := nb.State{
		Sources: make([]nb.SourceState, 0, len(np.Sources)),
		Loading: np.Loading,
		TS:      ts,
	}
	for _, src := range np.Sources {
		state.Sources = append(state.Sources, src.wire(withArtwork))
	}
	if np.Current != nil {
		cur := np.Current.wire(withArtwork)
		state.Current = &cur
	}
	return state
}

func (st SourceState) wire(withArtwork bool) nb.SourceState {
	out := nb.SourceState{
		Key:           st.Key,
		Title:         st.Name,
		Artist:        st.Artist,
		Type:          st.PlaybackType,
		Playing:       st.IsPlaying,
		HasProperties: st.HasProperties,
		App:           st.AppName,
		AppIcon:       st.AppIconPath,
		ArtworkHash:   st.ArtworkHash,
		Accent:        st.Accent,
	}
	if withArtwork && len(st.Artwork) > 0 {
		out.Artwork = base64.StdEncoding.EncodeToString(st.Artwork)
	}
	return out
}

// EventType names the change on the wire.
func (c Change) EventType() string {
	switch c {
	case ChangeSources:
		return nb.EventSourcesChanged
	case ChangeCurrentSource:
		return nb.EventCurrentChanged
	case ChangeCurrentThumbnail:
		return nb.EventThumbnailChanged
	case ChangeLoading:
		return nb.EventLoadingChanged
	default:
		return nb.EventPlaybackChanged
	}
}
