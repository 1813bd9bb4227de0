package nb

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// BaseTopic is the default MQTT topic prefix for the protocol.
const BaseTopic = "nb/v1"

// NodeKind is the presence kind advertised by nbd.
const NodeKind = "nowbar"

// Command types accepted on a node's command topic.
const (
	CommandNext    = "playback.next"
	CommandPrev    = "playback.prev"
	CommandToggle  = "playback.toggle"
	CommandRefresh = "media.refresh"
	CommandGet     = "state.get"
)

// Reply error codes.
const (
	CodeInvalid     = "INVALID"
	CodeNoMedia     = "NO_MEDIA"
	CodeUnsupported = "UNSUPPORTED"
	CodeInternal    = "INTERNAL"
)

// Event types published on a node's event topic.
const (
	EventSourcesChanged   = "sources.changed"
	EventCurrentChanged   = "current.changed"
	EventPlaybackChanged  = "playback.changed"
	EventThumbnailChanged = "thumbnail.changed"
	EventLoadingChanged   = "loading.changed"
)

// CommandEnvelope is the controller command envelope for MQTT.
type CommandEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	From    string          `json:"from"`
	ReplyTo string          `json:"replyTo,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// ReplyEnvelope is the response envelope for commands.
type ReplyEnvelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	OK   bool            `json:"ok"`
	TS   int64           `json:"ts"`
	Body json.RawMessage `json:"body,omitempty"`
	Err  *ReplyError     `json:"err,omitempty"`
}

// ReplyError describes an error response.
type ReplyError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Presence describes a node presence payload.
type Presence struct {
	NodeID string         `json:"nodeId"`
	Kind   string         `json:"kind"`
	Name   string         `json:"name"`
	Online bool           `json:"online"`
	Caps   map[string]any `json:"caps,omitempty"`
	TS     int64          `json:"ts"`
}

// State is the retained now-playing state of a node.
type State struct {
	Current      *SourceState  `json:"current,omitempty"`
	Sources      []SourceState `json:"sources"`
	Loading      bool          `json:"loading,omitempty"`
	StateVersion int64         `json:"stateVersion,omitempty"`
	TS           int64         `json:"ts"`
}

// SourceState describes one media session.
type SourceState struct {
	Key           string `json:"key"`
	Title         string `json:"title"`
	Artist        string `json:"artist,omitempty"`
	Type          string `json:"type"`
	Playing       bool   `json:"playing"`
	HasProperties bool   `json:"hasProperties"`
	App           string `json:"app,omitempty"`
	AppIcon       string `json:"appIcon,omitempty"`
	ArtworkHash   string `json:"artworkHash,omitempty"`
	Accent        string `json:"accent,omitempty"`
	// Artwork is a base64 PNG, present only when the node publishes artwork.
	Artwork string `json:"artwork,omitempty"`
}

// DisplayTitle returns "artist - title", or whichever part is present.
func (s SourceState) DisplayTitle() string {
	switch {
	case s.Artist != "" && s.Title != "":
		return s.Artist + " - " + s.Title
	case s.Title != "":
		return s.Title
	case s.Artist != "":
		return s.Artist
	default:
		return s.App
	}
}

// Event is a change notification.
type Event struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// NewCommand builds a command envelope with a JSON body. A nil body is sent as {}.
func NewCommand(cmdType string, body any) (CommandEnvelope, error) {
	if body == nil {
		body = struct{}{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return CommandEnvelope{}, fmt.Errorf("marshal body: %w", err)
	}

	return CommandEnvelope{
		Type: cmdType,
		Body: payload,
	}, nil
}

// ValidateCommandEnvelope validates required fields.
func ValidateCommandEnvelope(cmd CommandEnvelope) error {
	if strings.TrimSpace(cmd.ID) == "" {
		return errors.New("id is required")
	}
	if strings.TrimSpace(cmd.Type) == "" {
		return errors.New("type is required")
	}
	if cmd.TS <= 0 {
		return errors.New("ts must be a positive unix timestamp")
	}
	if strings.TrimSpace(cmd.From) == "" {
		return errors.New("from is required")
	}
	if len(cmd.Body) > 0 && !json.Valid(cmd.Body) {
		return errors.New("body must be valid json")
	}
	return nil
}

// IsTransport reports whether a command type drives playback.
func IsTransport(cmdType string) bool {
	switch cmdType {
	case CommandNext, CommandPrev, CommandToggle:
		return true
	default:
		return false
	}
}

// TopicPresence builds the presence topic for a node.
func TopicPresence(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/presence", topicBase, nodeID)
}

// TopicPresenceAll matches every node's presence.
func TopicPresenceAll(topicBase string) string {
	return fmt.Sprintf("%s/node/+/presence", topicBase)
}

// TopicState builds the state topic for a node.
func TopicState(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/state", topicBase, nodeID)
}

// TopicCommands builds the command topic for a node.
func TopicCommands(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/cmd", topicBase, nodeID)
}

// TopicEvents builds the events topic for a node.
func TopicEvents(topicBase, nodeID string) string {
	return fmt.Sprintf("%s/node/%s/evt", topicBase, nodeID)
}

// TopicReply builds the reply topic for a controller instance.
func TopicReply(topicBase, controllerID string) string {
	return fmt.Sprintf("%s/reply/%s", topicBase, controllerID)
}
