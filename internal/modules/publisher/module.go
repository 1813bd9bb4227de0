package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/media"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

const commandTimeout = 5 * time.Second

type mqttClient interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler paho.MessageHandler) error
	Unsubscribe(topic string) error
}

// Engine is the media service surface the publisher drives. *media.Service satisfies it.
type Engine interface {
	Snapshot(ctx context.Context) (media.NowPlaying, error)
	Send(ctx context.Context, cmd media.Command) error
	Refresh()
	Watch(fn func(media.Change)) (unsubscribe func())
}

// Config configures the publisher module.
type Config struct {
	NodeID         string
	TopicBase      string
	Name           string
	PublishArtwork bool
}

// Module mirrors the local media service onto MQTT.
type Module struct {
	log      *zap.Logger
	client   mqttClient
	engine   Engine
	config   Config
	cmdTopic string

	mu      sync.Mutex
	pending []media.Change
	dirty   chan struct{}
	version int64
}

// NewModule creates a publisher module.
func NewModule(log *zap.Logger, client mqttClient, engine Engine, cfg Config) (*Module, error) {
	if strings.TrimSpace(cfg.NodeID) == "" {
		return nil, errors.New("node_id required")
	}
	if client == nil || engine == nil {
		return nil, errors.New("mqtt client and media engine required")
	}
	if strings.TrimSpace(cfg.TopicBase) == "" {
		cfg.TopicBase = nb.BaseTopic
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "Now Playing"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Module{
		log:      log,
		client:   client,
		engine:   engine,
		config:   cfg,
		cmdTopic: nb.TopicCommands(cfg.TopicBase, cfg.NodeID),
		dirty:    make(chan struct{}, 1),
	}, nil
}

// PresencePayload is the retained presence message, online or not. It doubles as the
// connection's last will.
func PresencePayload(cfg Config, online bool) ([]byte, error) {
	presence := nb.Presence{
		NodeID: cfg.NodeID,
		Kind:   nb.NodeKind,
		Name:   cfg.Name,
		Online: online,
		TS:     time.Now().Unix(),
	}
	if online {
		presence.Caps = map[string]any{
			"transport": true,
			"artwork":   cfg.PublishArtwork,
		}
	}
	return json.Marshal(presence)
}

// Run publishes presence and state until ctx is done.
func (m *Module) Run(ctx context.Context) error {
	if err := m.publishPresence(true); err != nil {
		return err
	}

	handler := func(_ paho.Client, msg paho.Message) {
		m.handleMessage(ctx, msg)
	}
	if err := m.client.Subscribe(m.cmdTopic, 1, handler); err != nil {
		return err
	}
	defer m.client.Unsubscribe(m.cmdTopic)

	unwatch := m.engine.Watch(m.changed)
	defer unwatch()

	if err := m.publishState(ctx); err != nil {
		m.log.Warn("initial state publish failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			if err := m.publishPresence(false); err != nil {
				m.log.Warn("offline presence publish failed", zap.Error(err))
			}
			return nil
		case <-m.dirty:
			m.flush(ctx)
		}
	}
}

// changed runs on the media loop and must not block.
func (m *Module) changed(c media.Change) {
	m.mu.Lock()
	m.pending = append(m.pending, c)
	m.mu.Unlock()
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

func (m *Module) flush(ctx context.Context) {
	m.mu.Lock()
	changes := m.pending
	m.pending = nil
	m.mu.Unlock()

	seen := make(map[media.Change]bool, len(changes))
	for _, c := range changes {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := m.publishEvent(c.EventType()); err != nil {
			m.log.Warn("event publish failed", zap.Stringer("change", c), zap.Error(err))
		}
	}
	if err := m.publishState(ctx); err != nil {
		m.log.Warn("state publish failed", zap.Error(err))
	}
}

func (m *Module) publishPresence(online bool) error {
	payload, err := PresencePayload(m.config, online)
	if err != nil {
		return err
	}
	return m.client.Publish(nb.TopicPresence(m.config.TopicBase, m.config.NodeID), 1, true, payload)
}

func (m *Module) state(ctx context.Context) (nb.State, error) {
	np, err := m.engine.Snapshot(ctx)
	if err != nil {
		return nb.State{}, err
	}
	m.mu.Lock()
	m.version++
	version := m.version
	m.mu.Unlock()

	state := np.Wire(m.config.PublishArtwork, time.Now().Unix())
	state.StateVersion = version
	return state, nil
}

func (m *Module) publishState(ctx context.Context) error {
	state, err := m.state(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return m.client.Publish(nb.TopicState(m.config.TopicBase, m.config.NodeID), 1, true, payload)
}

func (m *Module) publishEvent(evtType string) error {
	payload, err := json.Marshal(nb.Event{Type: evtType, TS: time.Now().Unix()})
	if err != nil {
		return err
	}
	return m.client.Publish(nb.TopicEvents(m.config.TopicBase, m.config.NodeID), 0, false, payload)
}

func (m *Module) handleMessage(ctx context.Context, msg paho.Message) {
	var cmd nb.CommandEnvelope
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		m.log.Warn("invalid command", zap.Error(err))
		return
	}
	reply := m.dispatch(ctx, cmd)
	m.publishReply(cmd.ReplyTo, reply)
}

func (m *Module) publishReply(replyTo string, reply nb.ReplyEnvelope) {
	if replyTo == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		m.log.Warn("reply encode failed", zap.Error(err))
		return
	}
	if err := m.client.Publish(replyTo, 1, false, payload); err != nil {
		m.log.Warn("reply publish failed", zap.String("topic", replyTo), zap.Error(err))
	}
}

func (m *Module) dispatch(ctx context.Context, cmd nb.CommandEnvelope) nb.ReplyEnvelope {
	if err := nb.ValidateCommandEnvelope(cmd); err != nil {
		return errorReply(cmd, nb.CodeInvalid, err.Error())
	}
	reply := nb.ReplyEnvelope{ID: cmd.ID, Type: "ack", OK: true, TS: time.Now().Unix()}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	switch cmd.Type {
	case nb.CommandNext, nb.CommandPrev, nb.CommandToggle:
		if err := m.engine.Send(ctx, transportCommand(cmd.Type)); err != nil {
			return commandError(cmd, err)
		}
		return reply
	case nb.CommandRefresh:
		m.engine.Refresh()
		return reply
	case nb.CommandGet:
		state, err := m.state(ctx)
		if err != nil {
			return commandError(cmd, err)
		}
		body, err := json.Marshal(state)
		if err != nil {
			return errorReply(cmd, nb.CodeInternal, err.Error())
		}
		reply.Body = body
		return reply
	default:
		return errorReply(cmd, nb.CodeUnsupported, "unsupported command "+cmd.Type)
	}
}

func transportCommand(cmdType string) media.Command {
	switch cmdType {
	case nb.CommandNext:
		return media.CommandNext
	case nb.CommandPrev:
		return media.CommandPrevious
	default:
		return media.CommandPlayPause
	}
}

func commandError(cmd nb.CommandEnvelope, err error) nb.ReplyEnvelope {
	if errors.Is(err, media.ErrNoCurrentSource) {
		return errorReply(cmd, nb.CodeNoMedia, err.Error())
	}
	return errorReply(cmd, nb.CodeInternal, err.Error())
}

func errorReply(cmd nb.CommandEnvelope, code string, message string) nb.ReplyEnvelope {
	return nb.ReplyEnvelope{
		ID:   cmd.ID,
		Type: "error",
		OK:   false,
		TS:   time.Now().Unix(),
		Err: &nb.ReplyError{
			Code:    code,
			Message: message,
		},
	}
}
