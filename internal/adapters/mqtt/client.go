package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mikey-austin/nowbar/internal/adapters/mqttserver"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

// ErrNodeOffline is sent on a watch's error channel when the node publishes offline presence.
var ErrNodeOffline = errors.New("node went offline")

// presenceWindow is how long ListPresence collects retained presence.
const presenceWindow = 250 * time.Millisecond

// Options configures the MQTT client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	TopicBase string
	Timeout   time.Duration
}

// Client is an MQTT adapter implementing the Broker port.
type Client struct {
	client     paho.Client
	replyTopic string
	topicBase  string
	timeout    time.Duration

	mu      sync.Mutex
	replies map[string]chan nb.ReplyEnvelope
}

// NewClient creates and connects an MQTT client.
func NewClient(opts Options) (*Client, error) {
	if opts.TopicBase == "" {
		opts.TopicBase = nb.BaseTopic
	}
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.ClientID == "" {
		return nil, errors.New("client id required")
	}

	c := &Client{
		replyTopic: nb.TopicReply(opts.TopicBase, opts.ClientID),
		topicBase:  opts.TopicBase,
		timeout:    opts.Timeout,
		replies:    map[string]chan nb.ReplyEnvelope{},
	}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetCleanSession(true)
	// Resubscribes after a reconnect; the first connect subscribes below so errors surface.
	clientOpts.SetOnConnectHandler(func(client paho.Client) {
		client.Subscribe(c.replyTopic, 1, c.handleReply).Wait()
	})

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := mqttserver.ClientTLSConfig(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	c.client = paho.NewClient(clientOpts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.BrokerURL, token.Error())
	}
	if token := c.client.Subscribe(c.replyTopic, 1, c.handleReply); token.Wait() && token.Error() != nil {
		c.client.Disconnect(0)
		return nil, token.Error()
	}

	return c, nil
}

// Close disconnects from the broker.
func (c *Client) Close() {
	c.client.Disconnect(100)
}

// ReplyTopic returns the topic used for replies.
func (c *Client) ReplyTopic() string {
	return c.replyTopic
}

// PublishCommand publishes a command and waits for its reply.
func (c *Client) PublishCommand(ctx context.Context, nodeID string, cmd nb.CommandEnvelope) (nb.ReplyEnvelope, error) {
	req, err := json.Marshal(cmd)
	if err != nil {
		return nb.ReplyEnvelope{}, fmt.Errorf("marshal command: %w", err)
	}

	replyCh := make(chan nb.ReplyEnvelope, 1)
	c.mu.Lock()
	c.replies[cmd.ID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replies, cmd.ID)
		c.mu.Unlock()
	}()

	topic := nb.TopicCommands(c.topicBase, nodeID)
	if token := c.client.Publish(topic, 1, false, req); token.Wait() && token.Error() != nil {
		return nb.ReplyEnvelope{}, token.Error()
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nb.ReplyEnvelope{}, ctx.Err()
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		return nb.ReplyEnvelope{}, fmt.Errorf("timeout waiting for reply from %s", nodeID)
	}
}

// ListPresence collects retained presence messages.
func (c *Client) ListPresence(ctx context.Context) ([]nb.Presence, error) {
	var (
		lock    sync.Mutex
		collect = make(map[string]nb.Presence)
	)
	handler := decodeTo(func(p nb.Presence) {
		if p.NodeID == "" {
			return
		}
		lock.Lock()
		collect[p.NodeID] = p
		lock.Unlock()
	})

	topic := nb.TopicPresenceAll(c.topicBase)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	defer c.client.Unsubscribe(topic).Wait()

	wait := time.NewTimer(presenceWindow)
	select {
	case <-ctx.Done():
		wait.Stop()
	case <-wait.C:
	}

	lock.Lock()
	defer lock.Unlock()
	out := make([]nb.Presence, 0, len(collect))
	for _, presence := range collect {
		out = append(out, presence)
	}
	return out, nil
}

// GetState returns the node's retained state.
func (c *Client) GetState(ctx context.Context, nodeID string) (nb.State, error) {
	stateCh := make(chan nb.State, 1)
	handler := decodeTo(func(state nb.State) {
		select {
		case stateCh <- state:
		default:
		}
	})

	topic := nb.TopicState(c.topicBase, nodeID)
	if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
		return nb.State{}, token.Error()
	}
	defer c.client.Unsubscribe(topic).Wait()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nb.State{}, ctx.Err()
	case state := <-stateCh:
		return state, nil
	case <-timer.C:
		return nb.State{}, fmt.Errorf("timeout waiting for state from %s", nodeID)
	}
}

// WatchState streams state and events for a node until ctx is done or the node goes offline.
func (c *Client) WatchState(ctx context.Context, nodeID string) (<-chan nb.State, <-chan nb.Event, <-chan error) {
	stateCh := make(chan nb.State, 8)
	eventCh := make(chan nb.Event, 8)
	errCh := make(chan error, 1)

	// Handlers may still be in flight after unsubscribing, so sends and close share a lock.
	var (
		lock   sync.Mutex
		closed bool
	)
	deliver := func(fn func()) {
		lock.Lock()
		defer lock.Unlock()
		if !closed {
			fn()
		}
	}
	fail := func(err error) {
		deliver(func() {
			select {
			case errCh <- err:
			default:
			}
		})
	}

	topics := map[string]paho.MessageHandler{
		nb.TopicState(c.topicBase, nodeID): decodeTo(func(state nb.State) {
			deliver(func() {
				select {
				case stateCh <- state:
				default:
				}
			})
		}),
		nb.TopicEvents(c.topicBase, nodeID): decodeTo(func(evt nb.Event) {
			deliver(func() {
				select {
				case eventCh <- evt:
				default:
				}
			})
		}),
		nb.TopicPresence(c.topicBase, nodeID): decodeTo(func(p nb.Presence) {
			if !p.Online {
				fail(fmt.Errorf("%s: %w", nodeID, ErrNodeOffline))
			}
		}),
	}

	subscribed := make([]string, 0, len(topics))
	for topic, handler := range topics {
		if token := c.client.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			fail(token.Error())
			break
		}
		subscribed = append(subscribed, topic)
	}

	go func() {
		<-ctx.Done()
		if len(subscribed) > 0 {
			c.client.Unsubscribe(subscribed...).Wait()
		}
		lock.Lock()
		closed = true
		close(stateCh)
		close(eventCh)
		close(errCh)
		lock.Unlock()
	}()

	return stateCh, eventCh, errCh
}

func (c *Client) handleReply(_ paho.Client, msg paho.Message) {
	var reply nb.ReplyEnvelope
	if err := json.Unmarshal(msg.Payload(), &reply); err != nil {
		return
	}

	c.mu.Lock()
	ch, ok := c.replies[reply.ID]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- reply:
	default:
	}
}

// decodeTo adapts a typed callback to a paho handler, dropping payloads that do not decode.
func decodeTo[T any](fn func(T)) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		var v T
		if err := json.Unmarshal(msg.Payload(), &v); err != nil {
			return
		}
		fn(v)
	}
}
