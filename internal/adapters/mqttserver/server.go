package mqttserver

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Will is published by the broker when the connection drops without a clean disconnect.
type Will struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Options configures the MQTT client used by nbd modules.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	TLSCA     string
	TLSCert   string
	TLSKey    string
	Timeout   time.Duration
	Will      *Will
	Logger    *zap.Logger
	Debug     bool
}

// Client wraps an MQTT connection for nbd modules.
type Client struct {
	client paho.Client
	log    *zap.Logger
	debug  bool
}

// NewClient connects to MQTT.
func NewClient(opts Options) (*Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	clientOpts := paho.NewClientOptions().AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetConnectTimeout(opts.Timeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		opts.Logger.Warn("mqtt connection lost", zap.Error(err))
	})
	clientOpts.SetReconnectingHandler(func(_ paho.Client, _ *paho.ClientOptions) {
		opts.Logger.Info("mqtt reconnecting", zap.String("broker", opts.BrokerURL))
	})
	if opts.Will != nil {
		clientOpts.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, 1, opts.Will.Retained)
	}

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}

	tlsConfig, err := ClientTLSConfig(opts.TLSCA, opts.TLSCert, opts.TLSKey)
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	client := paho.NewClient(clientOpts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	return &Client{client: client, log: opts.Logger, debug: opts.Debug}, nil
}

// Close disconnects, giving in-flight messages a short grace period.
func (c *Client) Close() {
	c.client.Disconnect(250)
}

// Publish publishes payload and waits for the broker to take it.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	c.trace("mqtt publish", topic, payload)
	return wait(c.client.Publish(topic, qos, retained, payload))
}

// Subscribe routes topic to handler. With debug set every delivery is traced first.
func (c *Client) Subscribe(topic string, qos byte, handler paho.MessageHandler) error {
	c.trace("mqtt subscribe", topic, nil)
	if c.debug {
		inner := handler
		handler = func(client paho.Client, msg paho.Message) {
			c.trace("mqtt message", msg.Topic(), msg.Payload())
			inner(client, msg)
		}
	}
	return wait(c.client.Subscribe(topic, qos, handler))
}

// Unsubscribe drops a subscription.
func (c *Client) Unsubscribe(topic string) error {
	c.trace("mqtt unsubscribe", topic, nil)
	return wait(c.client.Unsubscribe(topic))
}

func (c *Client) trace(msg string, topic string, payload []byte) {
	if !c.debug {
		return
	}
	fields := []zap.Field{zap.String("topic", topic)}
	if payload != nil {
		fields = append(fields, zap.Int("bytes", len(payload)), zap.String("payload", truncatePayload(payload)))
	}
	c.log.Debug(msg, fields...)
}

func wait(token paho.Token) error {
	token.Wait()
	return token.Error()
}

const maxTracedPayload = 2048

func truncatePayload(payload []byte) string {
	if len(payload) <= maxTracedPayload {
		return string(payload)
	}
	return string(payload[:maxTracedPayload]) + "..."
}

// ClientTLSConfig builds a client TLS config from PEM paths. It returns nil when none are set.
func ClientTLSConfig(caPath, certPath, keyPath string) (*tls.Config, error) {
	if caPath == "" && certPath == "" && keyPath == "" {
		return nil, nil
	}
	if (certPath == "") != (keyPath == "") {
		return nil, errors.New("tls cert and key must be set together")
	}

	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if caPath != "" {
		bundle, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(bundle) {
			return nil, fmt.Errorf("no certificates in %s", caPath)
		}
		config.RootCAs = pool
	}
	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	return config, nil
}
