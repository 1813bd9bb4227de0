package embeddedmqtt

import (
	"context"
	"log/slog"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewServerAllowAnonymous(t *testing.T) {
	server, err := newServer(zap.NewNop(), Config{AllowAnonymous: true})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}
	if server == nil {
		t.Fatalf("expected server")
	}
}

func TestNewServerRequiresAuthConfig(t *testing.T) {
	_, err := newServer(zap.NewNop(), Config{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestInlinePublishSubscribe(t *testing.T) {
	server, err := newServer(zap.NewNop(), Config{AllowAnonymous: true})
	if err != nil {
		t.Fatalf("newServer: %v", err)
	}

	received := make(chan packets.Packet, 1)
	handler := func(_ *mqtt.Client, _ packets.Subscription, pk packets.Packet) {
		received <- pk
	}
	if err := server.Subscribe("test/#", 1, handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := server.Publish("test/topic", []byte("payload"), false, 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case pk := <-received:
		if string(pk.Payload) != "payload" {
			t.Fatalf("unexpected payload")
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timeout waiting for message")
	}
}

func TestBrokerURL(t *testing.T) {
	if BrokerURL("127.0.0.1:1883", false) != "mqtt://127.0.0.1:1883" {
		t.Fatalf("expected mqtt scheme")
	}
	if BrokerURL("127.0.0.1:8883", true) != "mqtts://127.0.0.1:8883" {
		t.Fatalf("expected mqtts scheme")
	}
	if BrokerURL("0.0.0.0:1883", false) != "mqtt://127.0.0.1:1883" {
		t.Fatalf("wildcard listen should dial loopback")
	}
	if BrokerURL(":1883", false) != "mqtt://127.0.0.1:1883" {
		t.Fatalf("empty host should dial loopback")
	}
}

func TestTLSNeedsCertAndKey(t *testing.T) {
	if _, err := buildTLSConfig("ca.pem", "", ""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSlogBridgeLevelsAndEOF(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := newSlogLogger(zap.New(core))

	logger.Debug("hidden")
	logger.Warn("client error", "error", "read connection: EOF")
	logger.Error("listener failed", "listener", "tcp", "attempts", 3)

	if !logger.Enabled(context.Background(), slog.LevelWarn) || logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("bridge should follow the zap level")
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Message != "listener failed" || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("unexpected entry %+v", entries[0])
	}
	if entries[0].ContextMap()["attempts"] != int64(3) {
		t.Fatalf("expected attempts field, got %v", entries[0].ContextMap())
	}
}

func TestRunServesAndStops(t *testing.T) {
	mod, err := NewModule(zap.NewNop(), Config{Listen: "127.0.0.1:0", AllowAnonymous: true})
	if err != nil {
		t.Fatalf("new module: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mod.Run(ctx) }()

	select {
	case <-mod.Ready():
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("broker never became ready")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broker did not stop")
	}
}
