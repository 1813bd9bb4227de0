package main

import (
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/mikey-austin/nowbar/internal/nbd"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

func TestBuildModulesModuleOnlyFilter(t *testing.T) {
	cfg := nbd.Config{}
	cfg.Modules.EmbeddedMQTT.Enabled = true
	cfg.Modules.EmbeddedMQTT.Listen = "127.0.0.1:0"
	cfg.Modules.EmbeddedMQTT.AllowAnonymous = true

	deps := moduleDeps{logger: zaptest.NewLogger(t)}
	modules, err := buildModules(cfg, deps, "embedded_mqtt", false)
	if err != nil {
		t.Fatalf("buildModules: %v", err)
	}
	if len(modules) != 1 || modules[0].Name != "embedded_mqtt" {
		t.Fatalf("expected embedded_mqtt only, got %+v", modules)
	}

	if _, err := buildModules(cfg, deps, "publisher", false); err == nil {
		t.Fatalf("expected error for filtered module")
	}
	if modules, err := buildModules(cfg, deps, "", true); err != nil || len(modules) != 0 {
		t.Fatalf("expected no modules when the broker already runs, got %d %v", len(modules), err)
	}
}

func TestBuildModulesPublisherNeedsMedia(t *testing.T) {
	cfg := nbd.Config{}
	cfg.Modules.Publisher.Enabled = true
	cfg.Modules.Publisher.NodeID = "nb:desk"

	if _, err := buildModules(cfg, moduleDeps{logger: zaptest.NewLogger(t)}, "", false); err == nil {
		t.Fatalf("expected error without media service")
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := nbd.Config{}
	cfg.Modules.EmbeddedMQTT.Enabled = true
	applyOverrides(&cfg, overrides{logLevel: "debug", logUTC: true})

	if cfg.Server.TopicBase != nb.BaseTopic {
		t.Fatalf("expected default topic base, got %q", cfg.Server.TopicBase)
	}
	if cfg.Server.Broker != "mqtt://127.0.0.1:1883" {
		t.Fatalf("expected embedded broker url, got %q", cfg.Server.Broker)
	}
	if !strings.HasPrefix(cfg.Modules.Publisher.NodeID, "nb:") {
		t.Fatalf("expected derived node id, got %q", cfg.Modules.Publisher.NodeID)
	}
	if cfg.Server.LogLevel != "debug" || !cfg.Server.LogUTC {
		t.Fatalf("expected log overrides, got %+v", cfg.Server)
	}

	applyOverrides(&cfg, overrides{broker: "mqtts://broker:8883", nodeID: "nb:lounge"})
	if cfg.Server.Broker != "mqtts://broker:8883" || cfg.Modules.Publisher.NodeID != "nb:lounge" {
		t.Fatalf("expected explicit overrides to win, got %+v", cfg)
	}
}

func TestEmbeddedURLFollowsTLS(t *testing.T) {
	cfg := nbd.Config{}
	cfg.Modules.EmbeddedMQTT.Listen = "0.0.0.0:8883"
	cfg.Modules.EmbeddedMQTT.TLSCert = "cert.pem"
	cfg.Modules.EmbeddedMQTT.TLSKey = "key.pem"
	if got := embeddedConfig(cfg).URL(); got != "mqtts://127.0.0.1:8883" {
		t.Fatalf("unexpected url %q", got)
	}
}
