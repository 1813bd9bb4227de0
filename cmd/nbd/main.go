package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/adapters/idgen"
	"github.com/mikey-austin/nowbar/internal/adapters/localmedia"
	"github.com/mikey-austin/nowbar/internal/adapters/mqttserver"
	embeddedmqtt "github.com/mikey-austin/nowbar/internal/modules/embedded_mqtt"
	"github.com/mikey-austin/nowbar/internal/modules/publisher"
	"github.com/mikey-austin/nowbar/internal/nbd"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

type overrides struct {
	broker    string
	identity  string
	topicBase string
	nodeID    string
	logLevel  string
	logFormat string
	logOutput string
	logSource bool
	logUTC    bool
	logColor  bool
}

func main() {
	var (
		o           overrides
		configPath  string
		printConfig bool
		dryRun      bool
		moduleOnly  string
		mqttDebug   bool
	)

	flag.StringVar(&configPath, "config", nbd.DefaultConfigPath(), "config file path")
	flag.StringVar(&o.broker, "broker", "", "MQTT broker URL override")
	flag.StringVar(&o.identity, "identity", "", "server identity override")
	flag.StringVar(&o.topicBase, "topic-base", "", "topic base override")
	flag.StringVar(&o.nodeID, "node-id", "", "publisher node id override")
	flag.StringVar(&o.logLevel, "log-level", "", "log level override")
	flag.StringVar(&o.logFormat, "log-format", "", "log format override (console|json)")
	flag.StringVar(&o.logOutput, "log-output", "", "log output override (stdout|stderr)")
	flag.BoolVar(&o.logSource, "log-source", false, "include caller in logs")
	flag.BoolVar(&o.logUTC, "log-utc", false, "use UTC timestamps in logs")
	flag.BoolVar(&o.logColor, "log-color", false, "enable colored log output (console only)")
	flag.StringVar(&moduleOnly, "module", "", "limit to a single module")
	flag.BoolVar(&mqttDebug, "mqtt-debug", false, "log every MQTT publish and message")
	flag.BoolVar(&printConfig, "print-config", false, "print resolved config and exit")
	flag.BoolVar(&dryRun, "dry-run", false, "validate config and exit")
	flag.Parse()

	cfg, err := nbd.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	applyOverrides(&cfg, o)

	if printConfig {
		printResolvedConfig(cfg)
		return
	}
	if dryRun {
		return
	}

	logger := nbd.NewLogger(nbd.LogConfig{
		Level:     cfg.Server.LogLevel,
		Format:    cfg.Server.LogFormat,
		Output:    cfg.Server.LogOutput,
		AddSource: cfg.Server.LogSource,
		UTC:       cfg.Server.LogUTC,
		Color:     cfg.Server.LogColor,
	})
	defer logger.Sync()

	if err := run(cfg, logger, moduleOnly, mqttDebug); err != nil {
		logger.Error("nbd failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg nbd.Config, logger *zap.Logger, moduleOnly string, mqttDebug bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	skipEmbedded := false
	if moduleOnly != "embedded_mqtt" && cfg.Modules.EmbeddedMQTT.Enabled && cfg.Server.Broker == embeddedConfig(cfg).URL() {
		if err := startEmbeddedBroker(ctx, cfg, logger, cancel); err != nil {
			return fmt.Errorf("embedded mqtt: %w", err)
		}
		skipEmbedded = true
	}

	needsMedia := wants(moduleOnly, "publisher") && cfg.Modules.Publisher.Enabled
	if needsMedia && cfg.Server.Broker == "" {
		return errors.New("broker is required")
	}
	logger.Info("nbd starting",
		zap.String("broker", cfg.Server.Broker),
		zap.String("identity", cfg.Server.Identity),
		zap.String("topic_base", cfg.Server.TopicBase),
		zap.String("node_id", cfg.Modules.Publisher.NodeID),
		zap.Strings("modules", enabledModules(cfg)),
	)

	deps := moduleDeps{logger: logger}
	if needsMedia {
		host, err := localmedia.Open(ctx, localmedia.Options{
			Debounce:       cfg.Media.Debounce(),
			ThumbnailSize:  cfg.Media.ThumbnailSize,
			PublishArtwork: cfg.Modules.Publisher.PublishArtwork,
			Logger:         logger.Named("media"),
		})
		if err != nil {
			return err
		}
		defer host.Close()
		deps.host = host

		client, err := connect(cfg, logger, mqttDebug)
		if err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
		defer client.Close()
		deps.client = client
	}

	modules, err := buildModules(cfg, deps, moduleOnly, skipEmbedded)
	if err != nil {
		return fmt.Errorf("build modules: %w", err)
	}

	supervisor := nbd.Supervisor{Logger: logger}
	return supervisor.Run(ctx, modules)
}

func connect(cfg nbd.Config, logger *zap.Logger, debug bool) (*mqttserver.Client, error) {
	password, err := cfg.Server.Auth.Password()
	if err != nil {
		return nil, err
	}
	will, err := publisher.PresencePayload(publisherConfig(cfg), false)
	if err != nil {
		return nil, err
	}
	return mqttserver.NewClient(mqttserver.Options{
		BrokerURL: cfg.Server.Broker,
		ClientID:  idgen.Generator{}.ClientID("nbd"),
		Username:  cfg.Server.Auth.User,
		Password:  password,
		TLSCA:     cfg.Server.TLS.CA,
		TLSCert:   cfg.Server.TLS.Cert,
		TLSKey:    cfg.Server.TLS.Key,
		Timeout:   2 * time.Second,
		Will: &mqttserver.Will{
			Topic:    nb.TopicPresence(cfg.Server.TopicBase, cfg.Modules.Publisher.NodeID),
			Payload:  will,
			Retained: true,
		},
		Logger: logger.Named("mqtt"),
		Debug:  debug,
	})
}

func applyOverrides(cfg *nbd.Config, o overrides) {
	if o.broker != "" {
		cfg.Server.Broker = o.broker
	}
	if o.identity != "" {
		cfg.Server.Identity = o.identity
	}
	if o.topicBase != "" {
		cfg.Server.TopicBase = o.topicBase
	}
	if o.nodeID != "" {
		cfg.Modules.Publisher.NodeID = o.nodeID
	}
	if o.logLevel != "" {
		cfg.Server.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Server.LogFormat = o.logFormat
	}
	if o.logOutput != "" {
		cfg.Server.LogOutput = o.logOutput
	}
	if o.logSource {
		cfg.Server.LogSource = true
	}
	if o.logUTC {
		cfg.Server.LogUTC = true
	}
	if o.logColor {
		cfg.Server.LogColor = true
	}
	if cfg.Server.TopicBase == "" {
		cfg.Server.TopicBase = nb.BaseTopic
	}
	if cfg.Modules.Publisher.NodeID == "" {
		cfg.Modules.Publisher.NodeID = nbd.DefaultNodeID()
	}
	if cfg.Server.Broker == "" && cfg.Modules.EmbeddedMQTT.Enabled {
		cfg.Server.Broker = embeddedConfig(*cfg).URL()
	}
}

type moduleDeps struct {
	logger *zap.Logger
	client *mqttserver.Client
	host   *localmedia.Host
}

func buildModules(cfg nbd.Config, deps moduleDeps, moduleOnly string, skipEmbedded bool) ([]nbd.ModuleRunner, error) {
	modules := []nbd.ModuleRunner{}
	if cfg.Modules.EmbeddedMQTT.Enabled && !skipEmbedded && wants(moduleOnly, "embedded_mqtt") {
		mod, err := embeddedmqtt.NewModule(deps.logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg).Config)
		if err != nil {
			return nil, err
		}
		modules = append(modules, nbd.ModuleRunner{Name: "embedded_mqtt", Run: mod.Run})
	}

	if cfg.Modules.Publisher.Enabled && wants(moduleOnly, "publisher") {
		if deps.host == nil || deps.client == nil {
			return nil, errors.New("publisher needs the media service and an mqtt connection")
		}
		mod, err := publisher.NewModule(deps.logger.With(zap.String("module", "publisher")), deps.client, deps.host.Service(), publisherConfig(cfg))
		if err != nil {
			return nil, err
		}
		modules = append(modules,
			nbd.ModuleRunner{Name: "media", Run: deps.host.Run},
			nbd.ModuleRunner{Name: "publisher", Run: mod.Run},
		)
	}

	if moduleOnly != "" && len(modules) == 0 {
		return nil, errors.New("no modules enabled")
	}
	return modules, nil
}

func wants(moduleOnly, name string) bool {
	return moduleOnly == "" || moduleOnly == name
}

func publisherConfig(cfg nbd.Config) publisher.Config {
	return publisher.Config{
		NodeID:         cfg.Modules.Publisher.NodeID,
		TopicBase:      cfg.Server.TopicBase,
		Name:           cfg.Modules.Publisher.Name,
		PublishArtwork: cfg.Modules.Publisher.PublishArtwork,
	}
}

// brokerSetup pairs the embedded broker config with the URL clients dial.
type brokerSetup struct {
	embeddedmqtt.Config
}

func (b brokerSetup) URL() string {
	listen := b.Listen
	if listen == "" {
		listen = embeddedmqtt.DefaultListen
	}
	return embeddedmqtt.BrokerURL(listen, b.TLSEnabled())
}

func embeddedConfig(cfg nbd.Config) brokerSetup {
	e := cfg.Modules.EmbeddedMQTT
	return brokerSetup{embeddedmqtt.Config{
		Listen:         e.Listen,
		TopicBase:      cfg.Server.TopicBase,
		AllowAnonymous: e.AllowAnonymous,
		Username:       e.Username,
		Password:       e.Password,
		TLSCA:          e.TLSCA,
		TLSCert:        e.TLSCert,
		TLSKey:         e.TLSKey,
	}}
}

func enabledModules(cfg nbd.Config) []string {
	out := []string{}
	if cfg.Modules.EmbeddedMQTT.Enabled {
		out = append(out, "embedded_mqtt")
	}
	if cfg.Modules.Publisher.Enabled {
		out = append(out, "media", "publisher")
	}
	return out
}

func printResolvedConfig(cfg nbd.Config) {
	fmt.Fprintf(os.Stdout,
		"broker=%s identity=%s topic_base=%s node_id=%s debounce_ms=%d thumbnail_size=%d log_level=%s log_format=%s log_output=%s modules=%v\n",
		cfg.Server.Broker,
		cfg.Server.Identity,
		cfg.Server.TopicBase,
		cfg.Modules.Publisher.NodeID,
		cfg.Media.DebounceMS,
		cfg.Media.ThumbnailSize,
		cfg.Server.LogLevel,
		cfg.Server.LogFormat,
		cfg.Server.LogOutput,
		enabledModules(cfg),
	)
}

func startEmbeddedBroker(ctx context.Context, cfg nbd.Config, logger *zap.Logger, cancel context.CancelFunc) error {
	mod, err := embeddedmqtt.NewModule(logger.With(zap.String("module", "embedded_mqtt")), embeddedConfig(cfg).Config)
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- mod.Run(ctx)
	}()

	timer := time.NewTimer(3 * time.Second)
	defer timer.Stop()
	select {
	case <-mod.Ready():
	case err := <-errCh:
		return err
	case <-timer.C:
		return fmt.Errorf("not ready at %s", mod.URL())
	}

	go func() {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("embedded mqtt exited", zap.Error(err))
			cancel()
		}
	}()
	return nil
}
