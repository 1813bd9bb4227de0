package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikey-austin/nowbar/internal/adapters/clock"
	"github.com/mikey-austin/nowbar/internal/adapters/config"
	"github.com/mikey-austin/nowbar/internal/adapters/idgen"
	"github.com/mikey-austin/nowbar/internal/adapters/localmedia"
	"github.com/mikey-austin/nowbar/internal/adapters/mqtt"
	"github.com/mikey-austin/nowbar/internal/adapters/output"
	"github.com/mikey-austin/nowbar/internal/core"
	"github.com/mikey-austin/nowbar/pkg/nb"
)

type app struct {
	service core.Service
	printer output.Printer
	node    string
	json    bool
	timeout time.Duration
}

type flags struct {
	configPath string
	node       string
	broker     string
	topicBase  string
	identity   string
	timeout    time.Duration
	jsonOut    bool
	noColor    bool
	verbose    bool
	artwork    bool
	tlsCA      string
	tlsCert    string
	tlsKey     string
	user       string
	pass       string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	var closers []func()
	code := 0
	if err := newRootCommand(&closers).ExecuteContext(ctx); err != nil {
		code = core.ExitCode(err)
	}
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
	cancel()
	os.Exit(code)
}

func newRootCommand(closers *[]func()) *cobra.Command {
	root := &cobra.Command{
		Use:           "nb",
		Short:         "Show and control what is playing",
		SilenceUsage: true,
	}

	var f flags
	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", config.Path("config.toml"), "config file path")
	pf.StringVarP(&f.node, "node", "n", "", "publisher node (name or id); local session bus when empty")
	pf.StringVarP(&f.broker, "broker", "b", "", "MQTT broker URL")
	pf.StringVar(&f.topicBase, "topic-base", nb.BaseTopic, "MQTT topic base")
	pf.StringVarP(&f.identity, "identity", "i", "", "controller identity")
	pf.DurationVarP(&f.timeout, "timeout", "t", 2*time.Second, "command timeout")
	pf.BoolVarP(&f.jsonOut, "json", "j", false, "output json")
	pf.BoolVar(&f.noColor, "no-color", false, "disable color")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "verbose logging to stderr")
	pf.BoolVar(&f.artwork, "artwork", false, "include base64 artwork in json output")
	pf.StringVar(&f.tlsCA, "tls-ca", "", "TLS CA path")
	pf.StringVar(&f.tlsCert, "tls-cert", "", "TLS cert path")
	pf.StringVar(&f.tlsKey, "tls-key", "", "TLS key path")
	pf.StringVar(&f.user, "user", "", "MQTT username")
	pf.StringVar(&f.pass, "pass", "", "MQTT password")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd, f, closers)
		if err != nil {
			return err
		}
		cmd.SetContext(context.WithValue(cmd.Context(), appKey{}, a))
		return nil
	}

	root.AddCommand(statusCommand())
	root.AddCommand(lsCommand())
	root.AddCommand(nodesCommand())
	root.AddCommand(transportCommand("next", "Skip to the next track", nb.CommandNext))
	root.AddCommand(transportCommand("prev", "Go back to the previous track", nb.CommandPrev))
	root.AddCommand(transportCommand("toggle", "Toggle play and pause", nb.CommandToggle))
	root.AddCommand(transportCommand("refresh", "Re-enumerate media sessions", nb.CommandRefresh))
	return root
}

func setup(cmd *cobra.Command, f flags, closers *[]func()) (*app, error) {
	if f.noColor {
		output.DisableColor()
	}
	logger := zap.NewNop()
	if f.verbose {
		logger, _ = zap.NewDevelopment()
	}

	cfg, err := config.LoadFile(f.configPath)
	if err != nil {
		return nil, &core.CLIError{Code: core.ExitUsage, Msg: "load config", Err: err}
	}
	if f.broker == "" {
		f.broker = cfg.Broker
	}
	if f.topicBase == nb.BaseTopic && cfg.TopicBase != "" {
		f.topicBase = cfg.TopicBase
	}
	coreCfg := core.Config{
		Broker:    f.broker,
		Identity:  defaultIdentity(f.identity, cfg.Identity),
		TopicBase: f.topicBase,
		Aliases:   cfg.Aliases,
		Defaults:  core.Defaults{Node: cfg.Defaults.Node},
	}
	service := core.Service{
		Clock:  clock.Clock{},
		IDGen:  idgen.Generator{},
		Config: coreCfg,
	}

	// nodes always needs the broker. Everything else needs it only for a remote target.
	if service.Remote(f.node) || cmd.Name() == "nodes" {
		client, err := connectBroker(f, cfg)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, client.Close)
		service.Broker = client
		service.Resolver = core.Resolver{Presence: client, Config: coreCfg}
	} else {
		ctx, cancel := context.WithTimeout(cmd.Context(), f.timeout)
		defer cancel()
		host, err := localmedia.Open(ctx, localmedia.Options{
			Debounce:       time.Duration(cfg.Media.DebounceMS) * time.Millisecond,
			ThumbnailSize:  cfg.Media.ThumbnailSize,
			PublishArtwork: f.artwork,
			Logger:         logger,
		})
		if err != nil {
			return nil, core.WrapError(core.ExitRuntime, "open session bus", err)
		}
		*closers = append(*closers, host.Close)
		service.Local = host
	}

	var printer output.Printer = output.HumanPrinter{}
	if f.jsonOut {
		printer = output.JSONPrinter{}
	}
	return &app{
		service: service,
		printer: printer,
		node:    f.node,
		json:    f.jsonOut,
		timeout: f.timeout,
	}, nil
}

func connectBroker(f flags, cfg config.Config) (*mqtt.Client, error) {
	if f.broker == "" {
		return nil, &core.CLIError{Code: core.ExitUsage, Msg: "broker is required (set --broker or config)"}
	}
	username, password := f.user, f.pass
	if username == "" {
		username = cfg.Auth.User
	}
	if password == "" {
		var err error
		if password, err = cfg.Auth.Password(); err != nil {
			return nil, core.WrapError(core.ExitUsage, "mqtt password", err)
		}
	}
	client, err := mqtt.NewClient(mqtt.Options{
		BrokerURL: f.broker,
		ClientID:  idgen.Generator{}.ClientID("nb"),
		Username:  username,
		Password:  password,
		TLSCA:     firstNonEmpty(f.tlsCA, cfg.TLS.CA),
		TLSCert:   firstNonEmpty(f.tlsCert, cfg.TLS.Cert),
		TLSKey:    firstNonEmpty(f.tlsKey, cfg.TLS.Key),
		TopicBase: f.topicBase,
		Timeout:   f.timeout,
	})
	if err != nil {
		return nil, core.WrapError(core.ExitRuntime, "connect broker", err)
	}
	return client, nil
}

type appKey struct{}

func fromContext(cmd *cobra.Command) *app {
	val := cmd.Context().Value(appKey{})
	if val == nil {
		return nil
	}
	return val.(*app)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, timeout)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func defaultIdentity(flagVal string, cfgVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if cfgVal != "" {
		return cfgVal
	}
	usr, _ := user.Current()
	host, _ := os.Hostname()
	if usr != nil && host != "" {
		return fmt.Sprintf("%s@%s", usr.Username, host)
	}
	if host != "" {
		return host
	}
	return "nb-unknown"
}
