package nbd

import (
	"errors"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mikey-austin/nowbar/internal/adapters/config"
)

// Config is the top-level configuration for nbd.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Media   MediaConfig   `toml:"media"`
	Modules ModulesConfig `toml:"modules"`
}

// ServerConfig defines shared server settings.
type ServerConfig struct {
	Broker    string            `toml:"broker"`
	Identity  string            `toml:"identity"`
	TopicBase string            `toml:"topic_base"`
	LogLevel  string            `toml:"log_level"`
	LogFormat string            `toml:"log_format"`
	LogOutput string            `toml:"log_output"`
	LogSource bool              `toml:"log_source"`
	LogUTC    bool              `toml:"log_utc"`
	LogColor  bool              `toml:"log_color"`
	TLS       config.TLSConfig  `toml:"tls"`
	Auth      config.AuthConfig `toml:"auth"`
}

// MediaConfig tunes the media service.
type MediaConfig struct {
	DebounceMS    int64 `toml:"debounce_ms"`
	ThumbnailSize int   `toml:"thumbnail_size"`
}

// Debounce returns the configured window, or zero for the service default.
func (m MediaConfig) Debounce() time.Duration {
	return time.Duration(m.DebounceMS) * time.Millisecond
}

// ModulesConfig holds module configurations.
type ModulesConfig struct {
	Publisher    PublisherConfig    `toml:"publisher"`
	EmbeddedMQTT EmbeddedMQTTConfig `toml:"embedded_mqtt"`
}

// PublisherConfig configures the MQTT publisher module.
type PublisherConfig struct {
	Enabled        bool   `toml:"enabled"`
	NodeID         string `toml:"node_id"`
	Name           string `toml:"name"`
	PublishArtwork bool   `toml:"publish_artwork"`
}

// EmbeddedMQTTConfig configures the embedded MQTT broker.
type EmbeddedMQTTConfig struct {
	Enabled        bool   `toml:"enabled"`
	Listen         string `toml:"listen"`
	AllowAnonymous bool   `toml:"allow_anonymous"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	TLSCA          string `toml:"tls_ca"`
	TLSCert        string `toml:"tls_cert"`
	TLSKey         string `toml:"tls_key"`
}

// LoadConfig loads a config file from path.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultConfigPath returns the default config location.
func DefaultConfigPath() string {
	return config.Path("nbd.toml")
}

// DefaultNodeID derives a node id from the host name.
func DefaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "nb:" + host
}
