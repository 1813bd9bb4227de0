package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/20after4/configdir"
	"github.com/BurntSushi/toml"
	"github.com/zalando/go-keyring"
)

// AppName names the config directory and the keyring service.
const AppName = "nowbar"

// Config holds CLI configuration from config.toml.
type Config struct {
	Broker    string            `toml:"broker"`
	Identity  string            `toml:"identity"`
	TopicBase string            `toml:"topic_base"`
	Output    string            `toml:"output"`
	Aliases   map[string]string `toml:"aliases"`
	Defaults  Defaults          `toml:"defaults"`
	Media     MediaConfig       `toml:"media"`
	TLS       TLSConfig         `toml:"tls"`
	Auth      AuthConfig        `toml:"auth"`
}

// Defaults defines default selector values.
type Defaults struct {
	Node string `toml:"node"`
}

// MediaConfig tunes the media service used for the local session bus.
type MediaConfig struct {
	DebounceMS    int64 `toml:"debounce_ms"`
	ThumbnailSize int   `toml:"thumbnail_size"`
}

// TLSConfig holds TLS paths for MQTT.
type TLSConfig struct {
	CA   string `toml:"ca"`
	Cert string `toml:"cert"`
	Key  string `toml:"key"`
}

// AuthConfig holds MQTT credentials. With PassKeyring set the password is read from the OS
// keyring under AppName and User.
type AuthConfig struct {
	User        string `toml:"user"`
	Pass        string `toml:"pass"`
	PassKeyring bool   `toml:"pass_keyring"`
}

// Password returns the configured password, consulting the keyring when asked to.
func (a AuthConfig) Password() (string, error) {
	if a.Pass != "" || !a.PassKeyring {
		return a.Pass, nil
	}
	if a.User == "" {
		return "", errors.New("pass_keyring needs a user")
	}
	pass, err := keyring.Get(AppName, a.User)
	if err != nil {
		return "", fmt.Errorf("keyring lookup for %s: %w", a.User, err)
	}
	return pass, nil
}

// StorePassword saves pass in the OS keyring for user.
func StorePassword(user, pass string) error {
	return keyring.Set(AppName, user, pass)
}

// Load loads config.toml if present. Missing file returns an empty config.
func Load() (Config, error) {
	return LoadFile(Path("config.toml"))
}

// LoadFile loads a CLI config from path. Missing file returns an empty config.
func LoadFile(path string) (Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{Aliases: map[string]string{}}, nil
		}
		return Config{}, err
	}
	if info.IsDir() {
		return Config{}, errors.New("config path is a directory")
	}

	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if cfg.Aliases == nil {
		cfg.Aliases = map[string]string{}
	}
	return cfg, nil
}

// Path returns name inside the per-user nowbar config directory.
func Path(name string) string {
	return filepath.Join(configdir.LocalConfig(AppName), name)
}
