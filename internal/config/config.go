package config

import (
	"embed"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

//go:embed default.toml
var defaultConfigFS embed.FS

const defaultFile = "default.toml"

// Environment variables that override the log level
const (
	EnvLogLevel       = "BROWSER_RELAY_LOG_LEVEL"
	EnvLegacyLogLevel = "MCP_LOG_LEVEL"
)

// Config is the complete relay configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Extension ExtensionConfig `toml:"extension"`
	Session   SessionConfig   `toml:"session"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Discovery DiscoveryConfig `toml:"discovery"`

	// Source is the file the config was read from, empty for defaults only
	Source string `toml:"-"`
	// Unknown lists keys in the user file that matched no setting
	Unknown []string `toml:"-"`
}

type ServerConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	Path           string        `toml:"path"`
	JSONResponse   bool          `toml:"json_response"`
	Heartbeat      time.Duration `toml:"heartbeat"`
	AllowedOrigins []string      `toml:"allowed_origins"`
}

type ExtensionConfig struct {
	Host           string        `toml:"host"`
	Port           int           `toml:"port"`
	Path           string        `toml:"path"`
	CallTimeout    time.Duration `toml:"call_timeout"`
	ReconnectDelay time.Duration `toml:"reconnect_delay"`
	PingInterval   time.Duration `toml:"ping_interval"`
}

type SessionConfig struct {
	// IdleTimeout of zero disables reaping
	IdleTimeout  time.Duration `toml:"idle_timeout"`
	ReapInterval time.Duration `toml:"reap_interval"`
}

type LogConfig struct {
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	NoColor bool   `toml:"no_color"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

type DiscoveryConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

var (
	validLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "none": true}
	validFormats = map[string]bool{"text": true, "json": true}
)

// Default returns the embedded default configuration
func Default() (*Config, error) {
	data, err := defaultConfigFS.ReadFile(defaultFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse default config: %w", err)
	}
	return &cfg, nil
}

// DefaultBytes returns the embedded default config file
func DefaultBytes() []byte {
	data, _ := defaultConfigFS.ReadFile(defaultFile)
	return data
}

// Load reads the defaults and overlays the user file at path. A missing file
// is not an error: the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" && fileExists(path) {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		cfg.Source = path
		for _, key := range md.Undecoded() {
			cfg.Unknown = append(cfg.Unknown, key.String())
		}
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from the environment. The relay-specific
// variable wins over the legacy one.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for _, key := range []string{EnvLegacyLogLevel, EnvLogLevel} {
		if v, ok := lookup(key); ok && v != "" {
			c.Log.Level = strings.ToLower(v)
		}
	}
}

// Validate checks the configuration for values the relay cannot run with
func (c *Config) Validate() error {
	var errs []string

	if err := validPort(c.Server.Port); err != nil {
		errs = append(errs, "server.port "+err.Error())
	}
	if err := validPort(c.Extension.Port); err != nil {
		errs = append(errs, "extension.port "+err.Error())
	}
	if c.Server.Port != 0 && c.Server.Port == c.Extension.Port && c.Server.Host == c.Extension.Host {
		errs = append(errs, "server.port and extension.port must differ")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, "server.path must start with /")
	}
	if !strings.HasPrefix(c.Extension.Path, "/") {
		errs = append(errs, "extension.path must start with /")
	}
	if c.Server.Heartbeat <= 0 {
		errs = append(errs, "server.heartbeat must be positive")
	}
	if c.Extension.CallTimeout <= 0 {
		errs = append(errs, "extension.call_timeout must be positive")
	}
	if c.Extension.ReconnectDelay <= 0 {
		errs = append(errs, "extension.reconnect_delay must be positive")
	}
	if c.Extension.PingInterval < 0 {
		errs = append(errs, "extension.ping_interval cannot be negative")
	}
	if c.Session.IdleTimeout < 0 {
		errs = append(errs, "session.idle_timeout cannot be negative")
	}
	if c.Session.IdleTimeout > 0 && c.Session.ReapInterval <= 0 {
		errs = append(errs, "session.reap_interval must be positive when idle_timeout is set")
	}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level %q is not one of debug, info, warn, error, none", c.Log.Level))
	}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// HTTPAddr is the listen address of the MCP endpoint
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// ControlAddr is the listen address of the extension control channel
func (c *Config) ControlAddr() string {
	return net.JoinHostPort(c.Extension.Host, strconv.Itoa(c.Extension.Port))
}

// InstancesDir is where running relays register themselves
func (c *Config) InstancesDir() string {
	if c.Discovery.Dir != "" {
		return c.Discovery.Dir
	}
	return filepath.Join(configDir(), "instances")
}

// UserConfigPath returns the default location of the user config file
func UserConfigPath() string {
	return filepath.Join(configDir(), "config.toml")
}

// WriteDefault writes the default config to path, refusing to overwrite an
// existing file unless force is set
func WriteDefault(path string, force bool) error {
	if !force && fileExists(path) {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, DefaultBytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Encode renders cfg as TOML
func (c *Config) Encode() ([]byte, error) {
	var b strings.Builder
	if err := toml.NewEncoder(&b).Encode(c); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func configDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".browser-relay"
	}
	return filepath.Join(homeDir, ".browser-relay")
}

func validPort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%d is out of range", port)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
