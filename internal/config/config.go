// ABOUTME: Configuration loading and parsing for overlay-bridge
// ABOUTME: Reads YAML or TOML with ${VAR} expansion, duration strings, defaults, and validation

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Plugin policies.
const (
	PluginPolicyAllow  = "allow"
	PluginPolicySingle = "single"
)

// Environment variables consulted by the loader.
const (
	EnvConfigPath = "OVERLAY_BRIDGE_CONFIG"
	EnvAddr       = "OVERLAY_BRIDGE_ADDR"
)

// Config represents the complete overlay-bridge configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Bridge  BridgeConfig  `yaml:"bridge" toml:"bridge"`
	History HistoryConfig `yaml:"history" toml:"history"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the listener configuration. The WebSocket endpoint and
// the host HTTP API share one address.
type ServerConfig struct {
	Addr           string   `yaml:"addr" toml:"addr"`
	WSPath         string   `yaml:"ws_path" toml:"ws_path"`
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// BridgeConfig holds client lifecycle timing and limits
type BridgeConfig struct {
	RegisterTimeout   time.Duration `yaml:"-" toml:"-"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	WriteTimeout      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RegisterTimeoutRaw   string `yaml:"register_timeout" toml:"register_timeout"`
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`

	HeartbeatMaxMissed int    `yaml:"heartbeat_max_missed" toml:"heartbeat_max_missed"`
	MaxMessageBytes    int64  `yaml:"max_message_bytes" toml:"max_message_bytes"`
	PluginPolicy       string `yaml:"plugin_policy" toml:"plugin_policy"`
}

// HistoryConfig holds session history configuration. An empty path disables it.
type HistoryConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           "127.0.0.1:3002",
			WSPath:         "/",
			AllowedOrigins: []string{},
		},
		Bridge: BridgeConfig{
			RegisterTimeout:      10 * time.Second,
			HeartbeatInterval:    15 * time.Second,
			WriteTimeout:         5 * time.Second,
			RegisterTimeoutRaw:   "10s",
			HeartbeatIntervalRaw: "15s",
			WriteTimeoutRaw:      "5s",
			HeartbeatMaxMissed:   2,
			MaxMessageBytes:      1 << 20,
			PluginPolicy:         PluginPolicyAllow,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded before decoding,
// and fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	expanded := expandEnvVars(string(data))

	if isTOML(path) {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but returns defaults when path does not
// exist. The returned bool reports whether a file was read.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	cfg = Default()
	if err := cfg.finish(); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func (c *Config) finish() error {
	if err := parseDurations(c); err != nil {
		return fmt.Errorf("parsing durations: %w", err)
	}
	c.applyEnv()
	c.History.Path = expandHome(c.History.Path)

	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if addr := os.Getenv(EnvAddr); addr != "" {
		c.Server.Addr = addr
	}
}

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		return fmt.Errorf("server.addr %q: %w", c.Server.Addr, err)
	}

	if !strings.HasPrefix(c.Server.WSPath, "/") {
		return fmt.Errorf("server.ws_path must start with /")
	}
	for _, reserved := range []string{"/api", "/health"} {
		if c.Server.WSPath == reserved || strings.HasPrefix(c.Server.WSPath, reserved+"/") {
			return fmt.Errorf("server.ws_path %q collides with %s", c.Server.WSPath, reserved)
		}
	}

	if c.Bridge.RegisterTimeout <= 0 {
		return fmt.Errorf("bridge.register_timeout must be positive")
	}
	if c.Bridge.HeartbeatInterval <= 0 {
		return fmt.Errorf("bridge.heartbeat_interval must be positive")
	}
	if c.Bridge.WriteTimeout <= 0 {
		return fmt.Errorf("bridge.write_timeout must be positive")
	}
	if c.Bridge.HeartbeatMaxMissed < 1 {
		return fmt.Errorf("bridge.heartbeat_max_missed must be at least 1")
	}
	if c.Bridge.MaxMessageBytes <= 0 {
		return fmt.Errorf("bridge.max_message_bytes must be positive")
	}

	switch c.Bridge.PluginPolicy {
	case PluginPolicyAllow, PluginPolicySingle:
	default:
		return fmt.Errorf("bridge.plugin_policy must be %q or %q, got %q",
			PluginPolicyAllow, PluginPolicySingle, c.Bridge.PluginPolicy)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// SinglePlugin reports whether a second plugin registration is rejected.
func (c *Config) SinglePlugin() bool {
	return c.Bridge.PluginPolicy == PluginPolicySingle
}

// Marshal renders the configuration in the format implied by path.
func (c *Config) Marshal(path string) ([]byte, error) {
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, fmt.Errorf("encoding toml: %w", err)
		}
		return buf.Bytes(), nil
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding yaml: %w", err)
	}
	return data, nil
}

// Path returns the config file location.
// Priority: OVERLAY_BRIDGE_CONFIG > XDG_CONFIG_HOME/overlay-bridge/bridge.yaml > ~/.config/overlay-bridge/bridge.yaml
func Path() string {
	if envPath := os.Getenv(EnvConfigPath); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "overlay-bridge", "bridge.yaml")
}

// DataDir returns the directory for the history database.
// Priority: XDG_DATA_HOME/overlay-bridge > ~/.local/share/overlay-bridge
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "overlay-bridge")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"register_timeout", cfg.Bridge.RegisterTimeoutRaw, &cfg.Bridge.RegisterTimeout},
		{"heartbeat_interval", cfg.Bridge.HeartbeatIntervalRaw, &cfg.Bridge.HeartbeatInterval},
		{"write_timeout", cfg.Bridge.WriteTimeoutRaw, &cfg.Bridge.WriteTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
