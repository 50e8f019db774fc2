package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	Version = "0.1.0"

	DefaultListenHost      = "127.0.0.1"
	DefaultListenPort      = 8443
	DefaultMCPPort         = 9129
	DefaultBufferSize      = 32 * 1024
	DefaultPollInterval    = 250 * time.Millisecond
	DefaultShutdownTimeout = 10 * time.Second
	DefaultDialTimeout     = 10 * time.Second

	configDirName  = ".parley"
	configFileName = "config.json"
)

// RevNum is set at build time with -ldflags.
var RevNum = "dev"

// Config holds the parley configuration stored in ~/.parley/config.json.
// Paths ending in .yaml or .yml are read and written as YAML.
type Config struct {
	Version string `json:"version" yaml:"version"`

	Listen   Endpoint `json:"listen" yaml:"listen"`
	Upstream Endpoint `json:"upstream" yaml:"upstream"`

	// ClientTLS terminates TLS on the client-facing leg.
	ClientTLS ClientTLS `json:"client_tls" yaml:"client_tls"`
	// UpstreamTLS wraps the server-facing leg in TLS.
	UpstreamTLS UpstreamTLS `json:"upstream_tls" yaml:"upstream_tls"`

	// SocksProxy routes upstream dials through a SOCKS5 proxy (host:port) when set.
	SocksProxy string `json:"socks_proxy,omitempty" yaml:"socks_proxy,omitempty"`

	PluginDir   string `json:"plugin_dir" yaml:"plugin_dir"`
	LogDir      string `json:"log_dir" yaml:"log_dir"`
	ArchiveLogs bool   `json:"archive_logs,omitempty" yaml:"archive_logs,omitempty"`

	BufferSize      int      `json:"buffer_size" yaml:"buffer_size"`
	MaxConnections  int      `json:"max_connections,omitempty" yaml:"max_connections,omitempty"`
	PollInterval    Duration `json:"poll_interval" yaml:"poll_interval"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	DialTimeout     Duration `json:"dial_timeout" yaml:"dial_timeout"`

	MCPPort int `json:"mcp_port" yaml:"mcp_port"`
}

// Endpoint is a host and port pair.
type Endpoint struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

type ClientTLS struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// CertFile and KeyFile select a fixed certificate; when empty a
	// certificate is minted per SNI from the parley CA.
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty"`
}

type UpstreamTLS struct {
	Enabled            bool   `json:"enabled" yaml:"enabled"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ServerName         string `json:"server_name,omitempty" yaml:"server_name,omitempty"`
}

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DefaultConfig returns a new Config with default values.
func DefaultConfig() *Config {
	cfg := &Config{Version: Version}
	cfg.applyDefaults()
	return cfg
}

// DefaultDir returns ~/.parley, falling back to ./.parley without a home directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return configDirName
	}
	return filepath.Join(home, configDirName)
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), configFileName)
}

// Load reads and parses config from the given path.
// If the file doesn't exist, returns os.ErrNotExist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// LoadOrCreatePath loads the config at path, writing defaults first if it does not exist.
func LoadOrCreatePath(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg = &Config{Version: Version}
	cfg.applyDefaults(filepath.Dir(path))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	} else if err := cfg.Save(path); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	return cfg, nil
}

// Save writes the config to the given path atomically.
func (c *Config) Save(path string) error {
	if c == nil {
		return errors.New("config is nil")
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	// Write atomically by writing to temp file then renaming
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, path)
}

// Validate checks the settings required to relay traffic.
func (c *Config) Validate() error {
	var errs []error
	if c.Upstream.Host == "" {
		errs = append(errs, errors.New("upstream host is required"))
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		errs = append(errs, fmt.Errorf("upstream port %d out of range", c.Upstream.Port))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen port %d out of range", c.Listen.Port))
	}
	if (c.ClientTLS.CertFile == "") != (c.ClientTLS.KeyFile == "") {
		errs = append(errs, errors.New("client_tls cert_file and key_file must be set together"))
	}
	return errors.Join(errs...)
}

// applyDefaults fills in zero values with defaults.
// baseDir anchors relative plugin and log directories; empty uses DefaultDir.
func (c *Config) applyDefaults(baseDir ...string) {
	dir := DefaultDir()
	if len(baseDir) > 0 && baseDir[0] != "" {
		dir = baseDir[0]
	}

	if c.Listen.Host == "" {
		c.Listen.Host = DefaultListenHost
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultListenPort
	}
	if c.PluginDir == "" {
		c.PluginDir = filepath.Join(dir, "plugins")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(dir, "logs")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = Duration(DefaultPollInterval)
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = Duration(DefaultDialTimeout)
	}
	if c.MCPPort == 0 {
		c.MCPPort = DefaultMCPPort
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
