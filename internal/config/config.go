// Package config handles configuration loading and validation for relaytun.
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/relaytun/internal/worker"
)

// Defaults applied by Load.
const (
	DefaultLogLevel        = "info"
	DefaultSocket          = "~/.relaytun/control.sock"
	DefaultMetricsListen   = "127.0.0.1:9479"
	DefaultMetricsInterval = "15s"

	maxCapacity = 1 << 16
)

// ControlConfig holds configuration for the control socket.
type ControlConfig struct {
	Socket string `yaml:"socket"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"` // nil means enabled
	Listen   string `yaml:"listen"`
	Interval string `yaml:"interval"` // Duration string, e.g. "15s"
}

// ChannelsConfig holds the buffer sizes of the core's channels.
type ChannelsConfig struct {
	Command int `yaml:"command"`
	Service int `yaml:"service"`
	Data    int `yaml:"data"`
}

// RelayConfig holds the TURN server credentials.
type RelayConfig struct {
	Server         string `yaml:"server,omitempty"` // host[:port], port defaults to 3478
	Username       string `yaml:"username,omitempty"`
	Password       string `yaml:"password,omitempty"`
	Realm          string `yaml:"realm,omitempty"`
	ConnectOnStart bool   `yaml:"connect_on_start"`

	// ReconnectOnNetworkChange reopens a lost session after the host's
	// network changes.
	ReconnectOnNetworkChange bool `yaml:"reconnect_on_network_change"`

	// SRVDiscovery looks up _turn._udp SRV records for a server given
	// without a port. NameServer overrides /etc/resolv.conf.
	SRVDiscovery bool   `yaml:"srv_discovery"`
	NameServer   string `yaml:"name_server,omitempty"`
}

// PeerConfig is a tunnel opened once the relay is allocated.
type PeerConfig struct {
	Peer  string `yaml:"peer"`
	Local string `yaml:"local,omitempty"` // Pinned local address (optional)
}

// Config is the daemon configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Forward  string         `yaml:"forward"`
	Control  ControlConfig  `yaml:"control"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Channels ChannelsConfig `yaml:"channels"`
	Relay    RelayConfig    `yaml:"relay"`
	Peers    []PeerConfig   `yaml:"peers,omitempty"`
}

// DefaultPath returns the default configuration file location.
func DefaultPath() string {
	return expandHome("~/.relaytun/relaytun.yaml")
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Forward == "" {
		c.Forward = worker.DefaultForwardAddr
	}
	if c.Control.Socket == "" {
		c.Control.Socket = DefaultSocket
	}
	c.Control.Socket = expandHome(c.Control.Socket)
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
	if c.Metrics.Interval == "" {
		c.Metrics.Interval = DefaultMetricsInterval
	}
	if c.Channels.Command == 0 {
		c.Channels.Command = worker.DefaultCapacity
	}
	if c.Channels.Service == 0 {
		c.Channels.Service = worker.DefaultCapacity
	}
	if c.Channels.Data == 0 {
		c.Channels.Data = worker.DefaultCapacity
	}
}

// Save writes the configuration to path. The file may hold the relay
// password, so it is only readable by the owner.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// IsMetricsEnabled reports whether the metrics endpoint should run.
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// MetricsInterval returns the sampling interval of the metrics collector.
func (c *Config) MetricsInterval() time.Duration {
	d, err := time.ParseDuration(c.Metrics.Interval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultMetricsInterval)
	}
	return d
}

// ForwardAddr returns the parsed forward target.
func (c *Config) ForwardAddr() (netip.AddrPort, error) {
	return worker.ParseForward(c.Forward)
}

// Parse returns the peer and the optional pinned local address.
func (p PeerConfig) Parse() (peer, local netip.AddrPort, err error) {
	peer, err = worker.ParseAddr(p.Peer)
	if err != nil {
		return peer, local, fmt.Errorf("peer %q: %w", p.Peer, err)
	}
	if p.Local != "" {
		local, err = worker.ParseAddr(p.Local)
		if err != nil {
			return peer, local, fmt.Errorf("local %q: %w", p.Local, err)
		}
	}
	return peer, local, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	fwd, err := c.ForwardAddr()
	if err != nil {
		return fmt.Errorf("invalid forward: %w", err)
	}
	if c.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}

	if c.IsMetricsEnabled() {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
		d, err := time.ParseDuration(c.Metrics.Interval)
		if err != nil {
			return fmt.Errorf("invalid metrics.interval: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("metrics.interval must be positive")
		}
	}

	for name, n := range map[string]int{
		"command": c.Channels.Command,
		"service": c.Channels.Service,
		"data":    c.Channels.Data,
	} {
		if n <= 0 || n > maxCapacity {
			return fmt.Errorf("channels.%s must be between 1 and %d", name, maxCapacity)
		}
	}

	if c.Relay.ConnectOnStart && strings.TrimSpace(c.Relay.Server) == "" {
		return fmt.Errorf("relay.connect_on_start requires relay.server")
	}

	seen := make(map[netip.AddrPort]bool, len(c.Peers))
	for i, p := range c.Peers {
		peer, local, err := p.Parse()
		if err != nil {
			return fmt.Errorf("peers[%d]: %w", i, err)
		}
		if seen[peer] {
			return fmt.Errorf("peers[%d]: duplicate peer %s", i, peer)
		}
		seen[peer] = true
		if local.IsValid() && local == fwd {
			return fmt.Errorf("peers[%d]: local address %s is the forward target", i, local)
		}
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level. It returns false when level is
// empty or unknown.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}
