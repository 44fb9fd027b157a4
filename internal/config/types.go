package config

import (
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// Config represents the main configuration structure
type Config struct {
	LogLevel         string         `json:"logLevel"`
	Seed             string         `json:"seed"` // BIP-39 mnemonic of the relay identity
	ListenAddrs      []string       `json:"listenAddrs"`
	BootstrapPeers   []string       `json:"bootstrapPeers"`
	Topic            string         `json:"topic"`
	BroadcastTimeout int            `json:"broadcastTimeout"` // ms
	StreamChunkDelay int            `json:"streamChunkDelay"` // ms
	PresenceInterval int            `json:"presenceInterval"` // ms
	DisableDHT       bool           `json:"disableDht"`
	Cache            *CacheConfig   `json:"cache,omitempty"`
	Gateway          *GatewayConfig `json:"gateway,omitempty"`
	Plugins          *PluginConfig  `json:"plugins,omitempty"`
}

// CacheConfig represents response cache configuration
type CacheConfig struct {
	TTL  int `json:"ttl"`  // seconds
	Size int `json:"size"` // number of entries
}

// GatewayConfig represents the local websocket gateway
type GatewayConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// PluginConfig represents plugin configuration
type PluginConfig struct {
	Enabled   bool                      `json:"enabled"`
	Directory string                    `json:"directory"` // path to plugins directory
	Timeout   int                       `json:"timeout"`   // execution timeout in milliseconds
	Config    map[string]map[string]any `json:"config"`    // per-plugin sections
}

// Default values
const (
	DefaultLogLevel         = "info"
	DefaultTopic            = "lumeweb"
	DefaultBroadcastTimeout = 5000   // ms
	DefaultStreamChunkDelay = 15     // ms
	DefaultPresenceInterval = 30000  // ms
	DefaultCacheTTL         = 86400  // s
	DefaultCacheSize        = 100000 // entries
	DefaultGatewayHost      = "localhost"
	DefaultGatewayPort      = 8080
	DefaultPluginDirectory  = "./plugins"
	DefaultPluginTimeout    = 30000 // ms - default plugin execution timeout
)

// DefaultListenAddrs are used when no listen addresses are configured
var DefaultListenAddrs = []string{
	"/ip4/0.0.0.0/tcp/4001",
	"/ip4/0.0.0.0/udp/4001/quic-v1",
}

// GetBroadcastTimeoutDuration returns the broadcast relay timeout as time.Duration
func (c *Config) GetBroadcastTimeoutDuration() time.Duration {
	return time.Duration(c.BroadcastTimeout) * time.Millisecond
}

// GetStreamChunkDelayDuration returns the pause between streamed chunks as time.Duration
func (c *Config) GetStreamChunkDelayDuration() time.Duration {
	return time.Duration(c.StreamChunkDelay) * time.Millisecond
}

// GetPresenceIntervalDuration returns the presence sync interval as time.Duration
func (c *Config) GetPresenceIntervalDuration() time.Duration {
	return time.Duration(c.PresenceInterval) * time.Millisecond
}

// GetListenMultiaddrs parses the listen addresses
func (c *Config) GetListenMultiaddrs() ([]ma.Multiaddr, error) {
	return parseMultiaddrs(c.ListenAddrs)
}

// GetBootstrapMultiaddrs parses the bootstrap peer addresses
func (c *Config) GetBootstrapMultiaddrs() ([]ma.Multiaddr, error) {
	return parseMultiaddrs(c.BootstrapPeers)
}

// IsGatewayEnabled returns true if the websocket gateway is configured and enabled
func (c *Config) IsGatewayEnabled() bool {
	return c.Gateway != nil && c.Gateway.Enabled
}

// IsPluginsEnabled returns true if script plugins are configured and enabled
func (c *Config) IsPluginsEnabled() bool {
	return c.Plugins != nil && c.Plugins.Enabled
}

// GetPluginDirectory returns the plugins directory path
func (c *Config) GetPluginDirectory() string {
	if c.Plugins == nil || c.Plugins.Directory == "" {
		return DefaultPluginDirectory
	}
	return c.Plugins.Directory
}

// GetPluginTimeoutDuration returns plugin timeout as time.Duration
func (c *Config) GetPluginTimeoutDuration() time.Duration {
	if c.Plugins == nil || c.Plugins.Timeout == 0 {
		return time.Duration(DefaultPluginTimeout) * time.Millisecond
	}
	return time.Duration(c.Plugins.Timeout) * time.Millisecond
}

// GetPluginSections returns the per-plugin config sections
func (c *Config) GetPluginSections() map[string]map[string]any {
	if c.Plugins == nil {
		return nil
	}
	return c.Plugins.Config
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}
