package config

import (
	"errors"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/tyler-smith/go-bip39"
)

// SeedEnv overrides the seed from the config file
const SeedEnv = "RELAY_SEED"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return finish(cfg)
}

// LoadWithDefaults reads the config file if present and falls back to
// defaults otherwise. The seed may come from the environment.
func LoadWithDefaults(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if seed := os.Getenv(SeedEnv); seed != "" {
		cfg.Seed = seed
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if len(cfg.ListenAddrs) == 0 {
		cfg.ListenAddrs = append([]string(nil), DefaultListenAddrs...)
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = DefaultBroadcastTimeout
	}
	if cfg.StreamChunkDelay == 0 {
		cfg.StreamChunkDelay = DefaultStreamChunkDelay
	}
	if cfg.PresenceInterval == 0 {
		cfg.PresenceInterval = DefaultPresenceInterval
	}

	if cfg.Cache == nil {
		cfg.Cache = &CacheConfig{}
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = DefaultCacheTTL
	}
	if cfg.Cache.Size == 0 {
		cfg.Cache.Size = DefaultCacheSize
	}

	if cfg.Gateway != nil {
		if cfg.Gateway.Host == "" {
			cfg.Gateway.Host = DefaultGatewayHost
		}
		if cfg.Gateway.Port == 0 {
			cfg.Gateway.Port = DefaultGatewayPort
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.Seed == "" {
		return fmt.Errorf("seed is required (or set %s)", SeedEnv)
	}
	if !bip39.IsMnemonicValid(cfg.Seed) {
		return errors.New("seed is not a valid BIP-39 mnemonic")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if _, err := cfg.GetListenMultiaddrs(); err != nil {
		return fmt.Errorf("listenAddrs: %w", err)
	}
	if _, err := cfg.GetBootstrapMultiaddrs(); err != nil {
		return fmt.Errorf("bootstrapPeers: %w", err)
	}

	if cfg.BroadcastTimeout < 0 {
		return fmt.Errorf("broadcastTimeout must be non-negative")
	}
	if cfg.StreamChunkDelay < 0 {
		return fmt.Errorf("streamChunkDelay must be non-negative")
	}
	if cfg.PresenceInterval < 0 {
		return fmt.Errorf("presenceInterval must be non-negative")
	}

	if cfg.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must be non-negative")
	}
	if cfg.Cache.Size < 0 {
		return fmt.Errorf("cache.size must be non-negative")
	}

	if cfg.IsGatewayEnabled() && (cfg.Gateway.Port < 1 || cfg.Gateway.Port > 65535) {
		return fmt.Errorf("gateway.port must be between 1 and 65535")
	}

	if cfg.Plugins != nil && cfg.Plugins.Timeout < 0 {
		return fmt.Errorf("plugins.timeout must be non-negative")
	}

	return nil
}

func parseMultiaddrs(addrs []string) ([]ma.Multiaddr, error) {
	parsed := make([]ma.Multiaddr, 0, len(addrs))
	for _, s := range addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid multiaddr %q: %w", s, err)
		}
		parsed = append(parsed, addr)
	}
	return parsed, nil
}
