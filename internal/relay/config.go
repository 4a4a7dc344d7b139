package relay

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the relay server configuration: where to listen for
// inbound HTTP and for agent tunnel connections, and the timing knobs
// for liveness and request handling.
type Config struct {
	Listen ListenConfig `yaml:"listen"`
	Tunnel TunnelConfig `yaml:"tunnel"`
	Limits LimitsConfig `yaml:"limits"`
}

// ListenConfig specifies the two addresses the relay binds: one for
// public HTTP ingress, one for agent tunnel connections (spec.md §2).
type ListenConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	WSAddr   string `yaml:"ws_addr"`
}

// TunnelConfig controls tunnel path and liveness/timeout behaviour.
type TunnelConfig struct {
	Path             string        `yaml:"path"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
}

// LimitsConfig bounds frame and body sizes.
type LimitsConfig struct {
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
	MaxBodyBytes  int64 `yaml:"max_body_bytes"`
}

// LoadConfig reads and parses a relay configuration file, then applies
// spec.md §6's PORT/WS_PORT environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Listen: ListenConfig{HTTPAddr: ":3000", WSAddr: ":3001"},
		Tunnel: TunnelConfig{
			Path:             "/_tunnel/ws",
			HeartbeatTimeout: 90 * time.Second,
			SweepInterval:    15 * time.Second,
			RequestTimeout:   30 * time.Second,
		},
		Limits: LimitsConfig{
			MaxFrameBytes: 10 << 20,
			MaxBodyBytes:  10 << 20,
		},
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyRelayEnv(cfg)

	if cfg.Listen.HTTPAddr == cfg.Listen.WSAddr {
		return nil, fmt.Errorf("listen.http_addr and listen.ws_addr must differ")
	}
	return cfg, nil
}

// applyRelayEnv overrides PORT/WS_PORT from the environment, per
// spec.md §6's "Environment knobs" table.
func applyRelayEnv(cfg *Config) {
	if port := os.Getenv("PORT"); port != "" {
		cfg.Listen.HTTPAddr = ":" + port
	}
	if port := os.Getenv("WS_PORT"); port != "" {
		cfg.Listen.WSAddr = ":" + port
	}
}
