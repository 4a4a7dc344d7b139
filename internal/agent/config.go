package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

// Config holds the agent's runtime settings: where to dial the relay,
// how the link behaves, and how outbound proxying works. It is loaded
// from a YAML file and overridden by environment variables (spec.md
// §6's "Environment knobs" table), then populated with the identity
// and routing table read separately from a mapping document.
type Config struct {
	ServerWSURL    string `yaml:"server_ws_url"`
	RelayHealthURL string `yaml:"relay_health_url"`
	ClientID      string `yaml:"-"`
	Name          string `yaml:"-"`
	DefaultTarget string `yaml:"-"`

	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxFrameBytes     int64         `yaml:"max_frame_bytes"`

	Mappings []protocol.Mapping `yaml:"-"`

	Proxy ProxyConfig `yaml:"proxy"`
}

// ProxyConfig controls outbound dialing through a corporate egress
// proxy on the way to the relay.
type ProxyConfig struct {
	URL             string        `yaml:"url"`
	VerifyReachable bool          `yaml:"verify_reachable"`
	HealthTimeout   time.Duration `yaml:"health_timeout"`
	RecheckInterval time.Duration `yaml:"recheck_interval"`
}

// LoadConfig reads and parses the agent's runtime configuration file,
// then applies spec.md §6's SERVER_WS_URL/RECONNECT_INTERVAL/
// HEARTBEAT_INTERVAL environment overrides on top.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		ReconnectInterval: 5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		RequestTimeout:    30 * time.Second,
		MaxFrameBytes:     protocol.DefaultMaxFrameSize,
		Proxy: ProxyConfig{
			HealthTimeout:   10 * time.Second,
			RecheckInterval: 5 * time.Minute,
		},
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyAgentEnv(cfg)

	if cfg.ServerWSURL == "" {
		return nil, fmt.Errorf("server_ws_url is required")
	}
	return cfg, nil
}

// applyAgentEnv overrides SERVER_WS_URL/RECONNECT_INTERVAL/
// HEARTBEAT_INTERVAL from the environment, per spec.md §6.
func applyAgentEnv(cfg *Config) {
	if v := os.Getenv("SERVER_WS_URL"); v != "" {
		cfg.ServerWSURL = v
	}
	if v := os.Getenv("RECONNECT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconnectInterval = d
		}
	}
	if v := os.Getenv("HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
}

// MappingDocument is the agent's routing identity, loaded from a
// separate JSON file per spec.md §6. Unlike the YAML runtime config,
// this file has no defaults: a missing or invalid document is fatal,
// since it is the only source of the agent's id and routing table.
type MappingDocument struct {
	Client   ClientInfo     `json:"client"`
	Mappings []MappingEntry `json:"mappings"`
	Options  MappingOptions `json:"options"`
}

// ClientInfo identifies the agent to the relay.
type ClientInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DefaultTarget string `json:"defaultTarget"`
}

// MappingEntry is one prefix-routing rule as persisted on disk.
// Disabled entries are kept in the file but dropped before the table
// reaches the link or the resolver, per protocol.Resolve's contract.
type MappingEntry struct {
	Prefix      string `json:"prefix"`
	Target      string `json:"target"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	HealthCheck string `json:"healthCheck,omitempty"`
	Protected   bool   `json:"protected,omitempty"`
}

// MappingOptions holds the document's agent-wide options block. It is
// parsed and kept, but nothing in the agent reads these fields.
type MappingOptions struct {
	EnableFallback      bool `json:"enableFallback"`
	HealthCheckInterval int  `json:"healthCheckInterval,omitempty"`
	RetryFailedRequests bool `json:"retryFailedRequests"`
	MaxRetries          int  `json:"maxRetries,omitempty"`
}

// LoadMappingDocument reads and validates the agent's mapping
// document, rejecting duplicate prefixes among enabled entries at load
// time per spec.md §3; disabled entries may repeat a prefix.
func LoadMappingDocument(path string) (*MappingDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mapping document: %w", err)
	}
	var doc MappingDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing mapping document: %w", err)
	}
	if doc.Client.ID == "" {
		return nil, fmt.Errorf("mapping document: client.id is required")
	}
	if doc.Client.DefaultTarget == "" {
		return nil, fmt.Errorf("mapping document: client.defaultTarget is required")
	}

	seen := make(map[string]bool, len(doc.Mappings))
	for _, m := range doc.Mappings {
		if !m.Enabled {
			continue
		}
		if seen[m.Prefix] {
			return nil, fmt.Errorf("mapping document: duplicate prefix %q", m.Prefix)
		}
		seen[m.Prefix] = true
	}
	return &doc, nil
}

// EnabledMappings converts the document's enabled entries into the
// protocol's wire mapping shape, ready to hand to a link's register
// frame.
func (d *MappingDocument) EnabledMappings() []protocol.Mapping {
	out := make([]protocol.Mapping, 0, len(d.Mappings))
	for _, m := range d.Mappings {
		if !m.Enabled {
			continue
		}
		out = append(out, protocol.Mapping{
			Prefix:      m.Prefix,
			Target:      m.Target,
			Description: m.Description,
		})
	}
	return out
}

// ApplyMappingDocument copies the document's identity and routing
// table onto cfg, the last step before constructing an Agent.
func ApplyMappingDocument(cfg *Config, doc *MappingDocument) {
	cfg.ClientID = doc.Client.ID
	cfg.Name = doc.Client.Name
	cfg.DefaultTarget = doc.Client.DefaultTarget
	cfg.Mappings = doc.EnabledMappings()
}
