package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func Test_load_config_requires_server_ws_url(t *testing.T) {
	path := writeTempFile(t, "agent.yaml", "reconnect_interval: 1s\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error when server_ws_url is missing")
	}
}

func Test_load_config_applies_defaults(t *testing.T) {
	path := writeTempFile(t, "agent.yaml", "server_ws_url: ws://relay.example/_tunnel/ws\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HeartbeatInterval == 0 || cfg.ReconnectInterval == 0 {
		t.Error("expected non-zero defaults for heartbeat and reconnect intervals")
	}
}

func Test_load_config_env_override(t *testing.T) {
	path := writeTempFile(t, "agent.yaml", "server_ws_url: ws://relay.example/_tunnel/ws\n")
	t.Setenv("SERVER_WS_URL", "ws://override.example/_tunnel/ws")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ServerWSURL != "ws://override.example/_tunnel/ws" {
		t.Errorf("expected env override to win, got %q", cfg.ServerWSURL)
	}
}

func Test_load_mapping_document_rejects_duplicate_enabled_prefixes(t *testing.T) {
	doc := `{
		"client": {"id": "agent-1", "defaultTarget": "http://localhost:8080"},
		"mappings": [
			{"prefix": "api", "target": "http://localhost:9000", "enabled": true},
			{"prefix": "api", "target": "http://localhost:9001", "enabled": true}
		]
	}`
	path := writeTempFile(t, "mapping.json", doc)
	if _, err := LoadMappingDocument(path); err == nil {
		t.Fatal("expected an error for duplicate enabled prefixes")
	}
}

func Test_load_mapping_document_ignores_duplicates_when_disabled(t *testing.T) {
	doc := `{
		"client": {"id": "agent-1", "defaultTarget": "http://localhost:8080"},
		"mappings": [
			{"prefix": "api", "target": "http://localhost:9000", "enabled": true},
			{"prefix": "api", "target": "http://localhost:9001", "enabled": false}
		]
	}`
	path := writeTempFile(t, "mapping.json", doc)
	mapping, err := LoadMappingDocument(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mapping.EnabledMappings()) != 1 {
		t.Errorf("expected exactly one enabled mapping, got %d", len(mapping.EnabledMappings()))
	}
}

func Test_apply_mapping_document_sets_identity_and_routes(t *testing.T) {
	cfg := &Config{}
	doc := &MappingDocument{
		Client: ClientInfo{ID: "agent-1", Name: "test agent", DefaultTarget: "http://localhost:8080"},
		Mappings: []MappingEntry{
			{Prefix: "api", Target: "http://localhost:9000", Enabled: true},
		},
	}
	ApplyMappingDocument(cfg, doc)

	if cfg.ClientID != "agent-1" || cfg.DefaultTarget != "http://localhost:8080" {
		t.Errorf("identity not applied: %+v", cfg)
	}
	if len(cfg.Mappings) != 1 || cfg.Mappings[0].Prefix != "api" {
		t.Errorf("mappings not applied: %+v", cfg.Mappings)
	}
}
