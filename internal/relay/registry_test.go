package relay

import (
	"testing"
	"time"

	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

func Test_register_assigns_id_when_empty(t *testing.T) {
	r := NewRegistry(nil)
	rec := r.Register("", "anon", "http://localhost:9000", nil, &Link{})
	if rec.ID == "" {
		t.Fatal("expected a generated id")
	}
}

func Test_register_displaces_previous_connection(t *testing.T) {
	var gone []string
	r := NewRegistry(func(id string) { gone = append(gone, id) })

	first := &Link{}
	second := &Link{}
	r.Register("agent-1", "a", "http://localhost:9000", nil, first)
	r.Register("agent-1", "a", "http://localhost:9001", nil, second)

	if len(gone) != 1 || gone[0] != "agent-1" {
		t.Fatalf("expected onGone to fire once for agent-1, got %v", gone)
	}
	rec, ok := r.Get("agent-1")
	if !ok || rec.Link != second {
		t.Fatal("expected the second link to hold the record")
	}
}

func Test_unregister_is_noop_for_displaced_link(t *testing.T) {
	var gone []string
	r := NewRegistry(func(id string) { gone = append(gone, id) })

	stale := &Link{}
	r.Register("agent-1", "a", "http://localhost:9000", nil, stale)
	r.Register("agent-1", "a", "http://localhost:9001", nil, &Link{})
	gone = nil

	r.Unregister(stale)
	if len(gone) != 0 {
		t.Fatalf("expected no onGone for an already-displaced link, got %v", gone)
	}
}

func Test_pick_for_pinned_path_resolves_against_agent_mappings(t *testing.T) {
	r := NewRegistry(nil)
	mappings := []protocol.Mapping{{Prefix: "api", Target: "http://localhost:6000"}}
	r.Register("agent-1", "a", "http://localhost:9000", mappings, &Link{})

	rec, base, rewritten, err := r.PickFor("/client/agent-1/api/items")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", rec.ID)
	}
	if base != "http://localhost:6000" || rewritten != "/items" {
		t.Errorf("got base=%q rewritten=%q", base, rewritten)
	}
}

func Test_pick_for_pinned_path_bare_no_match_falls_back_to_default(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})

	rec, base, rewritten, err := r.PickFor("/client/agent-1/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "agent-1" {
		t.Fatalf("expected agent-1, got %s", rec.ID)
	}
	if base != "http://localhost:9000" {
		t.Errorf("expected the default target when no mapping matches, got %q", base)
	}
	if rewritten != "/health" {
		t.Errorf("expected a leading slash preserved in the rewritten path, got %q", rewritten)
	}
}

func Test_pick_for_pinned_path_unknown_agent(t *testing.T) {
	r := NewRegistry(nil)
	_, _, _, err := r.PickFor("/client/missing/api")
	if err == nil {
		t.Fatal("expected an error for an unknown agent")
	}
}

func Test_pick_for_least_loaded(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("light", "a", "http://localhost:9000", nil, &Link{})
	r.Register("heavy", "b", "http://localhost:9001", nil, &Link{})
	r.IncrementRequestCount("heavy")
	r.IncrementRequestCount("heavy")

	rec, _, _, err := r.PickFor("/anything")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.ID != "light" {
		t.Fatalf("expected the least-loaded agent, got %s", rec.ID)
	}
}

func Test_pick_for_no_connected_agents(t *testing.T) {
	r := NewRegistry(nil)
	_, _, _, err := r.PickFor("/anything")
	if err == nil {
		t.Fatal("expected an error with no agents connected")
	}
}

func Test_sweep_evicts_stale_agents(t *testing.T) {
	var gone []string
	r := NewRegistry(func(id string) { gone = append(gone, id) })
	rec := r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})
	rec.LastHeartbeat = time.Now().Add(-time.Hour)

	evicted := r.Sweep(time.Minute)
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, ok := r.Get("agent-1"); ok {
		t.Fatal("expected the stale agent to be removed")
	}
	if len(gone) != 1 {
		t.Fatalf("expected onGone to fire for the evicted agent, got %v", gone)
	}
}

func Test_sweep_keeps_fresh_agents(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})

	if evicted := r.Sweep(time.Minute); evicted != 0 {
		t.Fatalf("expected no evictions for a fresh heartbeat, got %d", evicted)
	}
}

func Test_on_heartbeat_only_moves_forward(t *testing.T) {
	r := NewRegistry(nil)
	rec := r.Register("agent-1", "a", "http://localhost:9000", nil, &Link{})
	future := time.Now().Add(time.Hour)
	rec.LastHeartbeat = future

	r.OnHeartbeat("agent-1")
	if !rec.LastHeartbeat.Equal(future) {
		t.Errorf("expected last heartbeat to stay at the future stamp, got %v", rec.LastHeartbeat)
	}
}
