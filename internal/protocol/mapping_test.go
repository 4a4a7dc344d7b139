package protocol

import "testing"

func Test_resolve_longest_prefix_wins(t *testing.T) {
	mappings := []Mapping{
		{Prefix: "api", Target: "http://localhost:5000"},
		{Prefix: "api/v1", Target: "http://localhost:6000"},
	}
	base, rewritten := Resolve("/api/v1/items", mappings, "http://localhost:8000")
	if base != "http://localhost:6000" {
		t.Errorf("expected longest-prefix target, got %q", base)
	}
	if rewritten != "/items" {
		t.Errorf("expected rewritten path /items, got %q", rewritten)
	}
}

func Test_resolve_prefix_alone_rewrites_to_root(t *testing.T) {
	mappings := []Mapping{{Prefix: "api", Target: "http://localhost:5000"}}
	base, rewritten := Resolve("/api", mappings, "http://localhost:8000")
	if base != "http://localhost:5000" {
		t.Errorf("unexpected base: %q", base)
	}
	if rewritten != "/" {
		t.Errorf("expected rewritten path /, got %q", rewritten)
	}
}

func Test_resolve_no_match_uses_default_and_original_path(t *testing.T) {
	mappings := []Mapping{{Prefix: "api", Target: "http://localhost:5000"}}
	base, rewritten := Resolve("/admin/panel", mappings, "http://localhost:8000")
	if base != "http://localhost:8000" {
		t.Errorf("expected default target, got %q", base)
	}
	if rewritten != "/admin/panel" {
		t.Errorf("expected unchanged path, got %q", rewritten)
	}
}

func Test_resolve_empty_mappings_always_default(t *testing.T) {
	base, rewritten := Resolve("/anything/here", nil, "http://localhost:9000")
	if base != "http://localhost:9000" || rewritten != "/anything/here" {
		t.Errorf("got base=%q rewritten=%q", base, rewritten)
	}
}

func Test_resolve_prefix_matches_without_segment_boundary(t *testing.T) {
	// "apiextra" is matched by prefix "api": Resolve does not require
	// the prefix to be a whole path segment.
	mappings := []Mapping{{Prefix: "api", Target: "http://localhost:5000"}}
	base, rewritten := Resolve("/apiextra/x", mappings, "http://localhost:8000")
	// Note: per the literal algorithm in spec.md §4.3 step 2, a match is
	// p' == prefix || starts-with prefix+"/" || starts-with prefix. The
	// third clause means "apiextra" does begin with "api", so it does
	// match; this test documents that behavior rather than asserting a
	// stricter segment boundary the spec does not actually require.
	if base != "http://localhost:5000" {
		t.Errorf("expected prefix-substring match per spec algorithm, got base=%q", base)
	}
	if rewritten != "/extra/x" {
		t.Errorf("expected remainder after consuming prefix, got %q", rewritten)
	}
}

func Test_resolve_client_path_no_trailing_segments(t *testing.T) {
	// boundary case from spec.md §8: "/client/abc" alone resolves to
	// agent abc with rewritten path "/". Resolve itself only sees the
	// remainder after the agent id is stripped by the dispatcher, so
	// here we exercise the equivalent: an empty remainder after prefix.
	mappings := []Mapping{{Prefix: "abc", Target: "http://localhost:7000"}}
	base, rewritten := Resolve("abc", mappings, "http://localhost:8000")
	if base != "http://localhost:7000" || rewritten != "/" {
		t.Errorf("got base=%q rewritten=%q", base, rewritten)
	}
}
