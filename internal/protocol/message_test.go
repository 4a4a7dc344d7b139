package protocol

import (
	"encoding/json"
	"testing"
)

func Test_frame_round_trip(t *testing.T) {
	payload := RequestPayload{Method: "GET", Path: "/v1/x"}
	frame, err := NewFrame(KindRequest, "agent-1", payload)
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}

	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Frame
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if decoded.ID != frame.ID {
		t.Errorf("id mismatch: got %q, want %q", decoded.ID, frame.ID)
	}
	if decoded.Type != KindRequest {
		t.Errorf("type mismatch: got %q, want %q", decoded.Type, KindRequest)
	}
	if decoded.AgentID != "agent-1" {
		t.Errorf("agent id mismatch: got %q", decoded.AgentID)
	}

	var decodedPayload RequestPayload
	if err := decoded.DecodePayload(&decodedPayload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if decodedPayload.Method != "GET" || decodedPayload.Path != "/v1/x" {
		t.Errorf("payload mismatch: got %+v", decodedPayload)
	}
}

func Test_frame_empty_payload(t *testing.T) {
	frame, err := NewFrame(KindHeartbeat, "agent-1", nil)
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}
	if len(frame.Payload) != 0 {
		t.Errorf("expected empty payload, got %q", frame.Payload)
	}

	var out struct{}
	if err := frame.DecodePayload(&out); err != nil {
		t.Errorf("decoding empty payload should be a no-op: %v", err)
	}
}

func Test_all_frame_kinds_are_known(t *testing.T) {
	kinds := []Kind{KindRegister, KindRequest, KindResponse, KindError, KindHeartbeat, KindPong}
	for _, kind := range kinds {
		frame, err := NewFrame(kind, "agent-x", nil)
		if err != nil {
			t.Fatalf("kind %s: building frame failed: %v", kind, err)
		}
		if !IsKnownKind(frame.Type) {
			t.Errorf("kind %s: not recognised as known", kind)
		}
	}
}

func Test_unknown_kind_is_not_known(t *testing.T) {
	if IsKnownKind(Kind("bogus")) {
		t.Error("expected unknown kind to be rejected")
	}
}

func Test_new_id_is_unique(t *testing.T) {
	id1 := NewID()
	id2 := NewID()
	if id1 == id2 {
		t.Errorf("expected unique ids, got %q twice", id1)
	}
}

func Test_frame_json_exceeds_tiny_limit(t *testing.T) {
	// a frame carrying a non-trivial body should comfortably exceed a
	// byte-scale ceiling; Codec.WriteFrame checks exactly this before
	// ever touching the socket (spec.md §4.1 and §8's boundary case).
	frame, err := NewFrame(KindRequest, "", RequestPayload{Body: string(make([]byte, 1024))})
	if err != nil {
		t.Fatalf("building frame: %v", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if len(data) < 1024 {
		t.Fatalf("expected encoded frame to be at least 1024 bytes, got %d", len(data))
	}
}
