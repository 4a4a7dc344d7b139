// Package protocol defines the JSON frame format exchanged between a
// relay and an agent over a single websocket tunnel.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies the shape of a frame's payload.
type Kind string

const (
	KindRegister  Kind = "register"
	KindRequest   Kind = "request"
	KindResponse  Kind = "response"
	KindError     Kind = "error"
	KindHeartbeat Kind = "heartbeat"
	KindPong      Kind = "pong"
)

// DefaultMaxFrameSize is the default ceiling on a single frame's
// encoded size, in bytes.
const DefaultMaxFrameSize = 10 << 20 // 10 MiB

// Frame is a single message on the tunnel wire.
type Frame struct {
	ID        string          `json:"id"`
	Type      Kind            `json:"type"`
	Timestamp int64           `json:"timestamp"`
	AgentID   string          `json:"clientId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is the body of a register frame.
//
// Agent -> relay: Name, DefaultTarget, Mappings, and optionally
// AgentID (the agent's own configured stable id, so reconnects keep
// the same identity). Relay -> agent, confirm: only Confirmed is set
// (the canonical id travels in the frame's AgentID field). Relay ->
// agent, prompt: empty payload.
type RegisterPayload struct {
	Name          string    `json:"name,omitempty"`
	DefaultTarget string    `json:"defaultTarget,omitempty"`
	Mappings      []Mapping `json:"mappings,omitempty"`
	AgentID       string    `json:"agentId,omitempty"`
	Confirmed     bool      `json:"confirmed,omitempty"`
}

// RequestPayload is the body of a request frame sent relay -> agent.
type RequestPayload struct {
	Method        string              `json:"method"`
	Path          string              `json:"path"`
	Headers       map[string]string   `json:"headers,omitempty"`
	Body          string              `json:"body,omitempty"` // base64-encoded
	Query         map[string][]string `json:"query,omitempty"`
	TargetMapping string              `json:"targetMapping,omitempty"`
}

// ResponsePayload is the body of a response frame sent agent -> relay.
type ResponsePayload struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"` // base64-encoded
	Duration   int64             `json:"duration,omitempty"`
	Mapping    string            `json:"mapping,omitempty"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewID returns a fresh opaque correlation id, unique within a link.
func NewID() string {
	return uuid.NewString()
}

// NewFrame builds a frame with a fresh id and the current timestamp,
// marshalling payload (which may be nil) into the frame's payload field.
func NewFrame(kind Kind, agentID string, payload any) (*Frame, error) {
	f := &Frame{
		ID:        NewID(),
		Type:      kind,
		Timestamp: nowMillis(),
		AgentID:   agentID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", kind, err)
		}
		f.Payload = data
	}
	return f, nil
}

// DecodePayload unmarshals a frame's payload into out. Frames with an
// empty payload leave out untouched.
func (f *Frame) DecodePayload(out any) error {
	if len(f.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.Payload, out); err != nil {
		return fmt.Errorf("unmarshalling %s payload: %w", f.Type, err)
	}
	return nil
}

// IsKnownKind reports whether kind is one of the six wire kinds.
func IsKnownKind(kind Kind) bool {
	switch kind {
	case KindRegister, KindRequest, KindResponse, KindError, KindHeartbeat, KindPong:
		return true
	default:
		return false
	}
}
