package relay

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

// registrationTimeout bounds how long the relay waits for an agent to
// answer the initial register prompt before giving up on the link.
const registrationTimeout = 10 * time.Second

// Link is the relay-side end of one agent's tunnel connection. It runs
// the register/confirm handshake (spec.md §9) and then dispatches
// inbound frames by kind for the lifetime of the connection (spec.md
// §4.4, relay side).
type Link struct {
	id        string
	codec     *protocol.Codec
	done      chan struct{}
	closeOnce sync.Once
}

// AcceptLink performs the handshake over conn and, on success, starts
// the link's read loop in the background. It blocks until the agent
// either completes registration or the handshake fails.
func AcceptLink(conn *websocket.Conn, registry *Registry, pending *PendingTable, maxFrameBytes int64) (*Link, error) {
	l := &Link{
		codec: protocol.NewCodec(conn, maxFrameBytes),
		done:  make(chan struct{}),
	}

	prompt, err := protocol.NewFrame(protocol.KindRegister, "", nil)
	if err != nil {
		return nil, fmt.Errorf("building register prompt: %w", err)
	}
	if err := l.codec.WriteFrame(prompt); err != nil {
		return nil, fmt.Errorf("sending register prompt: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	frame, err := l.codec.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("waiting for register frame: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	if frame.Type != protocol.KindRegister {
		return nil, fmt.Errorf("expected register frame, got %s", frame.Type)
	}
	var payload protocol.RegisterPayload
	if err := frame.DecodePayload(&payload); err != nil {
		return nil, fmt.Errorf("decoding register payload: %w", err)
	}

	mappings, err := dedupeMappings(payload.Mappings)
	if err != nil {
		return nil, fmt.Errorf("invalid mapping table: %w", err)
	}

	rec := registry.Register(payload.AgentID, payload.Name, payload.DefaultTarget, mappings, l)
	l.id = rec.ID

	confirm, err := protocol.NewFrame(protocol.KindRegister, rec.ID, protocol.RegisterPayload{Confirmed: true})
	if err != nil {
		return nil, fmt.Errorf("building register confirmation: %w", err)
	}
	if err := l.codec.WriteFrame(confirm); err != nil {
		return nil, fmt.Errorf("sending register confirmation: %w", err)
	}

	slog.Info("agent registered", "id", rec.ID, "name", rec.Name, "mappings", len(rec.Mappings))

	go l.readLoop(registry, pending)
	return l, nil
}

// ID returns the canonical agent id this link was registered under.
func (l *Link) ID() string { return l.id }

// SendFrame writes a frame to the agent.
func (l *Link) SendFrame(f *protocol.Frame) error {
	return l.codec.WriteFrame(f)
}

// Close shuts down the link's connection. Safe to call more than once
// and from multiple goroutines.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		if l.done != nil {
			close(l.done)
		}
		if l.codec != nil {
			l.codec.Close()
		}
	})
}

// Done returns a channel closed when the link shuts down.
func (l *Link) Done() <-chan struct{} { return l.done }

// readLoop dispatches inbound frames until the connection fails, then
// unregisters itself from the registry (spec.md §4.5's unregister).
func (l *Link) readLoop(registry *Registry, pending *PendingTable) {
	defer func() {
		l.Close()
		registry.Unregister(l)
	}()

	for {
		frame, err := l.codec.ReadFrame()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
				slog.Warn("tunnel read error", "id", l.id, "err", err)
				return
			}
		}

		switch frame.Type {
		case protocol.KindHeartbeat:
			registry.OnHeartbeat(l.id)
			l.replyPong(frame.ID)

		case protocol.KindPong:
			// keepalive acknowledgement, nothing to do

		case protocol.KindResponse:
			var resp protocol.ResponsePayload
			if err := frame.DecodePayload(&resp); err != nil {
				slog.Warn("malformed response frame", "id", l.id, "err", err)
				continue
			}
			pending.Resolve(frame.ID, &resp)

		case protocol.KindError:
			var errPayload protocol.ErrorPayload
			if err := frame.DecodePayload(&errPayload); err != nil {
				slog.Warn("malformed error frame", "id", l.id, "err", err)
				continue
			}
			pending.Reject(frame.ID, fmt.Errorf("%s", errPayload.Message))

		case protocol.KindRegister:
			slog.Warn("unexpected register frame on active link", "id", l.id)

		default:
			slog.Warn("unknown frame kind", "id", l.id, "type", frame.Type)
		}
	}
}

// replyPong answers a heartbeat by echoing its id back as a pong,
// per spec.md §4.4.
func (l *Link) replyPong(echoID string) {
	pong, err := protocol.NewFrame(protocol.KindPong, l.id, nil)
	if err != nil {
		return
	}
	pong.ID = echoID
	if err := l.SendFrame(pong); err != nil {
		slog.Warn("failed to send pong", "id", l.id, "err", err)
	}
}

// dedupeMappings enforces spec.md §3's "a mapping table's prefixes are
// unique" invariant defensively (the agent should already have
// rejected a duplicate at config load time).
func dedupeMappings(mappings []protocol.Mapping) ([]protocol.Mapping, error) {
	seen := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if seen[m.Prefix] {
			return nil, fmt.Errorf("duplicate mapping prefix %q", m.Prefix)
		}
		seen[m.Prefix] = true
	}
	return mappings, nil
}
