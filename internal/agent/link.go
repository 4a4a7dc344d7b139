package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelforge/tunnelforge/internal/protocol"
)

// registrationTimeout bounds how long the link waits for the relay's
// register prompt and confirmation before giving up, mirroring the
// relay's own registrationTimeout.
const registrationTimeout = 10 * time.Second

// Link is the agent-side end of the tunnel connection. Its life cycle
// moves through dialing, open, registering, active and closing, per
// spec.md §4.4: Connect dials and performs the handshake; Run then
// answers requests and emits heartbeats until the connection drops.
type Link struct {
	codec     *protocol.Codec
	done      chan struct{}
	closeOnce sync.Once
	handler   *RequestHandler

	agentID           string
	heartbeatInterval time.Duration
}

// Connect dials the relay's tunnel endpoint, optionally through
// dialer, and runs the three-frame register handshake (spec.md §9):
// it waits for the relay's empty register prompt, answers with its
// own identity and mapping table, then waits for the confirmation.
func Connect(ctx context.Context, cfg *Config, dialer *ProxyDialer) (*Link, error) {
	wsDialer := websocket.Dialer{}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	slog.Info("connecting to relay", "url", cfg.ServerWSURL)
	conn, _, err := wsDialer.DialContext(ctx, cfg.ServerWSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialling relay: %w", err)
	}

	l := &Link{
		codec:             protocol.NewCodec(conn, cfg.MaxFrameBytes),
		done:              make(chan struct{}),
		handler:           NewRequestHandler(cfg.DefaultTarget, cfg.Mappings, cfg.RequestTimeout),
		heartbeatInterval: cfg.HeartbeatInterval,
	}

	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	prompt, err := l.codec.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for register prompt: %w", err)
	}
	if prompt.Type != protocol.KindRegister {
		conn.Close()
		return nil, fmt.Errorf("expected register prompt, got %s", prompt.Type)
	}

	register, err := protocol.NewFrame(protocol.KindRegister, cfg.ClientID, protocol.RegisterPayload{
		AgentID:       cfg.ClientID,
		Name:          cfg.Name,
		DefaultTarget: cfg.DefaultTarget,
		Mappings:      cfg.Mappings,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("building register frame: %w", err)
	}
	if err := l.codec.WriteFrame(register); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending register frame: %w", err)
	}

	confirm, err := l.codec.ReadFrame()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for register confirmation: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	var confirmPayload protocol.RegisterPayload
	if err := confirm.DecodePayload(&confirmPayload); err != nil || !confirmPayload.Confirmed {
		conn.Close()
		return nil, fmt.Errorf("relay did not confirm registration")
	}
	l.agentID = confirm.AgentID
	if l.agentID == "" {
		l.agentID = cfg.ClientID
	}

	slog.Info("registered with relay", "agentId", l.agentID)
	return l, nil
}

// Run answers inbound request frames and emits heartbeats until the
// link closes. It blocks until the connection fails or Close is
// called.
func (l *Link) Run() error {
	go l.heartbeatLoop()
	return l.readLoop()
}

// Close shuts down the link. Safe to call more than once and from
// multiple goroutines.
func (l *Link) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.codec.Close()
		slog.Info("tunnel link closed", "agentId", l.agentID)
	})
}

// Done returns a channel closed when the link shuts down.
func (l *Link) Done() <-chan struct{} { return l.done }

// readLoop dispatches inbound frames by kind until the connection
// fails.
func (l *Link) readLoop() error {
	defer l.Close()

	for {
		frame, err := l.codec.ReadFrame()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		switch frame.Type {
		case protocol.KindRequest:
			go l.handleRequest(frame.ID, frame)

		case protocol.KindHeartbeat:
			l.replyPong(frame.ID)

		case protocol.KindPong:
			// keepalive acknowledgement, nothing to do

		default:
			slog.Warn("unexpected frame from relay", "type", frame.Type)
		}
	}
}

// handleRequest decodes a request frame, runs it against the local
// backend, and writes back a response or error frame.
func (l *Link) handleRequest(requestID string, frame *protocol.Frame) {
	var req protocol.RequestPayload
	if err := frame.DecodePayload(&req); err != nil {
		l.sendError(requestID, fmt.Sprintf("malformed request: %v", err))
		return
	}

	resp := l.handler.HandleRequest(&req)

	respFrame, err := protocol.NewFrame(protocol.KindResponse, l.agentID, resp)
	if err != nil {
		l.sendError(requestID, fmt.Sprintf("encoding response: %v", err))
		return
	}
	respFrame.ID = requestID
	if err := l.codec.WriteFrame(respFrame); err != nil {
		slog.Warn("failed to send response frame", "requestId", requestID, "err", err)
	}
}

// sendError writes an error frame correlated to requestID.
func (l *Link) sendError(requestID, message string) {
	frame, err := protocol.NewFrame(protocol.KindError, l.agentID, protocol.ErrorPayload{Message: message})
	if err != nil {
		return
	}
	frame.ID = requestID
	if err := l.codec.WriteFrame(frame); err != nil {
		slog.Warn("failed to send error frame", "requestId", requestID, "err", err)
	}
}

// replyPong answers an inbound heartbeat by echoing its id back as a
// pong, symmetric with the relay side (spec.md §4.4).
func (l *Link) replyPong(echoID string) {
	pong, err := protocol.NewFrame(protocol.KindPong, l.agentID, nil)
	if err != nil {
		return
	}
	pong.ID = echoID
	if err := l.codec.WriteFrame(pong); err != nil {
		slog.Warn("failed to send pong", "err", err)
	}
}

// heartbeatLoop emits a heartbeat frame every heartbeatInterval, per
// spec.md §4.4. Unlike the teacher's exponential-backoff reconnect,
// this interval is fixed for the life of the link.
func (l *Link) heartbeatLoop() {
	ticker := time.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			frame, err := protocol.NewFrame(protocol.KindHeartbeat, l.agentID, nil)
			if err != nil {
				continue
			}
			if err := l.codec.WriteFrame(frame); err != nil {
				slog.Error("agent heartbeat failed", "err", err)
				l.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}
