package protocol

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec handles reading and writing frames over a websocket connection,
// enforcing a maximum encoded frame size (spec.md §4.1).
type Codec struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	maxFrameLen int64
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
// maxFrameSize of 0 uses DefaultMaxFrameSize.
func NewCodec(conn *websocket.Conn, maxFrameSize int64) *Codec {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	conn.SetReadLimit(maxFrameSize)
	return &Codec{conn: conn, maxFrameLen: maxFrameSize}
}

// WriteFrame serialises and sends a frame over the websocket as a
// single JSON text message.
func (c *Codec) WriteFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	if int64(len(data)) > c.maxFrameLen {
		return fmt.Errorf("frame size %d exceeds maximum %d", len(data), c.maxFrameLen)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads and deserialises the next frame from the websocket.
// An oversize message causes gorilla/websocket's read-limit machinery
// to fail the read, which the caller must treat as a fatal link error
// (spec.md §4.1: "oversize frames cause the link to be closed").
func (c *Codec) ReadFrame() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage {
		return nil, fmt.Errorf("unexpected websocket message type: %d", msgType)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshalling frame: %w", err)
	}
	return &f, nil
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
