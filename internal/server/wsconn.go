package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/coder/websocket"

	"github.com/sttmux/sttmux/internal/stream"
)

// wsConn adapts a coder/websocket connection to the stream.Conn seam. Writes
// are mutex-serialized since session goroutines and hook callers may write
// concurrently.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Read(ctx context.Context) (stream.MessageType, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	switch typ {
	case websocket.MessageText:
		return stream.MessageText, data, nil
	case websocket.MessageBinary:
		return stream.MessageBinary, data, nil
	}
	return 0, nil, fmt.Errorf("server: unsupported websocket frame type %v", typ)
}

func (c *wsConn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("server: marshal frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) WriteBinary(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c *wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

var _ stream.Conn = (*wsConn)(nil)
