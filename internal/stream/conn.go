package stream

import "context"

// MessageType discriminates socket frames.
type MessageType int

const (
	// MessageText is a JSON control frame.
	MessageText MessageType = iota + 1

	// MessageBinary is an audio frame.
	MessageBinary
)

// Close codes mirror the WebSocket status registry so transports can pass
// them through unchanged.
const (
	CloseNormal        = 1000
	CloseProtocolError = 1002
	CloseInternalError = 1011
)

// Conn abstracts the client socket. internal/server implements it over a
// WebSocket connection; tests use an in-memory fake.
//
// Read blocks until a frame arrives, the peer closes, or ctx is cancelled.
// WriteJSON and WriteBinary may be called from multiple goroutines; the
// session serializes them. Close is idempotent.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	WriteJSON(ctx context.Context, v any) error
	WriteBinary(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}
