// Package cdp provides a minimal, synchronous Chrome DevTools Protocol client.
package cdp

import (
	"context"
)

// Conn is the message transport a Client drives. *ws.Conn satisfies it;
// tests substitute scripted connections.
type Conn interface {
	// Send writes one text message.
	Send(ctx context.Context, payload []byte) error

	// Receive returns the next text or binary message, io.EOF once the peer
	// has closed, or a timeout error when nothing arrived within the read timeout.
	Receive(ctx context.Context) ([]byte, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}
