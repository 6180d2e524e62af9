package realtime

import (
	"strings"
	"sync"

	"courier/internal/protocol"
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent senders.
// - done signals the session goroutines to stop.
// - Close is idempotent.
type Client struct {
	// ConnID is the registry key: the user id, suffixed with ":<device>"
	// when the client announced a device.
	ConnID string
	// UserID is the authenticated base identity.
	UserID string
	Send   chan protocol.Envelope

	done      chan struct{}
	closeOnce sync.Once
	kill      func()
}

// NewClient constructs a Client with a bounded send queue. kill tears down
// the underlying transport and may be nil in tests.
func NewClient(connID, userID string, sendQueueSize int, kill func()) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		ConnID: connID,
		UserID: userID,
		Send:   make(chan protocol.Envelope, sendQueueSize),
		done:   make(chan struct{}),
		kill:   kill,
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the session goroutines to stop and tears down the transport
// (idempotent). It does NOT close Send to keep fan-out safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
		if c.kill != nil {
			c.kill()
		}
	})
}

// Enqueue offers env to the client without blocking. It returns false when
// the client is shutting down or its queue is full.
func (c *Client) Enqueue(env protocol.Envelope) bool {
	if c == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// BaseIdentity strips the device suffix from a connection id.
func BaseIdentity(connID string) string {
	if i := strings.IndexByte(connID, ':'); i >= 0 {
		return connID[:i]
	}
	return connID
}
