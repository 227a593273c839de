package realtime

import (
	"sync"

	v1 "vigil/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// outbound is one queued frame. A non-zero closeCode closes the connection
// once the frame is written.
type outbound struct {
	env         v1.Envelope
	closeCode   websocket.StatusCode
	closeReason string
}

// Client is one connected browsing context.
//
// Send is never closed by the server; monitor hooks may still enqueue after
// shutdown starts. done signals the writer to stop and Close is idempotent.
type Client struct {
	ConnID string
	UserID string
	Send   chan outbound

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize < wsMinSendQueueSize {
		sendQueueSize = wsMinSendQueueSize
	}
	return &Client{
		ConnID: connID,
		Send:   make(chan outbound, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close signals the client goroutines to stop.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
