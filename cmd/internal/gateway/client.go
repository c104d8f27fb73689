package gateway

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"undertow/cmd/internal/backplane"
)

// wsClient is one live WebSocket connection's backplane handle. Deliveries
// from the backplane are enqueued without blocking; a full queue drops the
// frame and counts it.
type wsClient struct {
	sid   string
	token string

	send chan serverFrame
	done chan struct{}

	once    sync.Once
	reason  string
	dropped atomic.Int64
}

func newWSClient(sessionToken string, queue int) *wsClient {
	return &wsClient{
		sid:   ulid.Make().String(),
		token: sessionToken,
		send:  make(chan serverFrame, queue),
		done:  make(chan struct{}),
	}
}

func (c *wsClient) SID() string          { return c.sid }
func (c *wsClient) SessionToken() string { return c.token }

func (c *wsClient) SendEvent(payload json.RawMessage) {
	c.enqueue(serverFrame{Type: frameEvent, Payload: payload})
}

func (c *wsClient) SendPeer(ev backplane.PeerEvent) {
	c.enqueue(serverFrame{Type: framePeer, Peer: &ev})
}

// Disconnect asks the connection to close. The read and write loops observe
// the done channel and tear the socket down.
func (c *wsClient) Disconnect(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

func (c *wsClient) closeReason() string {
	select {
	case <-c.done:
		return c.reason
	default:
		return ""
	}
}

func (c *wsClient) enqueue(f serverFrame) bool {
	select {
	case <-c.done:
		return false
	case c.send <- f:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}
