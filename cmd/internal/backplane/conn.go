package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

const (
	nodeWriteTimeout  = 5 * time.Second
	nodeMaxFrameBytes = 1 << 20
)

// nodeConn is one transport-level connection to a peer node. Implemented by
// wsNodeConn in production and by an in-memory pipe in tests.
type nodeConn interface {
	send(ctx context.Context, env envelope) error
	receive(ctx context.Context) (envelope, error)
	close()
}

// nodeDialer opens transport connections to peer nodes.
type nodeDialer interface {
	dialNode(ctx context.Context, address string, port int) (nodeConn, error)
}

// wsNodeConn adapts a websocket connection to the nodeConn interface.
type wsNodeConn struct {
	conn *websocket.Conn
}

func newWSNodeConn(conn *websocket.Conn) *wsNodeConn {
	conn.SetReadLimit(nodeMaxFrameBytes)
	return &wsNodeConn{conn: conn}
}

func (c *wsNodeConn) send(parent context.Context, env envelope) error {
	ctx, cancel := context.WithTimeout(parent, nodeWriteTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}

func (c *wsNodeConn) receive(ctx context.Context) (envelope, error) {
	mt, data, err := c.conn.Read(ctx)
	if err != nil {
		return envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, err
	}
	return env, nil
}

func (c *wsNodeConn) close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "bye")
}

// wsDialer dials peer node listeners over websocket.
type wsDialer struct{}

func (wsDialer) dialNode(ctx context.Context, address string, port int) (nodeConn, error) {
	u := fmt.Sprintf("ws://%s:%d/node", address, port)
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return newWSNodeConn(conn), nil
}
