package backplane

import (
	"net/http"

	"github.com/coder/websocket"
)

// NodeHandler returns the HTTP handler for the node-to-node listener.
// Peer nodes dial ws://address:port/node; the whole handshake and relay
// loop runs inside the request.
func (b *Backplane) NodeHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/node", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Node peers are not browsers; origin policy does not apply.
			InsecureSkipVerify: true,
		})
		if err != nil {
			b.log.Error("node.accept.fail", "err", err)
			return
		}
		b.nodes.accept(r.Context(), newWSNodeConn(conn))
	})
	return mux
}
