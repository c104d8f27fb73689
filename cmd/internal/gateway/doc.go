// Package gateway is the client-facing WebSocket entrypoint.
//
// Each connection is classified from its session cookie at the handshake,
// registered live on the backplane, and then serves three frame types:
// link (open a signaling link to a peer), peer (relay WebRTC signaling
// along a link), and event (application event fan-in). Frames from the
// backplane flow back over a bounded send queue.
package gateway
