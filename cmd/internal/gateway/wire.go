package gateway

import (
	"encoding/json"

	"undertow/cmd/internal/backplane"
)

// Client frame types. Every frame is a JSON text message with a "type"
// discriminator; replies reuse the request's type.
const (
	frameLink  = "link"
	framePeer  = "peer"
	frameEvent = "event"
)

// Error codes sent back to the client. A frame that names a token the
// client does not hold gets OFFLINE, never a distinction the client could
// use to probe.
const (
	errForbidden = "FORBIDDEN"
	errInvalid   = "INVALID"
	errOffline   = "OFFLINE"
)

// maxPeerPayload bounds each sdp/ICE payload inside a peer frame.
const maxPeerPayload = 200 * 1024

// clientFrame is one inbound message.
type clientFrame struct {
	Type string `json:"type"`

	// link
	Query map[string]any `json:"query,omitempty"`

	// peer
	Token string                       `json:"token,omitempty"`
	To    string                       `json:"to,omitempty"`
	Init  bool                         `json:"init,omitempty"`
	SDP   *backplane.SDPDescription    `json:"sdp,omitempty"`
	ICE   json.RawMessage              `json:"ice,omitempty"`

	// event
	User    string          `json:"user,omitempty"`
	Client  string          `json:"client,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// serverFrame is one outbound message.
type serverFrame struct {
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`

	// link reply
	Token string `json:"token,omitempty"`

	// peer delivery
	Peer *backplane.PeerEvent `json:"peer,omitempty"`

	// event delivery
	Payload json.RawMessage `json:"payload,omitempty"`
}

// peerEvent converts a validated peer frame into a backplane event.
func (f *clientFrame) peerEvent(from string) backplane.PeerEvent {
	return backplane.PeerEvent{
		Token: f.Token,
		From:  from,
		To:    f.To,
		Init:  f.Init,
		SDP:   f.SDP,
		ICE:   f.ICE,
	}
}

// validatePeer checks a peer frame's shape. Directed payloads (sdp, ICE)
// must name their target connection.
func (f *clientFrame) validatePeer() bool {
	if f.Token == "" {
		return false
	}
	if f.SDP != nil {
		if f.SDP.Type != "offer" && f.SDP.Type != "answer" {
			return false
		}
		if len(f.SDP.SDP) >= maxPeerPayload {
			return false
		}
	}
	if len(f.ICE) >= maxPeerPayload {
		return false
	}
	if (f.SDP != nil || len(f.ICE) > 0) && f.To == "" {
		return false
	}
	return true
}
