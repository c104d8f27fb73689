package backplane

import "encoding/json"

// Node-to-node message types. The first frame on any node connection is an
// "open"; the acceptor answers "ready" once the connection is registered.
// Everything after that is routed traffic.
const (
	msgOpen  = "open"
	msgReady = "ready"
	msgEvent = "event"
	msgPeer  = "peer"
	msgKick  = "kick"
)

// envelope is the single frame shape on node connections. Which fields are
// meaningful depends on Type.
type envelope struct {
	Type string `json:"type"`

	// open
	Node    string `json:"node,omitempty"`
	Fortune uint32 `json:"fortune,omitempty"`

	// routed traffic
	Domain  string          `json:"domain,omitempty"`
	User    string          `json:"user,omitempty"`
	Client  string          `json:"client,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Event   *PeerEvent      `json:"event,omitempty"`
	Exclude []string        `json:"exclude,omitempty"`
}

// SDPDescription is a session description forwarded verbatim between peers.
type SDPDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// PeerEvent is one peer-signaling message relayed along a link. From and To
// are connection IDs; Token names the link. The relay fills Query from the
// stored link record so parties cannot spoof each other's join payload.
type PeerEvent struct {
	Token string          `json:"token"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	Init  bool            `json:"init,omitempty"`
	Query map[string]any  `json:"query,omitempty"`
	SDP   *SDPDescription `json:"sdp,omitempty"`
	ICE   json.RawMessage `json:"ice,omitempty"`
}
