package backplane

import (
	"encoding/json"
	"sync"
)

// Handle is one live client connection attached to this process. The
// gateway implements it; the backplane only ever pushes messages through it
// or tears it down.
type Handle interface {
	// SID is the connection's unique ID.
	SID() string

	// SessionToken is the session token the connection authenticated with.
	SessionToken() string

	// SendEvent pushes an application event payload to the client.
	SendEvent(payload json.RawMessage)

	// SendPeer pushes a peer-signaling event to the client.
	SendPeer(ev PeerEvent)

	// Disconnect tears the connection down with a close reason.
	Disconnect(reason string)
}

// registry tracks this process's live connections by domain, user, and
// client. It is purely local bookkeeping; cluster-wide liveness lives in the
// presence store.
type registry struct {
	mu      sync.Mutex
	domains map[string]map[string]map[string][]Handle
}

func newRegistry() *registry {
	return &registry{domains: make(map[string]map[string]map[string][]Handle)}
}

// add attaches a handle and reports whether it is the first local connection
// for its (user, client) pair.
func (r *registry) add(domain, user, client string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	users, ok := r.domains[domain]
	if !ok {
		users = make(map[string]map[string][]Handle)
		r.domains[domain] = users
	}
	clients, ok := users[user]
	if !ok {
		clients = make(map[string][]Handle)
		users[user] = clients
	}

	first := len(clients[client]) == 0
	clients[client] = append(clients[client], h)
	return first
}

// remove detaches a handle. It reports whether the handle was attached and
// whether it was the last local connection for its (user, client) pair.
func (r *registry) remove(domain, user, client string, h Handle) (removed, last bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := r.clientsLocked(domain, user)
	if clients == nil {
		return false, false
	}

	handles := clients[client]
	for i, cur := range handles {
		if cur.SID() != h.SID() {
			continue
		}
		handles = append(handles[:i], handles[i+1:]...)
		removed = true
		break
	}
	if !removed {
		return false, false
	}

	if len(handles) == 0 {
		delete(clients, client)
		r.pruneLocked(domain, user)
		return true, true
	}
	clients[client] = handles
	return true, false
}

// fireEvent delivers an event payload to every local connection of the user,
// or of one client when client is non-empty. Reports whether anything was
// delivered.
func (r *registry) fireEvent(domain, user, client string, payload json.RawMessage) bool {
	delivered := false
	for _, h := range r.snapshot(domain, user, client) {
		h.SendEvent(payload)
		delivered = true
	}
	return delivered
}

// firePeer delivers a peer event to the user's local connections, skipping
// the sender, any excluded connection IDs, and, when ev.To is set, every
// connection but the addressed one.
func (r *registry) firePeer(domain, user, client string, ev PeerEvent, exclude []string) bool {
	skip := make(map[string]struct{}, len(exclude)+1)
	for _, sid := range exclude {
		skip[sid] = struct{}{}
	}
	if ev.From != "" {
		skip[ev.From] = struct{}{}
	}

	delivered := false
	for _, h := range r.snapshot(domain, user, client) {
		sid := h.SID()
		if _, skipped := skip[sid]; skipped {
			continue
		}
		if ev.To != "" && ev.To != sid {
			continue
		}
		h.SendPeer(ev)
		delivered = true
	}
	return delivered
}

// collect detaches and returns the user's local connections, narrowed to one
// client when client is non-empty.
func (r *registry) collect(domain, user, client string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := r.clientsLocked(domain, user)
	if clients == nil {
		return nil
	}

	var out []Handle
	if client != "" {
		out = clients[client]
		delete(clients, client)
	} else {
		for c, handles := range clients {
			out = append(out, handles...)
			delete(clients, c)
		}
	}
	r.pruneLocked(domain, user)
	return out
}

// snapshot copies the matching handles out under the lock so delivery can
// happen without holding it.
func (r *registry) snapshot(domain, user, client string) []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients := r.clientsLocked(domain, user)
	if clients == nil {
		return nil
	}

	var out []Handle
	if client != "" {
		out = append(out, clients[client]...)
	} else {
		for _, handles := range clients {
			out = append(out, handles...)
		}
	}
	return out
}

func (r *registry) clientsLocked(domain, user string) map[string][]Handle {
	users := r.domains[domain]
	if users == nil {
		return nil
	}
	return users[user]
}

func (r *registry) pruneLocked(domain, user string) {
	users := r.domains[domain]
	if users == nil {
		return
	}
	if len(users[user]) == 0 {
		delete(users, user)
	}
	if len(users) == 0 {
		delete(r.domains, domain)
	}
}
