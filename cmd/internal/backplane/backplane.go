package backplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"undertow/cmd/internal/cache"
)

// SessionCache lets the backplane drop locally cached session records when a
// kick arrives from a remote node.
type SessionCache interface {
	DropCached(token string)
}

// Events carries the application's presence notification hooks. A user
// transition fires when the first or last connection of the whole user
// appears anywhere in the cluster; a client transition fires per named
// client. Nil hooks are skipped.
type Events struct {
	UserOnline    func(domain, user string)
	UserOffline   func(domain, user string)
	ClientOnline  func(domain, user, client string)
	ClientOffline func(domain, user, client string)
}

// Params collects the dependencies for New.
type Params struct {
	Config   Config
	Log      *slog.Logger
	Presence PresenceStore
	Links    LinkStore
	Hosts    HostStore
	Sessions SessionCache
	Events   Events

	// Registerer defaults to the global prometheus registerer.
	Registerer prometheus.Registerer

	dialer nodeDialer
}

// Backplane coordinates local connections, shared presence state, and the
// node-to-node relay.
type Backplane struct {
	cfg      Config
	log      *slog.Logger
	self     NodeRef
	presence PresenceStore
	links    LinkStore
	hosts    HostStore
	sessions SessionCache
	events   Events

	registry  *registry
	nodes     *nodeManager
	linkCache *cache.Chain[LinkRecord]
	metrics   *metrics
}

// New constructs a Backplane with a fresh node ID. Call Start before use.
func New(p Params) *Backplane {
	log := p.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	b := &Backplane{
		cfg:      p.Config,
		log:      log,
		self:     NodeRef{Address: p.Config.Address, Port: p.Config.Port, Node: uuid.NewString()},
		presence: p.Presence,
		links:    p.Links,
		hosts:    p.Hosts,
		sessions: p.Sessions,
		events:   p.Events,
		registry: newRegistry(),
		metrics:  newMetrics(p.Registerer),
	}

	dialer := p.dialer
	if dialer == nil {
		dialer = wsDialer{}
	}
	b.nodes = newNodeManager(b.self, dialer, b.routeRemote, log, p.Config.DialTimeout)

	if p.Config.CacheLinks > 0 {
		b.linkCache = cache.NewChain[LinkRecord](p.Config.CacheLinks, p.Config.LinkCacheTimeout)
	}
	return b
}

// Self returns this process's node identity.
func (b *Backplane) Self() NodeRef { return b.self }

// Start claims this node's host slot and sweeps any liveness facts stranded
// by the slot's previous owner.
func (b *Backplane) Start(ctx context.Context) error {
	prev, err := b.hosts.Claim(ctx, b.self.Address, b.self.Port, b.self.Node)
	if err != nil {
		return fmt.Errorf("claim host slot: %w", err)
	}
	if prev != "" && prev != b.self.Node {
		if err := b.presence.SweepNode(ctx, prev); err != nil {
			return fmt.Errorf("sweep stale node %s: %w", prev, err)
		}
		b.log.Info("backplane.sweep", "stale_node", prev)
	}

	b.log.Info("backplane.start", "node", b.self.Node, "address", b.self.Address, "port", b.self.Port)
	return nil
}

// Shutdown tears down every node connection.
func (b *Backplane) Shutdown() {
	b.nodes.shutdown()
}

// routeRemote dispatches one envelope received from a peer node.
func (b *Backplane) routeRemote(env envelope) {
	switch env.Type {
	case msgEvent:
		b.registry.fireEvent(env.Domain, env.User, env.Client, env.Payload)
	case msgPeer:
		if env.Event != nil {
			b.registry.firePeer(env.Domain, env.User, env.Client, *env.Event, env.Exclude)
		}
	case msgKick:
		b.killConnections(env.Domain, env.User, env.Client)
	default:
		b.log.Debug("node.route.unknown", "type", env.Type)
	}
}

// MarkLive attaches a connection to the registry and, when it is the first
// local connection for its client, records the liveness fact in the shared
// store. Presence notifications fire from the store's prior state, so each
// transition is observed exactly once cluster-wide.
func (b *Backplane) MarkLive(ctx context.Context, domain, user, client string, h Handle) error {
	first := b.registry.add(domain, user, client, h)
	if !first {
		// The client was already live; just re-attach this connection to
		// any links the user holds.
		entries, err := b.presence.LinkEntries(ctx, domain, user)
		if err != nil {
			b.log.Error("backplane.links.load.fail", "domain", domain, "user", user, "err", err)
			return nil
		}
		b.rejoinLinks(ctx, domain, user, h, entries)
		return nil
	}

	entry := LiveEntry{Client: client, Address: b.self.Address, Port: b.self.Port, Node: b.self.Node}
	prior, err := b.presence.SetLive(ctx, domain, user, entry, true)
	if err != nil {
		b.registry.remove(domain, user, client, h)
		return fmt.Errorf("set live: %w", err)
	}

	if prior == nil {
		b.fireUserOnline(domain, user)
		b.fireClientOnline(domain, user, client)
		return nil
	}

	if len(prior.Link) > 0 {
		b.rejoinLinks(ctx, domain, user, h, prior.Link)
	}
	if !prior.ClientElsewhere {
		b.fireClientOnline(domain, user, client)
	}
	if prior.Count == 0 {
		b.fireUserOnline(domain, user)
	}
	return nil
}

// MarkOffline detaches a connection and, when it was the last local
// connection for its client, removes the liveness fact. Links tied to a
// client that went fully offline are culled; when the whole user went
// offline every link is culled.
func (b *Backplane) MarkOffline(ctx context.Context, domain, user, client string, h Handle) error {
	removed, last := b.registry.remove(domain, user, client, h)
	if !removed || !last {
		return nil
	}

	entry := LiveEntry{Client: client, Node: b.self.Node}
	prior, err := b.presence.SetLive(ctx, domain, user, entry, false)
	if err != nil {
		return fmt.Errorf("set live: %w", err)
	}
	if prior == nil {
		return nil
	}

	var cull []LinkEntry
	if prior.Count == 1 {
		b.fireUserOffline(domain, user)
		cull = prior.Link
	} else {
		if !prior.ClientElsewhere {
			b.fireClientOffline(domain, user, client)
		}
		for _, e := range prior.Link {
			if e.Client == client {
				cull = append(cull, e)
			}
		}
	}

	for _, e := range cull {
		b.cullEntry(ctx, domain, user, e)
	}
	return nil
}

// SendEvent delivers an application event to every live connection of the
// user, or of one client when client is non-empty, across the cluster. It
// reports whether anything received the event; an unreachable peer node is
// an error, not a silent miss.
func (b *Backplane) SendEvent(ctx context.Context, domain, user, client string, payload json.RawMessage) (bool, error) {
	received := b.registry.fireEvent(domain, user, client, payload)

	hosts, err := b.presence.LiveHosts(ctx, domain, user, client)
	if err != nil {
		return received, fmt.Errorf("live hosts: %w", err)
	}

	env := envelope{Type: msgEvent, Domain: domain, User: user, Client: client, Payload: payload}
	sent, err := b.relay(ctx, hosts, env)
	return received || sent, err
}

// SendPeerEvent delivers a peer event to the user's live connections across
// the cluster. A targeted event (ev.To set) that found its connection
// locally skips the cluster entirely.
func (b *Backplane) SendPeerEvent(ctx context.Context, domain, user, client string, ev PeerEvent, exclude []string) (bool, error) {
	received := b.registry.firePeer(domain, user, client, ev, exclude)
	if ev.To != "" && received {
		return true, nil
	}

	hosts, err := b.presence.LiveHosts(ctx, domain, user, client)
	if err != nil {
		return received, fmt.Errorf("live hosts: %w", err)
	}

	env := envelope{Type: msgPeer, Domain: domain, User: user, Client: client, Event: &ev, Exclude: exclude}
	sent, err := b.relay(ctx, hosts, env)
	return received || sent, err
}

// relay fans an envelope out to every distinct remote node in hosts.
func (b *Backplane) relay(ctx context.Context, hosts []LiveEntry, env envelope) (bool, error) {
	seen := map[string]struct{}{b.self.Node: {}}
	sent := false
	var firstErr error

	for _, host := range hosts {
		if _, done := seen[host.Node]; done {
			continue
		}
		seen[host.Node] = struct{}{}

		ref := NodeRef{Address: host.Address, Port: host.Port, Node: host.Node}
		if err := b.nodes.send(ctx, ref, env); err != nil {
			b.metrics.relayFail.Inc()
			b.log.Error("backplane.relay.fail", "remote", host.Node, "type", env.Type, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		b.metrics.relayed.WithLabelValues(env.Type).Inc()
		sent = true
	}
	return sent, firstErr
}

// IsActive reports whether the user, or one of its clients, holds at least
// one live connection anywhere in the cluster.
func (b *Backplane) IsActive(ctx context.Context, domain, user, client string) (bool, error) {
	return b.presence.IsActive(ctx, domain, user, client)
}

// Kick terminates every live connection for the user cluster-wide, or for
// one user/client pair when client is non-empty. A full-user kick also
// zeroes the presence record and closes the user's links. Kicking a user
// with no presence record only clears local state.
func (b *Backplane) Kick(ctx context.Context, domain, user, client string) error {
	if client != "" {
		hosts, err := b.presence.LiveHosts(ctx, domain, user, client)
		if err != nil {
			return fmt.Errorf("live hosts: %w", err)
		}
		env := envelope{Type: msgKick, Domain: domain, User: user, Client: client}
		_, err = b.relay(ctx, hosts, env)
		b.killConnections(domain, user, client)
		return err
	}

	prior, err := b.presence.ZeroUser(ctx, domain, user)
	if errors.Is(err, ErrUserNotFound) {
		b.killConnections(domain, user, "")
		return nil
	}
	if err != nil {
		return fmt.Errorf("zero user: %w", err)
	}

	if len(prior.Link) > 0 {
		tokens := make([]string, 0, len(prior.Link))
		for _, e := range prior.Link {
			tokens = append(tokens, e.Token)
			b.dropCachedLink(e.Token)
		}
		if err := b.links.CloseMany(ctx, tokens); err != nil {
			b.log.Error("backplane.links.close.fail", "user", user, "err", err)
		}
	}

	env := envelope{Type: msgKick, Domain: domain, User: user}
	_, relayErr := b.relay(ctx, prior.Live, env)
	b.killConnections(domain, user, "")
	return relayErr
}

// killConnections tears down this process's connections for the user or
// user/client pair, dropping their cached session records first so a
// replayed token goes back to the store.
func (b *Backplane) killConnections(domain, user, client string) {
	handles := b.registry.collect(domain, user, client)
	for _, h := range handles {
		if b.sessions != nil {
			b.sessions.DropCached(h.SessionToken())
		}
		h.Disconnect("logout")
	}
	if len(handles) > 0 {
		b.log.Info("backplane.kick", "domain", domain, "user", user, "client", client, "connections", len(handles))
	}
}

func (b *Backplane) fireUserOnline(domain, user string) {
	b.metrics.online.WithLabelValues("user").Inc()
	if b.events.UserOnline != nil {
		b.events.UserOnline(domain, user)
	}
}

func (b *Backplane) fireUserOffline(domain, user string) {
	b.metrics.offline.WithLabelValues("user").Inc()
	if b.events.UserOffline != nil {
		b.events.UserOffline(domain, user)
	}
}

func (b *Backplane) fireClientOnline(domain, user, client string) {
	b.metrics.online.WithLabelValues("client").Inc()
	if b.events.ClientOnline != nil {
		b.events.ClientOnline(domain, user, client)
	}
}

func (b *Backplane) fireClientOffline(domain, user, client string) {
	b.metrics.offline.WithLabelValues("client").Inc()
	if b.events.ClientOffline != nil {
		b.events.ClientOffline(domain, user, client)
	}
}

func (b *Backplane) cachedLink(token string) (LinkRecord, bool) {
	if b.linkCache == nil {
		return LinkRecord{}, false
	}
	return b.linkCache.Get(token)
}

func (b *Backplane) cacheLink(rec LinkRecord) {
	if b.linkCache != nil {
		b.linkCache.Set(rec.Token, rec)
	}
}

func (b *Backplane) dropCachedLink(token string) {
	if b.linkCache != nil {
		b.linkCache.Drop(token)
	}
}
