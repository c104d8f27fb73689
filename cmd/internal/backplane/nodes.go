package backplane

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// nodeManager maintains at most one established connection per peer node.
//
// Connections come up lazily: the first message for a node dials it. When
// two nodes dial each other at the same time, each side sends an "open"
// frame carrying a random fortune, and the connection whose initiator drew
// the higher fortune survives; on a draw both sides redraw and re-announce
// until the tie breaks. The surviving socket carries traffic both ways.
type nodeManager struct {
	self    NodeRef
	dialer  nodeDialer
	route   func(env envelope)
	log     *slog.Logger
	timeout time.Duration

	fortune func() uint32

	mu      sync.Mutex
	conns   map[string]*nodeLink
	pending map[string]*pendingDial
}

type nodeLink struct {
	remote string
	conn   nodeConn
}

// pendingDial is an outbound connection attempt in flight. Callers wanting
// the same node park a waiter channel on it instead of dialing again.
type pendingDial struct {
	fortune uint32
	conn    nodeConn
	waiters []chan waitResult
}

type waitResult struct {
	link *nodeLink
	err  error
}

func newNodeManager(self NodeRef, dialer nodeDialer, route func(envelope), log *slog.Logger, timeout time.Duration) *nodeManager {
	return &nodeManager{
		self:    self,
		dialer:  dialer,
		route:   route,
		log:     log,
		timeout: timeout,
		fortune: drawFortune,
		conns:   make(map[string]*nodeLink),
		pending: make(map[string]*pendingDial),
	}
}

func drawFortune() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

// send delivers one envelope to a peer node, establishing the connection
// first when necessary. A node that cannot be reached within the dial
// deadline yields ErrRelayUnavailable.
func (m *nodeManager) send(ctx context.Context, ref NodeRef, env envelope) error {
	link, err := m.connect(ctx, ref)
	if err != nil {
		return err
	}
	if err := link.conn.send(ctx, env); err != nil {
		m.dropLink(ref.Node, link.conn)
		link.conn.close()
		return err
	}
	return nil
}

// connect returns the established link for a node, dialing or joining an
// in-flight attempt as needed.
func (m *nodeManager) connect(ctx context.Context, ref NodeRef) (*nodeLink, error) {
	m.mu.Lock()
	if link := m.conns[ref.Node]; link != nil {
		m.mu.Unlock()
		return link, nil
	}

	ch := make(chan waitResult, 1)
	if p := m.pending[ref.Node]; p != nil {
		p.waiters = append(p.waiters, ch)
		m.mu.Unlock()
	} else {
		p := &pendingDial{fortune: m.fortune(), waiters: []chan waitResult{ch}}
		m.pending[ref.Node] = p
		m.mu.Unlock()
		go m.dial(ref, p)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRelayUnavailable, res.err)
		}
		return res.link, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrRelayUnavailable
	}
}

// dial runs one outbound connection attempt to completion.
func (m *nodeManager) dial(ref NodeRef, p *pendingDial) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	conn, err := m.dialer.dialNode(ctx, ref.Address, ref.Port)
	if err != nil {
		m.abortDial(ref.Node, p, err)
		return
	}

	m.mu.Lock()
	if m.pending[ref.Node] != p {
		// An inbound connection won while we were dialing.
		m.mu.Unlock()
		conn.close()
		return
	}
	p.conn = conn
	fortune := p.fortune
	m.mu.Unlock()

	if err := conn.send(ctx, envelope{Type: msgOpen, Node: m.self.Node, Fortune: fortune}); err != nil {
		conn.close()
		m.abortDial(ref.Node, p, err)
		return
	}

	// Wait for the acceptor's ready. Routed frames may legitimately arrive
	// first when the acceptor registers the connection before flushing the
	// ready, so pass them through instead of treating them as a protocol
	// error.
	for {
		env, err := conn.receive(ctx)
		if err != nil {
			conn.close()
			m.abortDial(ref.Node, p, err)
			return
		}
		if env.Type == msgReady {
			break
		}
		if env.Type != msgOpen {
			m.route(env)
		}
	}

	if !m.finalize(ref.Node, p, conn) {
		conn.close()
		return
	}

	m.log.Debug("node.link.up", "remote", ref.Node, "dir", "out")
	m.serve(ref.Node, conn)
}

// abortDial fails the attempt's waiters unless the attempt was already
// superseded by an adopted inbound connection.
func (m *nodeManager) abortDial(remote string, p *pendingDial, err error) {
	m.mu.Lock()
	if m.pending[remote] != p {
		m.mu.Unlock()
		return
	}
	delete(m.pending, remote)
	waiters := p.waiters
	m.mu.Unlock()

	m.log.Debug("node.dial.fail", "remote", remote, "err", err)
	for _, ch := range waiters {
		ch <- waitResult{err: err}
	}
}

// finalize registers a connection that completed the handshake and serves
// the attempt's waiters. Returns false when the attempt was superseded.
func (m *nodeManager) finalize(remote string, p *pendingDial, conn nodeConn) bool {
	m.mu.Lock()
	if m.pending[remote] != p {
		m.mu.Unlock()
		return false
	}
	delete(m.pending, remote)
	link := &nodeLink{remote: remote, conn: conn}
	m.conns[remote] = link
	waiters := p.waiters
	m.mu.Unlock()

	for _, ch := range waiters {
		ch <- waitResult{link: link}
	}
	return true
}

type openDecision int

const (
	// openAccepted: the inbound connection is now the established link.
	openAccepted openDecision = iota
	// openIgnored: our own outbound attempt outranks this connection; the
	// remote will adopt it and close this one.
	openIgnored
	// openClosed: the connection is redundant and must be torn down.
	openClosed
)

// accept serves one inbound node connection: it runs the handshake and then
// routes traffic until the connection dies.
func (m *nodeManager) accept(ctx context.Context, conn nodeConn) {
	remote := ""
	for {
		env, err := conn.receive(ctx)
		if err != nil {
			if remote != "" {
				m.dropLink(remote, conn)
				m.log.Debug("node.link.down", "remote", remote, "err", err)
			}
			conn.close()
			return
		}

		if env.Type != msgOpen {
			if remote == "" {
				// Traffic before the handshake.
				conn.close()
				return
			}
			m.route(env)
			continue
		}

		switch m.handleOpen(env.Node, env.Fortune, conn) {
		case openAccepted:
			remote = env.Node
			if err := conn.send(ctx, envelope{Type: msgReady}); err != nil {
				m.dropLink(remote, conn)
				conn.close()
				return
			}
			m.log.Debug("node.link.up", "remote", remote, "dir", "in")
		case openClosed:
			conn.close()
			return
		case openIgnored:
			// Keep reading: a tie redraw arrives as another open, and a
			// losing connection is closed by the remote, not by us.
		}
	}
}

// handleOpen decides the fate of an inbound open frame.
func (m *nodeManager) handleOpen(remote string, fortune uint32, conn nodeConn) openDecision {
	m.mu.Lock()

	if m.conns[remote] != nil {
		m.mu.Unlock()
		return openClosed
	}

	p := m.pending[remote]
	if p == nil {
		m.conns[remote] = &nodeLink{remote: remote, conn: conn}
		m.mu.Unlock()
		return openAccepted
	}

	switch {
	case fortune > p.fortune:
		// The remote's attempt outranks ours: adopt its connection, hand
		// it to our waiters, and abandon our own outbound socket.
		delete(m.pending, remote)
		link := &nodeLink{remote: remote, conn: conn}
		m.conns[remote] = link
		waiters := p.waiters
		out := p.conn
		m.mu.Unlock()

		if out != nil {
			out.close()
		}
		for _, ch := range waiters {
			ch <- waitResult{link: link}
		}
		return openAccepted

	case fortune < p.fortune:
		m.mu.Unlock()
		return openIgnored

	default:
		// Dead heat. Redraw and re-announce on our own outbound socket;
		// the remote does the same, and the next pair of opens is compared
		// afresh on both sides.
		p.fortune = m.fortune()
		redrawn := p.fortune
		out := p.conn
		m.mu.Unlock()

		m.log.Debug("node.open.tie", "remote", remote)
		if out != nil {
			if err := out.send(context.Background(), envelope{Type: msgOpen, Node: m.self.Node, Fortune: redrawn}); err != nil {
				m.log.Debug("node.open.resend.fail", "remote", remote, "err", err)
			}
		}
		return openIgnored
	}
}

// serve routes traffic on an established outbound connection.
func (m *nodeManager) serve(remote string, conn nodeConn) {
	for {
		env, err := conn.receive(context.Background())
		if err != nil {
			m.dropLink(remote, conn)
			conn.close()
			m.log.Debug("node.link.down", "remote", remote, "err", err)
			return
		}
		if env.Type != msgOpen && env.Type != msgReady {
			m.route(env)
		}
	}
}

// dropLink unregisters a connection unless it was already replaced.
func (m *nodeManager) dropLink(remote string, conn nodeConn) {
	m.mu.Lock()
	if link := m.conns[remote]; link != nil && link.conn == conn {
		delete(m.conns, remote)
	}
	m.mu.Unlock()
}

// shutdown closes every established connection.
func (m *nodeManager) shutdown() {
	m.mu.Lock()
	links := make([]*nodeLink, 0, len(m.conns))
	for _, link := range m.conns {
		links = append(links, link)
	}
	m.conns = make(map[string]*nodeLink)
	m.mu.Unlock()

	for _, link := range links {
		link.conn.close()
	}
}

// linkedNodes returns the IDs of nodes with an established connection.
func (m *nodeManager) linkedNodes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}
