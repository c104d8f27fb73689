package backplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// ---- in-memory node transport ----

type memPipe struct {
	ch   chan envelope
	done chan struct{}
	once sync.Once
}

func newMemPipe() *memPipe {
	return &memPipe{ch: make(chan envelope, 64), done: make(chan struct{})}
}

func (p *memPipe) write(env envelope) error {
	select {
	case <-p.done:
		return io.ErrClosedPipe
	case p.ch <- env:
		return nil
	}
}

func (p *memPipe) read(ctx context.Context) (envelope, error) {
	select {
	case <-p.done:
		return envelope{}, io.EOF
	case env := <-p.ch:
		return env, nil
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	}
}

func (p *memPipe) shut() { p.once.Do(func() { close(p.done) }) }

type memConn struct {
	w, r *memPipe
}

func newMemPair() (*memConn, *memConn) {
	p1, p2 := newMemPipe(), newMemPipe()
	return &memConn{w: p1, r: p2}, &memConn{w: p2, r: p1}
}

func (c *memConn) send(_ context.Context, env envelope) error { return c.w.write(env) }

func (c *memConn) receive(ctx context.Context) (envelope, error) { return c.r.read(ctx) }

func (c *memConn) close() {
	c.w.shut()
	c.r.shut()
}

// receiveTimeout reads one frame or fails the test.
func (c *memConn) receiveTimeout(t *testing.T) envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := c.receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return env
}

// memDialer routes dials to registered managers over in-memory pairs.
type memDialer struct {
	mu    sync.Mutex
	peers map[string]*nodeManager
	fail  map[string]error
	dials map[string]int
}

func newMemDialer() *memDialer {
	return &memDialer{
		peers: make(map[string]*nodeManager),
		fail:  make(map[string]error),
		dials: make(map[string]int),
	}
}

func hostKey(address string, port int) string { return fmt.Sprintf("%s:%d", address, port) }

func (d *memDialer) register(address string, port int, m *nodeManager) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers[hostKey(address, port)] = m
}

func (d *memDialer) dialNode(_ context.Context, address string, port int) (nodeConn, error) {
	key := hostKey(address, port)

	d.mu.Lock()
	d.dials[key]++
	err := d.fail[key]
	peer := d.peers[key]
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if peer == nil {
		return nil, errors.New("no route to host")
	}

	local, remote := newMemPair()
	go peer.accept(context.Background(), remote)
	return local, nil
}

func (d *memDialer) dialCount(address string, port int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[hostKey(address, port)]
}

// scriptedFortunes returns the given values in order, then random ones.
func scriptedFortunes(vals ...uint32) func() uint32 {
	var mu sync.Mutex
	i := 0
	return func() uint32 {
		mu.Lock()
		defer mu.Unlock()
		if i < len(vals) {
			v := vals[i]
			i++
			return v
		}
		return drawFortune()
	}
}

type routeRecorder struct {
	ch chan envelope
}

func newRouteRecorder() *routeRecorder {
	return &routeRecorder{ch: make(chan envelope, 64)}
}

func (r *routeRecorder) route(env envelope) { r.ch <- env }

func (r *routeRecorder) next(t *testing.T) envelope {
	t.Helper()
	select {
	case env := <-r.ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no routed envelope")
		return envelope{}
	}
}

func testManager(t *testing.T, node string, port int, d *memDialer) (*nodeManager, *routeRecorder) {
	t.Helper()
	rec := newRouteRecorder()
	self := NodeRef{Address: "test", Port: port, Node: node}
	m := newNodeManager(self, d, rec.route, slog.New(slog.DiscardHandler), 2*time.Second)
	d.register("test", port, m)
	return m, rec
}

func (m *nodeManager) linkCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ---- tests ----

func TestNodes_DialAndRelay(t *testing.T) {
	d := newMemDialer()
	a, _ := testManager(t, "node-a", 1, d)
	_, recB := testManager(t, "node-b", 2, d)

	env := envelope{Type: msgEvent, User: "alice", Payload: []byte(`"hi"`)}
	if err := a.send(context.Background(), NodeRef{Address: "test", Port: 2, Node: "node-b"}, env); err != nil {
		t.Fatalf("send: %v", err)
	}

	got := recB.next(t)
	if got.Type != msgEvent || got.User != "alice" {
		t.Fatalf("routed envelope = %+v", got)
	}
	if a.linkCount() != 1 {
		t.Fatalf("dialer link count = %d, want 1", a.linkCount())
	}
}

func TestNodes_ConnectionIsReused(t *testing.T) {
	d := newMemDialer()
	a, _ := testManager(t, "node-a", 1, d)
	_, recB := testManager(t, "node-b", 2, d)

	ref := NodeRef{Address: "test", Port: 2, Node: "node-b"}
	for i := 0; i < 5; i++ {
		if err := a.send(context.Background(), ref, envelope{Type: msgEvent, User: "u"}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		recB.next(t)
	}

	if n := d.dialCount("test", 2); n != 1 {
		t.Fatalf("dial count = %d, want 1", n)
	}
}

func TestNodes_ConcurrentConnectsCoalesce(t *testing.T) {
	d := newMemDialer()
	a, _ := testManager(t, "node-a", 1, d)
	testManager(t, "node-b", 2, d)

	ref := NodeRef{Address: "test", Port: 2, Node: "node-b"}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = a.connect(context.Background(), ref)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if n := d.dialCount("test", 2); n != 1 {
		t.Fatalf("dial count = %d, want 1", n)
	}
}

func TestNodes_UnreachableNode(t *testing.T) {
	d := newMemDialer()
	a, _ := testManager(t, "node-a", 1, d)
	d.fail[hostKey("test", 9)] = errors.New("connection refused")

	err := a.send(context.Background(), NodeRef{Address: "test", Port: 9, Node: "node-x"}, envelope{Type: msgEvent})
	if !errors.Is(err, ErrRelayUnavailable) {
		t.Fatalf("send to dead node: %v, want ErrRelayUnavailable", err)
	}
}

func TestNodes_SimultaneousDialsConverge(t *testing.T) {
	d := newMemDialer()
	a, recA := testManager(t, "node-a", 1, d)
	b, recB := testManager(t, "node-b", 2, d)
	a.fortune = scriptedFortunes(3)
	b.fortune = scriptedFortunes(7)

	refA := NodeRef{Address: "test", Port: 1, Node: "node-a"}
	refB := NodeRef{Address: "test", Port: 2, Node: "node-b"}

	var wg sync.WaitGroup
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); _, errA = a.connect(context.Background(), refB) }()
	go func() { defer wg.Done(); _, errB = b.connect(context.Background(), refA) }()
	wg.Wait()

	if errA != nil || errB != nil {
		t.Fatalf("connect: a=%v b=%v", errA, errB)
	}
	if a.linkCount() != 1 || b.linkCount() != 1 {
		t.Fatalf("link counts = %d/%d, want 1/1", a.linkCount(), b.linkCount())
	}

	// The surviving connection carries traffic in both directions.
	if err := a.send(context.Background(), refB, envelope{Type: msgEvent, User: "from-a"}); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if got := recB.next(t); got.User != "from-a" {
		t.Fatalf("b routed %+v", got)
	}
	if err := b.send(context.Background(), refA, envelope{Type: msgEvent, User: "from-b"}); err != nil {
		t.Fatalf("b->a: %v", err)
	}
	if got := recA.next(t); got.User != "from-b" {
		t.Fatalf("a routed %+v", got)
	}
	if n := d.dialCount("test", 1) + d.dialCount("test", 2); n != 2 {
		t.Fatalf("total dials = %d, want 2", n)
	}
}

// manualPeer holds the far end of a manager's outbound socket so a test can
// play the remote node by hand and control frame ordering exactly.
type manualPeer struct {
	outbound *memConn
}

func dialInto(t *testing.T, m *nodeManager, ref NodeRef, fortunes ...uint32) (*manualPeer, chan error) {
	t.Helper()

	local, remote := newMemPair()
	m.dialer = dialFunc(func(context.Context, string, int) (nodeConn, error) {
		return local, nil
	})
	m.fortune = scriptedFortunes(fortunes...)

	done := make(chan error, 1)
	go func() {
		_, err := m.connect(context.Background(), ref)
		done <- err
	}()
	return &manualPeer{outbound: remote}, done
}

type dialFunc func(ctx context.Context, address string, port int) (nodeConn, error)

func (f dialFunc) dialNode(ctx context.Context, address string, port int) (nodeConn, error) {
	return f(ctx, address, port)
}

func TestNodes_CollisionHigherInboundFortuneWins(t *testing.T) {
	d := newMemDialer()
	a, recA := testManager(t, "node-a", 1, d)

	refB := NodeRef{Address: "test", Port: 2, Node: "node-b"}
	peer, done := dialInto(t, a, refB, 3)

	// A announces its attempt with fortune 3.
	open := peer.outbound.receiveTimeout(t)
	if open.Type != msgOpen || open.Fortune != 3 {
		t.Fatalf("outbound open = %+v", open)
	}

	// B's competing connection arrives with fortune 7: it must win.
	ourSide, theirSide := newMemPair()
	go a.accept(context.Background(), theirSide)
	if err := ourSide.send(context.Background(), envelope{Type: msgOpen, Node: "node-b", Fortune: 7}); err != nil {
		t.Fatalf("send open: %v", err)
	}

	if env := ourSide.receiveTimeout(t); env.Type != msgReady {
		t.Fatalf("expected ready, got %+v", env)
	}

	// The waiting connect resolves onto the adopted inbound connection.
	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if a.linkCount() != 1 {
		t.Fatalf("link count = %d, want 1", a.linkCount())
	}

	// A's abandoned outbound socket is closed.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := peer.outbound.receive(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("outbound should be closed, got %v", err)
	}

	// Traffic flows over the surviving connection.
	if err := ourSide.send(context.Background(), envelope{Type: msgEvent, User: "u"}); err != nil {
		t.Fatalf("send event: %v", err)
	}
	if got := recA.next(t); got.User != "u" {
		t.Fatalf("routed %+v", got)
	}
}

func TestNodes_CollisionLowerInboundFortuneLoses(t *testing.T) {
	d := newMemDialer()
	a, _ := testManager(t, "node-a", 1, d)

	refB := NodeRef{Address: "test", Port: 2, Node: "node-b"}
	peer, done := dialInto(t, a, refB, 7)

	open := peer.outbound.receiveTimeout(t)
	if open.Fortune != 7 {
		t.Fatalf("outbound open = %+v", open)
	}

	// B's competing connection carries the lower fortune 3: A ignores it
	// and keeps its own attempt.
	ourSide, theirSide := newMemPair()
	go a.accept(context.Background(), theirSide)
	if err := ourSide.send(context.Background(), envelope{Type: msgOpen, Node: "node-b", Fortune: 3}); err != nil {
		t.Fatalf("send open: %v", err)
	}

	// B, seeing the mirrored comparison, accepts A's outbound attempt.
	if err := peer.outbound.send(context.Background(), envelope{Type: msgReady}); err != nil {
		t.Fatalf("send ready: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if a.linkCount() != 1 {
		t.Fatalf("link count = %d, want 1", a.linkCount())
	}

	// The losing inbound socket was not answered with ready.
	select {
	case env := <-ourSide.r.ch:
		t.Fatalf("loser received %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNodes_CollisionTieRedraws(t *testing.T) {
	d := newMemDialer()
	a, _ := testManager(t, "node-a", 1, d)

	refB := NodeRef{Address: "test", Port: 2, Node: "node-b"}
	peer, done := dialInto(t, a, refB, 5, 9) // initial draw, then the redraw

	open := peer.outbound.receiveTimeout(t)
	if open.Fortune != 5 {
		t.Fatalf("outbound open = %+v", open)
	}

	// B collides with the same fortune: both sides must redraw.
	ourSide, theirSide := newMemPair()
	go a.accept(context.Background(), theirSide)
	if err := ourSide.send(context.Background(), envelope{Type: msgOpen, Node: "node-b", Fortune: 5}); err != nil {
		t.Fatalf("send open: %v", err)
	}

	// A re-announces on its own outbound socket with a fresh fortune.
	redraw := peer.outbound.receiveTimeout(t)
	if redraw.Type != msgOpen || redraw.Fortune != 9 {
		t.Fatalf("redraw = %+v", redraw)
	}

	// B redrew 2, sees 9 > 2 on its side, and accepts A's attempt.
	if err := ourSide.send(context.Background(), envelope{Type: msgOpen, Node: "node-b", Fortune: 2}); err != nil {
		t.Fatalf("send second open: %v", err)
	}
	if err := peer.outbound.send(context.Background(), envelope{Type: msgReady}); err != nil {
		t.Fatalf("send ready: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if a.linkCount() != 1 {
		t.Fatalf("link count = %d, want 1", a.linkCount())
	}
}
