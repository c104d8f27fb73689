package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"undertow/cmd/internal/auth/session"
	"undertow/cmd/internal/backplane"
)

const maxPingFailures = 3

// Core is the backplane surface the gateway drives.
type Core interface {
	MarkLive(ctx context.Context, domain, user, client string, h backplane.Handle) error
	MarkOffline(ctx context.Context, domain, user, client string, h backplane.Handle) error
	OpenLink(ctx context.Context, p backplane.OpenLinkParams) (string, error)
	RoutePeerEvent(ctx context.Context, ev backplane.PeerEvent, senderUser, senderClient string) (bool, error)
	SendEvent(ctx context.Context, domain, user, client string, payload json.RawMessage) (bool, error)
}

// Classifier resolves a request's cookies into an Agent.
type Classifier interface {
	Classify(ctx context.Context, domain, domesticConfirm string, jar session.CookieJar) (*session.Agent, error)
}

// LinkTarget is the application's resolution of a link request: who to
// connect to, and the opaque join payloads each side will see.
type LinkTarget struct {
	User           string
	Client         string
	InitiatorQuery map[string]any
	TargetQuery    map[string]any
}

// LinkResolver maps a link request's query to a target. Returning ok=false
// rejects the request.
type LinkResolver func(ctx context.Context, domain string, agent *session.Agent, query map[string]any) (LinkTarget, bool, error)

// Params collects the dependencies for New.
type Params struct {
	Config   Config
	Log      *slog.Logger
	Sessions Classifier
	Core     Core
	Resolver LinkResolver

	// Registerer defaults to the global prometheus registerer.
	Registerer prometheus.Registerer
}

// Gateway serves client WebSocket connections.
type Gateway struct {
	cfg      Config
	log      *slog.Logger
	sessions Classifier
	core     Core
	resolver LinkResolver
	metrics  *metrics

	// Host patterns for websocket.Accept's own origin check, derived from
	// the allowlist so the two layers agree.
	originPatterns []string
}

// New constructs a Gateway.
func New(p Params) *Gateway {
	log := p.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Gateway{
		cfg:            p.Config,
		log:            log,
		sessions:       p.Sessions,
		core:           p.Core,
		resolver:       p.Resolver,
		metrics:        newMetrics(p.Registerer),
		originPatterns: originPatterns(p.Config.AllowedOrigins),
	}
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.metrics.rejects.WithLabelValues("origin").Inc()
		g.log.Info("ws.reject.origin", "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr, "err", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	domain := r.Host
	jar := requestJar{r: r}
	agent, err := g.sessions.Classify(r.Context(), domain, r.URL.Query().Get("_domestic"), jar)
	if err != nil {
		g.metrics.rejects.WithLabelValues("classify").Inc()
		g.log.Error("ws.classify.fail", "domain", domain, "err", err)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if !agent.IsLoggedIn || (!g.cfg.AllowForeign && !agent.IsDomestic) {
		g.metrics.rejects.WithLabelValues("auth").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	g.serve(r.Context(), conn, domain, agent, jar.Get(session.CookieSession))
}

// serve runs one accepted connection: registers it live, pumps the send
// queue and heartbeat, and dispatches inbound frames until the socket dies.
func (g *Gateway) serve(parent context.Context, conn *websocket.Conn, domain string, agent *session.Agent, sessionToken string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	client := newWSClient(sessionToken, g.cfg.SendQueue)
	log := g.log.With("sid", client.SID(), "domain", domain, "user", agent.User, "client", agent.Client)

	if err := g.core.MarkLive(ctx, domain, agent.User, agent.Client, client); err != nil {
		log.Error("ws.live.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "unavailable")
		return
	}
	g.metrics.connections.Inc()
	log.Info("ws.connect")

	var shutdownOnce sync.Once
	shutdown := func(code websocket.StatusCode, reason string) {
		shutdownOnce.Do(func() {
			client.Disconnect(reason)
			_ = conn.Close(code, reason)
			cancel()

			// The request context is going away with the socket.
			offCtx, offCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer offCancel()
			if err := g.core.MarkOffline(offCtx, domain, agent.User, agent.Client, client); err != nil {
				log.Error("ws.offline.fail", "err", err)
			}

			g.metrics.connections.Dec()
			if n := client.dropped.Load(); n > 0 {
				g.metrics.dropped.Add(float64(n))
				log.Info("ws.dropped.frames", "count", n)
			}
			log.Info("ws.disconnect", "reason", reason)
		})
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case frame := <-client.send:
				if err := g.writeFrame(ctx, conn, frame); err != nil {
					log.Info("ws.write.fail", "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	go func() {
		t := time.NewTicker(g.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.done:
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, g.cfg.HeartbeatTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					failures++
					if failures >= maxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	// A backplane kick lands on client.done; watch for it alongside reads.
	go func() {
		select {
		case <-ctx.Done():
		case <-client.done:
			shutdown(websocket.StatusNormalClosure, client.closeReason())
		}
	}()

	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.cfg.ReadIdleTimeout)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			shutdown(closeCode(err), "bye")
			break
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.reply(client, serverFrame{Type: frame.Type, Error: errInvalid})
			continue
		}

		g.metrics.frames.WithLabelValues(frame.Type).Inc()
		switch frame.Type {
		case frameLink:
			g.handleLink(ctx, client, domain, agent, frame)
		case framePeer:
			g.handlePeer(ctx, client, agent, frame)
		case frameEvent:
			g.handleEvent(ctx, client, domain, frame)
		default:
			log.Debug("ws.frame.unknown", "type", frame.Type)
		}
	}

	<-writerDone
}

// handleLink resolves the request's query to a target identity and opens a
// link to it. The reply carries the link token.
func (g *Gateway) handleLink(ctx context.Context, client *wsClient, domain string, agent *session.Agent, frame clientFrame) {
	if g.resolver == nil {
		g.reply(client, serverFrame{Type: frameLink, Error: errForbidden})
		return
	}

	target, ok, err := g.resolver(ctx, domain, agent, frame.Query)
	if err != nil {
		g.log.Error("ws.link.resolve.fail", "sid", client.SID(), "err", err)
		g.reply(client, serverFrame{Type: frameLink, Error: errOffline})
		return
	}
	if !ok || target.User == "" {
		g.reply(client, serverFrame{Type: frameLink, Error: errForbidden})
		return
	}

	token, err := g.core.OpenLink(ctx, backplane.OpenLinkParams{
		Domain:         domain,
		User:           agent.User,
		Client:         agent.Client,
		SID:            client.SID(),
		TargetUser:     target.User,
		TargetClient:   target.Client,
		InitiatorQuery: target.InitiatorQuery,
		TargetQuery:    target.TargetQuery,
	})
	if err != nil {
		g.log.Error("ws.link.fail", "sid", client.SID(), "err", err)
		g.reply(client, serverFrame{Type: frameLink, Error: errOffline})
		return
	}
	g.reply(client, serverFrame{Type: frameLink, Token: token})
}

// handlePeer relays one signaling frame along its link.
func (g *Gateway) handlePeer(ctx context.Context, client *wsClient, agent *session.Agent, frame clientFrame) {
	if !agent.IsLoggedIn {
		g.reply(client, serverFrame{Type: framePeer, Error: errForbidden})
		return
	}
	if !frame.validatePeer() {
		g.reply(client, serverFrame{Type: framePeer, Token: frame.Token, Error: errInvalid})
		return
	}

	received, err := g.core.RoutePeerEvent(ctx, frame.peerEvent(client.SID()), agent.User, agent.Client)
	if err != nil {
		g.log.Error("ws.peer.fail", "sid", client.SID(), "err", err)
	}
	if err != nil || !received {
		g.reply(client, serverFrame{Type: framePeer, Token: frame.Token, Error: errOffline})
	}
}

// handleEvent fans an application event in to another user of the same
// domain.
func (g *Gateway) handleEvent(ctx context.Context, client *wsClient, domain string, frame clientFrame) {
	if frame.User == "" || len(frame.Payload) == 0 {
		g.reply(client, serverFrame{Type: frameEvent, Error: errInvalid})
		return
	}

	received, err := g.core.SendEvent(ctx, domain, frame.User, frame.Client, frame.Payload)
	if err != nil {
		g.log.Error("ws.event.fail", "sid", client.SID(), "err", err)
	}
	if err != nil || !received {
		g.reply(client, serverFrame{Type: frameEvent, Error: errOffline})
	}
}

func (g *Gateway) reply(client *wsClient, frame serverFrame) {
	client.enqueue(frame)
}

func (g *Gateway) writeFrame(ctx context.Context, conn *websocket.Conn, frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func closeCode(err error) websocket.StatusCode {
	if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
		return websocket.StatusNormalClosure
	}
	return websocket.StatusAbnormalClosure
}

// requestJar reads cookies off the handshake request. Writes are discarded:
// the upgrade response cannot stage cookies, so a renewal during
// classification takes effect on the client's next plain HTTP request.
type requestJar struct {
	r *http.Request
}

func (j requestJar) Get(name string) string {
	c, err := j.r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (j requestJar) Set(name, value string, opts session.CookieOptions) {}
func (j requestJar) Clear(name string)                                  {}

// enforceOrigin applies the gateway's origin allowlist. Entries match the
// full origin string or just its host.
func (g *Gateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.cfg.OriginRequired {
			return errors.New("missing origin")
		}
		return nil
	}
	if len(g.cfg.AllowedOrigins) == 0 {
		return errors.New("no origins allowed")
	}

	host := originHost(origin)
	for _, allowed := range g.cfg.AllowedOrigins {
		allowed = strings.TrimSpace(allowed)
		if allowed == "" {
			continue
		}
		if allowed == "*" || origin == allowed {
			return nil
		}
		if host != "" && host == originHost(allowed) {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// originHost extracts the lowercased host from an origin or host[:port]
// string.
func originHost(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		s = u.Host
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

// originPatterns derives websocket.Accept host patterns from the allowlist.
// A wildcard allowlist passes "*" through; without it Accept would fall back
// to same-host-only and reject origins enforceOrigin already admitted.
func originPatterns(allowed []string) []string {
	seen := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if strings.TrimSpace(a) == "*" {
			return []string{"*"}
		}
		h := originHost(a)
		if h == "" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
