package backplane

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

// newLinkToken mints a link token.
func newLinkToken() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}

// OpenLinkParams describes a link request from an initiating connection.
// TargetClient narrows the link to client-to-client; when empty both sides
// are whole users. InitiatorQuery and TargetQuery are the opaque payloads
// the application resolved for each side.
type OpenLinkParams struct {
	Domain string
	User   string
	Client string
	SID    string

	TargetUser     string
	TargetClient   string
	InitiatorQuery map[string]any
	TargetQuery    map[string]any
}

// OpenLink opens, or re-opens, a signaling link between the initiator and
// the target, and ships the initial handshake to the target's connections.
//
// At most one link exists per (initiator client, target user, target
// client) triple: the presence record's link array is claimed with an
// atomic guarded push, and the loser of a concurrent claim adopts the
// winner's token. A fresh link whose target received nothing is culled
// immediately.
func (b *Backplane) OpenLink(ctx context.Context, p OpenLinkParams) (string, error) {
	alice := LinkParty{Domain: p.Domain, User: p.User, Query: p.InitiatorQuery}
	bob := LinkParty{Domain: p.Domain, User: p.TargetUser, Client: p.TargetClient, Query: p.TargetQuery}
	if p.TargetClient != "" {
		// user to user or client to client, never mixed
		alice.Client = p.Client
	}

	for try := 0; try < 3; try++ {
		token := newLinkToken()
		mine := LinkEntry{Client: alice.Client, TgtUser: p.TargetUser, TgtClient: p.TargetClient, Token: token}

		claimed, err := b.presence.ClaimLinkEntry(ctx, p.Domain, p.User, mine)
		if err != nil {
			return "", fmt.Errorf("claim link: %w", err)
		}

		if !claimed {
			// An entry for this triple already exists; reuse its token.
			existing, ok, err := b.presence.FindLinkEntry(ctx, p.Domain, p.User, alice.Client, p.TargetUser, p.TargetClient)
			if err != nil {
				return "", fmt.Errorf("find link: %w", err)
			}
			if !ok {
				// Lost a race against a cull; claim again.
				continue
			}
			if err := b.links.Reopen(ctx, existing.Token); err != nil {
				return "", fmt.Errorf("reopen link: %w", err)
			}
			b.dropCachedLink(existing.Token)

			ev := PeerEvent{Token: existing.Token, From: p.SID, Init: true}
			if _, err := b.RoutePeerEvent(ctx, ev, p.User, p.Client); err != nil {
				b.log.Error("link.rejoin.fail", "token", existing.Token, "err", err)
			}
			return existing.Token, nil
		}

		rec := LinkRecord{Token: token, Party: [2]LinkParty{alice, bob}}
		if err := b.links.Create(ctx, rec); err != nil {
			return "", fmt.Errorf("create link: %w", err)
		}

		theirs := LinkEntry{Client: p.TargetClient, TgtUser: p.User, TgtClient: alice.Client, Token: token}
		if err := b.presence.PushLinkEntry(ctx, p.Domain, p.TargetUser, theirs); err != nil {
			return "", fmt.Errorf("push link: %w", err)
		}

		b.metrics.linksOpened.Inc()
		b.log.Info("link.open", "token", token,
			"user", p.User, "client", alice.Client,
			"tgt_user", p.TargetUser, "tgt_client", p.TargetClient)

		ev := PeerEvent{Token: token, From: p.SID, Init: true, Query: p.InitiatorQuery}
		received, err := b.SendPeerEvent(ctx, p.Domain, p.TargetUser, p.TargetClient, ev, nil)
		if err != nil {
			b.log.Error("link.init.fail", "token", token, "err", err)
		}
		if !received {
			// Nobody awake to connect to; tear the link straight back down.
			b.cullLink(ctx, rec)
		}
		return token, nil
	}

	return "", errors.New("link claim did not settle")
}

// RoutePeerEvent relays one peer event along its link.
//
// The link record names both parties; the side matching the presented
// sender identity forwards to the other. Events whose token is unknown,
// closed, or held by someone else are dropped silently so a probing client
// learns nothing. The event's query is always replaced with the sender's
// stored join payload.
func (b *Backplane) RoutePeerEvent(ctx context.Context, ev PeerEvent, senderUser, senderClient string) (bool, error) {
	if ev.From != "" && ev.From == ev.To {
		return false, nil
	}

	rec, ok := b.cachedLink(ev.Token)
	if !ok {
		var err error
		rec, err = b.links.GetOpen(ctx, ev.Token)
		if errors.Is(err, ErrLinkNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("link lookup: %w", err)
		}
		b.cacheLink(rec)
	}

	sender, recipient, ok := resolveParties(rec, senderUser, senderClient)
	if !ok {
		return false, nil
	}

	ev.Query = sender.Query
	received, err := b.SendPeerEvent(ctx, recipient.Domain, recipient.User, recipient.Client, ev, nil)
	if err != nil {
		return received, err
	}

	// A sender whose connection has not introduced itself yet gets an init
	// echoed to the other side, exactly once per connection. ICE trickle
	// frames never trigger this.
	if len(ev.ICE) == 0 && ev.From != "" && !containsSID(rec.Init, ev.From) {
		b.shipInit(ctx, rec, sender, recipient, ev.From)
	}
	return received, nil
}

// shipInit locks the sender's connection ID into the link's init ring and,
// on winning the lock, introduces the connection to the recipient.
// Recipient connections already introduced are excluded.
func (b *Backplane) shipInit(ctx context.Context, rec LinkRecord, sender, recipient LinkParty, from string) {
	prior, won, err := b.links.MarkInit(ctx, rec.Token, from)
	if err != nil {
		b.log.Error("link.init.mark.fail", "token", rec.Token, "err", err)
		return
	}
	if !won {
		return
	}
	b.cacheLink(prior)

	echo := PeerEvent{Token: rec.Token, From: from, Init: true, Query: sender.Query}
	received, err := b.SendPeerEvent(ctx, recipient.Domain, recipient.User, recipient.Client, echo, prior.Init)
	if err != nil {
		b.log.Error("link.init.send.fail", "token", rec.Token, "err", err)
		return
	}
	if !received {
		b.cullLink(ctx, rec)
	}
}

// rejoinLinks re-introduces a connection to every link the user holds.
// Each link admits a connection into its init ring once; losing the ring
// race means another path already introduced it.
func (b *Backplane) rejoinLinks(ctx context.Context, domain, user string, h Handle, entries []LinkEntry) {
	for _, e := range entries {
		_, won, err := b.links.MarkInit(ctx, e.Token, h.SID())
		if err != nil {
			b.log.Error("link.rejoin.mark.fail", "token", e.Token, "err", err)
			continue
		}
		if !won {
			continue
		}

		ev := PeerEvent{Token: e.Token, From: h.SID(), Init: true}
		received, err := b.RoutePeerEvent(ctx, ev, user, e.Client)
		if err != nil {
			b.log.Error("link.rejoin.fail", "token", e.Token, "err", err)
			continue
		}
		if !received {
			b.cullEntry(ctx, domain, user, e)
		}
	}
}

// cullEntry tears down a link known only by the initiator-side entry of one
// user's presence record.
func (b *Backplane) cullEntry(ctx context.Context, domain, user string, e LinkEntry) {
	if err := b.presence.PullLinkEntry(ctx, domain, user, e.Client, e.TgtUser, e.TgtClient); err != nil {
		b.log.Error("link.cull.fail", "token", e.Token, "user", user, "err", err)
	}
	if err := b.presence.PullLinkEntry(ctx, domain, e.TgtUser, e.TgtClient, user, e.Client); err != nil {
		b.log.Error("link.cull.fail", "token", e.Token, "user", e.TgtUser, "err", err)
	}
	if err := b.links.Close(ctx, e.Token); err != nil {
		b.log.Error("link.cull.fail", "token", e.Token, "err", err)
	}
	b.dropCachedLink(e.Token)
	b.metrics.linksCulled.Inc()
	b.log.Info("link.cull", "token", e.Token, "user", user)
}

// cullLink tears down a link from its full record.
func (b *Backplane) cullLink(ctx context.Context, rec LinkRecord) {
	p0, p1 := rec.Party[0], rec.Party[1]
	if err := b.presence.PullLinkEntry(ctx, p0.Domain, p0.User, p0.Client, p1.User, p1.Client); err != nil {
		b.log.Error("link.cull.fail", "token", rec.Token, "user", p0.User, "err", err)
	}
	if err := b.presence.PullLinkEntry(ctx, p1.Domain, p1.User, p1.Client, p0.User, p0.Client); err != nil {
		b.log.Error("link.cull.fail", "token", rec.Token, "user", p1.User, "err", err)
	}
	if err := b.links.Close(ctx, rec.Token); err != nil {
		b.log.Error("link.cull.fail", "token", rec.Token, "err", err)
	}
	b.dropCachedLink(rec.Token)
	b.metrics.linksCulled.Inc()
	b.log.Info("link.cull", "token", rec.Token, "user", p0.User)
}

// resolveParties matches the presented sender identity against the link's
// parties. The same-user case (one user linking two of their own clients)
// is disambiguated by client.
func resolveParties(rec LinkRecord, user, client string) (sender, recipient LinkParty, ok bool) {
	if rec.Party[0].User == user {
		sender, recipient = rec.Party[0], rec.Party[1]
		if sender.Client != "" && sender.Client != client {
			sender, recipient = rec.Party[1], rec.Party[0]
		}
	} else {
		sender, recipient = rec.Party[1], rec.Party[0]
	}

	if sender.User != user {
		return LinkParty{}, LinkParty{}, false
	}
	if sender.Client != "" && sender.Client != client {
		return LinkParty{}, LinkParty{}, false
	}
	return sender, recipient, true
}

func containsSID(ring []string, sid string) bool {
	for _, s := range ring {
		if s == sid {
			return true
		}
	}
	return false
}
