package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"undertow/cmd/internal/cache"
)

// Kicker terminates live connections for a user or user/client pair
// cluster-wide. The backplane implements it; the indirection keeps the
// session layer free of a backplane dependency.
type Kicker interface {
	Kick(ctx context.Context, domain, user, client string) error
}

// Service implements the high-level session operations.
//
// It classifies presented tokens into Agents, issues fresh sessions on
// login, downgrades sessions to idle, renews near-stale tokens, and
// invalidates sessions on logout. The store is authoritative; the local
// cache only saves round-trips and may be dropped at any time.
type Service struct {
	cfg    Config
	store  Store
	cache  *cache.Chain[Record]
	kicker Kicker
	log    *slog.Logger

	now func() time.Time
}

// NewService constructs a Service with the provided configuration, store,
// and kicker. A nil kicker disables connection termination (tests only).
func NewService(cfg Config, log *slog.Logger, store Store, kicker Kicker) *Service {
	s := &Service{
		cfg:    cfg,
		store:  store,
		kicker: kicker,
		log:    log,
		now:    time.Now,
	}
	if cfg.CacheSessions > 0 {
		s.cache = cache.NewChain[Record](cfg.CacheSessions, cfg.SessionCacheTimeout)
	}
	return s
}

// Classify resolves the request's session cookie into an Agent.
//
// Policy, in order: no token makes a guest; an invalid record or one past
// the login lifespan keeps its identity but is not logged in; a token
// younger than the session lifespan is simply logged in; a token whose
// activity is younger than the renewal timeout is renewed into a fresh
// chained token (new cookies are staged on the jar); anything older is too
// stale to renew.
//
// The Agent is domestic only when the presented confirmation value matches
// the one derived from the session token at issuance.
func (s *Service) Classify(ctx context.Context, domain, domesticConfirm string, jar CookieJar) (*Agent, error) {
	guest := &Agent{svc: s, jar: jar, Domain: domain}

	token := jar.Get(CookieSession)
	if token == "" {
		return guest, nil
	}

	rec, ok := s.cacheGet(token)
	if !ok {
		var err error
		rec, err = s.store.GetByID(ctx, domain, token)
		if errors.Is(err, ErrSessionNotFound) {
			return guest, nil
		}
		if err != nil {
			return nil, fmt.Errorf("session lookup: %w", err)
		}
		s.cacheSet(rec)
	}

	isDomestic := false
	if domesticConfirm != "" {
		if Confirmation(token) != domesticConfirm {
			// A wrong confirmation is indistinguishable from a forged
			// request; drop to guest rather than leak identity.
			return guest, nil
		}
		isDomestic = true
	}

	agent := &Agent{
		svc:        s,
		jar:        jar,
		Domain:     domain,
		User:       rec.User,
		Client:     rec.Client,
		IsDomestic: isDomestic,
		RememberMe: rec.RememberMe,
	}

	now := s.now()

	// Hard-expired: forced invalid, never logged in, or past the login
	// lifespan. Identity survives but cannot self-renew.
	if !rec.Valid || rec.LoginAt == nil ||
		(s.cfg.LoginLifespan > 0 && now.Sub(*rec.LoginAt) >= s.cfg.LoginLifespan) {
		return agent, nil
	}

	// Fresh token, nothing to do.
	if now.Sub(rec.Created) < s.cfg.SessionLifespan {
		agent.IsLoggedIn = true
		return agent, nil
	}

	// Stale but recently active: renew into a fresh chained token.
	if now.Sub(rec.ActiveAt) < s.cfg.SessionRenewalTimeout {
		if _, err := s.renew(ctx, rec, jar); err != nil {
			return nil, err
		}
		agent.IsLoggedIn = true
		return agent, nil
	}

	// Too stale to renew; the user must log in again.
	return agent, nil
}

// Activate creates a fresh session chain for the given identity and stages
// its cookie pair on the jar. Fails with ErrValidation unless both user and
// client are present.
func (s *Service) Activate(ctx context.Context, domain string, p TransitionParams, jar CookieJar) (Record, error) {
	if p.User == "" || p.Client == "" {
		return Record{}, ErrValidation
	}

	now := s.now()
	loginAt := now
	rec := Record{
		ID:         NewToken(),
		Created:    now,
		ActiveAt:   now,
		Valid:      true,
		Domain:     domain,
		User:       p.User,
		Client:     p.Client,
		LoginAt:    &loginAt,
		RememberMe: p.RememberMe,
	}
	rec.FirstID = rec.ID

	if err := s.store.Insert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("session insert: %w", err)
	}

	s.issueCookies(jar, rec.ID, p.RememberMe)
	jar.Clear(CookieLoggedOut)
	s.cacheSet(rec)

	s.log.Info("session.activate", "domain", domain, "user", p.User, "client", p.Client)
	return rec, nil
}

// Deactivate downgrades the identity to idle: a pre-invalidated session
// record is written so the client keeps a recognizable cookie pair, and
// every live connection for the user/client is terminated cluster-wide.
//
// When the rememberMe flag differs from the one presented at login, the
// later call's flag wins.
func (s *Service) Deactivate(ctx context.Context, domain string, p TransitionParams, jar CookieJar) error {
	if p.User == "" || p.Client == "" {
		return ErrValidation
	}

	now := s.now()
	rec := Record{
		ID:         NewToken(),
		Created:    now,
		ActiveAt:   now,
		Valid:      false,
		Domain:     domain,
		User:       p.User,
		Client:     p.Client,
		RememberMe: p.RememberMe,
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("session insert: %w", err)
	}

	s.issueCookies(jar, rec.ID, p.RememberMe)
	s.cacheSet(rec)

	if s.kicker != nil {
		if err := s.kicker.Kick(ctx, domain, p.User, p.Client); err != nil {
			s.log.Error("session.idle.kick.fail", "domain", domain, "user", p.User, "err", err)
			return fmt.Errorf("kick: %w", err)
		}
	}

	s.log.Info("session.idle", "domain", domain, "user", p.User, "client", p.Client)
	return nil
}

// Logout invalidates every session record for (domain, user), or for one
// user/client pair when client is non-empty, and terminates the matching
// live connections cluster-wide. Succeeds as a no-op when the request
// carries no session cookie.
func (s *Service) Logout(ctx context.Context, domain, user, client string, jar CookieJar) error {
	current := jar.Get(CookieSession)
	if current == "" {
		return nil
	}
	s.cacheDrop(current)

	if err := s.store.InvalidateAll(ctx, domain, user, client); err != nil {
		return fmt.Errorf("session invalidate: %w", err)
	}

	if s.kicker != nil {
		if err := s.kicker.Kick(ctx, domain, user, client); err != nil {
			s.log.Error("session.logout.kick.fail", "domain", domain, "user", user, "err", err)
			return fmt.Errorf("kick: %w", err)
		}
	}

	s.log.Info("session.logout", "domain", domain, "user", user, "client", client)
	return nil
}

// DropCached removes a token from the local cache. Used by the backplane
// when a remote node kicks connections on this process.
func (s *Service) DropCached(token string) {
	s.cacheDrop(token)
}

// renew inserts a fresh record chained to prev and stages new cookies.
// The new record inherits the chain's identity, activity time, login time,
// and remember-me flag.
func (s *Service) renew(ctx context.Context, prev Record, jar CookieJar) (Record, error) {
	rec := Record{
		ID:         NewToken(),
		Created:    s.now(),
		ActiveAt:   prev.ActiveAt,
		Valid:      true,
		Domain:     prev.Domain,
		User:       prev.User,
		Client:     prev.Client,
		PrevID:     prev.ID,
		FirstID:    prev.FirstID,
		LoginAt:    prev.LoginAt,
		RememberMe: prev.RememberMe,
	}

	if err := s.store.Insert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("session renew: %w", err)
	}

	s.issueCookies(jar, rec.ID, prev.RememberMe)
	s.cacheSet(rec)

	s.log.Debug("session.renew", "domain", rec.Domain, "user", rec.User, "prev", prev.ID)
	return rec, nil
}

func (s *Service) cacheGet(token string) (Record, bool) {
	if s.cache == nil {
		return Record{}, false
	}
	return s.cache.Get(token)
}

func (s *Service) cacheSet(rec Record) {
	if s.cache != nil {
		s.cache.Set(rec.ID, rec)
	}
}

func (s *Service) cacheDrop(token string) {
	if s.cache != nil {
		s.cache.Drop(token)
	}
}
