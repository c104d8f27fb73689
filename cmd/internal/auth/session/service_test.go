package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

type fakeJar struct {
	values  map[string]string
	options map[string]CookieOptions
	cleared []string
}

func newFakeJar() *fakeJar {
	return &fakeJar{values: make(map[string]string), options: make(map[string]CookieOptions)}
}

func (j *fakeJar) Get(name string) string { return j.values[name] }

func (j *fakeJar) Set(name, value string, opts CookieOptions) {
	j.values[name] = value
	j.options[name] = opts
}

func (j *fakeJar) Clear(name string) {
	delete(j.values, name)
	j.cleared = append(j.cleared, name)
}

type fakeKicker struct {
	calls []string
	err   error
}

func (k *fakeKicker) Kick(_ context.Context, domain, user, client string) error {
	k.calls = append(k.calls, domain+"/"+user+"/"+client)
	return k.err
}

func testService(t *testing.T) (*Service, *InMemoryStore, *fakeKicker, *time.Time) {
	t.Helper()

	store := NewInMemoryStore()
	kicker := &fakeKicker{}
	svc := NewService(DefaultConfig(), slog.New(slog.DiscardHandler), store, kicker)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, store, kicker, &now
}

func TestClassify_NoTokenIsGuest(t *testing.T) {
	svc, _, _, _ := testService(t)

	agent, err := svc.Classify(context.Background(), "d", "", newFakeJar())
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !agent.IsGuest() || agent.IsLoggedIn {
		t.Fatalf("expected guest agent, got %+v", agent)
	}
}

func TestActivateThenClassify_IsLoggedIn(t *testing.T) {
	svc, _, _, _ := testService(t)
	jar := newFakeJar()

	rec, err := svc.Activate(context.Background(), "d", TransitionParams{User: "alice", Client: "phone"}, jar)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if rec.FirstID != rec.ID {
		t.Fatalf("fresh chain must root at itself: first=%s id=%s", rec.FirstID, rec.ID)
	}
	if jar.Get(CookieSession) != rec.ID {
		t.Fatalf("session cookie not staged")
	}
	if jar.Get(CookieDomestic) != Confirmation(rec.ID) {
		t.Fatalf("domestic cookie does not match derived confirmation")
	}

	agent, err := svc.Classify(context.Background(), "d", "", jar)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !agent.IsLoggedIn || agent.User != "alice" || agent.Client != "phone" {
		t.Fatalf("expected logged-in alice/phone, got %+v", agent)
	}
}

func TestActivate_RequiresIdentity(t *testing.T) {
	svc, _, _, _ := testService(t)

	if _, err := svc.Activate(context.Background(), "d", TransitionParams{User: "alice"}, newFakeJar()); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing client: got %v, want ErrValidation", err)
	}
	if _, err := svc.Activate(context.Background(), "d", TransitionParams{Client: "phone"}, newFakeJar()); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing user: got %v, want ErrValidation", err)
	}
}

func TestClassify_DomesticConfirmation(t *testing.T) {
	svc, _, _, _ := testService(t)
	jar := newFakeJar()

	rec, err := svc.Activate(context.Background(), "d", TransitionParams{User: "alice", Client: "phone"}, jar)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	agent, err := svc.Classify(context.Background(), "d", Confirmation(rec.ID), jar)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !agent.IsDomestic || !agent.IsLoggedIn {
		t.Fatalf("matching confirmation should be domestic and logged in, got %+v", agent)
	}

	agent, err = svc.Classify(context.Background(), "d", "bogus", jar)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if !agent.IsGuest() {
		t.Fatalf("wrong confirmation must drop to guest, got %+v", agent)
	}
}

func TestClassify_HardExpiryBeatsFreshness(t *testing.T) {
	svc, _, _, now := testService(t)
	jar := newFakeJar()

	if _, err := svc.Activate(context.Background(), "d", TransitionParams{User: "alice", Client: "phone"}, jar); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	// Past the login lifespan the token keeps its identity but can never
	// classify as logged in, regardless of created/active times.
	*now = now.Add(svc.cfg.LoginLifespan)

	agent, err := svc.Classify(context.Background(), "d", "", jar)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if agent.IsLoggedIn {
		t.Fatalf("hard-expired session classified as logged in")
	}
	if agent.User != "alice" || agent.Client != "phone" {
		t.Fatalf("hard-expired session should keep identity, got %+v", agent)
	}
}

func TestClassify_RenewalChain(t *testing.T) {
	svc, store, _, now := testService(t)
	jar := newFakeJar()

	root, err := svc.Activate(context.Background(), "d", TransitionParams{User: "alice", Client: "phone"}, jar)
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}

	const renewals = 3
	ids := []string{root.ID}
	for i := 0; i < renewals; i++ {
		// Stale enough to renew, never past the renewal timeout.
		*now = now.Add(svc.cfg.SessionLifespan + time.Minute)

		agent, err := svc.Classify(context.Background(), "d", "", jar)
		if err != nil {
			t.Fatalf("Classify %d: %v", i, err)
		}
		if !agent.IsLoggedIn {
			t.Fatalf("renewal %d: expected logged in", i)
		}

		newToken := jar.Get(CookieSession)
		if newToken == ids[len(ids)-1] {
			t.Fatalf("renewal %d: token was not rotated", i)
		}
		ids = append(ids, newToken)
	}

	// All records share one chain root and link back to their predecessor.
	for i, id := range ids {
		rec, err := store.GetByID(context.Background(), "d", id)
		if err != nil {
			t.Fatalf("GetByID(%s): %v", id, err)
		}
		if rec.FirstID != root.ID {
			t.Fatalf("record %d: first=%s, want %s", i, rec.FirstID, root.ID)
		}
		if i == 0 {
			if rec.PrevID != "" {
				t.Fatalf("root record has prev=%s", rec.PrevID)
			}
		} else if rec.PrevID != ids[i-1] {
			t.Fatalf("record %d: prev=%s, want %s", i, rec.PrevID, ids[i-1])
		}
		if rec.LoginAt == nil || !rec.LoginAt.Equal(*root.LoginAt) {
			t.Fatalf("record %d: login time diverged from chain root", i)
		}
	}
}

func TestClassify_TooStaleToRenew(t *testing.T) {
	svc, _, _, now := testService(t)
	jar := newFakeJar()

	if _, err := svc.Activate(context.Background(), "d", TransitionParams{User: "alice", Client: "phone"}, jar); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	token := jar.Get(CookieSession)

	*now = now.Add(svc.cfg.SessionRenewalTimeout + time.Minute)

	agent, err := svc.Classify(context.Background(), "d", "", jar)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if agent.IsLoggedIn {
		t.Fatalf("stale session classified as logged in")
	}
	if jar.Get(CookieSession) != token {
		t.Fatalf("stale session must not rotate the token")
	}
}

func TestDeactivate_IssuesIdleCredentialsAndKicks(t *testing.T) {
	svc, _, kicker, _ := testService(t)
	jar := newFakeJar()

	if err := svc.Deactivate(context.Background(), "d", TransitionParams{User: "alice", Client: "phone"}, jar); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if len(kicker.calls) != 1 || kicker.calls[0] != "d/alice/phone" {
		t.Fatalf("kick calls = %v", kicker.calls)
	}

	// The issued cookie pair is recognizable but never authenticates.
	agent, err := svc.Classify(context.Background(), "d", "", jar)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if agent.IsLoggedIn {
		t.Fatalf("idle credentials classified as logged in")
	}
	if agent.User != "alice" || agent.Client != "phone" {
		t.Fatalf("idle credentials lost identity: %+v", agent)
	}
}

func TestLogout_InvalidatesStoreAndKicks(t *testing.T) {
	svc, _, kicker, _ := testService(t)
	jar := newFakeJar()

	if _, err := svc.Activate(context.Background(), "d", TransitionParams{User: "alice", Client: "phone"}, jar); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := svc.Logout(context.Background(), "d", "alice", "", jar); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if len(kicker.calls) != 1 {
		t.Fatalf("kick calls = %v", kicker.calls)
	}

	agent, err := svc.Classify(context.Background(), "d", "", jar)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if agent.IsLoggedIn {
		t.Fatalf("logged-out token still classifies as logged in")
	}
}

func TestLogout_NoCookieIsNoop(t *testing.T) {
	svc, _, kicker, _ := testService(t)

	if err := svc.Logout(context.Background(), "d", "alice", "", newFakeJar()); err != nil {
		t.Fatalf("Logout without cookie: %v", err)
	}
	if len(kicker.calls) != 0 {
		t.Fatalf("no-op logout must not kick, calls = %v", kicker.calls)
	}
}

func TestRememberMe_ExtendsCookieLifetime(t *testing.T) {
	svc, _, _, _ := testService(t)
	jar := newFakeJar()

	if _, err := svc.Activate(context.Background(), "d", TransitionParams{User: "alice", Client: "phone", RememberMe: true}, jar); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if got := jar.options[CookieSession].MaxAge; got != svc.cfg.CookieLifespan {
		t.Fatalf("session cookie max-age = %v, want %v", got, svc.cfg.CookieLifespan)
	}
	if !jar.options[CookieSession].HTTPOnly {
		t.Fatalf("session cookie must be http-only")
	}
	if jar.options[CookieDomestic].HTTPOnly {
		t.Fatalf("domestic cookie must be script-readable")
	}
}
