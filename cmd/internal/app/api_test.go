package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"undertow/cmd/internal/auth/session"
)

type recordingKicker struct {
	kicks []string
}

func (k *recordingKicker) Kick(_ context.Context, domain, user, client string) error {
	k.kicks = append(k.kicks, domain+"/"+user+"/"+client)
	return nil
}

func newTestAPI(t *testing.T, kicker session.Kicker) *httptest.Server {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := session.NewService(session.DefaultConfig(), log, session.NewInMemoryStore(), kicker)

	mux := http.NewServeMux()
	api := &sessionAPI{log: log, svc: svc}
	api.register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newCookieClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar: %v", err)
	}
	return &http.Client{Jar: jar}
}

func postJSON(t *testing.T, c *http.Client, url string, body any) (*http.Response, session.State) {
	t.Helper()

	buf := &bytes.Buffer{}
	if body != nil {
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := c.Post(url, "application/json", buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var state session.State
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, state
}

func getState(t *testing.T, c *http.Client, url string) session.State {
	t.Helper()

	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}

	var state session.State
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return state
}

func cookieValue(t *testing.T, c *http.Client, rawURL, name string) string {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for _, ck := range c.Jar.Cookies(req.URL) {
		if ck.Name == name {
			return ck.Value
		}
	}
	return ""
}

func TestSessionAPI_LoginFlow(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := newCookieClient(t)

	resp, state := postJSON(t, c, srv.URL+"/session/login", transitionBody{User: "alice", Client: "phone"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}
	if !state.IsLoggedIn || state.User != "alice" || state.Client != "phone" {
		t.Fatalf("login state = %+v", state)
	}

	token := cookieValue(t, c, srv.URL, session.CookieSession)
	domestic := cookieValue(t, c, srv.URL, session.CookieDomestic)
	if token == "" || domestic == "" {
		t.Fatalf("cookies not staged: session=%q domestic=%q", token, domestic)
	}
	if domestic != session.Confirmation(token) {
		t.Fatalf("domestic cookie does not match token confirmation")
	}

	// A plain state check without the confirmation is logged in but foreign.
	state = getState(t, c, srv.URL+"/session")
	if !state.IsLoggedIn || state.IsDomestic {
		t.Fatalf("plain state = %+v", state)
	}

	// Presenting the confirmation makes the request domestic.
	state = getState(t, c, srv.URL+"/session?_domestic="+domestic)
	if !state.IsLoggedIn || !state.IsDomestic || state.User != "alice" {
		t.Fatalf("domestic state = %+v", state)
	}
}

func TestSessionAPI_WrongConfirmationDropsToGuest(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := newCookieClient(t)

	if resp, _ := postJSON(t, c, srv.URL+"/session/login", transitionBody{User: "alice", Client: "phone"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", resp.StatusCode)
	}

	state := getState(t, c, srv.URL+"/session?_domestic=forged")
	if state.IsLoggedIn || state.User != "" {
		t.Fatalf("forged confirmation state = %+v", state)
	}
}

func TestSessionAPI_LoginValidation(t *testing.T) {
	srv := newTestAPI(t, nil)
	c := newCookieClient(t)

	resp, _ := postJSON(t, c, srv.URL+"/session/login", transitionBody{User: "alice"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("login without client: status = %d", resp.StatusCode)
	}

	resp, err := c.Post(srv.URL+"/session/login", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body: status = %d", resp.StatusCode)
	}
}

func TestSessionAPI_LogoutInvalidates(t *testing.T) {
	kicker := &recordingKicker{}
	srv := newTestAPI(t, kicker)
	c := newCookieClient(t)

	if resp, _ := postJSON(t, c, srv.URL+"/session/login", transitionBody{User: "alice", Client: "phone"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed")
	}

	resp, state := postJSON(t, c, srv.URL+"/session/logout", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d", resp.StatusCode)
	}
	if state.IsLoggedIn || state.User != "" {
		t.Fatalf("logout state = %+v", state)
	}
	if len(kicker.kicks) != 1 {
		t.Fatalf("kicks = %v", kicker.kicks)
	}

	state = getState(t, c, srv.URL+"/session")
	if state.IsLoggedIn {
		t.Fatalf("still logged in after logout: %+v", state)
	}
}

func TestSessionAPI_IdleKeepsIdentity(t *testing.T) {
	kicker := &recordingKicker{}
	srv := newTestAPI(t, kicker)
	c := newCookieClient(t)

	if resp, _ := postJSON(t, c, srv.URL+"/session/login", transitionBody{User: "alice", Client: "phone"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("login failed")
	}

	resp, state := postJSON(t, c, srv.URL+"/session/idle", transitionBody{User: "alice", Client: "phone"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("idle status = %d", resp.StatusCode)
	}
	if state.IsLoggedIn {
		t.Fatalf("idle state = %+v", state)
	}
	if len(kicker.kicks) != 1 || !strings.HasSuffix(kicker.kicks[0], "/alice/phone") {
		t.Fatalf("kicks = %v", kicker.kicks)
	}

	// Identity survives going idle; login state does not.
	state = getState(t, c, srv.URL+"/session")
	if state.IsLoggedIn || state.User != "alice" {
		t.Fatalf("post-idle state = %+v", state)
	}
}
