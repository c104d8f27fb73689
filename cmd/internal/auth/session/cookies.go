package session

import "time"

// Cookie names issued by the session subsystem.
const (
	// CookieSession carries the opaque session token. Always http-only.
	CookieSession = "session"

	// CookieDomestic carries the same-origin confirmation value. Deliberately
	// script-readable: same-origin pages copy it into a request query to
	// prove they are not a foreign embed.
	CookieDomestic = "domestic"

	// CookieLoggedOut marks a client that explicitly logged out.
	CookieLoggedOut = "loggedOut"
)

// CookieOptions mirror the subset of cookie attributes the session
// subsystem controls.
type CookieOptions struct {
	HTTPOnly bool
	MaxAge   time.Duration
}

// CookieJar is the transport-side cookie accessor. The transport layer
// supplies an implementation per request; all cookie policy lives here,
// none in the transport.
type CookieJar interface {
	Get(name string) string
	Set(name, value string, opts CookieOptions)
	Clear(name string)
}

// issueCookies stages the session/domestic cookie pair for a fresh token.
// Extended lifetime applies only when the client asked to be remembered;
// otherwise the pair lives for the browser session.
func (s *Service) issueCookies(jar CookieJar, token string, rememberMe bool) {
	if rememberMe {
		jar.Set(CookieSession, token, CookieOptions{HTTPOnly: true, MaxAge: s.cfg.CookieLifespan})
		jar.Set(CookieDomestic, Confirmation(token), CookieOptions{MaxAge: s.cfg.CookieLifespan})
		return
	}
	jar.Set(CookieSession, token, CookieOptions{HTTPOnly: true})
	jar.Set(CookieDomestic, Confirmation(token), CookieOptions{})
}
