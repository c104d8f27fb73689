package app

import (
	"net/http"

	"undertow/cmd/internal/auth/session"
)

// httpJar adapts one HTTP request/response pair to the session layer's
// CookieJar.
type httpJar struct {
	r *http.Request
	w http.ResponseWriter
}

func newHTTPJar(w http.ResponseWriter, r *http.Request) httpJar {
	return httpJar{r: r, w: w}
}

func (j httpJar) Get(name string) string {
	c, err := j.r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

func (j httpJar) Set(name, value string, opts session.CookieOptions) {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: opts.HTTPOnly,
		SameSite: http.SameSiteLaxMode,
	}
	if opts.MaxAge > 0 {
		c.MaxAge = int(opts.MaxAge.Seconds())
	}
	http.SetCookie(j.w, c)
}

func (j httpJar) Clear(name string) {
	http.SetCookie(j.w, &http.Cookie{Name: name, Path: "/", MaxAge: -1})
}
