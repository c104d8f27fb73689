package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"undertow/cmd/internal/auth/session"
)

// sessionAPI exposes the session transitions over HTTP. The gateway covers
// classification for live connections; these endpoints cover the plain
// request side: login, idle, logout, and state inspection.
type sessionAPI struct {
	log *slog.Logger
	svc *session.Service
}

func (api *sessionAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /session", api.handleState)
	mux.HandleFunc("POST /session/login", api.handleLogin)
	mux.HandleFunc("POST /session/idle", api.handleIdle)
	mux.HandleFunc("POST /session/logout", api.handleLogout)
}

type transitionBody struct {
	User       string `json:"user"`
	Client     string `json:"client"`
	RememberMe bool   `json:"rememberMe"`
}

func (api *sessionAPI) classify(w http.ResponseWriter, r *http.Request) (*session.Agent, bool) {
	jar := newHTTPJar(w, r)
	agent, err := api.svc.Classify(r.Context(), r.Host, r.URL.Query().Get("_domestic"), jar)
	if err != nil {
		api.log.Error("session.classify.fail", "domain", r.Host, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return nil, false
	}
	return agent, true
}

func (api *sessionAPI) handleState(w http.ResponseWriter, r *http.Request) {
	agent, ok := api.classify(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, agent.Export())
}

func (api *sessionAPI) handleLogin(w http.ResponseWriter, r *http.Request) {
	agent, ok := api.classify(w, r)
	if !ok {
		return
	}

	var body transitionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	err := agent.SetActive(r.Context(), session.TransitionParams{
		User:       body.User,
		Client:     body.Client,
		RememberMe: body.RememberMe,
	})
	if errors.Is(err, session.ErrValidation) {
		http.Error(w, "user and client required", http.StatusBadRequest)
		return
	}
	if err != nil {
		api.log.Error("session.login.fail", "domain", r.Host, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, agent.Export())
}

func (api *sessionAPI) handleIdle(w http.ResponseWriter, r *http.Request) {
	agent, ok := api.classify(w, r)
	if !ok {
		return
	}

	var body transitionBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	err := agent.SetIdle(r.Context(), session.TransitionParams{
		User:       body.User,
		Client:     body.Client,
		RememberMe: body.RememberMe,
	})
	if errors.Is(err, session.ErrValidation) {
		http.Error(w, "user and client required", http.StatusBadRequest)
		return
	}
	if err != nil {
		api.log.Error("session.idle.fail", "domain", r.Host, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, agent.Export())
}

func (api *sessionAPI) handleLogout(w http.ResponseWriter, r *http.Request) {
	agent, ok := api.classify(w, r)
	if !ok {
		return
	}

	var body transitionBody
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed request", http.StatusBadRequest)
			return
		}
	}

	if err := agent.Logout(r.Context(), body.Client); err != nil {
		api.log.Error("session.logout.fail", "domain", r.Host, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, agent.Export())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
