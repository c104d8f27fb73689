package session

import "context"

// Agent is the per-request view of a caller's authentication state, combined
// with the capability to transition that state. An Agent that is logged in
// always has both a user and a client ID; one with neither is a guest.
//
// Agents are derived, short-lived values. They are never persisted.
type Agent struct {
	svc *Service
	jar CookieJar

	Domain     string
	User       string
	Client     string
	IsLoggedIn bool
	IsDomestic bool
	RememberMe bool
}

// TransitionParams carries the optional fields of a session state
// transition. User and Client default to the Agent's current identity.
type TransitionParams struct {
	User       string
	Client     string
	RememberMe bool
}

// State is the JSON-serializable expression of an Agent's login state.
type State struct {
	User       string `json:"user,omitempty"`
	Client     string `json:"client,omitempty"`
	IsLoggedIn bool   `json:"isLoggedIn"`
	IsDomestic bool   `json:"isDomestic"`
}

// IsGuest reports whether the Agent carries no identity at all.
func (a *Agent) IsGuest() bool {
	return a.User == "" && a.Client == ""
}

// SetActive logs the Agent in: a fresh session chain is created and its
// cookies are staged on the request. Params may supply the identity when the
// Agent does not already have one.
func (a *Agent) SetActive(ctx context.Context, p TransitionParams) error {
	if p.User != "" {
		a.User = p.User
	}
	if p.Client != "" {
		a.Client = p.Client
	}
	if a.User == "" || a.Client == "" {
		return ErrValidation
	}

	_, err := a.svc.Activate(ctx, a.Domain, TransitionParams{
		User:       a.User,
		Client:     a.Client,
		RememberMe: p.RememberMe,
	}, a.jar)
	if err != nil {
		return err
	}

	a.IsLoggedIn = true
	a.RememberMe = p.RememberMe
	return nil
}

// SetIdle downgrades the Agent to idle status. The client keeps a
// recognizable (but non-authenticating) cookie pair, and every live
// connection for this user/client is terminated cluster-wide.
func (a *Agent) SetIdle(ctx context.Context, p TransitionParams) error {
	if p.User != "" {
		a.User = p.User
	}
	if p.Client != "" {
		a.Client = p.Client
	}
	if a.User == "" || a.Client == "" {
		return ErrValidation
	}

	if err := a.svc.Deactivate(ctx, a.Domain, TransitionParams{
		User:       a.User,
		Client:     a.Client,
		RememberMe: p.RememberMe,
	}, a.jar); err != nil {
		return err
	}

	a.IsLoggedIn = false
	a.RememberMe = p.RememberMe
	return nil
}

// Logout invalidates sessions belonging to the Agent's user, or to one
// user/client pair when client is non-empty, and terminates their live
// connections. A no-op for agents without a full identity.
func (a *Agent) Logout(ctx context.Context, client string) error {
	if a.User == "" || a.Client == "" {
		return nil
	}

	user := a.User
	a.IsLoggedIn = false
	a.IsDomestic = false
	a.User = ""
	a.Client = ""

	return a.svc.Logout(ctx, a.Domain, user, client, a.jar)
}

// Export returns the Agent's login state for serialization to the client.
func (a *Agent) Export() State {
	return State{
		User:       a.User,
		Client:     a.Client,
		IsLoggedIn: a.IsLoggedIn,
		IsDomestic: a.IsDomestic,
	}
}
