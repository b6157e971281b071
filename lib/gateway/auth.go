// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/identity"
	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/version"
)

// loginRequest is the body of POST /auth.
type loginRequest struct {
	Kind     identity.Kind     `json:"kind,omitempty"`
	Username string            `json:"username"`
	Secret   secretBytes       `json:"secret"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// sessionView describes a session to its client.
type sessionView struct {
	Anonymous bool                `json:"anonymous"`
	Username  string              `json:"username,omitempty"`
	Groups    []string            `json:"groups,omitempty"`
	Kind      identity.Kind       `json:"kind"`
	Locale    string              `json:"locale,omitempty"`
	ExpiresAt time.Time           `json:"expires_at,omitzero"`
	Commands  map[string][]string `json:"commands,omitempty"`
}

func (g *Gateway) handleAuth(w http.ResponseWriter, r *http.Request) {
	origin := clientOrigin(r)
	if !g.allowLogin(origin) {
		g.config.Metrics.ObserveLogin("throttled")
		g.writeError(w, r, newError(KindTooManyRequests, nil, "too many login attempts"))
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		g.writeError(w, r, newError(KindBadRequest, err, "reading request body"))
		return
	}
	var login loginRequest
	if err := json.Unmarshal(data, &login); err != nil {
		clear(data)
		clear(login.Secret)
		g.writeError(w, r, newError(KindBadRequest, err, "malformed login request"))
		return
	}
	clear(data)
	defer clear(login.Secret)
	if login.Username == "" {
		g.writeError(w, r, newError(KindBadRequest, nil, "username is required"))
		return
	}
	if login.Kind == "" {
		login.Kind = identity.KindDirect
	}

	authenticated, err := g.config.Authenticator.Authenticate(r.Context(), identity.Credentials{
		Kind:     login.Kind,
		Username: login.Username,
		Secret:   []byte(login.Secret),
		Fields:   login.Fields,
	})
	if err != nil {
		g.writeError(w, r, g.loginFailure(login.Username, origin, err))
		return
	}
	if g.config.Directory != nil {
		groups, err := g.config.Directory.Groups(r.Context(), authenticated.Username)
		if err != nil {
			authenticated.Close()
			g.config.Metrics.ObserveLogin("error")
			g.writeError(w, r, newError(KindInternal, err, "resolving group memberships"))
			return
		}
		for _, group := range groups {
			if !slices.Contains(authenticated.Groups, group) {
				authenticated.Groups = append(authenticated.Groups, group)
			}
		}
	}

	if cookie, err := r.Cookie(g.config.CookieName); err == nil && cookie.Value != "" {
		g.config.Sessions.Replace(cookie.Value)
	}
	created, err := g.createSession(w, authenticated, origin, requestLocale(r))
	if err != nil {
		g.config.Metrics.ObserveLogin("error")
		g.writeError(w, r, err)
		return
	}
	g.config.Metrics.ObserveLogin("ok")
	g.logger.Info("authenticated", "user", authenticated.Username, "kind", string(authenticated.Kind),
		"origin", origin, "session", created.Fingerprint())
	g.writeJSON(w, http.StatusOK, g.describe(r, created))
}

func (g *Gateway) loginFailure(username, origin string, err error) error {
	var expired *identity.ExpiredError
	var moreInput *identity.MoreInputError
	switch {
	case errors.Is(err, identity.ErrBadCredentials):
		g.config.Metrics.ObserveLogin("rejected")
		g.logger.Info("authentication failed", "user", username, "origin", origin)
		return newError(KindUnauthenticated, nil, "invalid credentials")
	case errors.As(err, &expired):
		g.config.Metrics.ObserveLogin("expired")
		return &Error{Kind: KindUnauthenticated, Message: "credential has expired",
			Result: map[string]any{"expired": true}}
	case errors.As(err, &moreInput):
		g.config.Metrics.ObserveLogin("more_input")
		return &Error{Kind: KindUnauthenticated, Message: moreInput.Prompt,
			Result: map[string]any{"prompt": moreInput.Prompt, "fields": moreInput.Fields}}
	case errors.Is(err, identity.ErrUnsupportedKind):
		g.config.Metrics.ObserveLogin("rejected")
		return newError(KindBadRequest, err, "unsupported credential kind")
	}
	g.config.Metrics.ObserveLogin("error")
	return newError(KindInternal, err, "authentication failed")
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(g.config.CookieName); err == nil && cookie.Value != "" {
		if current, err := g.config.Sessions.Resolve(cookie.Value, clientOrigin(r)); err == nil {
			g.config.Sessions.Logout(current.ID())
		}
	}
	g.clearCookie(w)
	envelope.Write(w, http.StatusOK, "logged out", nil)
}

func (g *Gateway) handleSession(w http.ResponseWriter, r *http.Request) {
	current, err := g.lookupSession(w, r)
	switch {
	case err == nil:
		g.config.Sessions.Renew(current)
		g.writeJSON(w, http.StatusOK, g.describe(r, current))
	case errors.Is(err, session.ErrOriginMismatch):
		g.writeError(w, r, newError(KindUnauthenticated, err, "session is bound to another client address"))
	default:
		g.writeJSON(w, http.StatusOK, sessionView{Anonymous: true, Kind: identity.KindAnonymous,
			Commands: g.config.Catalog.Current().AnonymousCommands()})
	}
}

func (g *Gateway) describe(r *http.Request, current *session.Session) sessionView {
	id := current.Identity()
	view := sessionView{
		Anonymous: current.Anonymous(),
		Username:  id.Username,
		Groups:    id.Groups,
		Kind:      id.Kind,
		Locale:    current.Locale(),
		ExpiresAt: current.Deadline(),
	}
	permissions, err := g.permissions(r.Context(), current, g.config.Catalog.Current())
	if err != nil {
		g.logger.Warn("computing permissions for session view", "session", current.Fingerprint(), "error", err)
		return view
	}
	view.Commands = make(map[string][]string)
	for _, module := range permissions.Modules() {
		view.Commands[module] = permissions.Commands(module)
	}
	return view
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Info(),
		"sessions": g.config.Sessions.Count(),
	})
}

// writeJSON sends result inside a success envelope.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, result any) {
	encoded, err := json.Marshal(result)
	if err != nil {
		envelope.Write(w, http.StatusInternalServerError, "encoding response", nil)
		return
	}
	envelope.Write(w, status, "", encoded)
}
