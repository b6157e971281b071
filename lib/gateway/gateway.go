// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/time/rate"

	"github.com/consolegate/consolegate/lib/clock"
	"github.com/consolegate/consolegate/lib/envelope"
	"github.com/consolegate/consolegate/lib/identity"
	"github.com/consolegate/consolegate/lib/metrics"
	"github.com/consolegate/consolegate/lib/policy"
	"github.com/consolegate/consolegate/lib/registry"
	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/supervisor"
)

// DefaultCookieName names the session cookie.
const DefaultCookieName = "consolegate_session"

// Config configures a Gateway. Catalog, Policy, Supervisor, Sessions,
// Authenticator and SigningKey are required.
type Config struct {
	Catalog       *registry.Store
	Policy        *policy.Engine
	Supervisor    *supervisor.Supervisor
	Sessions      *session.Store
	Authenticator identity.Authenticator

	// Directory, if set, adds group memberships to authenticated
	// identities.
	Directory identity.Directory

	// SigningKey signs the identity assertions forwarded to workers.
	SigningKey ed25519.PrivateKey

	// AssertionLifetime bounds how long a forwarded assertion is
	// valid. Defaults to 5 minutes.
	AssertionLifetime time.Duration

	CookieName   string
	SecureCookie bool

	// Diagnostics exposes the causes of internal errors to clients.
	Diagnostics bool

	// LoginRate and LoginBurst throttle /auth per client origin.
	// Defaults: one attempt per second, bursts of five.
	LoginRate  rate.Limit
	LoginBurst int

	// CancelTimeout bounds the cancellation sent to a worker when the
	// client goes away. Defaults to 5 seconds.
	CancelTimeout time.Duration

	// AdminReload and AdminShutdown handle the admin endpoints. When
	// nil, reload calls Gateway.Reload and shutdown is refused. A
	// replicated deployment routes both through the replica table.
	AdminReload   func(context.Context) (any, error)
	AdminShutdown func() error

	Metrics *metrics.Metrics
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Gateway serves clients. Create with New.
type Gateway struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*originLimiter
}

type originLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New validates config and creates a Gateway.
func New(config Config) (*Gateway, error) {
	switch {
	case config.Catalog == nil:
		return nil, errors.New("gateway: no module catalogue configured")
	case config.Policy == nil:
		return nil, errors.New("gateway: no policy engine configured")
	case config.Supervisor == nil:
		return nil, errors.New("gateway: no supervisor configured")
	case config.Sessions == nil:
		return nil, errors.New("gateway: no session store configured")
	case config.Authenticator == nil:
		return nil, errors.New("gateway: no authenticator configured")
	case len(config.SigningKey) != ed25519.PrivateKeySize:
		return nil, errors.New("gateway: no assertion signing key configured")
	}
	if config.AssertionLifetime <= 0 {
		config.AssertionLifetime = 5 * time.Minute
	}
	if config.CookieName == "" {
		config.CookieName = DefaultCookieName
	}
	if config.LoginRate == 0 {
		config.LoginRate = rate.Every(time.Second)
	}
	if config.LoginBurst <= 0 {
		config.LoginBurst = 5
	}
	if config.CancelTimeout <= 0 {
		config.CancelTimeout = 5 * time.Second
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	config.Metrics.TrackSessions(config.Sessions.Count)
	return &Gateway{
		config:   config,
		clock:    config.Clock,
		logger:   logger,
		limiters: make(map[string]*originLimiter),
	}, nil
}

// Handler returns the client-facing handler. Responses are gzip
// compressed for clients that accept it.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+envelope.CommandPath+"{command...}", g.handleCommand)
	mux.HandleFunc("POST /auth", g.handleAuth)
	mux.HandleFunc("POST /logout", g.handleLogout)
	mux.HandleFunc("GET /session", g.handleSession)
	mux.HandleFunc("GET "+envelope.HealthPath, g.handleHealth)
	return gzhttp.GzipHandler(mux)
}

// ReloadReport describes what a reload changed.
type ReloadReport struct {
	CatalogChanged bool     `json:"catalog_changed"`
	Added          []string `json:"added,omitempty"`
	Retired        []string `json:"retired,omitempty"`
	PolicyChanged  bool     `json:"policy_changed"`
}

// Reload re-reads the module catalogue and the policy. Sessions
// survive; their permission sets are recomputed on next use. Workers
// of changed or removed modules are retired once idle. When either
// source fails to load, the other is still reloaded and the error is
// returned.
func (g *Gateway) Reload(ctx context.Context) (ReloadReport, error) {
	var report ReloadReport
	diff, catalogErr := g.config.Catalog.Reload()
	if catalogErr == nil && !diff.Empty() {
		report.CatalogChanged = true
		report.Added = diff.Added
		report.Retired = diff.Stale()
		g.config.Supervisor.Retire(report.Retired...)
	}
	changed, policyErr := g.config.Policy.Reload(ctx)
	report.PolicyChanged = changed

	err := errors.Join(catalogErr, policyErr)
	g.config.Metrics.ObserveReload(err)
	if err != nil {
		g.logger.Error("reload failed", "error", err)
		return report, err
	}
	g.logger.Info("reloaded", "catalog_changed", report.CatalogChanged, "retired", report.Retired,
		"policy_changed", report.PolicyChanged, "policy_generation", g.config.Policy.Generation())
	return report, nil
}

// Close ends every session and stops every worker.
func (g *Gateway) Close(ctx context.Context) error {
	g.config.Sessions.Close()
	if err := g.config.Supervisor.StopAll(ctx); err != nil {
		return fmt.Errorf("stopping workers: %w", err)
	}
	return nil
}

// StopWorkersOnDestroy returns a session.Config.OnDestroy hook that
// stops a destroyed session's workers.
func StopWorkersOnDestroy(s *supervisor.Supervisor) func(*session.Session, session.Reason) {
	return func(destroyed *session.Session, _ session.Reason) {
		s.StopScope(destroyed.Fingerprint())
	}
}

// resolveSession returns the client's live session, or nil when the
// request carries none. stale reports that a cookie was presented for
// a session that no longer exists.
func (g *Gateway) resolveSession(w http.ResponseWriter, r *http.Request) (current *session.Session, stale bool, err error) {
	cookie, err := r.Cookie(g.config.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false, nil
	}
	current, err = g.config.Sessions.Resolve(cookie.Value, clientOrigin(r))
	switch {
	case err == nil:
		return current, false, nil
	case errors.Is(err, session.ErrOriginMismatch):
		g.clearCookie(w)
		return nil, false, newError(KindUnauthenticated, err, "session is bound to another client address")
	case errors.Is(err, session.ErrClosed):
		return nil, false, newError(KindServiceUnavailable, err, "gateway is shutting down")
	}
	return nil, true, nil
}

// lookupSession returns the client's session without creating one.
func (g *Gateway) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, error) {
	cookie, err := r.Cookie(g.config.CookieName)
	if err != nil || cookie.Value == "" {
		return nil, session.ErrNotFound
	}
	current, err := g.config.Sessions.Resolve(cookie.Value, clientOrigin(r))
	if errors.Is(err, session.ErrOriginMismatch) {
		g.clearCookie(w)
	}
	return current, err
}

func (g *Gateway) createSession(w http.ResponseWriter, id *identity.Identity, origin, locale string) (*session.Session, error) {
	created, err := g.config.Sessions.Create(id, origin, locale)
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		return nil, newError(KindServiceUnavailable, err, "too many sessions")
	case errors.Is(err, session.ErrClosed):
		return nil, newError(KindServiceUnavailable, err, "gateway is shutting down")
	case err != nil:
		return nil, err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     g.config.CookieName,
		Value:    created.ID(),
		Path:     "/",
		HttpOnly: true,
		Secure:   g.config.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
	return created, nil
}

func (g *Gateway) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     g.config.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   g.config.SecureCookie,
		SameSite: http.SameSiteStrictMode,
	})
}

// permissions returns the session's permission set, recomputing it
// when the policy or catalogue changed since it was cached.
func (g *Gateway) permissions(ctx context.Context, current *session.Session, catalog *registry.Catalog) (*policy.PermissionSet, error) {
	if cached := current.Permissions(); g.config.Policy.Fresh(cached, catalog) {
		return cached, nil
	}
	computed, err := g.config.Policy.ComputePermissionSet(ctx, current.Identity(), catalog)
	if err != nil {
		return nil, fmt.Errorf("computing permissions: %w", err)
	}
	current.SetPermissions(computed)
	return computed, nil
}

// clientOrigin is the network origin a session is bound to: the
// remote IP, or "local" for unix socket clients.
func clientOrigin(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" || host == "@" {
		return "local"
	}
	return host
}

// requestLocale returns the first language tag of Accept-Language,
// lowercased, or "".
func requestLocale(r *http.Request) string {
	header := r.Header.Get("Accept-Language")
	first, _, _ := strings.Cut(header, ",")
	tag, _, _ := strings.Cut(first, ";")
	tag = strings.ToLower(strings.TrimSpace(tag))
	if tag == "*" {
		return ""
	}
	return tag
}

// allowLogin applies the per-origin login rate limit.
func (g *Gateway) allowLogin(origin string) bool {
	now := g.clock.Now()
	g.limitersMu.Lock()
	defer g.limitersMu.Unlock()
	if len(g.limiters) > 4096 {
		for key, entry := range g.limiters {
			if now.Sub(entry.lastSeen) > 10*time.Minute {
				delete(g.limiters, key)
			}
		}
	}
	entry, ok := g.limiters[origin]
	if !ok {
		entry = &originLimiter{limiter: rate.NewLimiter(g.config.LoginRate, g.config.LoginBurst)}
		g.limiters[origin] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
