// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"encoding/hex"
	"slices"
	"time"

	"github.com/zeebo/blake3"

	"github.com/consolegate/consolegate/lib/clock"
	"github.com/consolegate/consolegate/lib/identity"
	"github.com/consolegate/consolegate/lib/policy"
)

// Reason records why a session was destroyed.
type Reason string

const (
	ReasonLogout         Reason = "logout"
	ReasonExpired        Reason = "expired"
	ReasonOriginMismatch Reason = "origin mismatch"
	ReasonInvalidated    Reason = "invalidated"
	ReasonReplaced       Reason = "replaced"
	ReasonEvicted        Reason = "evicted"
	ReasonShutdown       Reason = "shutdown"
)

// Session is one client's server-side state. Immutable fields are
// readable without locking; the rest is guarded by the owning store.
type Session struct {
	id          string
	fingerprint string
	identity    *identity.Identity
	origin      string
	locale      string
	createdAt   time.Time

	// Guarded by Store.mu.
	store       *Store
	deadline    time.Time
	inflight    []string
	expiring    bool
	destroyed   bool
	timer       *clock.Timer
	timerSeq    uint64
	permissions *policy.PermissionSet
}

// ID is the opaque token clients present. Never log it.
func (s *Session) ID() string { return s.id }

// Fingerprint identifies the session in logs and as the supervisor
// scope of its workers.
func (s *Session) Fingerprint() string { return s.fingerprint }

// Identity is the principal the session acts for.
func (s *Session) Identity() *identity.Identity { return s.identity }

// Origin is the client network origin the session is bound to.
func (s *Session) Origin() string { return s.origin }

// Locale is the client's preferred language tag, passed to workers.
func (s *Session) Locale() string { return s.locale }

// CreatedAt is when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Anonymous reports whether the session has not authenticated.
func (s *Session) Anonymous() bool { return s.identity.IsAnonymous() }

// Deadline is when the session expires unless renewed.
func (s *Session) Deadline() time.Time {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.deadline
}

// InFlight returns the in-flight request ids, oldest first.
func (s *Session) InFlight() []string {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return slices.Clone(s.inflight)
}

// Destroyed reports whether the session has ended.
func (s *Session) Destroyed() bool {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.destroyed
}

// Permissions returns the cached permission set, or nil.
func (s *Session) Permissions() *policy.PermissionSet {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.permissions
}

// SetPermissions caches a permission set computed for this session.
func (s *Session) SetPermissions(set *policy.PermissionSet) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if !s.destroyed {
		s.permissions = set
	}
}

// Info is a point-in-time view of a session for administration.
type Info struct {
	Fingerprint string    `json:"fingerprint"`
	Username    string    `json:"username,omitempty"`
	Kind        string    `json:"kind"`
	Origin      string    `json:"origin"`
	Locale      string    `json:"locale,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Deadline    time.Time `json:"deadline"`
	InFlight    int       `json:"in_flight"`
	Expiring    bool      `json:"expiring,omitempty"`
}

// info requires Store.mu.
func (s *Session) info() Info {
	return Info{
		Fingerprint: s.fingerprint,
		Username:    s.identity.Username,
		Kind:        string(s.identity.Kind),
		Origin:      s.origin,
		Locale:      s.locale,
		CreatedAt:   s.createdAt,
		Deadline:    s.deadline,
		InFlight:    len(s.inflight),
		Expiring:    s.expiring,
	}
}

// Fingerprint derives the log-safe name of a session id.
func Fingerprint(id string) string {
	digest := blake3.Sum256([]byte(id))
	return hex.EncodeToString(digest[:8])
}
