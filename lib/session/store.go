// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/consolegate/consolegate/lib/clock"
	"github.com/consolegate/consolegate/lib/identity"
)

var (
	// ErrNotFound is returned for unknown, expired or destroyed
	// sessions.
	ErrNotFound = errors.New("session not found")

	// ErrOriginMismatch is returned when a session id is presented
	// from an origin other than the one that created it. The session
	// is destroyed.
	ErrOriginMismatch = errors.New("session presented from a different origin")

	// ErrTooManySessions is returned by Create at the session limit.
	ErrTooManySessions = errors.New("too many sessions")

	// ErrDuplicateRequest is returned by Touch for a request id that
	// is already in flight.
	ErrDuplicateRequest = errors.New("request id already in flight")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session store closed")
)

// idBytes is the entropy of a session id.
const idBytes = 32

// Config configures a Store.
type Config struct {
	// Timeout is the sliding inactivity period. Defaults to 15 minutes.
	Timeout time.Duration

	// MaxSessions bounds concurrent sessions. Zero means unlimited.
	// At the limit, Create evicts the least recently used idle
	// anonymous session before refusing.
	MaxSessions int

	// OnDestroy runs after a session is destroyed, outside the store
	// lock.
	OnDestroy func(*Session, Reason)

	// Random supplies session ids. Defaults to crypto/rand.
	Random io.Reader

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store holds the live sessions.
type Store struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New creates an empty Store.
func New(config Config) *Store {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Minute
	}
	if config.Random == nil {
		config.Random = rand.Reader
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		config:   config,
		clock:    config.Clock,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Timeout is the configured inactivity period.
func (st *Store) Timeout() time.Duration { return st.config.Timeout }

// Create starts a session for id bound to origin. The store takes
// ownership of id and closes it when the session ends, also when
// Create fails.
func (st *Store) Create(id *identity.Identity, origin, locale string) (*Session, error) {
	if id == nil {
		id = identity.Anonymous()
	}
	raw := make([]byte, idBytes)
	if _, err := io.ReadFull(st.config.Random, raw); err != nil {
		id.Close()
		return nil, fmt.Errorf("generating session id: %w", err)
	}
	token := hex.EncodeToString(raw)

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		id.Close()
		return nil, ErrClosed
	}
	var evicted *Session
	if st.config.MaxSessions > 0 && len(st.sessions) >= st.config.MaxSessions {
		evicted = st.idleAnonymousLocked()
		if evicted == nil {
			st.mu.Unlock()
			id.Close()
			return nil, ErrTooManySessions
		}
		st.destroyLocked(evicted)
	}
	now := st.clock.Now()
	session := &Session{
		id:          token,
		fingerprint: Fingerprint(token),
		identity:    id,
		origin:      origin,
		locale:      locale,
		createdAt:   now,
		store:       st,
	}
	st.sessions[token] = session
	st.armLocked(session)
	st.mu.Unlock()

	if evicted != nil {
		st.finish(evicted, ReasonEvicted)
	}
	st.logger.Info("session created", "session", session.fingerprint, "user", id.Username,
		"kind", string(id.Kind), "origin", origin)
	return session, nil
}

// Resolve returns the live session for token. A session presented
// from the wrong origin is destroyed and ErrOriginMismatch returned.
func (st *Store) Resolve(token, origin string) (*Session, error) {
	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return nil, ErrClosed
	}
	session, ok := st.sessions[token]
	if !ok {
		st.mu.Unlock()
		return nil, ErrNotFound
	}
	if session.origin != origin {
		st.destroyLocked(session)
		st.mu.Unlock()
		st.logger.Warn("session presented from another origin", "session", session.fingerprint,
			"bound", session.origin, "presented", origin)
		st.finish(session, ReasonOriginMismatch)
		return nil, ErrOriginMismatch
	}
	st.mu.Unlock()
	return session, nil
}

// Renew slides the session's deadline to one timeout from now.
func (st *Store) Renew(session *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if session.destroyed {
		return
	}
	session.expiring = false
	st.armLocked(session)
}

// Touch marks requestID in flight on session and renews it.
func (st *Store) Touch(session *Session, requestID string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if session.destroyed {
		return ErrNotFound
	}
	if slices.Contains(session.inflight, requestID) {
		return ErrDuplicateRequest
	}
	session.inflight = append(session.inflight, requestID)
	session.expiring = false
	st.armLocked(session)
	return nil
}

// Release removes requestID from the in-flight set. It reports whether
// the id was present, so a second release of the same id returns
// false. Releasing the last request of an expiring session destroys
// it.
func (st *Store) Release(session *Session, requestID string) bool {
	st.mu.Lock()
	index := slices.Index(session.inflight, requestID)
	if session.destroyed || index < 0 {
		st.mu.Unlock()
		return false
	}
	session.inflight = slices.Delete(session.inflight, index, index+1)
	if len(session.inflight) == 0 && session.expiring {
		st.destroyLocked(session)
		st.mu.Unlock()
		st.finish(session, ReasonExpired)
		return true
	}
	if !session.expiring {
		st.armLocked(session)
	}
	st.mu.Unlock()
	return true
}

// Expire ends the session with the given token as if its timer had
// fired: immediately when idle, otherwise once its requests finish.
// Expiring an unknown or destroyed session does nothing.
func (st *Store) Expire(token string) {
	st.mu.Lock()
	session, ok := st.sessions[token]
	if !ok {
		st.mu.Unlock()
		return
	}
	st.expireLocked(session)
}

// Logout destroys the session immediately, in-flight requests or not.
func (st *Store) Logout(token string) bool {
	return st.end(token, ReasonLogout)
}

// Invalidate destroys the session immediately.
func (st *Store) Invalidate(token string) bool {
	return st.end(token, ReasonInvalidated)
}

// Replace destroys the session because the client authenticated
// again and received a new one.
func (st *Store) Replace(token string) bool {
	return st.end(token, ReasonReplaced)
}

// InvalidateAll destroys every session.
func (st *Store) InvalidateAll() int {
	return len(st.endAll(ReasonInvalidated, false))
}

// Close destroys every session and refuses new ones.
func (st *Store) Close() {
	st.endAll(ReasonShutdown, true)
}

// Count returns the number of live sessions.
func (st *Store) Count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// Sessions returns a snapshot of every live session.
func (st *Store) Sessions() []Info {
	st.mu.Lock()
	defer st.mu.Unlock()
	infos := make([]Info, 0, len(st.sessions))
	for _, session := range st.sessions {
		infos = append(infos, session.info())
	}
	slices.SortFunc(infos, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return infos
}

func (st *Store) end(token string, reason Reason) bool {
	st.mu.Lock()
	session, ok := st.sessions[token]
	if !ok {
		st.mu.Unlock()
		return false
	}
	st.destroyLocked(session)
	st.mu.Unlock()
	st.finish(session, reason)
	return true
}

func (st *Store) endAll(reason Reason, refuse bool) []*Session {
	st.mu.Lock()
	if refuse {
		st.closed = true
	}
	ended := make([]*Session, 0, len(st.sessions))
	for _, session := range st.sessions {
		st.destroyLocked(session)
		ended = append(ended, session)
	}
	st.mu.Unlock()
	for _, session := range ended {
		st.finish(session, reason)
	}
	return ended
}

// idleAnonymousLocked returns the anonymous session with no requests
// in flight that was used least recently, or nil. Requires st.mu.
func (st *Store) idleAnonymousLocked() *Session {
	var oldest *Session
	for _, session := range st.sessions {
		if !session.Anonymous() || len(session.inflight) > 0 {
			continue
		}
		if oldest == nil || session.deadline.Before(oldest.deadline) {
			oldest = session
		}
	}
	return oldest
}

// armLocked restarts the session's expiry timer.
func (st *Store) armLocked(session *Session) {
	if session.timer != nil {
		session.timer.Stop()
	}
	session.timerSeq++
	sequence := session.timerSeq
	session.deadline = st.clock.Now().Add(st.config.Timeout)
	session.timer = st.clock.AfterFunc(st.config.Timeout, func() {
		st.timerFired(session, sequence)
	})
}

func (st *Store) timerFired(session *Session, sequence uint64) {
	st.mu.Lock()
	if session.destroyed || session.timerSeq != sequence {
		st.mu.Unlock()
		return
	}
	st.expireLocked(session)
}

// expireLocked requires st.mu and releases it.
func (st *Store) expireLocked(session *Session) {
	if session.destroyed {
		st.mu.Unlock()
		return
	}
	if len(session.inflight) > 0 {
		// Rearmed so a hung request cannot pin the session forever.
		st.armLocked(session)
		session.expiring = true
		st.mu.Unlock()
		st.logger.Info("session expiry deferred", "session", session.fingerprint,
			"in_flight", len(session.inflight))
		return
	}
	st.destroyLocked(session)
	st.mu.Unlock()
	st.finish(session, ReasonExpired)
}

// destroyLocked removes session from the table. Requires st.mu.
func (st *Store) destroyLocked(session *Session) {
	session.destroyed = true
	session.inflight = nil
	session.permissions = nil
	session.timerSeq++
	if session.timer != nil {
		session.timer.Stop()
		session.timer = nil
	}
	if current, ok := st.sessions[session.id]; ok && current == session {
		delete(st.sessions, session.id)
	}
}

// finish runs the destruction side effects outside the lock.
func (st *Store) finish(session *Session, reason Reason) {
	if err := session.identity.Close(); err != nil {
		st.logger.Warn("releasing session credential", "session", session.fingerprint, "error", err)
	}
	st.logger.Info("session destroyed", "session", session.fingerprint, "reason", string(reason))
	if st.config.OnDestroy != nil {
		st.config.OnDestroy(session, reason)
	}
}
