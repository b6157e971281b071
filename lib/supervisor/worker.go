// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/consolegate/consolegate/lib/clock"
)

// State is a worker's lifecycle stage.
type State int

const (
	StateAbsent State = iota
	StateStarting
	StateReady
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAbsent:
		return "absent"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Key identifies a worker slot.
type Key struct {
	Scope  string
	Module string
}

// Worker is a running module worker, or a handle on a proxy module's
// fixed endpoint. Accessors are safe to call from any goroutine once
// the Worker has been returned by the Supervisor.
type Worker struct {
	id        string
	key       Key
	proxy     bool
	plaintext bool
	socket    string
	logPath   string
	base      string
	done      chan struct{}
	exitErr   error

	// Set by the event loop before the worker is handed out.
	pid       int
	process   *os.Process
	transport *http.Transport
	startedAt time.Time

	// Owned by the event loop.
	state        State
	outstanding  int
	waiters      []waiter
	exited       bool
	retiring     bool
	idleDeferred bool
	idleSeq      uint64
	idleTimer    *clock.Timer
	graceTimer   *clock.Timer
}

// ID is unique among the workers of one Supervisor.
func (w *Worker) ID() string { return w.id }

// Module is the module the worker serves.
func (w *Worker) Module() string { return w.key.Module }

// Scope is empty for shared workers.
func (w *Worker) Scope() string { return w.key.Scope }

// Pid is the worker's process id, zero for proxy handles.
func (w *Worker) Pid() int { return w.pid }

// Socket is the worker's unix socket path, empty for proxy handles.
func (w *Worker) Socket() string { return w.socket }

// IsProxy reports whether the handle points at a proxy module.
func (w *Worker) IsProxy() bool { return w.proxy }

// Confidential reports whether traffic to the worker stays on the host
// or is encrypted: true for spawned workers and for proxies reached
// over a unix socket or https.
func (w *Worker) Confidential() bool { return !w.plaintext }

// Done is closed when the worker process has exited. Proxy handles
// close it when they are discarded.
func (w *Worker) Done() <-chan struct{} { return w.done }

// ExitErr is the process's exit status. Valid only after Done.
func (w *Worker) ExitErr() error { return w.exitErr }

// Transport carries HTTP requests to the worker.
func (w *Worker) Transport() http.RoundTripper { return w.transport }

// URL returns the absolute URL of path on the worker.
func (w *Worker) URL(path string) string { return w.base + path }

func newTransport(dial func(ctx context.Context) (net.Conn, error)) *http.Transport {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
	}
	if dial != nil {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dial(ctx)
		}
	}
	return transport
}

func unixDialer(path string) func(ctx context.Context) (net.Conn, error) {
	return func(ctx context.Context) (net.Conn, error) {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "unix", path)
	}
}

// proxyEndpoint builds the base URL and transport for a proxy module.
// plaintext is set for http addresses, which leave the host
// unencrypted.
func proxyEndpoint(address string) (base string, transport *http.Transport, plaintext bool, err error) {
	parsed, err := url.Parse(address)
	if err != nil {
		return "", nil, false, fmt.Errorf("parsing proxy address %q: %w", address, err)
	}
	if parsed.Scheme == "unix" {
		path := parsed.Path
		if path == "" {
			path = parsed.Opaque
		}
		return "http://proxy", newTransport(unixDialer(path)), false, nil
	}
	base = strings.TrimSuffix(parsed.Scheme+"://"+parsed.Host+parsed.Path, "/")
	return base, newTransport(nil), parsed.Scheme == "http", nil
}

// Info is a point-in-time view of a worker, for administration.
type Info struct {
	ID          string    `json:"id"`
	Module      string    `json:"module"`
	Scope       string    `json:"scope,omitempty"`
	Pid         int       `json:"pid,omitempty"`
	State       string    `json:"state"`
	Outstanding int       `json:"outstanding"`
	Proxy       bool      `json:"proxy,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
}

func (w *Worker) info() Info {
	return Info{
		ID:          w.id,
		Module:      w.key.Module,
		Scope:       w.key.Scope,
		Pid:         w.pid,
		State:       w.state.String(),
		Outstanding: w.outstanding,
		Proxy:       w.proxy,
		StartedAt:   w.startedAt,
	}
}

// Transition describes a state change, reported to Config.Observer.
type Transition struct {
	Worker Info
	From   State
	To     State
	At     time.Time
}
