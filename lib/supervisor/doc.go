// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor starts, tracks and retires module worker
// processes.
//
// Each worker serves one module over an HTTP listener on a private
// unix socket. Workers are keyed by (scope, module): the scope is the
// owning session's fingerprint, or empty for singleton and proxy
// modules, which every session shares.
//
// Lifecycle of one worker:
//
//	Starting → Ready → Draining → Stopped
//
// A worker is Starting from spawn until its socket accepts a
// connection. Readiness is polled with exponential backoff up to a
// fixed number of attempts and aborts as soon as the process exits.
// A Ready worker whose idle timer fires with no outstanding leases is
// sent SIGTERM (Draining) and SIGKILL after the grace period. If the
// timer fires while leases are outstanding, reclamation happens when
// the last lease is released. Process exit in any state moves the
// worker to Stopped and removes it from the table, so the next
// request for the key spawns a fresh worker.
//
// All table state is owned by a single goroutine that consumes typed
// events: acquisitions, spawn results, process exits, timer expiries
// and releases. No lock guards the table. Blocking work (spawning,
// readiness polling, waiting for exit) runs in helper goroutines that
// report back with events.
//
// Spawn failures caused by exhausted resources are returned as
// [*ResourceError] with a human-readable [Cause]. Workers that never
// became connectable produce [ErrConnect].
package supervisor
