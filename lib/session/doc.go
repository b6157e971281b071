// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package session keeps the gateway's client sessions.
//
// A [Session] binds an opaque, unguessable id to one identity and the
// network origin that created it. Sessions expire after a sliding
// period of inactivity. Expiry never interrupts work: when the timer
// fires while requests are in flight, the session is marked expiring
// and is destroyed when the last of them is released.
//
// Destroying a session zeroes its credential and runs the store's
// OnDestroy hook, which the gateway uses to stop the session's
// workers. Logs name sessions only by [Session.Fingerprint].
package session
