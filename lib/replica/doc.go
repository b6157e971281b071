// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package replica is the table gateway replicas on one host share to
// fan out administrative signals.
//
// Several gateway processes may serve the same port (SO_REUSEPORT).
// They share nothing but a small SQLite database opened by every one
// of them. Each replica registers a row and heartbeats it; a signal
// such as "reload" or "shutdown" is inserted once into the signals
// table and every registered replica executes it when it next polls.
// A replica registering later starts after the newest signal, so old
// signals are never replayed.
//
// The database runs in WAL mode with a busy timeout, and every write
// is an IMMEDIATE transaction, since it is written by several
// processes at once.
package replica
