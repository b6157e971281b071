// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package gateway is the client-facing front door of consolegate.
//
// A command request runs through a fixed sequence: resolve the
// session (an anonymous one is created when the client has none and
// the command admits anonymous callers),
// route the command to a module within the session's permission set,
// ask the policy engine, acquire a worker from the supervisor, mark
// the request in flight on the session, forward it over the worker's
// unix socket, and relay the worker's response. Routing and
// authorization failures are decided here and never reach a worker.
//
// When the client goes away before the worker answers, the gateway
// posts a cancellation carrying the same request id to the worker and
// releases the request immediately; the worker's eventual response is
// discarded.
//
// Besides /command/ the client handler serves /auth, /logout,
// /session and /health. [Gateway.AdminHandler] serves reload,
// shutdown, introspection and metrics on the admin socket.
package gateway
