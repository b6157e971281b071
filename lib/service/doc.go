// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package service runs HTTP servers on TCP ports and unix sockets with
// the lifecycle every consolegate process shares: bind, signal
// readiness, serve until the context ends, then drain in-flight
// requests within a deadline.
//
// The gateway uses it for its client listener (optionally with TLS and
// SO_REUSEPORT so several replicas share one port) and for its admin
// socket. Module workers use it for their private socket.
package service
