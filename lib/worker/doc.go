// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker is the module side of the gateway protocol. A module
// binary registers one [Handler] per method and calls
// [Server.Serve]:
//
//	server, err := worker.FromEnvironment(logger)
//	...
//	server.Handle("ListDisks", listDisks)
//	return server.Serve(ctx)
//
// FromEnvironment reads the variables the supervisor sets at spawn
// (module id, socket path, locale, assertion key). Every request's
// identity assertion is verified before its handler runs. A POST to
// /cancel with a request id cancels that request's context; the
// handler's eventual result is discarded.
package worker
