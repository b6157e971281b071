// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package adminclient

import "github.com/consolegate/consolegate/lib/replica"

// SocketPath is the admin socket a replica listens on. Replicas that
// share a port through SO_REUSEPORT also share a state directory, so
// each suffixes the configured path with its replica ID.
func SocketPath(base string, reusePort bool, replicaID string) string {
	if reusePort {
		return base + "." + replicaID
	}
	return base
}

// Target pairs a registered replica with a client for its admin
// socket.
type Target struct {
	Replica replica.Info
	Client  *Client
}

// Targets builds one Target per replica. Without reuse_port only one
// replica can own the admin socket, so a single Target is returned
// for the first replica.
func Targets(base string, reusePort bool, replicas []replica.Info) []Target {
	if !reusePort && len(replicas) > 1 {
		replicas = replicas[:1]
	}
	targets := make([]Target, 0, len(replicas))
	for _, info := range replicas {
		targets = append(targets, Target{
			Replica: info,
			Client:  New(SocketPath(base, reusePort, info.ID)),
		})
	}
	return targets
}
