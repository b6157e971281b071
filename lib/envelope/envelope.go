// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope is the HTTP contract between clients, the gateway
// and module workers: header names, paths and the JSON bodies.
//
// Clients POST {"options": {...}, "flavor": "..."} to
// /command/<command-name> and receive {"status", "message", "result"}.
// The gateway forwards the same body to the worker's
// /command/<command-name>, adding the X-Consolegate-* headers below.
// A cancellation is a POST to /cancel carrying the request id header
// of the request to abandon.
package envelope

import (
	"encoding/json"
	"net/http"
	"strings"
)

const (
	HeaderPrefix     = "X-Consolegate-"
	HeaderRequestID  = HeaderPrefix + "Request-Id"
	HeaderIdentity   = HeaderPrefix + "Identity"
	HeaderCredential = HeaderPrefix + "Credential"
	HeaderMethod     = HeaderPrefix + "Method"
	HeaderFlavor     = HeaderPrefix + "Flavor"
	HeaderLocale     = HeaderPrefix + "Locale"
)

const (
	CommandPath = "/command/"
	CancelPath  = "/cancel"
	HealthPath  = "/health"
)

// MaxBodySize bounds request bodies read by the gateway and workers.
const MaxBodySize = 4 << 20

// Request is the body of a command invocation.
type Request struct {
	Options map[string]any `json:"options,omitempty"`
	Flavor  string         `json:"flavor,omitempty"`
}

// Response is the body of every command result and error.
type Response struct {
	Status  int             `json:"status"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// Write sends a Response with the given HTTP status.
func Write(w http.ResponseWriter, status int, message string, result json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{Status: status, Message: message, Result: result})
}

// IsInternalHeader reports whether name belongs to the private
// gateway-worker channel and must not reach clients.
func IsInternalHeader(name string) bool {
	return len(name) >= len(HeaderPrefix) && strings.EqualFold(name[:len(HeaderPrefix)], HeaderPrefix)
}

// CommandName extracts the command from a /command/<name> path.
func CommandName(path string) (string, bool) {
	name, found := strings.CutPrefix(path, CommandPath)
	if !found || name == "" {
		return "", false
	}
	return name, true
}
