// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry is the catalogue of modules the gateway can route
// commands to.
//
// A [Catalog] is immutable and fully validated when built: every
// command name belongs to exactly one module, every command maps to a
// well-formed method identifier, and proxy modules carry a parseable
// address and no executable override. Routing at request time is a map
// lookup that cannot fail for configuration reasons.
//
// A [Store] holds the current catalogue for a running gateway and
// replaces it atomically on reload, reporting which modules changed so
// their workers can be retired.
//
// Catalogue file format (YAML):
//
//	modules:
//	  - id: storage
//	    singleton: false
//	    flavors: [advanced]
//	    executable: /usr/libexec/consolegate/storage   # optional
//	    args: [--verbose]                              # optional
//	    commands:
//	      - name: storage/disks/list
//	        method: ListDisks
//	      - name: storage/status
//	        method: Status
//	        anonymous: true
//	  - id: remote-inventory
//	    proxy_address: unix:/run/inventory/api.sock
//	    commands:
//	      - name: inventory/hosts
//
// A file named *.json or *.jsonc holds the same structure as JSON, with
// comments and trailing commas allowed.
package registry
