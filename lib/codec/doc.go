// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec is the single CBOR configuration used for data the
// gateway signs or shares with other processes: identity assertions
// forwarded to workers and signals exchanged through the replica table.
//
// Encoding uses Core Deterministic Encoding so the same value always
// produces the same bytes, which signatures depend on. Decoding into
// an any target produces map[string]any rather than CBOR's default
// map[any]any.
package codec
