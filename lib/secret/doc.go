// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds credential material in memory that the Go
// runtime never sees.
//
// A [Buffer] is an anonymous mmap region locked into RAM with mlock and
// excluded from core dumps with MADV_DONTDUMP. Sessions keep the
// password or token a user authenticated with in a Buffer so the
// gateway can forward it to workers that act on the user's behalf, and
// destroy it with the session. Closing a Buffer zeroes and unmaps it.
package secret
