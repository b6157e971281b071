// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by consolegate tests: bounded
// channel waits, short socket directories, and unique identifiers.
package testutil
