// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers shared by the
// consolegate binaries.
package process
