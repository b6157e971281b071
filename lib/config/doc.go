// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the gateway's YAML configuration.
//
// Configuration comes from a single file named by the
// CONSOLEGATE_CONFIG environment variable ([Load]) or a --config flag
// ([LoadFile]). There is no search path and no per-field environment
// override: the file is decoded over [Default], then ${VAR} and
// ${VAR:-default} patterns in path fields are expanded. ${CONSOLEGATE_STATE}
// refers to paths.state, so other paths can be placed under it.
//
// Durations are written as Go duration strings ("15m", "500ms") and
// sizes as byte counts with an optional KiB/MiB/GiB suffix.
//
// This package depends on no other consolegate packages.
package config
