// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package dashboard is the terminal dashboard behind "consolegate
// top". It polls every gateway replica's admin socket and shows the
// module workers and live sessions of each, refreshed on an interval.
//
// The [Model] is a bubbletea model. It reads through a [Source], so
// tests drive it with canned snapshots and no sockets.
package dashboard
