// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source used by every component
// that schedules work: session expiry, worker inactivity reclamation,
// shutdown grace periods, and replica heartbeats.
//
// Production code is handed [Real]. Tests hand in [Fake], whose time
// only moves when the test calls [FakeClock.Advance]. Timers that come
// due during an Advance fire in deadline order on the calling
// goroutine, so a test can advance past a deadline and then assert on
// the resulting state without sleeping.
//
// Use [FakeClock.BlockUntil] before advancing when the timer is armed
// by another goroutine; it waits until the expected number of timers
// is registered.
package clock
