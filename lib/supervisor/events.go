// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

// event is anything the loop consumes.
type event interface{ isEvent() }

type waiter struct {
	reply chan<- acquired
	lease bool
}

type acquireEvent struct {
	scope, module, locale string
	lease                 bool
	reply                 chan<- acquired
}

type startedEvent struct {
	worker *Worker
	result launched
	err    error
}

type exitedEvent struct {
	worker *Worker
	err    error
}

type releaseEvent struct{ worker *Worker }

type idleEvent struct {
	worker   *Worker
	sequence uint64
}

type graceEvent struct{ worker *Worker }

type evictEvent struct {
	worker *Worker
	reason string
}

type retireEvent struct {
	match  func(Key) bool
	reason string
}

type snapshotEvent struct{ reply chan<- []Info }

type stopAllEvent struct{ reply chan<- []*Worker }

type killAllEvent struct{}

type quitEvent struct{}

func (acquireEvent) isEvent()  {}
func (startedEvent) isEvent()  {}
func (exitedEvent) isEvent()   {}
func (releaseEvent) isEvent()  {}
func (idleEvent) isEvent()     {}
func (graceEvent) isEvent()    {}
func (evictEvent) isEvent()    {}
func (retireEvent) isEvent()   {}
func (snapshotEvent) isEvent() {}
func (stopAllEvent) isEvent()  {}
func (killAllEvent) isEvent()  {}
func (quitEvent) isEvent()     {}
