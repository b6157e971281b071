// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. It is safe for concurrent
// use. AfterFunc callbacks run on the goroutine calling Advance, with
// no internal lock held, so callbacks may use the clock themselves.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
	nextSeq uint64
}

type pendingTimer struct {
	due      time.Time
	seq      uint64
	callback func()
	channel  chan time.Time
	period   time.Duration
	active   bool
}

// Fake returns a FakeClock reading start until advanced.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that receives when the clock is advanced
// past d. Non-positive durations deliver immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.schedule(&pendingTimer{due: c.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers f to run when the clock is advanced past d.
// A non-positive duration still waits for the next Advance call, so
// f never runs inside AfterFunc itself.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	entry := &pendingTimer{due: c.now.Add(d), callback: f}
	c.schedule(entry)
	c.mu.Unlock()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active
			c.unschedule(entry)
			return wasActive
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := entry.active
			c.unschedule(entry)
			entry.due = c.now.Add(d)
			c.schedule(entry)
			return wasActive
		},
	}
}

// NewTicker returns a ticker firing every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	channel := make(chan time.Time, 1)
	c.mu.Lock()
	entry := &pendingTimer{due: c.now.Add(d), channel: channel, period: d}
	c.schedule(entry)
	c.mu.Unlock()
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unschedule(entry)
		},
	}
}

// Advance moves the clock forward by d and fires every timer whose
// deadline is reached, earliest first. Timers armed by callbacks that
// fall inside the advanced window fire in the same call.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.popDue(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.due.After(c.now) {
			c.now = next.due
		}
		fireTime := c.now
		if next.period > 0 {
			next.due = next.due.Add(next.period)
			c.schedule(next)
		}
		c.mu.Unlock()

		if next.callback != nil {
			next.callback()
		} else {
			select {
			case next.channel <- fireTime:
			default:
			}
		}
	}
}

// BlockUntil waits until at least n timers are pending.
func (c *FakeClock) BlockUntil(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// Pending returns the number of armed timers.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// schedule and unschedule require c.mu.
func (c *FakeClock) schedule(entry *pendingTimer) {
	c.nextSeq++
	entry.seq = c.nextSeq
	entry.active = true
	c.pending = append(c.pending, entry)
	c.changed.Broadcast()
}

func (c *FakeClock) unschedule(entry *pendingTimer) {
	if !entry.active {
		return
	}
	entry.active = false
	for i, candidate := range c.pending {
		if candidate == entry {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.changed.Broadcast()
}

// popDue removes and returns the earliest timer due at or before
// target, or nil. Requires c.mu.
func (c *FakeClock) popDue(target time.Time) *pendingTimer {
	if len(c.pending) == 0 {
		return nil
	}
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].due.Equal(c.pending[j].due) {
			return c.pending[i].seq < c.pending[j].seq
		}
		return c.pending[i].due.Before(c.pending[j].due)
	})
	first := c.pending[0]
	if first.due.After(target) {
		return nil
	}
	c.pending = c.pending[1:]
	first.active = false
	c.changed.Broadcast()
	return first
}
