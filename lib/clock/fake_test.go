// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(5*time.Second, func() { fired++ })

	c.Advance(4 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	c.Advance(time.Hour)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeStopAndReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
	c.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("stopped timer fired")
	}

	if timer.Reset(3 * time.Second) {
		t.Fatal("Reset of stopped timer reported active")
	}
	c.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatal("reset timer fired early")
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestFakeCallbackRearmsWithinWindow(t *testing.T) {
	c := Fake(epoch)
	var times []time.Time
	var rearm func()
	rearm = func() {
		times = append(times, c.Now())
		if len(times) < 3 {
			c.AfterFunc(time.Second, rearm)
		}
	}
	c.AfterFunc(time.Second, rearm)

	c.Advance(10 * time.Second)
	if len(times) != 3 {
		t.Fatalf("callbacks = %d, want 3", len(times))
	}
	for i, at := range times {
		want := epoch.Add(time.Duration(i+1) * time.Second)
		if !at.Equal(want) {
			t.Errorf("callback %d at %v, want %v", i, at, want)
		}
	}
	if got := c.Now(); !got.Equal(epoch.Add(10 * time.Second)) {
		t.Errorf("Now = %v after advance", got)
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Minute)
	defer ticker.Stop()

	c.Advance(time.Minute)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one period")
	}
	c.Advance(30 * time.Second)
	select {
	case <-ticker.C:
		t.Fatal("tick before period elapsed")
	default:
	}
}

func TestFakeBlockUntil(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()
	c.BlockUntil(1)
	c.Advance(time.Second)
	<-done
}
