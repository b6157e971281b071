// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"errors"
	"sync"
	"testing"
)

func TestNewIsZeroFilled(t *testing.T) {
	buffer, err := New(32)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buffer.Close()

	if buffer.Len() != 32 {
		t.Fatalf("Len = %d, want 32", buffer.Len())
	}
	for index, value := range buffer.Bytes() {
		if value != 0 {
			t.Fatalf("byte %d = %d, want 0", index, value)
		}
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -4} {
		if _, err := New(size); err == nil {
			t.Errorf("New(%d) succeeded", size)
		}
	}
}

func TestNewFromBytesZeroesSource(t *testing.T) {
	source := []byte("hunter2")
	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "hunter2" {
		t.Errorf("String = %q", got)
	}
	for index, value := range source {
		if value != 0 {
			t.Fatalf("source byte %d not zeroed", index)
		}
	}
	if !buffer.Equal([]byte("hunter2")) {
		t.Error("Equal with identical content = false")
	}
	if buffer.Equal([]byte("hunter3")) {
		t.Error("Equal with different content = true")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromString("token")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !buffer.Closed() {
		t.Error("Closed = false after Close")
	}
	if buffer.Len() != 0 {
		t.Errorf("Len after Close = %d", buffer.Len())
	}
	if buffer.Equal([]byte("token")) {
		t.Error("closed buffer compared equal")
	}

	var nilBuffer *Buffer
	if err := nilBuffer.Close(); err != nil {
		t.Errorf("nil Close: %v", err)
	}
}

func TestBytesAfterClosePanics(t *testing.T) {
	buffer, err := New(8)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes after Close did not panic")
		}
	}()
	buffer.Bytes()
}

func TestWithBytesHoldsCloseOff(t *testing.T) {
	buffer, err := NewFromString("hunter2")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}

	entered := make(chan struct{})
	proceed := make(chan struct{})
	closed := make(chan struct{})
	var seen string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := buffer.WithBytes(func(raw []byte) error {
			close(entered)
			<-proceed
			seen = string(raw)
			return nil
		})
		if err != nil {
			t.Errorf("WithBytes: %v", err)
		}
	}()
	<-entered
	go func() {
		buffer.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while WithBytes was reading")
	default:
	}
	close(proceed)
	wg.Wait()
	<-closed

	if seen != "hunter2" {
		t.Errorf("read %q inside WithBytes", seen)
	}
	called := false
	err = buffer.WithBytes(func([]byte) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrClosed) || called {
		t.Errorf("WithBytes after Close = %v, called = %v", err, called)
	}
}
