// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package filewatch

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/consolegate/consolegate/lib/testutil"
)

type harness struct {
	changes chan []string
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, paths ...string) *harness {
	t.Helper()
	h := &harness{
		changes: make(chan []string, 8),
		done:    make(chan error, 1),
	}
	watcher, err := New(Config{
		Paths:    paths,
		Debounce: 50 * time.Millisecond,
		OnChange: func(_ context.Context, changed []string) { h.changes <- changed },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- watcher.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, h.done, 5*time.Second, "watcher exit")
	})
	return h
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestBurstIsCoalesced(t *testing.T) {
	directory := t.TempDir()
	registry := filepath.Join(directory, "modules.yaml")
	policy := filepath.Join(directory, "policy.yaml")
	writeFile(t, registry, "modules: []\n")
	writeFile(t, policy, "rules: []\n")
	h := start(t, registry, policy)

	writeFile(t, registry, "modules: [a]\n")
	writeFile(t, policy, "rules: [b]\n")
	writeFile(t, registry, "modules: [c]\n")

	changed := testutil.RequireReceive(t, h.changes, 5*time.Second, "change notification")
	if !slices.Equal(changed, []string{registry, policy}) && !slices.Equal(changed, []string{policy, registry}) {
		t.Fatalf("changed = %v", changed)
	}
	select {
	case extra := <-h.changes:
		t.Fatalf("unexpected second notification %v", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRenameIntoPlaceIsSeen(t *testing.T) {
	directory := t.TempDir()
	policy := filepath.Join(directory, "policy.yaml")
	writeFile(t, policy, "rules: []\n")
	h := start(t, policy)

	staged := filepath.Join(directory, ".policy.yaml.tmp")
	writeFile(t, staged, "rules: [new]\n")
	if err := os.Rename(staged, policy); err != nil {
		t.Fatalf("rename: %v", err)
	}

	changed := testutil.RequireReceive(t, h.changes, 5*time.Second, "change notification")
	if !slices.Equal(changed, []string{policy}) {
		t.Fatalf("changed = %v, want [%s]", changed, policy)
	}
}

func TestUnrelatedFilesIgnored(t *testing.T) {
	directory := t.TempDir()
	policy := filepath.Join(directory, "policy.yaml")
	writeFile(t, policy, "rules: []\n")
	h := start(t, policy)

	writeFile(t, filepath.Join(directory, "notes.txt"), "hello\n")
	select {
	case changed := <-h.changes:
		t.Fatalf("notified for unrelated file: %v", changed)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(Config{OnChange: func(context.Context, []string) {}}); err == nil {
		t.Error("New accepted no paths")
	}
	if _, err := New(Config{Paths: []string{"/tmp/x"}}); err == nil {
		t.Error("New accepted nil OnChange")
	}
	missing := filepath.Join(t.TempDir(), "absent", "policy.yaml")
	if _, err := New(Config{Paths: []string{missing}, OnChange: func(context.Context, []string) {}}); err == nil {
		t.Error("New accepted a path in a missing directory")
	}
}
