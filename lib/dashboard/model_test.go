// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/ansi"

	"github.com/consolegate/consolegate/lib/clock"
	"github.com/consolegate/consolegate/lib/session"
	"github.com/consolegate/consolegate/lib/supervisor"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeSource returns each queued result in turn, then repeats the
// last one.
type fakeSource struct {
	results []fakeResult
	calls   int
}

type fakeResult struct {
	views []ReplicaView
	err   error
}

func (source *fakeSource) Fetch(ctx context.Context) ([]ReplicaView, error) {
	result := source.results[min(source.calls, len(source.results)-1)]
	source.calls++
	return result.views, result.err
}

func twoReplicas() []ReplicaView {
	return []ReplicaView{
		{
			ID:      "replica-a",
			Host:    "console-1",
			PID:     4100,
			Version: "v1.4.0",
			Workers: []supervisor.Info{
				{ID: "w-2", Module: "sysinfo", State: "ready", Pid: 5001, Outstanding: 1, StartedAt: epoch.Add(-90 * time.Second)},
				{ID: "w-1", Module: "network", Scope: "3f9a0c1d2e4b5a6f", State: "starting"},
			},
			Sessions: []session.Info{
				{Fingerprint: "3f9a0c1d2e4b5a6f", Username: "alice", Kind: "authenticated", Origin: "10.0.0.7", Deadline: epoch.Add(10 * time.Minute), InFlight: 1},
			},
		},
		{
			ID:   "replica-b",
			Host: "console-1",
			PID:  4101,
			Err:  errors.New("dial unix /run/consolegate/admin.sock.replica-b: connection refused"),
		},
	}
}

// newTestModel returns a sized model that has applied one fetch.
func newTestModel(t *testing.T, source Source) Model {
	t.Helper()
	model := New(Config{Source: source, Clock: clock.Fake(epoch)})
	model = update(t, model, tea.WindowSizeMsg{Width: 120, Height: 30})
	return update(t, model, model.fetch()())
}

func update(t *testing.T, model Model, message tea.Msg) Model {
	t.Helper()
	updated, _ := model.Update(message)
	result, ok := updated.(Model)
	if !ok {
		t.Fatalf("Update returned %T, want Model", updated)
	}
	return result
}

func pressKey(t *testing.T, model Model, keyRune rune) (Model, tea.Cmd) {
	t.Helper()
	updated, command := model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{keyRune}})
	return updated.(Model), command
}

func screen(model Model) string {
	return ansi.Strip(model.View())
}

func TestWorkersViewListsEveryReplica(t *testing.T) {
	model := newTestModel(t, &fakeSource{results: []fakeResult{{views: twoReplicas()}}})
	view := screen(model)

	for _, want := range []string{
		"2 replica(s)", "2 worker(s)", "1 session(s)",
		"replica replica-a", "console-1 pid 4100", "v1.4.0",
		"sysinfo", "ready", "5001", "1m30s",
		"network", "3f9a0c1d2e4…", "starting",
		"replica replica-b", "unreachable: dial unix",
	} {
		if !strings.Contains(view, want) {
			t.Errorf("workers view missing %q:\n%s", want, view)
		}
	}
	if strings.Index(view, "network") > strings.Index(view, "sysinfo") {
		t.Error("workers are not sorted by module")
	}
}

func TestSessionsTab(t *testing.T) {
	model := newTestModel(t, &fakeSource{results: []fakeResult{{views: twoReplicas()}}})

	model, _ = pressKey(t, model, 's')
	view := screen(model)
	for _, want := range []string{"alice", "authenticated", "10.0.0.7", "in 10m0s"} {
		if !strings.Contains(view, want) {
			t.Errorf("sessions view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "sysinfo") {
		t.Error("sessions view still shows workers")
	}

	updated, _ := model.Update(tea.KeyMsg{Type: tea.KeyTab})
	if view := screen(updated.(Model)); !strings.Contains(view, "sysinfo") {
		t.Errorf("tab did not return to workers:\n%s", view)
	}
}

func TestFailedRefreshKeepsLastSnapshot(t *testing.T) {
	source := &fakeSource{results: []fakeResult{
		{views: twoReplicas()},
		{err: errors.New("listing replicas: database is locked")},
	}}
	model := newTestModel(t, source)

	model, command := pressKey(t, model, 'r')
	if command == nil {
		t.Fatal("refresh key returned no command")
	}
	model = update(t, model, command())

	view := screen(model)
	if !strings.Contains(view, "sysinfo") {
		t.Errorf("snapshot lost after failed refresh:\n%s", view)
	}
	if !strings.Contains(view, "refresh failed: listing replicas: database is locked") {
		t.Errorf("refresh error not shown:\n%s", view)
	}
}

func TestRefreshWhileLoadingIsIgnored(t *testing.T) {
	model := New(Config{Source: &fakeSource{results: []fakeResult{{}}}, Clock: clock.Fake(epoch)})
	model = update(t, model, tea.WindowSizeMsg{Width: 80, Height: 20})

	if _, command := pressKey(t, model, 'r'); command != nil {
		t.Error("refresh during the initial fetch started another fetch")
	}
	if view := screen(model); !strings.Contains(view, "loading") {
		t.Errorf("initial view = %q, want loading placeholder", view)
	}
}

func TestEmptyTable(t *testing.T) {
	model := newTestModel(t, &fakeSource{results: []fakeResult{{}}})
	if view := screen(model); !strings.Contains(view, "no gateway replicas registered") {
		t.Errorf("view = %q", view)
	}
}

func TestScrollStaysInBounds(t *testing.T) {
	view := ReplicaView{ID: "replica-a", Host: "console-1", PID: 1}
	for index := range 50 {
		view.Workers = append(view.Workers, supervisor.Info{
			ID:     fmt.Sprintf("w-%d", index),
			Module: fmt.Sprintf("module-%02d", index),
			State:  "ready",
		})
	}
	model := New(Config{Source: &fakeSource{results: []fakeResult{{views: []ReplicaView{view}}}}, Clock: clock.Fake(epoch)})
	model = update(t, model, tea.WindowSizeMsg{Width: 80, Height: 13})
	model = update(t, model, model.fetch()())

	limit := model.body.TotalLineCount() - model.body.Height
	if limit <= 0 {
		t.Fatalf("content fits on screen (%d lines), test needs it to scroll", model.body.TotalLineCount())
	}
	for range limit + 10 {
		model, _ = pressKey(t, model, 'j')
	}
	if model.body.YOffset != limit {
		t.Errorf("offset after scrolling past the end = %d, want %d", model.body.YOffset, limit)
	}

	model, _ = pressKey(t, model, 'g')
	if model.body.YOffset != 0 {
		t.Errorf("offset after home = %d, want 0", model.body.YOffset)
	}
	model, _ = pressKey(t, model, 'k')
	if model.body.YOffset != 0 {
		t.Errorf("offset after scrolling above the top = %d, want 0", model.body.YOffset)
	}
}

func TestQuit(t *testing.T) {
	model := newTestModel(t, &fakeSource{results: []fakeResult{{}}})
	_, command := pressKey(t, model, 'q')
	if command == nil {
		t.Fatal("q returned no command")
	}
	if _, ok := command().(tea.QuitMsg); !ok {
		t.Error("q did not quit")
	}
}

func TestLinesFitTheTerminal(t *testing.T) {
	model := New(Config{Source: &fakeSource{results: []fakeResult{{views: twoReplicas()}}}, Clock: clock.Fake(epoch)})
	model = update(t, model, tea.WindowSizeMsg{Width: 40, Height: 30})
	model = update(t, model, model.fetch()())

	for _, line := range strings.Split(model.View(), "\n") {
		if width := ansi.StringWidth(line); width > 40 {
			t.Errorf("line is %d cells wide, terminal is 40: %q", width, ansi.Strip(line))
		}
	}
}

func TestFilterNarrowsRows(t *testing.T) {
	model := newTestModel(t, &fakeSource{results: []fakeResult{{views: twoReplicas()}}})

	model, _ = pressKey(t, model, '/')
	for _, r := range "SYSNF" {
		model, _ = pressKey(t, model, r)
	}
	view := screen(model)
	if !strings.Contains(view, "sysinfo") || strings.Contains(view, "network") {
		t.Errorf("filter sysnf:\n%s", view)
	}
	if !strings.Contains(view, "/sysnf") {
		t.Errorf("filter prompt not shown:\n%s", view)
	}

	// Keys go back to navigation after enter; the filter stays.
	updated, _ := model.Update(tea.KeyMsg{Type: tea.KeyEnter})
	model = updated.(Model)
	model, _ = pressKey(t, model, 's')
	if view := screen(model); !strings.Contains(view, `nothing matches "sysnf"`) {
		t.Errorf("sessions tab with filter:\n%s", view)
	}

	updated, _ = model.Update(tea.KeyMsg{Type: tea.KeyEsc})
	model = updated.(Model)
	if view := screen(model); !strings.Contains(view, "alice") {
		t.Errorf("escape did not clear the filter:\n%s", view)
	}
}

func TestFilterBackspace(t *testing.T) {
	model := newTestModel(t, &fakeSource{results: []fakeResult{{views: twoReplicas()}}})

	model, _ = pressKey(t, model, '/')
	for _, r := range "zzz" {
		model, _ = pressKey(t, model, r)
	}
	if view := screen(model); strings.Contains(view, "sysinfo") {
		t.Fatalf("filter zzz still shows sysinfo:\n%s", view)
	}
	for range 3 {
		updated, _ := model.Update(tea.KeyMsg{Type: tea.KeyBackspace})
		model = updated.(Model)
	}
	if view := screen(model); !strings.Contains(view, "sysinfo") || !strings.Contains(view, "network") {
		t.Errorf("empty filter hides rows:\n%s", view)
	}
}
