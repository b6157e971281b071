// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package glob

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"users/list", "users/list", true},
		{"users/list", "users/create", false},
		{"**", "anything/at/all", true},
		{"users/*", "users/list", true},
		{"users/*", "users/groups/list", false},
		{"*/list", "users/list", true},
		{"users/**", "users", true},
		{"users/**", "users/groups/list", true},
		{"users/**", "usersx/list", false},
		{"**/list", "list", true},
		{"**/list", "a/b/list", true},
		{"**/list", "a/b/create", false},
		{"storage/**/list", "storage/list", true},
		{"storage/**/list", "storage/disks/parts/list", true},
		{"storage/**/list", "storage//list", false},
		{"a/**/b/**/c", "a/x/b/y/z/c", true},
		{"a/**/b/**/c", "a/x/y/c", false},
		{"sysinfo/cp?", "sysinfo/cpu", true},
		{"sysinfo?cpu", "sysinfo/cpu", false},
		{"[broken", "x", false},
		{"a/**/[broken", "a/b/x", false},
		{"", "", true},
		{"", "x", false},
	}
	for _, test := range tests {
		if got := Match(test.pattern, test.name); got != test.want {
			t.Errorf("Match(%q, %q) = %v, want %v", test.pattern, test.name, got, test.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	if MatchAny(nil, "x") {
		t.Error("empty pattern list matched")
	}
	if !MatchAny([]string{"a/*", "b/**"}, "b/c/d") {
		t.Error("expected second pattern to match")
	}
}

func TestValid(t *testing.T) {
	for pattern, want := range map[string]bool{
		"users/**":    true,
		"users/[a-z]": true,
		"users/[a-":   false,
		"**/x":        true,
	} {
		if got := Valid(pattern); got != want {
			t.Errorf("Valid(%q) = %v, want %v", pattern, got, want)
		}
	}
}
