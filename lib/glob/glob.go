// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package glob matches "/"-separated hierarchical names such as
// command names ("storage/disks/list") and group paths against policy
// patterns.
//
//   - "*" and "?" match within one segment, as in path.Match
//   - "**" as a whole segment matches zero or more segments
//   - "**" alone matches every name
//
// A malformed pattern matches nothing, so a typo in a policy file can
// only ever remove access.
package glob

import (
	"path"
	"strings"
)

// Match reports whether name matches pattern.
func Match(pattern, name string) bool {
	if pattern == "**" {
		return true
	}
	if !strings.Contains(pattern, "**") {
		matched, err := path.Match(pattern, name)
		return err == nil && matched
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

// MatchAny reports whether name matches at least one pattern. An empty
// pattern list matches nothing.
func MatchAny(patterns []string, name string) bool {
	for _, pattern := range patterns {
		if Match(pattern, name) {
			return true
		}
	}
	return false
}

// Valid reports whether pattern is well formed.
func Valid(pattern string) bool {
	for _, segment := range strings.Split(pattern, "/") {
		if segment == "**" {
			continue
		}
		if _, err := path.Match(segment, ""); err != nil {
			return false
		}
	}
	return true
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		head := pattern[0]
		if head == "**" {
			rest := pattern[1:]
			// Try every split point, including consuming nothing.
			for skip := 0; skip <= len(name); skip++ {
				if skip > 0 && name[skip-1] == "" {
					return false
				}
				if matchSegments(rest, name[skip:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		matched, err := path.Match(head, name[0])
		if err != nil || !matched {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}
