// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"maps"
	"slices"

	"github.com/consolegate/consolegate/lib/registry"
)

// Decision is the outcome of a check.
type Decision int

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

// Reason explains a denial.
type Reason int

const (
	// ReasonNoRule means no allow rule covers the command.
	ReasonNoRule Reason = iota

	// ReasonPredicate means allow rules cover the command but none of
	// their flavor or option predicates hold for this request.
	ReasonPredicate

	// ReasonDenied means a deny rule matched.
	ReasonDenied
)

func (r Reason) String() string {
	switch r {
	case ReasonNoRule:
		return "no matching rule"
	case ReasonPredicate:
		return "flavor or options not permitted"
	case ReasonDenied:
		return "explicit denial"
	default:
		return "unknown"
	}
}

// Result is the outcome of IsAllowed.
type Result struct {
	Decision Decision

	// Reason is meaningful only for Deny.
	Reason Reason

	// Rule names the rule that decided, when one did.
	Rule string
}

// Allowed reports whether the decision is Allow.
func (r Result) Allowed() bool { return r.Decision == Allow }

type entry struct {
	anonymous bool
	allows    []*Rule
	denies    []*Rule
}

// PermissionSet is the reduced policy for one identity: the commands
// it may invoke per module, with residual predicates. Immutable.
type PermissionSet struct {
	username   string
	anonymous  bool
	generation uint64
	catalog    *registry.Catalog
	modules    map[string]map[string]*entry
}

func (s *PermissionSet) add(module, command string, e *entry) {
	commands := s.modules[module]
	if commands == nil {
		commands = make(map[string]*entry)
		s.modules[module] = commands
	}
	commands[command] = e
}

func (s *PermissionSet) lookup(module, command string) *entry {
	if s == nil {
		return nil
	}
	return s.modules[module][command]
}

// HasModule reports whether any command of module is permitted. It
// makes a PermissionSet usable as a registry.ModuleSet.
func (s *PermissionSet) HasModule(module string) bool {
	return s != nil && len(s.modules[module]) > 0
}

// Has reports whether command of module is in the set, ignoring
// request-time predicates.
func (s *PermissionSet) Has(module, command string) bool {
	return s.lookup(module, command) != nil
}

// Modules returns the permitted module ids, sorted.
func (s *PermissionSet) Modules() []string {
	return slices.Sorted(maps.Keys(s.modules))
}

// Commands returns the permitted commands of module, sorted.
func (s *PermissionSet) Commands(module string) []string {
	return slices.Sorted(maps.Keys(s.modules[module]))
}

// Username is the identity the set was computed for, empty when
// anonymous.
func (s *PermissionSet) Username() string { return s.username }

// Anonymous reports whether the set was computed for an anonymous
// identity.
func (s *PermissionSet) Anonymous() bool { return s.anonymous }

// Generation is the policy generation the set was computed from.
func (s *PermissionSet) Generation() uint64 { return s.generation }
