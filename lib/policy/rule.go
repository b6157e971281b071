// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"slices"

	"github.com/consolegate/consolegate/lib/glob"
	"github.com/consolegate/consolegate/lib/identity"
)

// Effect is what a matching rule does.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Rule binds subjects to a set of commands.
//
// All pattern lists use lib/glob syntax. An empty Users and Groups
// list applies the rule to every authenticated identity. Empty
// Modules, Commands or Hosts lists match everything. Flavors and
// Options are request-time predicates: empty means unconditional.
type Rule struct {
	Name     string   `yaml:"name"`
	Effect   Effect   `yaml:"effect"`
	Users    []string `yaml:"users,omitempty"`
	Groups   []string `yaml:"groups,omitempty"`
	Modules  []string `yaml:"modules,omitempty"`
	Commands []string `yaml:"commands,omitempty"`
	Hosts    []string `yaml:"hosts,omitempty"`
	Flavors  []string `yaml:"flavors,omitempty"`

	// Options maps an option name to the value patterns it must
	// match. A list-valued option satisfies an allow rule when every
	// element matches and a deny rule when any element matches.
	Options map[string][]string `yaml:"options,omitempty"`
}

// Validate checks the effect and every pattern.
func (r *Rule) Validate() error {
	if r.Effect != EffectAllow && r.Effect != EffectDeny {
		return fmt.Errorf("rule %q: effect must be %q or %q, got %q", r.Name, EffectAllow, EffectDeny, r.Effect)
	}
	lists := map[string][]string{
		"users": r.Users, "groups": r.Groups, "modules": r.Modules,
		"commands": r.Commands, "hosts": r.Hosts, "flavors": r.Flavors,
	}
	for field, patterns := range lists {
		for _, pattern := range patterns {
			if !glob.Valid(pattern) {
				return fmt.Errorf("rule %q: malformed %s pattern %q", r.Name, field, pattern)
			}
		}
	}
	for option, patterns := range r.Options {
		if len(patterns) == 0 {
			return fmt.Errorf("rule %q: option %q lists no values", r.Name, option)
		}
		for _, pattern := range patterns {
			if !glob.Valid(pattern) {
				return fmt.Errorf("rule %q: malformed pattern %q for option %q", r.Name, pattern, option)
			}
		}
	}
	return nil
}

// appliesTo reports whether the rule's subject and host selectors
// cover id on host.
func (r *Rule) appliesTo(id *identity.Identity, host string) bool {
	if len(r.Hosts) > 0 && !glob.MatchAny(r.Hosts, host) {
		return false
	}
	if len(r.Users) == 0 && len(r.Groups) == 0 {
		return true
	}
	if glob.MatchAny(r.Users, id.Username) {
		return true
	}
	return slices.ContainsFunc(id.Groups, func(group string) bool {
		return glob.MatchAny(r.Groups, group)
	})
}

func (r *Rule) covers(module, command string) bool {
	if len(r.Modules) > 0 && !glob.MatchAny(r.Modules, module) {
		return false
	}
	return len(r.Commands) == 0 || glob.MatchAny(r.Commands, command)
}

// conditional reports whether the rule has request-time predicates.
func (r *Rule) conditional() bool {
	return len(r.Flavors) > 0 || len(r.Options) > 0
}

// predicatesHold checks the flavor and option predicates.
func (r *Rule) predicatesHold(options map[string]any, flavor string) bool {
	if len(r.Flavors) > 0 && !glob.MatchAny(r.Flavors, flavor) {
		return false
	}
	anyElement := r.Effect == EffectDeny
	for name, patterns := range r.Options {
		value, present := options[name]
		if !present || !optionMatches(patterns, value, anyElement) {
			return false
		}
	}
	return true
}

// optionMatches matches value against patterns. For lists, anyElement
// selects between any element and every element matching.
func optionMatches(patterns []string, value any, anyElement bool) bool {
	switch typed := value.(type) {
	case nil:
		return false
	case []any:
		if len(typed) == 0 {
			return false
		}
		for _, element := range typed {
			if optionMatches(patterns, element, anyElement) == anyElement {
				return anyElement
			}
		}
		return !anyElement
	case []string:
		elements := make([]any, len(typed))
		for i, element := range typed {
			elements[i] = element
		}
		return optionMatches(patterns, elements, anyElement)
	case map[string]any:
		return false
	default:
		return glob.MatchAny(patterns, fmt.Sprint(typed))
	}
}
