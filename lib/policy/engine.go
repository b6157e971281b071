// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/consolegate/consolegate/lib/codec"
	"github.com/consolegate/consolegate/lib/identity"
	"github.com/consolegate/consolegate/lib/registry"
)

// Config configures an Engine.
type Config struct {
	Source Source

	// Host is this gateway's host name, matched against rule Hosts.
	Host string

	Logger *slog.Logger
}

// Engine holds the current rule set. It is safe for concurrent use.
type Engine struct {
	source Source
	host   string
	logger *slog.Logger

	reloadMu   sync.Mutex
	mu         sync.RWMutex
	rules      []Rule
	digest     [32]byte
	generation atomic.Uint64
}

// NewEngine loads the initial rule set from config.Source.
func NewEngine(ctx context.Context, config Config) (*Engine, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("policy: no rule source configured")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	engine := &Engine{source: config.Source, host: config.Host, logger: logger}
	if _, err := engine.Reload(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// Generation advances whenever Reload installs a different rule set.
func (e *Engine) Generation() uint64 { return e.generation.Load() }

// Reload re-reads the source. It reports whether the rules changed.
// Invalid rule sets are rejected and the current rules stay in force.
func (e *Engine) Reload(ctx context.Context) (bool, error) {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	rules, err := e.source.Load(ctx)
	if err != nil {
		return false, fmt.Errorf("policy: loading rules: %w", err)
	}
	for index := range rules {
		if rules[index].Name == "" {
			rules[index].Name = fmt.Sprintf("rule-%d", index+1)
		}
		if err := rules[index].Validate(); err != nil {
			return false, fmt.Errorf("policy: %w", err)
		}
	}
	encoded, err := codec.Marshal(rules)
	if err != nil {
		return false, fmt.Errorf("policy: digesting rules: %w", err)
	}
	digest := blake3.Sum256(encoded)

	e.mu.Lock()
	changed := e.generation.Load() == 0 || digest != e.digest
	if changed {
		e.rules = rules
		e.digest = digest
		e.generation.Add(1)
	}
	e.mu.Unlock()

	if changed {
		e.logger.Info("policy loaded", "rules", len(rules), "generation", e.Generation())
	}
	return changed, nil
}

// ComputePermissionSet reduces the rules applying to id over every
// command in catalog.
func (e *Engine) ComputePermissionSet(ctx context.Context, id *identity.Identity, catalog *registry.Catalog) (*PermissionSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	rules := e.rules
	generation := e.generation.Load()
	e.mu.RUnlock()

	set := &PermissionSet{
		anonymous:  id.IsAnonymous(),
		generation: generation,
		catalog:    catalog,
		modules:    make(map[string]map[string]*entry),
	}
	if !id.IsAnonymous() {
		set.username = id.Username
	}

	var applicable []*Rule
	if !id.IsAnonymous() {
		for index := range rules {
			if rules[index].appliesTo(id, e.host) {
				applicable = append(applicable, &rules[index])
			}
		}
	}

	for _, module := range catalog.Modules() {
		for _, command := range module.Commands {
			if command.Anonymous {
				set.add(module.ID, command.Name, &entry{anonymous: true, denies: conditionalDenies(applicable, module.ID, command.Name)})
				continue
			}
			if id.IsAnonymous() {
				continue
			}
			current := &entry{}
			blocked := false
			for _, rule := range applicable {
				if !rule.covers(module.ID, command.Name) {
					continue
				}
				if rule.Effect == EffectDeny {
					if !rule.conditional() {
						blocked = true
						break
					}
					current.denies = append(current.denies, rule)
					continue
				}
				current.allows = append(current.allows, rule)
			}
			if !blocked && len(current.allows) > 0 {
				set.add(module.ID, command.Name, current)
			}
		}
	}
	return set, nil
}

// conditionalDenies returns the conditional deny rules covering an
// anonymous command. Anonymous commands stay reachable to every
// identity; only predicates can narrow them.
func conditionalDenies(rules []*Rule, module, command string) []*Rule {
	var denies []*Rule
	for _, rule := range rules {
		if rule.Effect == EffectDeny && rule.conditional() && rule.covers(module, command) {
			denies = append(denies, rule)
		}
	}
	return denies
}

// IsAllowed evaluates one request against set.
func (e *Engine) IsAllowed(set *PermissionSet, module, command string, options map[string]any, flavor string) Result {
	granted := set.lookup(module, command)
	if granted == nil {
		return Result{Decision: Deny, Reason: ReasonNoRule}
	}
	for _, rule := range granted.denies {
		if rule.predicatesHold(options, flavor) {
			return Result{Decision: Deny, Reason: ReasonDenied, Rule: rule.Name}
		}
	}
	if granted.anonymous {
		return Result{Decision: Allow}
	}
	for _, rule := range granted.allows {
		if rule.predicatesHold(options, flavor) {
			return Result{Decision: Allow, Rule: rule.Name}
		}
	}
	return Result{Decision: Deny, Reason: ReasonPredicate}
}

// Fresh reports whether set was computed from the engine's current
// rules and the given catalogue.
func (e *Engine) Fresh(set *PermissionSet, catalog *registry.Catalog) bool {
	return set != nil && set.generation == e.Generation() && set.catalog == catalog
}
