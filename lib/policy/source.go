// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// Source supplies the current rule set.
type Source interface {
	Load(ctx context.Context) ([]Rule, error)
}

// FileSource reads rules from a YAML file:
//
//	rules:
//	  - name: admins
//	    effect: allow
//	    groups: [admins]
//	  - name: no-remote-wipe
//	    effect: deny
//	    commands: [storage/**/wipe]
//	    hosts: [edge-*]
type FileSource struct {
	Path string
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Load reads and validates the file.
func (s FileSource) Load(ctx context.Context) ([]Rule, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing policy file %s: %w", s.Path, err)
	}
	return file.Rules, nil
}

// StaticSource serves an in-memory rule set.
type StaticSource struct {
	mu    sync.Mutex
	rules []Rule
}

// NewStaticSource returns a source serving rules.
func NewStaticSource(rules ...Rule) *StaticSource {
	return &StaticSource{rules: rules}
}

// Set replaces the rules returned by subsequent loads.
func (s *StaticSource) Set(rules ...Rule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = rules
}

func (s *StaticSource) Load(ctx context.Context) ([]Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.rules), nil
}
