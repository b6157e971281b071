// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/zeebo/blake3"

	"github.com/consolegate/consolegate/lib/codec"
)

// Diff lists the modules whose definitions differ between two
// catalogues.
type Diff struct {
	Added   []string
	Changed []string
	Removed []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Changed) == 0 && len(d.Removed) == 0
}

// Stale returns the modules whose running workers no longer match
// the catalogue.
func (d Diff) Stale() []string {
	return append(slices.Clone(d.Changed), d.Removed...)
}

// Store holds the live catalogue. Readers call Current on every
// request; Reload swaps in a new catalogue without blocking them.
type Store struct {
	load func() (*Catalog, error)

	reloadMu   sync.Mutex
	current    atomic.Pointer[Catalog]
	generation atomic.Uint64
}

// NewStore loads the catalogue at path.
func NewStore(path string) (*Store, error) {
	return NewStoreFunc(func() (*Catalog, error) { return Load(path) })
}

// NewStoreFunc builds a store whose Reload calls load.
func NewStoreFunc(load func() (*Catalog, error)) (*Store, error) {
	catalog, err := load()
	if err != nil {
		return nil, err
	}
	store := &Store{load: load}
	store.current.Store(catalog)
	store.generation.Store(1)
	return store, nil
}

// Current returns the live catalogue.
func (s *Store) Current() *Catalog { return s.current.Load() }

// Generation increases every time Reload installs a different
// catalogue.
func (s *Store) Generation() uint64 { return s.generation.Load() }

// Reload re-reads the source. On error the current catalogue stays in
// place. The generation only advances when some module changed.
func (s *Store) Reload() (Diff, error) {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	next, err := s.load()
	if err != nil {
		return Diff{}, fmt.Errorf("reloading module catalogue: %w", err)
	}
	diff, err := Compare(s.current.Load(), next)
	if err != nil {
		return Diff{}, err
	}
	if diff.Empty() {
		return diff, nil
	}
	s.current.Store(next)
	s.generation.Add(1)
	return diff, nil
}

// Compare reports which modules differ between old and next.
func Compare(old, next *Catalog) (Diff, error) {
	var diff Diff
	for _, id := range next.order {
		previous, existed := old.modules[id]
		if !existed {
			diff.Added = append(diff.Added, id)
			continue
		}
		same, err := sameModule(previous, next.modules[id])
		if err != nil {
			return Diff{}, err
		}
		if !same {
			diff.Changed = append(diff.Changed, id)
		}
	}
	for _, id := range old.order {
		if _, kept := next.modules[id]; !kept {
			diff.Removed = append(diff.Removed, id)
		}
	}
	return diff, nil
}

func sameModule(a, b *Module) (bool, error) {
	left, err := fingerprint(a)
	if err != nil {
		return false, err
	}
	right, err := fingerprint(b)
	if err != nil {
		return false, err
	}
	return left == right, nil
}

func fingerprint(module *Module) ([32]byte, error) {
	encoded, err := codec.Marshal(module)
	if err != nil {
		return [32]byte{}, fmt.Errorf("fingerprinting module %q: %w", module.ID, err)
	}
	return blake3.Sum256(encoded), nil
}
