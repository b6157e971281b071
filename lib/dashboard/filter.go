// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

package dashboard

import (
	"strings"
	"unicode"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"
)

// filter narrows the rows of the current tab with fzf's fuzzy
// matcher. Matching is case-insensitive.
type filter struct {
	// editing is true while keystrokes go to the query.
	editing bool
	query   []rune
	slab    *util.Slab
}

func newFilter() filter {
	return filter{slab: util.MakeSlab(100*1024, 2048)}
}

func (f *filter) empty() bool { return len(f.query) == 0 }

func (f *filter) String() string { return string(f.query) }

func (f *filter) appendRunes(runes []rune) {
	for _, r := range runes {
		f.query = append(f.query, unicode.ToLower(r))
	}
}

func (f *filter) backspace() {
	if len(f.query) > 0 {
		f.query = f.query[:len(f.query)-1]
	}
}

func (f *filter) clear() {
	f.query = f.query[:0]
	f.editing = false
}

// matches reports whether any of fields fuzzy-matches the query.
func (f *filter) matches(fields ...string) bool {
	if f.empty() {
		return true
	}
	chars := util.ToChars([]byte(strings.Join(fields, " ")))
	result, _ := algo.FuzzyMatchV2(false, true, true, &chars, f.query, false, f.slab)
	return result.Start >= 0
}
