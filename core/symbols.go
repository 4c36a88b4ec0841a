package core

import (
	"sort"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SYMBOLS - Per-run universe
// ═══════════════════════════════════════════════════════════════════════════════
//
// The run visits the configured symbols plus any symbol that still has an
// OPEN position, so dropping a symbol from SYMBOLS never abandons capital.
//
// ═══════════════════════════════════════════════════════════════════════════════

// SymbolSet is an ordered, de-duplicated set of upper-case symbols
type SymbolSet struct {
	seen  map[string]bool
	order []string
}

// NewSymbolSet creates a set seeded with symbols
func NewSymbolSet(symbols ...string) *SymbolSet {
	s := &SymbolSet{seen: make(map[string]bool)}
	s.Add(symbols...)
	return s
}

// Add inserts symbols, ignoring blanks and duplicates
func (s *SymbolSet) Add(symbols ...string) {
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym == "" || s.seen[sym] {
			continue
		}
		s.seen[sym] = true
		s.order = append(s.order, sym)
	}
}

// Contains reports whether sym is in the set
func (s *SymbolSet) Contains(sym string) bool {
	return s.seen[strings.ToUpper(sym)]
}

// Sorted returns the symbols in lexical order
func (s *SymbolSet) Sorted() []string {
	out := append([]string(nil), s.order...)
	sort.Strings(out)
	return out
}

// Count returns the number of symbols
func (s *SymbolSet) Count() int {
	return len(s.order)
}
