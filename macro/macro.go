// Package macro implements the pattern-matched macro database. Multiple
// definitions of one name coexist; lookup picks the first constant-only
// pattern that matches the caller, then the most specific hole-bearing one.
package macro

import (
	"sort"
	"strings"

	"github.com/gbhla/gbhla/parser"
)

// Bindings maps a hole identifier to the contiguous caller-token slice it
// captured.
type Bindings map[string][]parser.Token

// Linked names another macro a definition forwards to: after the body, the
// head identifier and the fixed argument lists are replayed.
type Linked struct {
	Head   parser.Token
	Params [][]parser.Token
}

// Macro is one definition: parameter patterns, a body, and the optional
// block-macro extras (post body, chains, link target).
type Macro struct {
	Name         string
	Params       [][]parser.Token
	Contents     []parser.Token
	PostContents []parser.Token
	Chains       map[string]*Macro
	Linked       *Linked

	sortKey []int
}

// NewMacro builds a definition and precomputes its specificity key: one
// entry of -(paramIndex*100 + tokenIndex) per hole, so patterns whose holes
// sit later sort first under lexicographic order.
func NewMacro(name string, params [][]parser.Token, contents []parser.Token) *Macro {
	m := &Macro{Name: name, Params: params, Contents: contents, Chains: make(map[string]*Macro)}
	for paramIdx, param := range params {
		for tokenIdx, tok := range param {
			if isHole(tok) {
				m.sortKey = append(m.sortKey, -(paramIdx*100 + tokenIdx))
			}
		}
	}
	return m
}

// isHole reports whether a pattern token captures caller tokens: an
// identifier whose name starts with an underscore.
func isHole(tok parser.Token) bool {
	return tok.IsA(parser.TokenIdentifier) && len(tok.Text) > 0 && tok.Text[0] == '_'
}

// IsConstantParams reports whether the pattern contains no holes.
func (m *Macro) IsConstantParams() bool {
	return len(m.sortKey) == 0
}

// AddChain registers a named continuation body (e.g. the "else" of an "if"
// block macro) sharing this definition's parameter patterns.
func (m *Macro) AddChain(name string, contents []parser.Token) *Macro {
	chain := NewMacro(name, m.Params, contents)
	m.Chains[name] = chain
	return chain
}

// MatchParams matches caller parameters against the pattern, returning the
// hole bindings, or nil when the pattern does not apply.
func (m *Macro) MatchParams(params [][]parser.Token) Bindings {
	if len(params) != len(m.Params) {
		return nil
	}
	bindings := make(Bindings)
	for i := range params {
		if !matchTokenList(params[i], m.Params[i], bindings) {
			return nil
		}
	}
	return bindings
}

// matchTokenList matches one caller parameter against one pattern parameter.
// A hole captures len(caller)-callerIdx-(len(pattern)-patternIdx)+1 tokens,
// at least one; literals must match exactly.
func matchTokenList(caller, pattern []parser.Token, bindings Bindings) bool {
	callerIdx := 0
	for patternIdx, tok := range pattern {
		if isHole(tok) {
			capture := (len(caller) - callerIdx) - (len(pattern) - patternIdx) + 1
			if capture < 1 {
				return false
			}
			bindings[tok.Text] = caller[callerIdx : callerIdx+capture]
			callerIdx += capture
			continue
		}
		if callerIdx >= len(caller) {
			return false
		}
		if !caller[callerIdx].Matches(tok) {
			return false
		}
		callerIdx++
	}
	return callerIdx == len(caller)
}

// Equal reports structural pattern equality. Two holes compare equal
// regardless of their names.
func (m *Macro) Equal(other *Macro) bool {
	if len(m.Params) != len(other.Params) {
		return false
	}
	for i := range m.Params {
		p0, p1 := m.Params[i], other.Params[i]
		if len(p0) != len(p1) {
			return false
		}
		for j := range p0 {
			if isHole(p0[j]) && isHole(p1[j]) {
				continue
			}
			if !p0[j].Matches(p1[j]) {
				return false
			}
		}
	}
	return true
}

// keyLess is the lexicographic order of two specificity keys, shorter keys
// ordering before longer prefixes (Python tuple semantics).
func keyLess(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// entry holds both lookup buckets for one name.
type entry struct {
	constant []*Macro // no holes; tried first, in definition order
	patterns []*Macro // hole-bearing; kept sorted by specificity
}

// DB stores macro definitions by name. Statement macros and expression
// macros live in separate DB instances.
type DB struct {
	macros map[string]*entry
}

// NewDB creates an empty macro database.
func NewDB() *DB {
	return &DB{macros: make(map[string]*entry)}
}

// Add inserts a definition; names are stored case-insensitively (upper).
// A structurally equal existing pattern rejects the insert with a nil
// return.
func (db *DB) Add(name string, params [][]parser.Token, contents []parser.Token) *Macro {
	name = strings.ToUpper(name)
	m := NewMacro(name, params, contents)
	e := db.macros[name]
	if e == nil {
		e = &entry{}
		db.macros[name] = e
	}
	if m.IsConstantParams() {
		for _, other := range e.constant {
			if other.Equal(m) {
				return nil
			}
		}
		e.constant = append(e.constant, m)
		return m
	}
	for _, other := range e.patterns {
		if other.Equal(m) {
			return nil
		}
	}
	e.patterns = append(e.patterns, m)
	sort.SliceStable(e.patterns, func(i, j int) bool {
		return keyLess(e.patterns[i].sortKey, e.patterns[j].sortKey)
	})
	return m
}

// Get resolves a caller against the stored definitions: constant-only
// patterns with a matching parameter count first, then hole-bearing patterns
// in specificity order. Returns nil when nothing matches.
func (db *DB) Get(name string, params [][]parser.Token) (*Macro, Bindings) {
	e := db.macros[strings.ToUpper(name)]
	if e == nil {
		return nil, nil
	}
	for _, m := range e.constant {
		if len(m.Params) != len(params) {
			continue
		}
		if bindings := m.MatchParams(params); bindings != nil {
			return m, bindings
		}
	}
	for _, m := range e.patterns {
		if bindings := m.MatchParams(params); bindings != nil {
			return m, bindings
		}
	}
	return nil, nil
}

// Expand renders a body with every bound hole identifier replaced by its
// captured token slice.
func Expand(contents []parser.Token, bindings Bindings) []parser.Token {
	result := make([]parser.Token, 0, len(contents))
	for _, tok := range contents {
		if tok.IsA(parser.TokenIdentifier) {
			if replacement, ok := bindings[tok.Text]; ok {
				result = append(result, replacement...)
				continue
			}
		}
		result = append(result, tok)
	}
	return result
}
