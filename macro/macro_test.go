package macro

import (
	"testing"

	"github.com/gbhla/gbhla/parser"
)

func tokenize(t *testing.T, source string) []parser.Token {
	t.Helper()
	tokens, _, err := parser.Tokenize(source, "test.asm")
	if err != nil {
		t.Fatalf("Tokenize() error = %v", err)
	}
	return tokens
}

// callerParams splits a comma-separated source string into parameter token
// lists, mirroring what the assembler's parameter fetch produces.
func callerParams(t *testing.T, sources ...string) [][]parser.Token {
	t.Helper()
	params := make([][]parser.Token, 0, len(sources))
	for _, source := range sources {
		params = append(params, tokenize(t, source))
	}
	return params
}

func body(t *testing.T) []parser.Token {
	t.Helper()
	return tokenize(t, "db 1")
}

func TestDB_ConstantBeforeHoles(t *testing.T) {
	db := NewDB()
	if db.Add("T", callerParams(t, "_a"), body(t)) == nil {
		t.Fatal("Add(_a) rejected")
	}
	if db.Add("T", callerParams(t, "1"), body(t)) == nil {
		t.Fatal("Add(1) rejected")
	}

	m, _ := db.Get("T", callerParams(t, "1"))
	if m == nil || !m.IsConstantParams() {
		t.Errorf("T 1 resolved to %v, want the constant pattern", m)
	}
	m, bindings := db.Get("T", callerParams(t, "2"))
	if m == nil || m.IsConstantParams() {
		t.Errorf("T 2 resolved to %v, want the hole pattern", m)
	}
	if got := bindings["_a"]; len(got) != 1 || got[0].Num != 2 {
		t.Errorf("binding _a = %v, want [2]", got)
	}
}

func TestDB_SpecificityOrder(t *testing.T) {
	// a hole in a later parameter is more specific than one in an earlier
	db := NewDB()
	db.Add("T", callerParams(t, "_a", "_b"), tokenize(t, "first"))
	db.Add("T", callerParams(t, "1", "_b"), tokenize(t, "second"))
	db.Add("T", callerParams(t, "1", "1 + _b"), tokenize(t, "third"))

	tests := []struct {
		name   string
		caller [][]parser.Token
		want   string
	}{
		{"BothFree", callerParams(t, "9", "9"), "first"},
		{"FirstLiteral", callerParams(t, "1", "2"), "second"},
		{"DeepLiteral", callerParams(t, "1", "1 + 2"), "third"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := db.Get("T", tt.caller)
			if m == nil {
				t.Fatal("no pattern matched")
			}
			if got := m.Contents[0].Text; got != tt.want {
				t.Errorf("matched body %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDB_DuplicateRejected(t *testing.T) {
	db := NewDB()
	if db.Add("T", callerParams(t, "_a"), body(t)) == nil {
		t.Fatal("first Add rejected")
	}
	// holes compare equal regardless of their names
	if db.Add("T", callerParams(t, "_other"), body(t)) != nil {
		t.Error("structurally equal hole pattern accepted")
	}
	if db.Add("T", callerParams(t, "1"), body(t)) == nil {
		t.Fatal("constant Add rejected")
	}
	if db.Add("T", callerParams(t, "1"), body(t)) != nil {
		t.Error("duplicate constant pattern accepted")
	}
}

func TestDB_CaseInsensitiveNames(t *testing.T) {
	db := NewDB()
	db.Add("Test", nil, body(t))
	if m, _ := db.Get("TEST", nil); m == nil {
		t.Error("uppercase lookup failed")
	}
	if m, _ := db.Get("test", nil); m == nil {
		t.Error("lowercase lookup failed")
	}
}

func TestMacro_SliceCapture(t *testing.T) {
	db := NewDB()
	// pattern: _a + 1 inside one parameter list: hole captures everything
	// up to the trailing literal
	db.Add("LD", callerParams(t, "_a + 1"), body(t))

	m, bindings := db.Get("LD", callerParams(t, "2 * 3 + 1"))
	if m == nil {
		t.Fatal("no pattern matched")
	}
	got := bindings["_a"]
	if len(got) != 3 {
		t.Fatalf("captured %d tokens, want 3: %v", len(got), got)
	}
	if got[0].Num != 2 || !got[1].IsA(parser.TokenStar) || got[2].Num != 3 {
		t.Errorf("captured %v, want [2 * 3]", got)
	}
}

func TestMacro_LiteralMismatch(t *testing.T) {
	db := NewDB()
	db.Add("LD", callerParams(t, "_a + 1"), body(t))
	if m, _ := db.Get("LD", callerParams(t, "2 - 1")); m != nil {
		t.Error("pattern with + literal matched a - caller")
	}
	if m, _ := db.Get("LD", callerParams(t, "+ 1")); m != nil {
		t.Error("hole must capture at least one token")
	}
}

func TestMacro_ParamCountMismatch(t *testing.T) {
	db := NewDB()
	db.Add("T", callerParams(t, "_a"), body(t))
	if m, _ := db.Get("T", callerParams(t, "1", "2")); m != nil {
		t.Error("two caller parameters matched a one-parameter pattern")
	}
}

func TestExpand_Substitution(t *testing.T) {
	contents := tokenize(t, "db _a, _a + 1")
	bindings := Bindings{"_a": tokenize(t, "7")}
	expanded := Expand(contents, bindings)

	want := tokenize(t, "db 7, 7 + 1")
	if len(expanded) != len(want) {
		t.Fatalf("expanded to %d tokens, want %d", len(expanded), len(want))
	}
	for i := range want {
		if !expanded[i].Matches(want[i]) {
			t.Errorf("token %d = %v, want %v", i, expanded[i], want[i])
		}
	}
}

func TestMacro_Chains(t *testing.T) {
	m := NewMacro("IF", nil, nil)
	chain := m.AddChain("else", tokenize(t, "db 1"))
	if chain == nil || m.Chains["else"] != chain {
		t.Error("chain not registered")
	}
}
