package assembler

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbhla/gbhla/parser"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// assemble runs code inside a standard ROM0 section and returns its bytes.
func assemble(t *testing.T, code string) []byte {
	t.Helper()
	a := New()
	a.Output = io.Discard
	err := a.ProcessCode("#LAYOUT ROM0[$0000, $4000], AT[0]\n#SECTION \"TEST\", ROM0[0] { "+code+"\n }", "test.asm")
	require.Nil(t, err)
	sections, lerr := a.Link(false, io.Discard)
	require.Nil(t, lerr)
	require.Len(t, sections, 1)
	require.Equal(t, 0, sections[0].BaseAddress)
	return sections[0].Data
}

// assembleErr expects the run to fail and returns the diagnostic.
func assembleErr(t *testing.T, code string) *parser.Error {
	t.Helper()
	a := New()
	a.Output = io.Discard
	err := a.ProcessCode("#LAYOUT ROM0[$0000, $4000], AT[0]\n#SECTION \"TEST\", ROM0[0] { "+code+"\n }", "test.asm")
	if err != nil {
		return err
	}
	_, err = a.Link(false, io.Discard)
	require.NotNil(t, err, "expected a diagnostic")
	return err
}

// buildROM assembles a full program and returns the ROM image.
func buildROM(t *testing.T, code string) []byte {
	t.Helper()
	a := New()
	a.Output = io.Discard
	err := a.ProcessCode(code, "test.asm")
	require.Nil(t, err)
	_, lerr := a.Link(false, io.Discard)
	require.Nil(t, lerr)
	rom, berr := a.BuildROM()
	require.Nil(t, berr)
	return rom
}

func TestAssembler_Basics(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []byte
	}{
		{"db", "db $12, $34", []byte{0x12, 0x34}},
		{"dw", "dw $1234", []byte{0x34, 0x12}},
		{"label", "dw label\nlabel:", []byte{0x02, 0x00}},
		{"local label", "dw label, label.part\nlabel: ds 1\n.part:", []byte{0x04, 0x00, 0x05, 0x00, 0x00}},
		{"non scope label", "dw label, __part, label.part\nlabel: ds 1\n__part: ds 1\n.part:",
			[]byte{0x06, 0x00, 0x07, 0x00, 0x08, 0x00, 0x00, 0x00}},
		{"ds", "ds 2", []byte{0x00, 0x00}},
		{"var", "VALUE = $1 + 3\ndb VALUE", []byte{0x04}},
		{"var overwrite", "VALUE = $1 + 3\ndb VALUE\nVALUE = 3 * 3\ndb VALUE", []byte{0x04, 0x09}},
		{"var with label", "VALUE = 2\ndb label | VALUE\nlabel:", []byte{0x03}},
		{"string", `db "123"`, []byte("123")},
		{"string var", "VAR = \"123\"\ndb VAR", []byte("123")},
		{"line continuation", "db $12, \\\n $34", []byte{0x12, 0x34}},
		{"not", "#IF !0 { db 1\n }", []byte{0x01}},
		{"negative byte", "db -1", []byte{0xFF}},
		{"expressions", "db 2 + 3 * 4, 10 / 2, 10 % 3, 1 << 4", []byte{14, 5, 1, 16}},
		{"complement clamps", "db ~$F0", []byte{0x0F}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, assemble(t, tt.code))
		})
	}
}

func TestAssembler_AnonymousLabels(t *testing.T) {
	assert.Equal(t, []byte{0x02, 0x00, 0x02, 0x00}, assemble(t, "dw :+\n:\ndw :-"))
	assert.Equal(t, []byte{0x02, 0x00, 0x02, 0x00}, assemble(t, ":\ndw :+\n:\ndw :-"))
	assert.Equal(t, []byte{0x04, 0x00, 0x00, 0x00}, assemble(t, ":\ndw :++\n:\ndw :--\n:"))
}

func TestAssembler_Asserts(t *testing.T) {
	err := assembleErr(t, "#ASSERT 0")
	assert.Contains(t, err.Message, "Assertion failure")

	err = assembleErr(t, "#ASSERT 0, \"FAIL\"")
	assert.Contains(t, err.Message, "FAIL")

	// deferred until the label's section is placed
	err = assembleErr(t, "#ASSERT label != 0, \"FAIL\"\nlabel:")
	assert.Contains(t, err.Message, "FAIL")

	assert.Equal(t, []byte{0x01}, assemble(t, "#ASSERT 1\ndb 1"))
}

func TestAssembler_Concat(t *testing.T) {
	assert.Equal(t, []byte{0x03}, assemble(t, "ab = 3\ndb a ## b"))
	// a known constant substitutes into the splice
	assert.Equal(t, []byte{0x07}, assemble(t, "n = 2\nval_2 = 7\ndb val_ ## n"))
}

func TestAssembler_Macros(t *testing.T) {
	tests := []struct {
		name  string
		macro string
		code  string
		want  []byte
	}{
		{"basic", "#MACRO TEST { db $01 }", "test", []byte{0x01}},
		{"param", "#MACRO TEST _a { db $02, _a }", "test 1", []byte{0x02, 0x01}},
		{"fixed param wins", "#MACRO TEST _a { db $02, _a } #MACRO TEST a { db $03 }", "test a", []byte{0x03}},
		{"fixed first param", "#MACRO TEST _a, _b { db $02 } #MACRO TEST 1, _b { db $03 }", "test 1, 2", []byte{0x03}},
		{"deep literal", "#MACRO TEST _a, _b { db $02 } #MACRO TEST 1, _b { db $03 } #MACRO TEST 1, 1 + _b { db $04 }",
			"test 1, 1 + 2", []byte{0x04}},
		{"reassign", "#MACRO TEST _a { VAR = 1 + _a\ndb VAR }", "test 1\ntest 2", []byte{0x02, 0x03}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, assemble(t, tt.macro+"\n"+tt.code))
		})
	}
}

func TestAssembler_BlockMacros(t *testing.T) {
	code := `#MACRO WITH _a { db _a } end { db $EE }
with 1 {
    db 2
}`
	assert.Equal(t, []byte{0x01, 0x02, 0xEE}, assemble(t, code))
}

func TestAssembler_MacroChains(t *testing.T) {
	code := `#MACRO WHEN _c { db _c } end { db $EE } else { db $0F } end { db $E0 }
when 1 {
    db 2
} else {
    db 3
}`
	assert.Equal(t, []byte{0x01, 0x02, 0x0F, 0x03, 0xE0}, assemble(t, code))

	// without the chain, the plain post body plays
	code = `#MACRO WHEN _c { db _c } end { db $EE } else { db $0F } end { db $E0 }
when 1 {
    db 2
}`
	assert.Equal(t, []byte{0x01, 0x02, 0xEE}, assemble(t, code))
}

func TestAssembler_LinkedMacros(t *testing.T) {
	code := `#MACRO COND _c { db _c } end { db $FF }
#MACRO MY {
    db $A7
} > cond 1
my {
    db $F0
}`
	assert.Equal(t, []byte{0xA7, 0x01, 0xF0, 0xFF}, assemble(t, code))
}

func TestAssembler_DuplicateMacro(t *testing.T) {
	err := assembleErr(t, "#MACRO T _a { db 1 }\n#MACRO T _b { db 2 }")
	assert.Contains(t, err.Message, "Duplicate macro")
}

func TestAssembler_UnknownStatement(t *testing.T) {
	err := assembleErr(t, "frobnicate 1, 2")
	assert.Contains(t, err.Message, "Syntax error")
}

func TestAssembler_ExpansionLimit(t *testing.T) {
	a := New()
	a.Output = io.Discard
	a.MaxExpansions = 50
	err := a.ProcessCode("#LAYOUT ROM0[$0000, $4000], AT[0]\n#SECTION \"TEST\", ROM0[0] {\n#MACRO LOOP { loop }\nloop\n}", "test.asm")
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "expansion limit")
}

func TestAssembler_FMacros(t *testing.T) {
	tests := []struct {
		name  string
		macro string
		code  string
		want  []byte
	}{
		{"basic", "#FMACRO FUNC { 1 }", "db FUNC()", []byte{0x01}},
		{"param", "#FMACRO FUNC _a { _a + 5 }", "db FUNC(1)", []byte{0x06}},
		{"two params", "#FMACRO FUNC _a, _b { _a + _b }", "db FUNC(1, 2)", []byte{0x03}},
		{"nested", "#FMACRO FUNC _a, _b { _a + _b }", "db FUNC(1, FUNC(2, 3))", []byte{0x06}},
		{"overload", "#FMACRO FUNC _a { _a + 1 }\n#FMACRO FUNC 1 { 0 }", "db FUNC(1), FUNC(2)", []byte{0x00, 0x03}},
		{"overload with macro", "#FMACRO FUNC _a { _a + 1 }\n#FMACRO FUNC 1 { 0 }\n#MACRO M _a { db 1 }\n#MACRO M 0 { db 2 }",
			"M FUNC(1)\nM FUNC(2)", []byte{0x02, 0x01}},
		{"nest builtin", "#FMACRO FUNC _a { _a + 1 }", `db FUNC(STRLEN("123"))`, []byte{0x04}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, assemble(t, tt.macro+"\n"+tt.code))
		})
	}
}

func TestAssembler_For(t *testing.T) {
	assert.Equal(t, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, assemble(t, "#FOR n, 0, 10 { db n }"))
	assert.Equal(t, []byte{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}, assemble(t, "#FOR n, 10, 0 { db n }"))
	assert.Equal(t, []byte{}, append([]byte{}, assemble(t, "#FOR n, 0, 0 { db n }")...))
	assert.Equal(t, []byte{0, 1, 2}, assemble(t, "#FOR n, 0, 1 + 2 { db n }"))
}

func TestAssembler_If(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []byte
	}{
		{"taken", "#IF 1 { db 1\n }\ndb 9", []byte{1, 9}},
		{"skipped", "#IF 0 { db 1\n }\ndb 9", []byte{9}},
		{"else taken", "#IF 0 { db 1\n } else { db 2\n }\ndb 9", []byte{2, 9}},
		{"else skipped", "#IF 1 { db 1\n } else { db 2\n }\ndb 9", []byte{1, 9}},
		{"nested", "#IF 1 { db 1\n#IF 0 { db 2\n }\ndb 3\n }", []byte{1, 3}},
		{"constant condition", "V = 3\n#IF V == 3 { db 1\n }", []byte{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, assemble(t, tt.code))
		})
	}
}

func TestAssembler_PushPop(t *testing.T) {
	assert.Equal(t, []byte{0x05}, assemble(t, "#PUSH vals, 5\n#POP vals, V\ndb V"))
	assert.Equal(t, []byte{2, 1}, assemble(t, "#PUSH s, 1\n#PUSH s, 2\n#POP s, A\n#POP s, B\ndb A, B"))

	err := assembleErr(t, "#POP nope, V")
	assert.Contains(t, err.Message, "not found")
}

func TestAssembler_Builtins(t *testing.T) {
	assert.Equal(t, []byte{0x03}, assemble(t, `db STRLEN("123")`))
	assert.Equal(t, []byte{1, 0}, assemble(t, "V = 1\ndb DEFINED(V), DEFINED(W)"))
	assert.Equal(t, []byte{3, 0, 8}, assemble(t, "db BIT_LENGTH(7), BIT_LENGTH(0), BIT_LENGTH($80)"))
}

func TestAssembler_Bank(t *testing.T) {
	a := New()
	a.Output = io.Discard
	err := a.ProcessCode(`
#LAYOUT ROM[$0, $10], AT[0], BANKED[0, 10]
#SECTION "TEST1", ROM, BANK[0] {
    label0: db BANK(label0), BANK(label1), BANK(@)
}
#SECTION "TEST2", ROM, BANK[1] {
    label1: db $23
}
`, "test.asm")
	require.Nil(t, err)
	sections, lerr := a.Link(false, io.Discard)
	require.Nil(t, lerr)
	require.Len(t, sections, 2)
	assert.Equal(t, 0, sections[0].Bank)
	assert.Equal(t, []byte{0x00, 0x01, 0x00}, sections[0].Data)
}

func TestAssembler_BankMax(t *testing.T) {
	rom := buildROM(t, `
#LAYOUT ROM[$0, $4], AT[0], BANKED[0, 8]
#SECTION "A", ROM, BANK[0] { db BANK_MAX(ROM), 7 }
#SECTION "B", ROM, BANK[2] { db 1, 2 }
`)
	assert.Equal(t, byte(2), rom[0])
}

func TestAssembler_Checksum(t *testing.T) {
	rom := buildROM(t, `
#LAYOUT ROM0[$0000, $10], AT[0]
#SECTION "TEST", ROM0[0] {
    db 1, 2, 3, 4, CHECKSUM(0, 4)
}
`)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x0A}, rom[:5])
}

func TestAssembler_Layouts(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []byte
	}{
		{"simple", "#LAYOUT ROM[0,4], AT[0]\n#SECTION \"TEST\", ROM {\ndb 1, 2\n}", []byte{1, 2, 0, 0}},
		{"two sections", "#LAYOUT ROM[0,4], AT[0]\n#SECTION \"A\", ROM {\ndb 1, 2\n}\n#SECTION \"B\", ROM {\ndb 3, 4\n}",
			[]byte{1, 2, 3, 4}},
		{"fixed", "#LAYOUT ROM[0,4], AT[0]\n#SECTION \"TEST\", ROM[2] {\ndb 1, 2\n}", []byte{0, 0, 1, 2}},
		{"ram not in rom", "#LAYOUT ROM[0,4], AT[0]\n#LAYOUT RAM[4,8]\n#SECTION \"A\", ROM {\ndb 1, 2, 3, 4\n}\n#SECTION \"B\", RAM {\nds 2\n}",
			[]byte{1, 2, 3, 4}},
		{"banked", `#LAYOUT ROM[0,4], AT[0], BANKED[0, 2]
#SECTION "S0", ROM {
    db 1, 2
}
#SECTION "S1", ROM, BANK[1] {
    db 3, 4
}
#SECTION "S2", ROM {
    db 4, 5
}
#SECTION "S3", ROM {
    db 6, 7
}`, []byte{1, 2, 4, 5, 3, 4, 6, 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, buildROM(t, tt.code))
		})
	}
}

func TestAssembler_LayoutErrors(t *testing.T) {
	a := New()
	a.Output = io.Discard
	err := a.ProcessCode("#LAYOUT ROM[0,2], AT[0]\n#SECTION \"TEST\", ROM {\ndb 1, 2, 3, 4\n}", "test.asm")
	require.Nil(t, err)
	_, lerr := a.Link(false, io.Discard)
	require.NotNil(t, lerr)
	assert.Contains(t, lerr.Message, "Failed to allocate")
}

func TestAssembler_ScopeErrors(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"duplicate label", "x:\nx:", "Duplicate label"},
		{"emission outside section", "}\ndb 1", "Expression outside of section"},
		{"value out of range", "db 300", "Value out of range"},
		{"word out of range", "dw $10000", "Value out of range"},
		{"unknown symbol", "db missing", "symbol not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assembleErr(t, tt.code)
			assert.Contains(t, err.Message, tt.want)
		})
	}
}

func TestAssembler_SectionErrors(t *testing.T) {
	a := New()
	a.Output = io.Discard
	err := a.ProcessCode("#SECTION \"X\", NOPE {\n}", "test.asm")
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "Section type not found")

	a = New()
	a.Output = io.Discard
	err = a.ProcessCode("#LAYOUT ROM[0,4], AT[0]\n#SECTION \"X\", ROM {\ndb 1", "test.asm")
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "section open")

	a = New()
	a.Output = io.Discard
	err = a.ProcessCode("#LAYOUT ROM[0,4], AT[0]\n#SECTION \"X\", ROM {\n}\n#SECTION \"X\", ROM {\n}", "test.asm")
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "Duplicate section name")
}

func TestAssembler_Symbols(t *testing.T) {
	a := New()
	a.Output = io.Discard
	err := a.ProcessCode(`
#LAYOUT ROM[$0, $10], AT[0], BANKED[0, 4]
#SECTION "A", ROM, BANK[0] {
    start: db 1
    main: db 2
}
#SECTION "B", ROM, BANK[1] {
    other: db 3
}
`, "test.asm")
	require.Nil(t, err)
	_, lerr := a.Link(false, io.Discard)
	require.Nil(t, lerr)

	var buf bytes.Buffer
	require.NoError(t, a.WriteSymbols(&buf))
	assert.Equal(t, "00:0000 start\n00:0001 main\n01:0000 other\n", buf.String())
}

func TestAssembler_Print(t *testing.T) {
	a := New()
	var buf bytes.Buffer
	a.Output = &buf
	err := a.ProcessCode("#PRINT 1 + 2, \"x\"", "test.asm")
	require.Nil(t, err)
	assert.Equal(t, "3 \"x\" \n", buf.String())
}

func TestAssembler_Include(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "inc.asm", "#SECTION \"X\", ROM {\ndb $42, 1\n}\n")
	writeFile(t, dir, "main.asm", "#LAYOUT ROM[0,4], AT[0]\nLIMIT = 4\n#INCLUDE \"inc.asm\"\n#ASSERT LIMIT == 4\n")

	a := New()
	a.Output = io.Discard
	require.Nil(t, a.ProcessFile(dir+"/main.asm"))
	sections, lerr := a.Link(false, io.Discard)
	require.Nil(t, lerr)
	assert.Equal(t, []byte{0x42, 0x01}, sections[0].Data)
}

func TestAssembler_IncludeNotFound(t *testing.T) {
	a := New()
	a.Output = io.Discard
	err := a.ProcessCode("#INCLUDE \"missing.asm\"", "test.asm")
	require.NotNil(t, err)
	assert.Contains(t, err.Message, "Include not found")
}

func TestAssembler_Incbin(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "data.bin", "\x01\x02\x03")
	writeFile(t, dir, "main.asm", "#LAYOUT ROM[0,4], AT[0]\n#SECTION \"X\", ROM {\n#INCBIN \"data.bin\"\n}\n")

	a := New()
	a.Output = io.Discard
	require.Nil(t, a.ProcessFile(dir+"/main.asm"))
	sections, lerr := a.Link(false, io.Discard)
	require.Nil(t, lerr)
	assert.Equal(t, []byte{1, 2, 3}, sections[0].Data)
}
