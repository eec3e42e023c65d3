// Package loader reads foreign object files (RGBDS binary objects and SDCC
// .rel text objects) and reduces them to a shared contribution shape:
// sections with data, patches and labels. The assembler integrates both
// formats identically, so the core has no per-format conditionals.
package loader

import (
	"github.com/gbhla/gbhla/parser"
)

// ImportedPatch is a hole inside an imported section.
type ImportedPatch struct {
	Offset int
	Size   int // 1 or 2
	Expr   *parser.AstNode
}

// ImportedLabel is a label defined inside an imported section.
type ImportedLabel struct {
	Name   string
	Offset int
}

// ImportedSection is one section contributed by a foreign object.
type ImportedSection struct {
	// LayoutName names the layout the section belongs to (ROM0, ROMX,
	// WRAM0, ...); the layout must be defined by the including source.
	LayoutName string
	Name       string
	SourceFile string
	Line       int
	// Address is the fixed base address, or -1 for link-time placement.
	Address int
	// Bank is the fixed bank, or -1 for none.
	Bank    int
	Data    []byte
	Patches []ImportedPatch
	Labels  []ImportedLabel
}

// NameToken renders the section name as a token for diagnostics.
func (s *ImportedSection) NameToken() parser.Token {
	return parser.NewString(s.Name, s.Line, s.SourceFile)
}
