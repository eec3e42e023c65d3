package assembler

import (
	"errors"
	"io"
	"sort"

	"github.com/gbhla/gbhla/parser"
)

// Link runs the allocation and patching pass: fixed sections reserve their
// regions, floating sections get first-fit placements, then every assertion
// and hole is resolved against final addresses. Holes that need the ROM
// image are stashed for BuildROM. Returns the sections with final
// placements.
func (a *Assembler) Link(printFreeSpace bool, w io.Writer) ([]*Section, *parser.Error) {
	sa := NewSpaceAllocator(a.layouts)

	for _, section := range a.sections {
		if section.BaseAddress < 0 {
			continue
		}
		bank, err := sa.AllocateFixed(section.Layout.Name, section.BaseAddress, len(section.Data), section.Bank)
		if err != nil {
			return nil, parser.NewError(&section.Token, "%s", err.Message)
		}
		if section.Bank == noBank && section.Layout.Banked {
			section.Bank = bank
		}
	}
	for _, section := range a.sections {
		if section.BaseAddress >= 0 {
			continue
		}
		bank, addr, err := sa.Allocate(section.Layout.Name, len(section.Data), section.Bank)
		if err != nil {
			return nil, parser.NewError(&section.Token, "%s", err.Message)
		}
		section.Bank = bank
		section.BaseAddress = addr
	}
	a.allocationDone = true

	for _, section := range a.sections {
		a.linkingSection = section
		if err := a.linkSection(section); err != nil {
			return nil, err
		}
	}
	a.linkingSection = nil

	if printFreeSpace {
		sa.DumpFreeSpace(w)
	}
	return a.sections, nil
}

// linkSection resolves one section's assertions and holes.
func (a *Assembler) linkSection(section *Section) *parser.Error {
	for _, assert := range section.asserts {
		expr, err := a.resolveExpr(section.BaseAddress+assert.offset, assert.expr)
		if err != nil {
			if perr, ok := err.(*parser.Error); ok {
				return perr
			}
			expr = assert.expr // post-build assert: reported as unresolved
		}
		if !expr.IsNumber() {
			return parser.ErrorFromExpression(expr, "Assertion failure (symbol not found?) "+expr.String())
		}
		if expr.Token.Num == 0 {
			return parser.ErrorFromExpression(expr, "Assertion failure: "+assert.message)
		}
	}

	offsets := make([]int, 0, len(section.holes))
	for offset := range section.holes {
		offsets = append(offsets, offset)
	}
	sort.Ints(offsets)
	for _, offset := range offsets {
		h := section.holes[offset]
		expr, err := a.resolveExpr(section.BaseAddress+offset, h.expr)
		if err != nil {
			if errors.Is(err, errPostRomBuild) {
				a.postBuildLinks = append(a.postBuildLinks, postBuildLink{section, offset, h.size, h.expr})
				continue
			}
			return err.(*parser.Error)
		}
		if !expr.IsNumber() {
			return parser.ErrorFromExpression(expr, "Failed to link '"+expr.String()+"', symbol not found?")
		}
		if err := writeHole(section.Data[offset:], h.size, expr); err != nil {
			return err
		}
	}
	return nil
}

// writeHole writes a resolved value little-endian into a hole, enforcing the
// emission width: one byte accepts [-128, 255], two bytes [0, 65535].
func writeHole(dst []byte, size int, expr *parser.AstNode) *parser.Error {
	value := expr.Token.Num
	switch size {
	case 1:
		if value < -128 || value > 255 {
			return parser.NewError(&expr.Token, "Value out of range")
		}
		dst[0] = byte(value)
	case 2:
		if value < 0 || value > 0xFFFF {
			return parser.NewError(&expr.Token, "Value out of range")
		}
		dst[0] = byte(value)
		dst[1] = byte(value >> 8)
	default:
		return parser.NewError(&expr.Token, "Unsupported link size: %d", size)
	}
	return nil
}
