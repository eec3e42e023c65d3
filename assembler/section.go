package assembler

import (
	"fmt"

	"github.com/gbhla/gbhla/parser"
)

// hole is a byte or word inside a section whose value is determined at link
// or post-build time.
type hole struct {
	size int // 1 or 2
	expr *parser.AstNode
}

// sectionAssert is a deferred #ASSERT evaluated during linking at the byte
// offset it was written at.
type sectionAssert struct {
	offset  int
	expr    *parser.AstNode
	message string
}

// Section is a contiguous byte buffer tied to a layout. Until the link pass
// assigns it, BaseAddress is -1 and Bank is noBank (unless pinned by the
// source).
type Section struct {
	Layout      *Layout
	Name        string
	Token       parser.Token
	BaseAddress int
	Bank        int
	Data        []byte

	holes   map[int]hole
	asserts []sectionAssert
}

// NewSection creates a section for a layout. baseAddress -1 floats; bank
// noBank floats within the layout's banks.
func NewSection(layout *Layout, nameToken parser.Token, baseAddress, bank int) *Section {
	return &Section{
		Layout:      layout,
		Name:        nameToken.Text,
		Token:       nameToken,
		BaseAddress: baseAddress,
		Bank:        bank,
		holes:       make(map[int]hole),
	}
}

// Add8 emits one byte. Folded numbers are written immediately, strings append
// their ASCII bytes, anything else becomes a one-byte hole.
func (s *Section) Add8(node *parser.AstNode) *parser.Error {
	switch {
	case node.IsNumber():
		if node.Token.Num < -128 || node.Token.Num > 255 {
			return parser.NewError(&node.Token, "Value out of range")
		}
		s.Data = append(s.Data, byte(node.Token.Num))
	case node.IsString():
		s.Data = append(s.Data, []byte(node.Token.Text)...)
	default:
		s.holes[len(s.Data)] = hole{size: 1, expr: node}
		s.Data = append(s.Data, 0)
	}
	return nil
}

// Add16 emits a little-endian word, or a two-byte hole for unresolved
// expressions.
func (s *Section) Add16(node *parser.AstNode) *parser.Error {
	if node.IsNumber() {
		if node.Token.Num < 0 || node.Token.Num > 0xFFFF {
			return parser.NewError(&node.Token, "Value out of range")
		}
		s.Data = append(s.Data, byte(node.Token.Num), byte(node.Token.Num>>8))
		return nil
	}
	s.holes[len(s.Data)] = hole{size: 2, expr: node}
	s.Data = append(s.Data, 0, 0)
	return nil
}

// AddAssert defers an assertion to the link pass, anchored at the current
// emission offset.
func (s *Section) AddAssert(expr *parser.AstNode, message string) {
	s.asserts = append(s.asserts, sectionAssert{offset: len(s.Data), expr: expr, message: message})
}

// AddHole registers an imported patch at a fixed offset.
func (s *Section) AddHole(offset, size int, expr *parser.AstNode) {
	s.holes[offset] = hole{size: size, expr: expr}
}

func (s *Section) String() string {
	if s.Bank != noBank {
		return fmt.Sprintf("Section@%02x:%04x %x", s.Bank, s.BaseAddress, s.Data)
	}
	if s.BaseAddress > -1 {
		return fmt.Sprintf("Section@%04x %x", s.BaseAddress, s.Data)
	}
	return fmt.Sprintf("Section %x", s.Data)
}
