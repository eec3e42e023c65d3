package assembler

import (
	"math/bits"
	"strings"

	"github.com/samber/lo"

	"github.com/gbhla/gbhla/parser"
)

// builtinPhase tags the assembler phase a built-in may run in.
type builtinPhase int

const (
	phaseMacro     builtinPhase = iota // rewrites token streams before parsing
	phaseFunction                      // pure function over resolved arguments
	phaseLink                          // needs allocated sections
	phasePostBuild                     // needs the built ROM image
)

// Builtin is one named built-in operation. Macro-phase built-ins expand
// token lists; the others are invoked by the evaluator on call nodes.
type Builtin struct {
	Phase   builtinPhase
	Expand  func(a *Assembler, args [][]parser.Token) ([]parser.Token, *parser.Error)
	Resolve func(a *Assembler, call *parser.AstNode) (*parser.AstNode, error)
}

var builtins = map[string]*Builtin{
	"STRLEN":     {Phase: phaseMacro, Expand: builtinStrlen},
	"DEFINED":    {Phase: phaseMacro, Expand: builtinDefined},
	"BIT_LENGTH": {Phase: phaseFunction, Resolve: builtinBitLength},
	"BANK":       {Phase: phaseLink, Resolve: builtinBank},
	"BANK_MAX":   {Phase: phaseLink, Resolve: builtinBankMax},
	"CHECKSUM":   {Phase: phasePostBuild, Resolve: builtinChecksum},
}

func builtinLookup(name string) *Builtin {
	return builtins[strings.ToUpper(name)]
}

// builtinStrlen rewrites STRLEN("...") into the string's length.
func builtinStrlen(a *Assembler, args [][]parser.Token) ([]parser.Token, *parser.Error) {
	if len(args) != 1 {
		return nil, parser.NewError(firstToken(args), "strlen requires 1 argument")
	}
	if len(args[0]) != 1 || !args[0][0].IsA(parser.TokenString) {
		return nil, parser.NewError(&args[0][0], "Expected a string")
	}
	str := args[0][0]
	return []parser.Token{parser.NewNumber(len(str.Text), str.Line, str.File)}, nil
}

// builtinDefined rewrites DEFINED(name) into 1 when a constant by that name
// exists, else 0.
func builtinDefined(a *Assembler, args [][]parser.Token) ([]parser.Token, *parser.Error) {
	if len(args) != 1 {
		return nil, parser.NewError(firstToken(args), "defined requires 1 argument")
	}
	if len(args[0]) != 1 || !args[0][0].IsA(parser.TokenIdentifier) {
		return nil, parser.NewError(&args[0][0], "Expected an identifier")
	}
	id := args[0][0]
	value := 0
	if _, ok := a.constants[id.Text]; ok {
		value = 1
	}
	return []parser.Token{parser.NewNumber(value, id.Line, id.File)}, nil
}

// builtinBitLength returns the number of significant bits of its argument.
func builtinBitLength(a *Assembler, call *parser.AstNode) (*parser.AstNode, error) {
	param := call.Right.Left
	if !param.IsNumber() {
		return nil, parser.NewError(&param.Token, "BIT_LENGTH parameter is not a number")
	}
	value := param.Token.Num
	if value < 0 {
		value = -value
	}
	return parser.NewNumberNode(bits.Len(uint(value)), param.Token), nil
}

// builtinBank returns the bank of the section containing a label, or of the
// section being linked when the argument is @.
func builtinBank(a *Assembler, call *parser.AstNode) (*parser.AstNode, error) {
	if call.Right == nil || call.Right.Right != nil {
		return nil, parser.NewError(&call.Token, "bank requires 1 argument")
	}
	labelToken := call.Right.Left.Token
	var section *Section
	switch {
	case labelToken.IsA(parser.TokenCurAddr):
		section = a.linkingSection
	case labelToken.IsA(parser.TokenIdentifier):
		if lbl, ok := a.labels[labelToken.Text]; ok {
			section = lbl.section
		}
	default:
		return nil, parser.NewError(&call.Token, "Expected a label to BANK()")
	}
	if section == nil || section.BaseAddress < 0 {
		return nil, parser.NewError(&call.Token, "Could not find label %s for BANK()", labelToken.Text)
	}
	bank := section.Bank
	if bank == noBank {
		bank = 0
	}
	return parser.NewNumberNode(bank, labelToken), nil
}

// builtinBankMax returns the highest bank used by any section of a layout.
func builtinBankMax(a *Assembler, call *parser.AstNode) (*parser.AstNode, error) {
	if call.Right == nil || call.Right.Right != nil {
		return nil, parser.NewError(&call.Token, "bank_max requires 1 argument")
	}
	labelToken := call.Right.Left.Token
	if !labelToken.IsA(parser.TokenIdentifier) {
		return nil, parser.NewError(&call.Token, "Expected a layout type to BANK_MAX()")
	}
	banks := lo.Map(a.sectionsOf(labelToken.Text), func(s *Section, _ int) int {
		if s.Bank == noBank {
			return 0
		}
		return s.Bank
	})
	return parser.NewNumberNode(lo.Max(append(banks, 0)), labelToken), nil
}

// builtinChecksum sums ROM bytes in [start, end), defaulting to the whole
// image.
func builtinChecksum(a *Assembler, call *parser.AstNode) (*parser.AstNode, error) {
	start, end := 0, len(a.rom)
	if call.Right != nil {
		if call.Right.Right == nil {
			return nil, parser.NewError(&call.Token, "checksum requires 0 or 2 arguments")
		}
		first, second := call.Right.Left, call.Right.Right.Left
		if !first.IsNumber() || !second.IsNumber() {
			return nil, parser.NewError(&call.Token, "Expected a number to checksum")
		}
		start, end = first.Token.Num, second.Token.Num
	}
	start = clamp(start, 0, len(a.rom))
	end = clamp(end, start, len(a.rom))
	sum := lo.SumBy(a.rom[start:end], func(b byte) int { return int(b) })
	return parser.NewNumberNode(sum, call.Token), nil
}

func (a *Assembler) sectionsOf(layoutName string) []*Section {
	return lo.Filter(a.sections, func(s *Section, _ int) bool {
		return s.Layout.Name == layoutName
	})
}

func clamp(v, low, high int) int {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}

func firstToken(args [][]parser.Token) *parser.Token {
	if len(args) > 0 && len(args[0]) > 0 {
		return &args[0][0]
	}
	return nil
}
