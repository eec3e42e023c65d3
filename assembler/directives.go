package assembler

import (
	"fmt"
	"os"
	"strings"

	"github.com/gbhla/gbhla/gfx"
	"github.com/gbhla/gbhla/macro"
	"github.com/gbhla/gbhla/parser"
)

// processDirective dispatches a #-directive statement.
func (a *Assembler) processDirective(start parser.Token, stream *parser.Stream) *parser.Error {
	switch strings.ToUpper(start.Text) {
	case "#MACRO":
		return a.addMacro(stream)
	case "#FMACRO":
		return a.addFunction(stream)
	case "#INCLUDE":
		return a.directiveInclude(start, stream)
	case "#INCBIN":
		return a.directiveIncbin(start, stream)
	case "#INCGFX":
		return a.directiveIncgfx(start, stream)
	case "#INCRGBDS":
		return a.directiveImport(start, stream, importRGBDS)
	case "#INCSDCC":
		return a.directiveImport(start, stream, importSDCC)
	case "#LAYOUT":
		return a.defineLayout(start, stream)
	case "#SECTION":
		return a.startSection(start, stream)
	case "#ASSERT":
		return a.directiveAssert(start, stream)
	case "#PRINT":
		return a.directivePrint(stream)
	case "#IF":
		return a.directiveIf(start, stream)
	case "#FOR":
		return a.directiveFor(start, stream)
	case "#PUSH":
		return a.directivePush(start, stream)
	case "#POP":
		return a.directivePop(start, stream)
	default:
		return parser.NewError(&start, "Syntax error")
	}
}

// addMacro handles #MACRO: name, parameter patterns, a { body }, optionally
// an `end { post }` body, chain bodies, and a `> name args` link target.
func (a *Assembler) addMacro(stream *parser.Stream) *parser.Error {
	name, err := stream.Expect(parser.TokenIdentifier)
	if err != nil {
		return err
	}
	params, _, err := a.fetchParameters(stream, parser.TokenLBrace)
	if err != nil {
		return err
	}
	contents, err := a.rawBlock(name, stream)
	if err != nil {
		return err
	}
	m := a.macroDB.Add(name.Text, params, contents)
	if m == nil {
		return parser.NewError(&name, "Duplicate macro")
	}
	if stream.Peek().Is(parser.TokenIdentifier, "end") {
		stream.Pop()
		if _, err := stream.Expect(parser.TokenLBrace); err != nil {
			return err
		}
		if m.PostContents, err = a.rawBlock(name, stream); err != nil {
			return err
		}
	}
	for stream.Peek().IsA(parser.TokenIdentifier) {
		chainName := stream.Pop()
		if _, err := stream.Expect(parser.TokenLBrace); err != nil {
			return err
		}
		contents, err := a.rawBlock(chainName, stream)
		if err != nil {
			return err
		}
		chain := m.AddChain(chainName.Text, contents)
		if stream.Peek().Is(parser.TokenIdentifier, "end") {
			stream.Pop()
			if _, err := stream.Expect(parser.TokenLBrace); err != nil {
				return err
			}
			if chain.PostContents, err = a.rawBlock(name, stream); err != nil {
				return err
			}
		}
	}
	if _, ok := stream.Match(parser.TokenGreater); ok {
		if len(m.PostContents) > 0 || len(m.Chains) > 0 {
			return parser.NewError(&name, "Macros with chains/post actions cannot be linked to other macros")
		}
		linkedName, err := stream.Expect(parser.TokenIdentifier)
		if err != nil {
			return err
		}
		linkedParams, _, err := a.fetchParameters(stream, parser.TokenNewline)
		if err != nil {
			return err
		}
		m.Linked = &macro.Linked{Head: linkedName, Params: linkedParams}
	}
	return nil
}

// addFunction handles #FMACRO: an expression-macro whose body is a flat
// token sequence substituted into expressions.
func (a *Assembler) addFunction(stream *parser.Stream) *parser.Error {
	name, err := stream.Expect(parser.TokenIdentifier)
	if err != nil {
		return err
	}
	params, _, err := a.fetchParameters(stream, parser.TokenLBrace)
	if err != nil {
		return err
	}
	var contents []parser.Token
	for {
		token := stream.PopRaw()
		if token.IsA(parser.TokenEOF) {
			return parser.NewError(&name, "Unterminated function definition")
		}
		if token.IsA(parser.TokenRBrace) {
			break
		}
		if token.IsA(parser.TokenNewline) {
			continue
		}
		contents = append(contents, token)
	}
	if a.funcDB.Add(name.Text, params, contents) == nil {
		return parser.NewError(&name, "Duplicate function")
	}
	return nil
}

func (a *Assembler) directiveInclude(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	if len(params) != 1 || len(params[0]) != 1 || !params[0][0].IsA(parser.TokenString) {
		return parser.NewError(&start, "Syntax error")
	}
	return a.includeFile(params[0][0])
}

func (a *Assembler) directiveIncbin(start parser.Token, stream *parser.Stream) *parser.Error {
	section, err := a.openSection(start)
	if err != nil {
		return err
	}
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	if len(params) != 1 || len(params[0]) != 1 || !params[0][0].IsA(parser.TokenString) {
		return parser.NewError(&start, "Syntax error")
	}
	path, err := a.findInclude(params[0][0])
	if err != nil {
		return err
	}
	data, readErr := os.ReadFile(path) // #nosec G304 -- user-provided data path
	if readErr != nil {
		return parser.NewError(&params[0][0], "Cannot read file: %s", path)
	}
	section.Data = append(section.Data, data...)
	return nil
}

// directiveIncgfx converts an image into 2bpp tile data and appends it to
// the open section.
func (a *Assembler) directiveIncgfx(start parser.Token, stream *parser.Stream) *parser.Error {
	section, err := a.openSection(start)
	if err != nil {
		return err
	}
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	if len(params) < 1 || len(params[0]) != 1 || !params[0][0].IsA(parser.TokenString) {
		return parser.NewError(&start, "Syntax error")
	}
	opts := gfx.Options{Output: a.Output}
	for _, param := range params[1:] {
		key, values, err := a.bracketParam(param, -1)
		if err != nil {
			return err
		}
		if err := a.applyGfxOption(key, values, &opts); err != nil {
			return err
		}
	}
	path, err := a.findInclude(params[0][0])
	if err != nil {
		return err
	}
	data, gfxErr := gfx.Read(path, opts)
	if gfxErr != nil {
		return parser.NewError(&params[0][0], "%s", gfxErr.Error())
	}
	section.Data = append(section.Data, data...)
	return nil
}

func (a *Assembler) applyGfxOption(key parser.Token, values []*parser.AstNode, opts *gfx.Options) *parser.Error {
	numbers := make([]int, 0, len(values))
	for _, v := range values {
		if !v.IsNumber() {
			return parser.NewError(&key, "Expected constant numbers for %s", key.Text)
		}
		numbers = append(numbers, v.Token.Num)
	}
	switch strings.ToUpper(key.Text) {
	case "TILEHEIGHT":
		if len(numbers) != 1 {
			return parser.NewError(&key, "TILEHEIGHT requires an argument")
		}
		opts.TileHeight = numbers[0]
	case "COLORMAP":
		if len(numbers) != 4 {
			return parser.NewError(&key, "COLORMAP requires 4 arguments")
		}
		opts.ColorMap = numbers
	case "UNIQUE":
		opts.Unique = true
	case "TILEMAP":
		opts.TileMap = true
	case "RANGE":
		if len(numbers) != 2 {
			return parser.NewError(&key, "RANGE requires 2 arguments")
		}
		opts.HasRange = true
		opts.RangeStart, opts.RangeEnd = numbers[0], numbers[1]
	case "DEBUG":
		opts.Debug = true
	default:
		return parser.NewError(&key, "Unknown parameter to #INCGFX")
	}
	return nil
}

// defineLayout handles #LAYOUT name[start,end] with optional AT[rom] and
// BANKED[min,max?] options.
func (a *Assembler) defineLayout(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	if len(params) < 1 {
		return parser.NewError(&start, "Expected name of section layout")
	}
	name, bounds, err := a.bracketParam(params[0], 2)
	if err != nil {
		return err
	}
	if _, exists := a.layouts[name.Text]; exists {
		return parser.NewError(&start, "Duplicate layout name")
	}
	if !bounds[0].IsNumber() || !bounds[1].IsNumber() {
		return parser.NewError(&name, "Layout bounds must be constant numbers")
	}
	layout := NewLayout(name.Text, bounds[0].Token.Num, bounds[1].Token.Num)
	for _, param := range params[1:] {
		key, values, err := a.bracketParam(param, -1)
		if err != nil {
			return err
		}
		switch strings.ToUpper(key.Text) {
		case "AT":
			if len(values) == 0 {
				return parser.NewError(&key, "AT requires an argument")
			}
			if !values[0].IsNumber() {
				return parser.NewError(&key, "AT requires a constant number")
			}
			layout.RomLocation = values[0].Token.Num
		case "BANKED":
			if len(values) > 2 {
				return parser.NewError(&key, "BANKED expects at most 2 arguments")
			}
			for _, v := range values {
				if !v.IsNumber() {
					return parser.NewError(&key, "BANKED requires constant numbers")
				}
			}
			if len(values) > 1 {
				layout.BankMax = values[1].Token.Num
			}
			if len(values) > 0 {
				layout.BankMin = values[0].Token.Num
			}
			layout.Banked = true
		default:
			return parser.NewError(&key, "Unknown parameter to #LAYOUT")
		}
	}
	a.layouts[name.Text] = layout
	return nil
}

// startSection handles #SECTION "name", layout[addr?], BANK[n]? { and pushes
// the new section on the section stack.
func (a *Assembler) startSection(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenLBrace)
	if err != nil {
		return err
	}
	if len(params) < 2 {
		return parser.NewError(&start, "Expected name and type of section")
	}
	name, err := a.processExpression(params[0])
	if err != nil {
		return err
	}
	if !name.IsString() {
		return parser.NewError(&name.Token, "Expected name of section")
	}
	if len(params[1]) == 0 || !params[1][0].IsA(parser.TokenIdentifier) {
		return parser.NewError(&name.Token, "Expected type of section")
	}
	for _, section := range a.sections {
		if section.Name == name.Token.Text {
			return parser.NewError(&name.Token, "Duplicate section name")
		}
	}
	sectionType, typeArgs, err := a.bracketParam(params[1], -1)
	if err != nil {
		return err
	}
	address := -1
	if len(typeArgs) > 0 {
		if !typeArgs[0].IsNumber() {
			return parser.NewError(&sectionType, "Section address must be a constant number")
		}
		address = typeArgs[0].Token.Num
	}
	layout, ok := a.layouts[sectionType.Text]
	if !ok {
		return parser.NewError(&sectionType, "Section type not found")
	}
	if address > -1 && !layout.Contains(address) {
		return parser.NewError(&sectionType, "Address out of range for section")
	}
	section := NewSection(layout, name.Token, address, noBank)
	for _, param := range params[2:] {
		key, values, err := a.bracketParam(param, -1)
		if err != nil {
			return err
		}
		switch strings.ToUpper(key.Text) {
		case "BANK":
			if len(values) != 1 || !values[0].IsNumber() {
				return parser.NewError(&key, "BANK requires an argument")
			}
			if !layout.Banked {
				return parser.NewError(&key, "Cannot assign a bank to an unbanked section")
			}
			section.Bank = values[0].Token.Num
			if section.Bank < layout.BankMin {
				return parser.NewError(&key, "Bank number need to be at least %d", layout.BankMin)
			}
			if layout.BankMax >= 0 && section.Bank >= layout.BankMax {
				return parser.NewError(&key, "Bank number needs to be lower then %d", layout.BankMax)
			}
		default:
			return parser.NewError(&key, "Unknown parameter to #SECTION")
		}
	}
	a.sectionStack = append(a.sectionStack, section)
	a.sections = append(a.sections, section)
	return nil
}

// directiveAssert evaluates or defers #ASSERT conditions; a string parameter
// becomes the failure message for all conditions of the statement.
func (a *Assembler) directiveAssert(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	message := ""
	var conditions []*parser.AstNode
	for _, param := range params {
		condition, err := a.processExpression(param)
		if err != nil {
			return err
		}
		if condition.IsString() {
			message = condition.Token.Text
			continue
		}
		condition, err = a.resolveConstant(condition)
		if err != nil {
			return err
		}
		conditions = append(conditions, condition)
	}
	for _, condition := range conditions {
		if condition.IsNumber() {
			if condition.Token.Num == 0 {
				return parser.NewError(&condition.Token, "Assertion failure: %s", message)
			}
			continue
		}
		section, serr := a.openSection(start)
		if serr != nil {
			return serr
		}
		section.AddAssert(condition, message)
	}
	return nil
}

func (a *Assembler) directivePrint(stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	for _, param := range params {
		expr, err := a.processExpression(param)
		if err != nil {
			return err
		}
		expr, err = a.resolveConstant(expr)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Output, "%s ", expr)
	}
	fmt.Fprintln(a.Output)
	return nil
}

// directiveIf assembles or raw-skips a block depending on a constant
// condition; a taken branch leaves a sentinel frame on the block stack so
// its } pairs up, and ELSE selects the other block.
func (a *Assembler) directiveIf(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenLBrace)
	if err != nil {
		return err
	}
	allow := true
	for _, param := range params {
		condition, err := a.processExpression(param)
		if err != nil {
			return err
		}
		condition, err = a.resolveConstant(condition)
		if err != nil {
			return err
		}
		if !condition.IsNumber() {
			return parser.NewError(&condition.Token, "#IF needs a constant expression")
		}
		allow = allow && condition.Token.Num != 0
	}
	if allow {
		a.blockStack = append(a.blockStack, blockFrame{})
		return nil
	}
	if _, err := a.rawBlock(start, stream); err != nil {
		return err
	}
	if stream.Peek().Is(parser.TokenIdentifier, "ELSE") {
		stream.Pop()
		if _, err := stream.Expect(parser.TokenLBrace); err != nil {
			return err
		}
		a.blockStack = append(a.blockStack, blockFrame{})
	}
	return nil
}

// directiveFor repeats a block with the loop variable substituted by each
// integer from begin toward end, exclusive, stepping by the sign of
// end-begin.
func (a *Assembler) directiveFor(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenLBrace)
	if err != nil {
		return err
	}
	if len(params) != 3 {
		return parser.NewError(&start, "#FOR requires 3 parameters: [variable], [begin], [end]")
	}
	if len(params[0]) != 1 || !params[0][0].IsA(parser.TokenIdentifier) {
		return parser.NewError(&start, "First parameter of #FOR should be a variable name")
	}
	variable := params[0][0].Text
	bounds := [2]int{}
	for i := 0; i < 2; i++ {
		expr, err := a.processExpression(params[i+1])
		if err != nil {
			return err
		}
		expr, err = a.resolveConstant(expr)
		if err != nil {
			return err
		}
		if !expr.IsNumber() {
			return parser.NewError(&expr.Token, "#FOR needs constant bounds")
		}
		bounds[i] = expr.Token.Num
	}
	body, err := a.rawBlock(start, stream)
	if err != nil {
		return err
	}
	begin, end := bounds[0], bounds[1]
	step := 1
	if end < begin {
		step = -1
	}
	var prepend []parser.Token
	for n := begin; n != end; n += step {
		for _, tok := range body {
			if tok.IsA(parser.TokenIdentifier) && tok.Text == variable {
				prepend = append(prepend, parser.NewNumber(n, tok.Line, tok.File))
			} else {
				prepend = append(prepend, tok)
			}
		}
	}
	stream.Prepend(prepend)
	return nil
}

func (a *Assembler) directivePush(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	if len(params) != 2 {
		return parser.NewError(&start, "#PUSH requires 2 parameters: [stack name], [value]")
	}
	if len(params[0]) != 1 || !params[0][0].IsA(parser.TokenIdentifier) {
		return parser.NewError(&start, "First parameter of #PUSH should be a stack name to push to")
	}
	stackName := params[0][0].Text
	value, err := a.processExpression(params[1])
	if err != nil {
		return err
	}
	value, err = a.resolveConstant(value)
	if err != nil {
		return err
	}
	if !value.IsNumber() {
		return parser.NewError(&start, "Second parameter of #PUSH should be a value to push")
	}
	a.userStacks[stackName] = append(a.userStacks[stackName], value.Token.Num)
	return nil
}

func (a *Assembler) directivePop(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	if len(params) != 2 || len(params[1]) != 1 {
		return parser.NewError(&start, "#POP requires 2 parameters: [stack name], [constant name]")
	}
	if len(params[0]) != 1 || !params[0][0].IsA(parser.TokenIdentifier) {
		return parser.NewError(&start, "First parameter of #POP should be a stack name to pop from")
	}
	stackName := params[0][0].Text
	target := params[1][0]
	if !target.IsA(parser.TokenIdentifier) {
		return parser.NewError(&start, "Second parameter of #POP should be a constant name to pop")
	}
	stack, ok := a.userStacks[stackName]
	if !ok {
		return parser.NewError(&start, "Stack %s not found", stackName)
	}
	if len(stack) == 0 {
		return parser.NewError(&start, "Stack %s is empty while trying to pop", stackName)
	}
	value := stack[len(stack)-1]
	a.userStacks[stackName] = stack[:len(stack)-1]
	a.constants[target.Text] = parser.NewNumber(value, target.Line, target.File)
	return nil
}
