// Package assembler drives the assembly pipeline: it consumes the token
// stream at statement granularity, populates sections and symbol tables,
// links sections into concrete addresses and builds the ROM image.
package assembler

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gbhla/gbhla/macro"
	"github.com/gbhla/gbhla/parser"
)

// DefaultMaxExpansions bounds macro and function expansions per run, so a
// macro that rewrites to itself fails with a diagnostic instead of looping.
const DefaultMaxExpansions = 100000

// label locates a defined label inside its section.
type label struct {
	section *Section
	offset  int
}

// blockFrame is one entry of the block-macro stack: the macro whose body
// opened a { block, or the sentinel frame of a taken #IF branch (nil macro).
type blockFrame struct {
	m        *macro.Macro
	bindings macro.Bindings
}

// postBuildLink is a hole whose expression needs the built ROM.
type postBuildLink struct {
	section *Section
	offset  int
	size    int
	expr    *parser.AstNode
}

// Assembler holds the full state of one assembly run.
type Assembler struct {
	macroDB   *macro.DB
	funcDB    *macro.DB
	constants map[string]parser.Token
	labels    map[string]label
	sections  []*Section
	layouts   map[string]*Layout

	includePaths []string
	userStacks   map[string][]int

	sectionStack []*Section
	blockStack   []blockFrame
	currentScope string

	anonymousCount int
	expansions     int

	rom            []byte
	postBuildLinks []postBuildLink
	allocationDone bool
	linkingSection *Section

	// MaxExpansions caps macro/function expansions per run.
	MaxExpansions int
	// Verbose enables progress output on Output.
	Verbose bool
	// Output receives #PRINT, dump and progress output; defaults to stdout.
	Output io.Writer
}

// New creates an empty assembler.
func New() *Assembler {
	return &Assembler{
		macroDB:       macro.NewDB(),
		funcDB:        macro.NewDB(),
		constants:     make(map[string]parser.Token),
		labels:        make(map[string]label),
		layouts:       make(map[string]*Layout),
		userStacks:    make(map[string][]int),
		MaxExpansions: DefaultMaxExpansions,
		Output:        os.Stdout,
	}
}

// AddIncludePath appends a directory to the include search list.
func (a *Assembler) AddIncludePath(dir string) {
	a.includePaths = append(a.includePaths, dir)
}

// ProcessFile assembles a top-level source file. The file's directory joins
// the include search path for the duration.
func (a *Assembler) ProcessFile(filename string) *parser.Error {
	a.includePaths = append(a.includePaths, filepath.Dir(filename))
	defer func() {
		a.includePaths = a.includePaths[:len(a.includePaths)-1]
	}()
	return a.processFile(filename)
}

func (a *Assembler) processFile(filename string) *parser.Error {
	if a.Verbose {
		fmt.Fprintf(a.Output, "Processing file: %s\n", filename)
	}
	content, err := os.ReadFile(filename) // #nosec G304 -- user-provided source path
	if err != nil {
		return parser.NewError(nil, "Cannot read file: %s", filename)
	}
	return a.ProcessCode(string(content), filename)
}

// findInclude resolves a filename against the include search paths; the
// first hit wins.
func (a *Assembler) findInclude(filename parser.Token) (string, *parser.Error) {
	for _, dir := range a.includePaths {
		fullPath := filepath.Join(dir, filename.Text)
		if _, err := os.Stat(fullPath); err == nil {
			return fullPath, nil
		}
	}
	return "", parser.NewError(&filename, "Include not found")
}

// includeFile processes another source file; its directory is pushed on the
// include path for nested includes and popped on exit.
func (a *Assembler) includeFile(filename parser.Token) *parser.Error {
	fullPath, err := a.findInclude(filename)
	if err != nil {
		return err
	}
	a.includePaths = append(a.includePaths, filepath.Dir(fullPath))
	defer func() {
		a.includePaths = a.includePaths[:len(a.includePaths)-1]
	}()
	return a.processFile(fullPath)
}

// ProcessCode assembles source text. Each invocation runs with fresh
// section/block stacks and scope; sections must close before the text ends.
func (a *Assembler) ProcessCode(code, filename string) *parser.Error {
	a.sectionStack = nil
	a.blockStack = nil
	a.currentScope = ""

	stream := parser.NewStream(a.constants)
	if err := stream.AddSource(code, filename); err != nil {
		return err
	}

	for {
		start := stream.Pop()
		if start.IsA(parser.TokenNewline) {
			continue
		}
		if start.IsA(parser.TokenEOF) {
			break
		}
		var err *parser.Error
		switch {
		case start.IsA(parser.TokenDirective):
			err = a.processDirective(start, stream)
		case start.Is(parser.TokenIdentifier, "DS"):
			err = a.dataSpace(start, stream)
		case start.Is(parser.TokenIdentifier, "DB"):
			err = a.dataBytes(start, stream)
		case start.Is(parser.TokenIdentifier, "DW"):
			err = a.dataWords(start, stream)
		case start.IsA(parser.TokenIdentifier) && stream.Peek().IsA(parser.TokenEqual):
			stream.Pop()
			err = a.defineConstant(start, stream)
		case start.IsA(parser.TokenIdentifier) && stream.Peek().IsA(parser.TokenLabel):
			stream.Pop()
			err = a.defineLabel(start)
		case start.IsA(parser.TokenLabel):
			a.anonymousCount++
			err = a.placeLabel(start, parser.AnonymousLabelName(a.anonymousCount))
		case start.IsA(parser.TokenIdentifier):
			err = a.processStatement(start, stream)
		case start.IsA(parser.TokenRBrace):
			err = a.closeBlock(start, stream)
		default:
			err = parser.NewError(&start, "Syntax error")
		}
		if err != nil {
			return err
		}
	}
	if len(a.sectionStack) > 0 {
		section := a.sectionStack[len(a.sectionStack)-1]
		return parser.NewError(&section.Token, "End of file reached with section open")
	}
	return nil
}

// defineConstant handles `name = expr`; the expression must fold to a number
// or a string in the current phase.
func (a *Assembler) defineConstant(start parser.Token, stream *parser.Stream) *parser.Error {
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	if len(params) != 1 {
		return parser.NewError(&start, "Syntax error")
	}
	expr, err := a.processExpression(params[0])
	if err != nil {
		return err
	}
	resolved, rerr := a.resolveExpr(noOffset, expr)
	if rerr != nil {
		if perr, ok := rerr.(*parser.Error); ok {
			return perr
		}
		resolved = expr // post-build value; reported below as non-constant
	}
	if !resolved.IsNumber() && !resolved.IsString() {
		return parser.NewError(&resolved.Token, "Assignment requires constant expression")
	}
	a.constants[start.Text] = resolved.Token
	return nil
}

// defineLabel handles `name:`. Names starting with "." attach to the current
// scope; names starting with "__" do not move the scope.
func (a *Assembler) defineLabel(start parser.Token) *parser.Error {
	name := start.Text
	if strings.HasPrefix(name, ".") {
		name = a.currentScope + name
	} else if !strings.HasPrefix(name, "__") {
		a.currentScope = name
	}
	return a.placeLabel(start, name)
}

func (a *Assembler) placeLabel(start parser.Token, name string) *parser.Error {
	if _, exists := a.labels[name]; exists {
		return parser.NewError(&start, "Duplicate label")
	}
	if len(a.sectionStack) == 0 {
		return parser.NewError(&start, "Trying to place label outside of section")
	}
	section := a.sectionStack[len(a.sectionStack)-1]
	a.labels[name] = label{section: section, offset: len(section.Data)}
	return nil
}

// openSection returns the innermost open section or fails with the
// statement's token.
func (a *Assembler) openSection(start parser.Token) (*Section, *parser.Error) {
	if len(a.sectionStack) == 0 {
		return nil, parser.NewError(&start, "Expression outside of section")
	}
	return a.sectionStack[len(a.sectionStack)-1], nil
}

func (a *Assembler) dataBytes(start parser.Token, stream *parser.Stream) *parser.Error {
	section, err := a.openSection(start)
	if err != nil {
		return err
	}
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	for _, param := range params {
		expr, err := a.processExpression(param)
		if err != nil {
			return err
		}
		if err := section.Add8(expr); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) dataWords(start parser.Token, stream *parser.Stream) *parser.Error {
	section, err := a.openSection(start)
	if err != nil {
		return err
	}
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	for _, param := range params {
		expr, err := a.processExpression(param)
		if err != nil {
			return err
		}
		if err := section.Add16(expr); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) dataSpace(start parser.Token, stream *parser.Stream) *parser.Error {
	section, err := a.openSection(start)
	if err != nil {
		return err
	}
	params, _, err := a.fetchParameters(stream, parser.TokenNewline)
	if err != nil {
		return err
	}
	for _, param := range params {
		expr, err := a.processExpression(param)
		if err != nil {
			return err
		}
		resolved, rerr := a.resolveConstant(expr)
		if rerr != nil {
			return rerr
		}
		if !resolved.IsNumber() {
			return parser.NewError(&resolved.Token, "DS needs a constant number")
		}
		if resolved.Token.Num < 0 {
			return parser.NewError(&resolved.Token, "DS needs a positive number")
		}
		section.Data = append(section.Data, make([]byte, resolved.Token.Num)...)
	}
	return nil
}

// processStatement dispatches a non-directive statement against the macro
// database and prepends the expansion onto the stream.
func (a *Assembler) processStatement(start parser.Token, stream *parser.Stream) *parser.Error {
	params, endToken, err := a.fetchParameters(stream, parser.TokenNewline, parser.TokenLBrace)
	if err != nil {
		return err
	}
	m, bindings := a.macroDB.Get(start.Text, params)
	if m == nil {
		return parser.NewError(&start, "Syntax error: %s %s", start.Text, paramsToString(params))
	}
	if err := a.countExpansion(start); err != nil {
		return err
	}

	prepend := macro.Expand(m.Contents, bindings)
	switch {
	case m.Linked != nil:
		prepend = append(prepend, m.Linked.Head)
		for i, linkedParam := range m.Linked.Params {
			prepend = append(prepend, macro.Expand(linkedParam, bindings)...)
			if i != len(m.Linked.Params)-1 {
				prepend = append(prepend, parser.Token{Type: parser.TokenComma, Text: ","})
			}
		}
		prepend = append(prepend, endToken)
	case endToken.IsA(parser.TokenLBrace):
		a.blockStack = append(a.blockStack, blockFrame{m: m, bindings: bindings})
	case len(m.PostContents) > 0:
		prepend = append(prepend, macro.Expand(m.PostContents, bindings)...)
	}
	stream.Prepend(prepend)
	return nil
}

// closeBlock handles `}`: the deepest nested context pops first, block
// macros before sections.
func (a *Assembler) closeBlock(start parser.Token, stream *parser.Stream) *parser.Error {
	if len(a.blockStack) > 0 {
		frame := a.blockStack[len(a.blockStack)-1]
		a.blockStack = a.blockStack[:len(a.blockStack)-1]
		if frame.m == nil {
			return a.closeIfBranch(stream)
		}
		contents := frame.m.PostContents
		if next := stream.Peek(); next.IsA(parser.TokenIdentifier) {
			if chain, ok := frame.m.Chains[next.Text]; ok {
				contents = chain.Contents
				a.blockStack = append(a.blockStack, blockFrame{m: chain, bindings: frame.bindings})
				stream.Pop()
				if _, err := stream.Expect(parser.TokenLBrace); err != nil {
					return err
				}
			}
		}
		if len(contents) > 0 {
			if err := a.countExpansion(start); err != nil {
				return err
			}
			stream.Prepend(macro.Expand(contents, frame.bindings))
		}
		return nil
	}
	if len(a.sectionStack) > 0 {
		a.sectionStack = a.sectionStack[:len(a.sectionStack)-1]
		return nil
	}
	return parser.NewError(&start, "Unexpected }")
}

// closeIfBranch ends a taken #IF branch; a trailing ELSE block is skipped
// without assembling.
func (a *Assembler) closeIfBranch(stream *parser.Stream) *parser.Error {
	if next := stream.Peek(); next.Is(parser.TokenIdentifier, "ELSE") {
		elseToken := stream.Pop()
		if _, err := stream.Expect(parser.TokenLBrace); err != nil {
			return err
		}
		if _, err := a.rawBlock(elseToken, stream); err != nil {
			return err
		}
	}
	return nil
}

// countExpansion enforces the per-run expansion cap.
func (a *Assembler) countExpansion(at parser.Token) *parser.Error {
	a.expansions++
	if a.expansions > a.MaxExpansions {
		return parser.NewError(&at, "Macro expansion limit exceeded (recursive macro?)")
	}
	return nil
}

// fetchParameters collects statement parameters: token lists split at
// top-level commas, until one of the end token types. Expression-macro calls
// expand inline; identifiers starting with "." are rewritten into the
// current scope.
func (a *Assembler) fetchParameters(stream *parser.Stream, ends ...parser.TokenType) ([][]parser.Token, parser.Token, *parser.Error) {
	newlineEnd := len(ends) == 1 && ends[0] == parser.TokenNewline
	var params [][]parser.Token
	if endToken, ok := stream.MatchAny(ends...); ok {
		return params, endToken, nil
	}
	var param []parser.Token
	var endToken parser.Token
	// a } at bracket depth 0 ends a newline-terminated statement and is left
	// in the stream to close its block: `{ db 1, 2 }` on one line
	braceEnds := false
	for _, e := range ends {
		braceEnds = braceEnds || e == parser.TokenNewline
	}
	brackets := 0
	for {
		if brackets == 0 {
			if t, ok := stream.MatchAny(ends...); ok {
				endToken = t
				break
			}
			if next := stream.Peek(); braceEnds && next.IsA(parser.TokenRBrace) {
				endToken = parser.Token{Type: parser.TokenNewline, Line: next.Line, File: next.File}
				break
			}
		}
		t := stream.Pop()
		if t.IsA(parser.TokenEOF) {
			if !newlineEnd {
				return nil, t, parser.NewError(&t, "Unexpected end of file")
			}
			endToken = t
			break
		}
		switch t.Type {
		case parser.TokenFunc:
			if builtinLookup(t.Text) == nil {
				expanded, err := a.expandFunction(t, stream)
				if err != nil {
					return nil, t, err
				}
				param = append(param, expanded...)
				continue
			}
			brackets++
		case parser.TokenLParen, parser.TokenLBracket, parser.TokenLBrace:
			brackets++
		case parser.TokenRParen, parser.TokenRBracket, parser.TokenRBrace:
			brackets--
			if brackets < 0 {
				return nil, t, parser.NewError(&t, "Syntax error")
			}
		}
		if t.IsA(parser.TokenComma) && brackets == 0 {
			params = append(params, param)
			param = nil
		} else {
			if t.IsA(parser.TokenIdentifier) && strings.HasPrefix(t.Text, ".") {
				t = parser.NewIdent(a.currentScope+t.Text, t.Line, t.File)
			}
			param = append(param, t)
		}
	}
	params = append(params, param)
	return params, endToken, nil
}

// expandFunction resolves an expression-macro call against the function
// database and returns the substituted body tokens.
func (a *Assembler) expandFunction(head parser.Token, stream *parser.Stream) ([]parser.Token, *parser.Error) {
	fparams, _, err := a.fetchParameters(stream, parser.TokenRParen)
	if err != nil {
		return nil, err
	}
	f, bindings := a.funcDB.Get(head.Text, fparams)
	if f == nil {
		return nil, parser.NewError(&head, "Function not found: [%s] with params: %s", head.Text, paramsToString(fparams))
	}
	if err := a.countExpansion(head); err != nil {
		return nil, err
	}
	return macro.Expand(f.Contents, bindings), nil
}

// bracketParam parses the `id[args]` option form used by #LAYOUT, #SECTION
// and #INCGFX. argCount -1 accepts any argument count, including a bare id
// with no brackets.
func (a *Assembler) bracketParam(tokens []parser.Token, argCount int) (parser.Token, []*parser.AstNode, *parser.Error) {
	if len(tokens) == 0 || !tokens[0].IsA(parser.TokenIdentifier) {
		var at *parser.Token
		if len(tokens) > 0 {
			at = &tokens[0]
		}
		return parser.Token{}, nil, parser.NewError(at, "Syntax error")
	}
	if len(tokens) < 2 {
		if argCount < 0 {
			return tokens[0], nil, nil
		}
		return parser.Token{}, nil, parser.NewError(&tokens[0], "Expected '['")
	}
	if !tokens[1].IsA(parser.TokenLBracket) {
		return parser.Token{}, nil, parser.NewError(&tokens[1], "Expected '['")
	}
	if !tokens[len(tokens)-1].IsA(parser.TokenRBracket) {
		return parser.Token{}, nil, parser.NewError(&tokens[len(tokens)-1], "Expected ']'")
	}
	inner := parser.NewStream(a.constants)
	inner.Prepend(tokens[2 : len(tokens)-1])
	params, _, err := a.fetchParameters(inner, parser.TokenNewline)
	if err != nil {
		return parser.Token{}, nil, err
	}
	if len(params) == 1 && len(params[0]) == 0 {
		params = nil // empty brackets: id[]
	}
	if argCount >= 0 && len(params) != argCount {
		return parser.Token{}, nil, parser.NewError(&tokens[0], "Wrong number of parameters")
	}
	nodes := make([]*parser.AstNode, 0, len(params))
	for _, param := range params {
		node, err := a.processExpression(param)
		if err != nil {
			return parser.Token{}, nil, err
		}
		if resolved, rerr := a.resolveExpr(noOffset, node); rerr == nil {
			node = resolved
		}
		nodes = append(nodes, node)
	}
	return tokens[0], nodes, nil
}

// processExpression turns a captured token list into an AST: built-in
// token-rewriting functions are spliced out, known constants substituted,
// then the list is parsed.
func (a *Assembler) processExpression(tokens []parser.Token) (*parser.AstNode, *parser.Error) {
	tokens = append([]parser.Token(nil), tokens...)
	for idx := 0; idx < len(tokens); idx++ {
		t := tokens[idx]
		if t.IsA(parser.TokenFunc) {
			bi := builtinLookup(t.Text)
			if bi == nil {
				return nil, parser.NewError(&t, "Function not found: %s", t.Text)
			}
			if bi.Phase != phaseMacro {
				// resolved later, as a call node, in the phase it needs
				continue
			}
			args, end, err := splitCallArgs(tokens, idx)
			if err != nil {
				return nil, err
			}
			expanded, berr := bi.Expand(a, args)
			if berr != nil {
				return nil, berr
			}
			spliced := append([]parser.Token(nil), tokens[:idx]...)
			spliced = append(spliced, expanded...)
			spliced = append(spliced, tokens[end+1:]...)
			return a.processExpression(spliced)
		}
		if t.IsA(parser.TokenIdentifier) {
			if value, ok := a.constants[t.Text]; ok {
				value.Line, value.File = t.Line, t.File
				tokens[idx] = value
			}
		}
	}
	return parser.ParseExpression(tokens, a.anonymousCount)
}

// splitCallArgs collects the argument token lists of the call starting at
// tokens[start] (a FUNC token) and the index of its closing parenthesis.
func splitCallArgs(tokens []parser.Token, start int) ([][]parser.Token, int, *parser.Error) {
	var args [][]parser.Token
	var arg []parser.Token
	brackets := 0
	for idx := start + 1; idx < len(tokens); idx++ {
		t := tokens[idx]
		switch {
		case t.IsA(parser.TokenRParen) && brackets == 0:
			if len(arg) > 0 {
				args = append(args, arg)
			}
			return args, idx, nil
		case t.IsA(parser.TokenComma) && brackets == 0:
			args = append(args, arg)
			arg = nil
		default:
			if t.IsA(parser.TokenFunc) || t.IsA(parser.TokenLParen) {
				brackets++
			} else if t.IsA(parser.TokenRParen) {
				brackets--
			}
			arg = append(arg, t)
		}
	}
	return nil, 0, parser.NewError(&tokens[start], "Function not closed: %s", tokens[start].Text)
}

// rawBlock captures tokens verbatim up to the matching }, used for macro
// bodies and skipped branches. The result always ends with a newline.
func (a *Assembler) rawBlock(name parser.Token, stream *parser.Stream) ([]parser.Token, *parser.Error) {
	var content []parser.Token
	bracket := 0
	for {
		token := stream.PopRaw()
		if token.IsA(parser.TokenEOF) {
			return nil, parser.NewError(&name, "Unterminated macro definition")
		}
		if token.IsA(parser.TokenLBrace) {
			bracket++
		}
		if token.IsA(parser.TokenRBrace) {
			if bracket == 0 {
				break
			}
			bracket--
		}
		content = append(content, token)
	}
	if len(content) == 0 || !content[len(content)-1].IsA(parser.TokenNewline) {
		content = append(content, parser.Token{Type: parser.TokenNewline})
	}
	return content, nil
}

// resolveConstant folds an expression that must be fully resolvable in the
// current phase; post-build deferral is not acceptable here.
func (a *Assembler) resolveConstant(expr *parser.AstNode) (*parser.AstNode, *parser.Error) {
	resolved, err := a.resolveExpr(noOffset, expr)
	if err != nil {
		if perr, ok := err.(*parser.Error); ok {
			return nil, perr
		}
		return expr, nil
	}
	return resolved, nil
}

func tokensToString(tokens []parser.Token) string {
	var sb strings.Builder
	for _, t := range tokens {
		switch t.Type {
		case parser.TokenFunc:
			fmt.Fprintf(&sb, "%s(", t.Text)
		case parser.TokenString:
			fmt.Fprintf(&sb, "%q", t.Text)
		default:
			sb.WriteString(t.Text)
		}
	}
	return sb.String()
}

func paramsToString(params [][]parser.Token) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, tokensToString(p))
	}
	return strings.Join(parts, ", ")
}
