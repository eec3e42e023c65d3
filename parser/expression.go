package parser

import "strconv"

// Operator precedence levels, lowest binds loosest.
const (
	precNone = iota
	precAssignment
	precLogicOr
	precLogicAnd
	precBitwiseOr
	precBitwiseXor
	precBitwiseAnd
	precEquality
	precComparison
	precShift
	precTerm
	precFactor
	precUnary
	precCall
	precPrimary
)

type prefixFn func(p *exprParser) (*AstNode, *Error)

type exprRule struct {
	prefix prefixFn
	prec   int // infix precedence; precNone when the token is not an infix operator
}

var exprRules map[TokenType]exprRule

func init() {
	exprRules = map[TokenType]exprRule{
		TokenIdentifier: {(*exprParser).parseValue, precNone},
		TokenALabel:     {(*exprParser).parseAnonymousLabel, precNone},
		TokenString:     {(*exprParser).parseValue, precNone},
		TokenNumber:     {(*exprParser).parseValue, precNone},
		TokenCurAddr:    {(*exprParser).parseValue, precNone},
		TokenFunc:       {(*exprParser).parseCall, precNone},
		TokenLParen:     {(*exprParser).parseGrouping, precNone},
		TokenLBracket:   {(*exprParser).parseRef, precNone},
		TokenHash:       {(*exprParser).parseUnary, precNone},
		TokenTilde:      {(*exprParser).parseUnary, precNone},
		TokenExclaim:    {(*exprParser).parseUnary, precNone},
		TokenPlus:       {(*exprParser).parseUnary, precTerm},
		TokenMinus:      {(*exprParser).parseUnary, precTerm},
		TokenStar:       {nil, precFactor},
		TokenSlash:      {nil, precFactor},
		TokenPercent:    {nil, precFactor},
		TokenAmpersand:  {nil, precBitwiseAnd},
		TokenCaret:      {nil, precBitwiseXor},
		TokenPipe:       {nil, precBitwiseOr},
		TokenLShift:     {nil, precShift},
		TokenRShift:     {nil, precShift},
		TokenEqEq:       {nil, precEquality},
		TokenNotEq:      {nil, precEquality},
		TokenLess:       {nil, precComparison},
		TokenGreater:    {nil, precComparison},
		TokenLessEq:     {nil, precComparison},
		TokenGreaterEq:  {nil, precComparison},
		TokenLogicAnd:   {nil, precLogicAnd},
		TokenLogicOr:    {nil, precLogicOr},
	}
}

// exprParser is a Pratt parser over a token stream.
type exprParser struct {
	stream *Stream
	// running anonymous-label counter at the expression's source position;
	// ALABEL references resolve relative to it
	anonCount int
}

// ParseExpression parses a complete expression from a captured token list.
// anonCount is the assembler's anonymous-label counter at the point the
// tokens were fetched.
func ParseExpression(tokens []Token, anonCount int) (*AstNode, *Error) {
	p := &exprParser{stream: NewStream(nil), anonCount: anonCount}
	p.stream.Prepend(tokens)
	node, err := p.parsePrecedence(precAssignment)
	if err != nil {
		return nil, err
	}
	if _, ok := p.stream.Match(TokenEOF); !ok {
		tok := p.stream.Pop()
		return nil, NewError(&tok, "Syntax error")
	}
	return node, nil
}

func (p *exprParser) parsePrecedence(precedence int) (*AstNode, *Error) {
	head := p.stream.Peek()
	rule, ok := exprRules[head.Type]
	if !ok {
		return nil, NewError(&head, "Unexpected %s", head.Text)
	}
	if rule.prefix == nil {
		return nil, NewError(&head, "Expect expression.")
	}
	left, err := rule.prefix(p)
	if err != nil {
		return nil, err
	}

	for {
		next := p.stream.Peek()
		rule, ok := exprRules[next.Type]
		if !ok || rule.prec == precNone || precedence > rule.prec {
			return left, nil
		}
		op := p.stream.Pop()
		right, err := p.parsePrecedence(rule.prec + 1)
		if err != nil {
			return nil, err
		}
		left = &AstNode{Kind: NodeBinary, Op: op.Type, Token: op, Left: left, Right: right}
	}
}

func (p *exprParser) parseValue() (*AstNode, *Error) {
	return NewValueNode(p.stream.Pop()), nil
}

// parseAnonymousLabel turns :+ / :- references into the synthesized
// __anonymous_<k> identifier they will resolve against. The k-th following
// bare label is counter+k; the k-th preceding one is counter-k+1.
func (p *exprParser) parseAnonymousLabel() (*AstNode, *Error) {
	tok := p.stream.Pop()
	offset := 0
	for _, ch := range tok.Text[1:] {
		switch ch {
		case '+':
			offset++
		case '-':
			offset--
		}
	}
	if len(tok.Text) > 1 && tok.Text[1] == '-' {
		offset++
	}
	name := AnonymousLabelName(p.anonCount + offset)
	return NewValueNode(NewIdent(name, tok.Line, tok.File)), nil
}

func (p *exprParser) parseGrouping() (*AstNode, *Error) {
	p.stream.Pop()
	node, err := p.parsePrecedence(precAssignment)
	if err != nil {
		return nil, err
	}
	if _, err := p.stream.Expect(TokenRParen); err != nil {
		return nil, err
	}
	return node, nil
}

func (p *exprParser) parseRef() (*AstNode, *Error) {
	tok := p.stream.Pop()
	node, err := p.parsePrecedence(precAssignment)
	if err != nil {
		return nil, err
	}
	if _, err := p.stream.Expect(TokenRBracket); err != nil {
		return nil, err
	}
	return &AstNode{Kind: NodeRef, Token: tok, Left: node}, nil
}

func (p *exprParser) parseUnary() (*AstNode, *Error) {
	tok := p.stream.Pop()
	operand, err := p.parsePrecedence(precUnary)
	if err != nil {
		return nil, err
	}
	return &AstNode{Kind: NodeUnary, Op: tok.Type, Token: tok, Left: operand}, nil
}

func (p *exprParser) parseCall() (*AstNode, *Error) {
	call := &AstNode{Kind: NodeCall, Token: p.stream.Pop()}
	if _, ok := p.stream.Match(TokenRParen); ok {
		return call, nil
	}
	var args []*AstNode
	for {
		arg, err := p.parsePrecedence(precAssignment)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if _, ok := p.stream.Match(TokenComma); !ok {
			break
		}
	}
	if _, err := p.stream.Expect(TokenRParen); err != nil {
		return nil, err
	}
	node := call
	for _, arg := range args {
		node.Right = &AstNode{Kind: NodeParam, Token: arg.Token, Left: arg}
		node = node.Right
	}
	return call, nil
}

// AnonymousLabelName renders the synthesized name of the k-th bare-: label.
func AnonymousLabelName(k int) string {
	return "__anonymous_" + strconv.Itoa(k)
}
