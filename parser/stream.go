package parser

import "strconv"

// Stream is a restartable token cursor. Macro expansion re-enters the stream
// by prepending tokens ahead of the current head; after exhaustion the
// end-of-file sentinel is returned indefinitely.
//
// The constants map is shared with the assembler: the ## splice substitutes
// known constant values into either side at the moment the pair is observed.
type Stream struct {
	tokens    []Token
	eof       Token
	constants map[string]Token
}

// NewStream creates an empty stream. constants may be nil for streams that
// never observe ## splices (e.g. expression sub-parsing of captured tokens).
func NewStream(constants map[string]Token) *Stream {
	return &Stream{constants: constants}
}

// AddSource tokenizes source text and appends it to the stream.
func (s *Stream) AddSource(input, filename string) *Error {
	tokens, eof, err := Tokenize(input, filename)
	if err != nil {
		return err
	}
	s.tokens = append(s.tokens, tokens...)
	s.eof = eof
	return nil
}

// Prepend splices tokens ahead of the current head.
func (s *Stream) Prepend(tokens []Token) {
	combined := make([]Token, 0, len(tokens)+len(s.tokens))
	combined = append(combined, tokens...)
	combined = append(combined, s.tokens...)
	s.tokens = combined
}

// Len returns the number of buffered tokens.
func (s *Stream) Len() int {
	return len(s.tokens)
}

// PopRaw removes and returns the head token without ## processing.
func (s *Stream) PopRaw() Token {
	if len(s.tokens) == 0 {
		return s.eof
	}
	tok := s.tokens[0]
	s.tokens = s.tokens[1:]
	return tok
}

// Peek returns the head token. Observing a head followed by ## collapses the
// pair: both textual values (after constant substitution) are concatenated
// into a single token of the head's type.
func (s *Stream) Peek() Token {
	if len(s.tokens) == 0 {
		return s.eof
	}
	tok := s.tokens[0]
	for len(s.tokens) > 1 && s.tokens[1].IsA(TokenConcat) {
		var right Token
		if len(s.tokens) > 2 {
			right = s.tokens[2]
			s.tokens = append(s.tokens[:1], s.tokens[3:]...)
		} else {
			right = s.eof // dangling ## at end of stream
			s.tokens = s.tokens[:1]
		}
		text := s.constantText(tok) + s.constantText(right)
		tok = spliceToken(tok, text)
		s.tokens[0] = tok
	}
	return tok
}

// constantText renders a token's value for splicing, substituting a known
// constant for identifier names.
func (s *Stream) constantText(tok Token) string {
	if s.constants != nil {
		if value, ok := s.constants[tok.Text]; ok {
			return value.Text
		}
	}
	return tok.Text
}

// spliceToken rebuilds the left token with the concatenated text, keeping its
// type; numeric tokens are re-parsed so arithmetic keeps working.
func spliceToken(left Token, text string) Token {
	tok := Token{Type: left.Type, Text: text, Line: left.Line, File: left.File}
	if left.Type == TokenNumber {
		if value, err := strconv.Atoi(text); err == nil {
			tok.Num = value
		}
	}
	return tok
}

// Pop removes and returns the head token, applying ## splicing.
func (s *Stream) Pop() Token {
	if len(s.tokens) == 0 {
		return s.eof
	}
	tok := s.Peek()
	s.tokens = s.tokens[1:]
	return tok
}

// Expect pops the head token and fails unless it has the given type.
func (s *Stream) Expect(typ TokenType) (Token, *Error) {
	tok := s.Pop()
	if !tok.IsA(typ) {
		return tok, NewError(&tok, "Expected %s got %s", typ, tok.Type)
	}
	return tok, nil
}

// Match pops and returns the head token if it has the given type.
func (s *Stream) Match(typ TokenType) (Token, bool) {
	if s.Peek().IsA(typ) {
		return s.Pop(), true
	}
	return Token{}, false
}

// MatchAny pops and returns the head token if it has any of the given types.
func (s *Stream) MatchAny(types ...TokenType) (Token, bool) {
	head := s.Peek()
	for _, typ := range types {
		if head.IsA(typ) {
			return s.Pop(), true
		}
	}
	return Token{}, false
}
