package parser

import (
	"fmt"
	"strings"
)

// NodeKind discriminates AST node shapes.
type NodeKind int

const (
	NodeValue  NodeKind = iota // literal, identifier, or current-address marker
	NodeUnary                  // Op applied to Left
	NodeBinary                 // Left Op Right
	NodeCall                   // function call; Right is the param chain
	NodeParam                  // one argument; Left is the value, Right the next param
	NodeRef                    // [expr] subscript
)

// AstNode is an expression tree node. Nodes own their children; folding
// builds replacement nodes rather than mutating in place.
type AstNode struct {
	Kind  NodeKind
	Op    TokenType // operator for NodeUnary / NodeBinary
	Token Token
	Left  *AstNode
	Right *AstNode
}

// NewValueNode wraps a token as a leaf value node.
func NewValueNode(tok Token) *AstNode {
	return &AstNode{Kind: NodeValue, Token: tok}
}

// NewNumberNode builds a folded numeric value positioned at tok.
func NewNumberNode(value int, tok Token) *AstNode {
	return NewValueNode(NewNumber(value, tok.Line, tok.File))
}

// NewStringNode builds a folded string value positioned at tok.
func NewStringNode(value string, tok Token) *AstNode {
	return NewValueNode(NewString(value, tok.Line, tok.File))
}

// IsNumber reports whether the node is a folded numeric value.
func (n *AstNode) IsNumber() bool {
	return n != nil && n.Kind == NodeValue && n.Token.IsA(TokenNumber)
}

// IsString reports whether the node is a folded string value.
func (n *AstNode) IsString() bool {
	return n != nil && n.Kind == NodeValue && n.Token.IsA(TokenString)
}

func (n *AstNode) String() string {
	if n == nil {
		return ""
	}
	switch n.Kind {
	case NodeValue:
		if n.Token.IsA(TokenString) {
			return fmt.Sprintf("%q", n.Token.Text)
		}
		return n.Token.Text
	case NodeCall:
		if n.Right != nil {
			return fmt.Sprintf("%s(%s)", n.Token.Text, n.Right)
		}
		return fmt.Sprintf("%s()", n.Token.Text)
	case NodeParam:
		var parts []string
		for p := n; p != nil; p = p.Right {
			parts = append(parts, p.Left.String())
		}
		return strings.Join(parts, ", ")
	case NodeRef:
		return fmt.Sprintf("[%s]", n.Left)
	case NodeUnary:
		return fmt.Sprintf("(%s %s)", n.Op, n.Left)
	default:
		return fmt.Sprintf("(%s %s %s)", n.Left, n.Op, n.Right)
	}
}
