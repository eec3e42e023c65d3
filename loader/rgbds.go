package loader

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/gbhla/gbhla/parser"
)

// rgbdsRevision is the only supported object revision (header RGB9).
const rgbdsRevision = 13

// rgbdsLayouts maps RGBDS section types onto layout names.
var rgbdsLayouts = map[byte]string{
	0: "WRAM0",
	1: "VRAM",
	2: "ROMX",
	3: "ROM0",
	4: "HRAM",
	5: "WRAMX",
	6: "SRAM",
	7: "OAM",
}

// rgbdsNode is one entry of the object's file-stack tree; named nodes carry
// the source filename patches refer to.
type rgbdsNode struct {
	parentID int32
	typ      byte
	name     string
}

type rgbdsSymbol struct {
	label     string
	typ       byte
	nodeID    int32
	line      int32
	sectionID int32
	value     int32
}

type rgbdsPatch struct {
	line      int32
	offset    int32
	patchType byte
	rpn       []byte
}

type rgbdsSection struct {
	name    string
	nodeID  int32
	line    int32
	size    int32
	typ     byte
	address int32
	bank    int32
	data    []byte
	patches []rgbdsPatch
}

// byteReader is a little-endian cursor over the whole object file; the first
// overrun poisons all further reads.
type byteReader struct {
	data []byte
	pos  int
	err  error
}

func (r *byteReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("object file truncated at offset %d", r.pos)
		return nil
	}
	result := r.data[r.pos : r.pos+n]
	r.pos += n
	return result
}

func (r *byteReader) u8() byte {
	b := r.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *byteReader) u32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *byteReader) i32() int32 {
	return int32(r.u32())
}

func (r *byteReader) cstring() string {
	if r.err != nil {
		return ""
	}
	start := r.pos
	for r.pos < len(r.data) && r.data[r.pos] != 0 {
		r.pos++
	}
	if r.pos >= len(r.data) {
		r.err = fmt.Errorf("unterminated string at offset %d", start)
		return ""
	}
	result := string(r.data[start:r.pos])
	r.pos++
	return result
}

// ReadRGBDS reads an RGBDS object file (RGB9 revision 13) and reduces it to
// section contributions.
func ReadRGBDS(filename string) ([]ImportedSection, error) {
	content, err := os.ReadFile(filename) // #nosec G304 -- user-provided object path
	if err != nil {
		return nil, err
	}
	r := &byteReader{data: content}
	if string(r.bytes(4)) != "RGB9" {
		return nil, fmt.Errorf("%s: not an RGBDS object file", filename)
	}
	revision := r.u32()
	if r.err == nil && revision != rgbdsRevision {
		return nil, fmt.Errorf("%s: unsupported RGBDS object revision %d", filename, revision)
	}
	symbolCount := int(r.u32())
	sectionCount := int(r.u32())
	nodeCount := int(r.u32())

	nodes := make([]rgbdsNode, nodeCount)
	for idx := 0; idx < nodeCount; idx++ {
		var node rgbdsNode
		node.parentID = r.i32()
		r.u32() // parent line
		node.typ = r.u8()
		if node.typ&0x7F == 0 {
			r.u32() // rept depth
			r.u32() // iteration
		} else {
			node.name = r.cstring()
		}
		// nodes are stored youngest-first
		nodes[nodeCount-1-idx] = node
	}
	nodeName := func(id int32) string {
		if id >= 0 && int(id) < len(nodes) {
			return nodes[id].name
		}
		return filename
	}

	symbols := make([]rgbdsSymbol, 0, symbolCount)
	for idx := 0; idx < symbolCount; idx++ {
		var sym rgbdsSymbol
		sym.label = r.cstring()
		sym.typ = r.u8()
		sym.sectionID = -1
		if sym.typ != 1 { // type 1 symbols are imports with no body
			sym.nodeID = r.i32()
			sym.line = r.i32()
			sym.sectionID = r.i32()
			sym.value = r.i32()
		}
		symbols = append(symbols, sym)
	}

	sections := make([]rgbdsSection, 0, sectionCount)
	for idx := 0; idx < sectionCount; idx++ {
		var section rgbdsSection
		section.name = r.cstring()
		section.nodeID = r.i32()
		section.line = r.i32()
		section.size = r.i32()
		section.typ = r.u8()
		section.address = r.i32()
		section.bank = r.i32()
		alignment := r.u8()
		r.i32() // alignment offset
		if r.err == nil && alignment != 0 {
			return nil, fmt.Errorf("%s: section alignment not supported", filename)
		}
		if section.typ == 2 || section.typ == 3 { // ROMX / ROM0 carry data
			section.data = append([]byte(nil), r.bytes(int(section.size))...)
			patchCount := int(r.u32())
			for patchIdx := 0; patchIdx < patchCount; patchIdx++ {
				var patch rgbdsPatch
				r.i32() // node
				patch.line = r.i32()
				patch.offset = r.i32()
				pcSection := r.i32()
				r.i32() // pc offset
				patch.patchType = r.u8()
				rpnSize := int(r.i32())
				patch.rpn = append([]byte(nil), r.bytes(rpnSize)...)
				if r.err == nil && pcSection != int32(idx) {
					return nil, fmt.Errorf("%s: LOAD blocks not supported", filename)
				}
				section.patches = append(section.patches, patch)
			}
		}
		sections = append(sections, section)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%s: %w", filename, r.err)
	}

	result := make([]ImportedSection, 0, len(sections))
	for idx, section := range sections {
		layoutName, ok := rgbdsLayouts[section.typ]
		if !ok {
			return nil, fmt.Errorf("%s: unknown section type %02x", filename, section.typ)
		}
		imported := ImportedSection{
			LayoutName: layoutName,
			Name:       section.name,
			SourceFile: nodeName(section.nodeID),
			Line:       int(section.line),
			Address:    int(section.address),
			Bank:       int(section.bank),
			Data:       section.data,
		}
		if imported.Address < 0 {
			imported.Address = -1
		}
		if imported.Bank < 0 {
			imported.Bank = -1
		}
		if imported.Data == nil {
			imported.Data = make([]byte, section.size)
		}
		for _, patch := range section.patches {
			expr, err := rgbdsPatchAst(&patch, symbols, nodeName(section.nodeID))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", filename, err)
			}
			size, err := rgbdsPatchSize(patch.patchType)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", filename, err)
			}
			imported.Patches = append(imported.Patches, ImportedPatch{
				Offset: int(patch.offset),
				Size:   size,
				Expr:   expr,
			})
		}
		for _, sym := range symbols {
			if int(sym.sectionID) == idx {
				imported.Labels = append(imported.Labels, ImportedLabel{Name: sym.label, Offset: int(sym.value)})
			}
		}
		result = append(result, imported)
	}
	return result, nil
}

// rgbdsPatchSize maps patch kinds to hole widths: byte, word, and the
// jr-relative byte.
func rgbdsPatchSize(patchType byte) (int, error) {
	switch patchType {
	case 0, 3:
		return 1, nil
	case 1:
		return 2, nil
	}
	return 0, fmt.Errorf("unsupported patch type %02x", patchType)
}

// rgbdsPatchAst interprets a patch's RPN byte program into an expression
// tree. A jr-relative patch subtracts the current address and one.
func rgbdsPatchAst(patch *rgbdsPatch, symbols []rgbdsSymbol, file string) (*parser.AstNode, error) {
	line := int(patch.line)
	var stack []*parser.AstNode
	push := func(node *parser.AstNode) {
		stack = append(stack, node)
	}
	pop := func() *parser.AstNode {
		if len(stack) == 0 {
			return nil
		}
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return node
	}
	binaryOp := func(op parser.TokenType) {
		right := pop()
		left := pop()
		tok := parser.Token{Type: op, Text: op.String(), Line: line, File: file}
		push(&parser.AstNode{Kind: parser.NodeBinary, Op: op, Token: tok, Left: left, Right: right})
	}
	number := func(value int) *parser.AstNode {
		return parser.NewValueNode(parser.NewNumber(value, line, file))
	}
	symbolNode := func(index uint32) (*parser.AstNode, error) {
		if int(index) >= len(symbols) {
			return nil, fmt.Errorf("RPN symbol index out of range: %d", index)
		}
		sym := symbols[index]
		if sym.sectionID == -1 && sym.typ != 1 {
			return number(int(sym.value)), nil
		}
		return parser.NewValueNode(parser.NewIdent(sym.label, line, file)), nil
	}

	rpn := patch.rpn
	for idx := 0; idx < len(rpn); idx++ {
		switch rpn[idx] {
		case 0x00:
			binaryOp(parser.TokenPlus)
		case 0x01:
			binaryOp(parser.TokenMinus)
		case 0x02:
			binaryOp(parser.TokenStar)
		case 0x03:
			binaryOp(parser.TokenSlash)
		case 0x10:
			binaryOp(parser.TokenPipe)
		case 0x11:
			binaryOp(parser.TokenAmpersand)
		case 0x12:
			binaryOp(parser.TokenCaret)
		case 0x30:
			binaryOp(parser.TokenEqEq)
		case 0x31:
			binaryOp(parser.TokenNotEq)
		case 0x32:
			binaryOp(parser.TokenLess)
		case 0x33:
			binaryOp(parser.TokenGreater)
		case 0x50: // bank of symbol
			if idx+5 > len(rpn) {
				return nil, fmt.Errorf("truncated RPN bank reference")
			}
			operand, err := symbolNode(binary.LittleEndian.Uint32(rpn[idx+1 : idx+5]))
			if err != nil {
				return nil, err
			}
			callTok := parser.NewIdent("BANK", line, file)
			callTok.Type = parser.TokenFunc
			push(&parser.AstNode{Kind: parser.NodeCall, Token: callTok,
				Right: &parser.AstNode{Kind: parser.NodeParam, Token: operand.Token, Left: operand}})
			idx += 4
		case 0x70: // high byte
			left := pop()
			tok := parser.Token{Type: parser.TokenRShift, Text: ">>", Line: line, File: file}
			push(&parser.AstNode{Kind: parser.NodeBinary, Op: parser.TokenRShift, Token: tok, Left: left, Right: number(8)})
		case 0x71: // low byte
			left := pop()
			tok := parser.Token{Type: parser.TokenAmpersand, Text: "&", Line: line, File: file}
			push(&parser.AstNode{Kind: parser.NodeBinary, Op: parser.TokenAmpersand, Token: tok, Left: left, Right: number(0xFF)})
		case 0x80: // integer constant
			if idx+5 > len(rpn) {
				return nil, fmt.Errorf("truncated RPN constant")
			}
			push(number(int(int32(binary.LittleEndian.Uint32(rpn[idx+1 : idx+5])))))
			idx += 4
		case 0x81: // symbol reference
			if idx+5 > len(rpn) {
				return nil, fmt.Errorf("truncated RPN symbol reference")
			}
			node, err := symbolNode(binary.LittleEndian.Uint32(rpn[idx+1 : idx+5]))
			if err != nil {
				return nil, err
			}
			push(node)
			idx += 4
		default:
			return nil, fmt.Errorf("unsupported RPN opcode %02x", rpn[idx])
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("malformed RPN program")
	}
	expr := stack[0]
	if patch.patchType == 3 { // jr target: relative to the byte after the operand
		minus := parser.Token{Type: parser.TokenMinus, Text: "-", Line: line, File: file}
		curAddr := parser.NewValueNode(parser.Token{Type: parser.TokenCurAddr, Text: "@", Line: line, File: file})
		expr = &parser.AstNode{Kind: parser.NodeBinary, Op: parser.TokenMinus, Token: minus, Left: expr, Right: curAddr}
		expr = &parser.AstNode{Kind: parser.NodeBinary, Op: parser.TokenMinus, Token: minus, Left: expr, Right: number(1)}
	}
	return expr, nil
}
