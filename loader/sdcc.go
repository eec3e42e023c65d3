package loader

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gbhla/gbhla/parser"
)

// sdccSymbol is a Def/Ref symbol from the object; Def symbols inside an
// area become labels.
type sdccSymbol struct {
	name   string
	offset int
	area   *sdccArea
}

// sdccPatch is one reconstructed relocation: 2-byte absolute, or 1-byte low
// or high-shifted.
type sdccPatch struct {
	offset       int
	target       any // *sdccSymbol or *sdccArea
	targetOffset int
	size         int
	shift        int
}

// sdccArea is one A record with its data, symbols and patches.
type sdccArea struct {
	typeName string
	name     string
	size     int
	flags    int
	address  int
	symbols  []*sdccSymbol
	data     []byte
	patches  []sdccPatch
}

// pendingPatch pairs a T record byte position with its R record mode and
// target before the data walk reconstructs the real patch.
type pendingPatch struct {
	index  int
	mode   int
	target any
}

// lstEntry maps an area offset back to a C source position.
type lstEntry struct {
	offset int
	file   string
	line   int
}

// sdccObject is the parsed .rel (+ optional .lst) content.
type sdccObject struct {
	moduleName string
	symbols    []*sdccSymbol
	areas      []*sdccArea
	fileLookup map[string][]lstEntry
}

func (a *sdccArea) layoutName() (string, error) {
	switch {
	case a.typeName == "_CODE":
		return "ROM0", nil
	case strings.HasPrefix(a.typeName, "_CODE_"):
		return "ROMX", nil
	case a.typeName == "_DATA":
		return "WRAM0", nil
	}
	return "", fmt.Errorf("unsupported area type: %s", a.typeName)
}

func (a *sdccArea) bank() int {
	if strings.HasPrefix(a.typeName, "_CODE_") {
		if n, err := strconv.Atoi(a.typeName[len("_CODE_"):]); err == nil {
			return n
		}
	}
	return -1
}

// addData copies a T record into the area, replacing patched spans with
// holes. The pending patches are interleaved with the data bytes by index.
func (a *sdccArea) addData(offset int, data []byte, pending []pendingPatch) error {
	sort.Slice(pending, func(i, j int) bool { return pending[i].index < pending[j].index })
	next := func() pendingPatch {
		if len(pending) == 0 {
			return pendingPatch{index: len(data)}
		}
		p := pending[0]
		pending = pending[1:]
		return p
	}
	patch := next()
	index := 0
	for index < len(data) {
		if index < patch.index {
			a.data[offset] = data[index]
			offset++
			index++
			continue
		}
		switch patch.mode {
		case 0x00, 0x02: // 2-byte absolute
			targetOffset := int(data[index]) | int(data[index+1])<<8
			a.patches = append(a.patches, sdccPatch{offset, patch.target, targetOffset, 2, 0})
			offset += 2
			index += 2
		case 0x09, 0x0B: // 1-byte low
			targetOffset := int(data[index]) | int(data[index+1])<<8 | int(data[index+2])<<16 | int(data[index+3])<<24
			a.patches = append(a.patches, sdccPatch{offset, patch.target, targetOffset, 1, 0})
			offset++
			index += 4
		case 0x89, 0x8B: // 1-byte high
			targetOffset := int(data[index]) | int(data[index+1])<<8 | int(data[index+2])<<16 | int(data[index+3])<<24
			a.patches = append(a.patches, sdccPatch{offset, patch.target, targetOffset, 1, 8})
			offset++
			index += 4
		default:
			return fmt.Errorf("unsupported SDCC patch mode %02x", patch.mode)
		}
		patch = next()
	}
	return nil
}

// sourceFor maps an area offset to a C file and line, via the nearest
// preceding symbol and the .lst information; the fallback names the module
// and symbol.
func (o *sdccObject) sourceFor(a *sdccArea, offset int) (string, int) {
	var nearest *sdccSymbol
	for _, sym := range a.symbols {
		if sym.offset <= offset && (nearest == nil || nearest.offset < sym.offset) {
			nearest = sym
		}
	}
	if nearest == nil {
		return o.moduleName + ".c#?", 0
	}
	entries := o.fileLookup[nearest.name]
	prevFile, prevLine := "", 0
	for _, entry := range entries {
		if entry.offset > offset {
			break
		}
		prevFile, prevLine = entry.file, entry.line
	}
	if prevFile == "" {
		return o.moduleName + ".c#" + nearest.name, offset - nearest.offset
	}
	return prevFile, prevLine
}

// patchAst builds the expression tree of one patch: the target symbol or
// area-start label, plus the target offset, the high shift and the byte
// mask.
func (o *sdccObject) patchAst(a *sdccArea, p sdccPatch) *parser.AstNode {
	file, line := o.sourceFor(a, p.offset)
	var node *parser.AstNode
	switch target := p.target.(type) {
	case *sdccArea:
		node = parser.NewValueNode(parser.NewIdent("__area_start_"+target.name, line, file))
	case *sdccSymbol:
		switch {
		case strings.HasPrefix(target.name, "b_"):
			node = bankCall(target.name[len("b_"):], line, file)
		case strings.HasPrefix(target.name, "___bank_"):
			node = bankCall(target.name[len("___bank_"):], line, file)
		default:
			node = parser.NewValueNode(parser.NewIdent(target.name, line, file))
		}
	}
	if p.targetOffset != 0 {
		tok := parser.Token{Type: parser.TokenPlus, Text: "+", Line: line, File: file}
		node = &parser.AstNode{Kind: parser.NodeBinary, Op: parser.TokenPlus, Token: tok,
			Left: node, Right: parser.NewValueNode(parser.NewNumber(p.targetOffset, line, file))}
	}
	if p.shift != 0 {
		tok := parser.Token{Type: parser.TokenRShift, Text: ">>", Line: line, File: file}
		node = &parser.AstNode{Kind: parser.NodeBinary, Op: parser.TokenRShift, Token: tok,
			Left: node, Right: parser.NewValueNode(parser.NewNumber(p.shift, line, file))}
	}
	if p.size == 1 {
		tok := parser.Token{Type: parser.TokenAmpersand, Text: "&", Line: line, File: file}
		node = &parser.AstNode{Kind: parser.NodeBinary, Op: parser.TokenAmpersand, Token: tok,
			Left: node, Right: parser.NewValueNode(parser.NewNumber(0xFF, line, file))}
	}
	return node
}

func bankCall(label string, line int, file string) *parser.AstNode {
	operand := parser.NewValueNode(parser.NewIdent(label, line, file))
	callTok := parser.Token{Type: parser.TokenFunc, Text: "BANK", Line: line, File: file}
	return &parser.AstNode{Kind: parser.NodeCall, Token: callTok,
		Right: &parser.AstNode{Kind: parser.NodeParam, Token: operand.Token, Left: operand}}
}

var lstSourceRe = regexp.MustCompile(`^;([a-z0-9.]+):([0-9]+)`)

// readListFile extracts symbol-relative source positions from an SDCC .lst
// file, when one sits next to the object.
func readListFile(filename string) (map[string][]lstEntry, error) {
	f, err := os.Open(filename) // #nosec G304 -- derived from user-provided object path
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lookup := make(map[string][]lstEntry)
	var current []lstEntry
	currentKey := ""
	pendingFile := ""
	pendingLine := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) >= 12 && currentKey != "" && pendingFile != "" {
			offsetText := strings.TrimSpace(line[4:12])
			if offsetText != "" {
				if offset, err := strconv.ParseInt(offsetText, 16, 32); err == nil {
					current = append(current, lstEntry{int(offset), pendingFile, pendingLine})
					lookup[currentKey] = current
					pendingFile = ""
				}
			}
		}
		if len(line) < 40 {
			continue
		}
		data := strings.TrimRight(line[40:], " \t")
		if strings.HasSuffix(data, "::") {
			currentKey = strings.TrimSuffix(data, "::")
			current = nil
			lookup[currentKey] = nil
		} else if m := lstSourceRe.FindStringSubmatch(data); m != nil {
			pendingFile = m[1]
			pendingLine, _ = strconv.Atoi(m[2])
		}
	}
	return lookup, scanner.Err()
}

// ReadSDCC reads an SDCC .rel object (sm83, XL4 format) and reduces it to
// section contributions. An adjacent .lst file supplies source positions for
// diagnostics.
func ReadSDCC(filename string) ([]ImportedSection, error) {
	obj := &sdccObject{fileLookup: make(map[string][]lstEntry)}

	listFilename := strings.TrimSuffix(filename, ".rel") + ".lst"
	if _, err := os.Stat(listFilename); err == nil {
		if lookup, err := readListFile(listFilename); err == nil {
			obj.fileLookup = lookup
		}
	}

	f, err := os.Open(filename) // #nosec G304 -- user-provided object path
	if err != nil {
		return nil, err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%s: empty object file", filename)
	}
	header := strings.TrimSpace(scanner.Text())
	if !strings.HasPrefix(header, "XL") {
		return nil, fmt.Errorf("%s: header line is wrong, wrong sdcc version used?", filename)
	}
	if asize, err := strconv.Atoi(header[2:]); err != nil || asize != 4 {
		return nil, fmt.Errorf("%s: address size is wrong, wrong sdcc version used?", filename)
	}

	var newOffset int
	var newData []byte
	haveData := false
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "H": // area/symbol counts
		case "O": // compiler options
			if !contains(fields, "-msm83") {
				return nil, fmt.Errorf("%s: no sm83 in rel options, wrong sdcc version used?", filename)
			}
		case "M":
			if len(fields) != 2 {
				return nil, fmt.Errorf("%s: malformed module record", filename)
			}
			obj.moduleName = fields[1]
		case "S":
			if len(fields) != 3 {
				return nil, fmt.Errorf("%s: malformed symbol record", filename)
			}
			offset64, _ := strconv.ParseInt(fields[2][3:], 16, 32)
			sym := &sdccSymbol{name: fields[1], offset: int(offset64)}
			if strings.HasPrefix(fields[2], "Def") && len(obj.areas) > 0 {
				area := obj.areas[len(obj.areas)-1]
				sym.area = area
				area.symbols = append(area.symbols, sym)
			}
			obj.symbols = append(obj.symbols, sym)
		case "A":
			if len(fields) != 8 || fields[2] != "size" || fields[4] != "flags" || fields[6] != "addr" {
				return nil, fmt.Errorf("%s: malformed area record", filename)
			}
			size, _ := strconv.ParseInt(fields[3], 16, 32)
			flags, _ := strconv.ParseInt(fields[5], 16, 32)
			addr, _ := strconv.ParseInt(fields[7], 16, 32)
			area := &sdccArea{
				typeName: fields[1],
				name:     obj.moduleName + fields[1],
				size:     int(size),
				flags:    int(flags),
				address:  -1,
				data:     make([]byte, size),
			}
			if area.flags&0x08 != 0 {
				area.address = int(addr)
			}
			obj.areas = append(obj.areas, area)
		case "T":
			data, err := hexFields(fields[1:])
			if err != nil || len(data) < 4 {
				return nil, fmt.Errorf("%s: malformed data record", filename)
			}
			newOffset = int(data[0]) | int(data[1])<<8 | int(data[2])<<16 | int(data[3])<<24
			newData = data[4:]
			haveData = true
		case "R":
			data, err := hexFields(fields[1:])
			if err != nil || len(data) < 4 || data[0] != 0 || data[1] != 0 {
				return nil, fmt.Errorf("%s: malformed relocation record", filename)
			}
			areaIndex := int(data[2]) | int(data[3])<<8
			if areaIndex >= len(obj.areas) {
				return nil, fmt.Errorf("%s: relocation for unknown area %d", filename, areaIndex)
			}
			data = data[4:]
			var pending []pendingPatch
			for len(data) >= 4 {
				mode := int(data[0])
				if mode&0xF0 == 0xF0 {
					mode = (mode<<8)&0xF00 | int(data[1])
					data = data[1:]
				}
				offset := int(data[1])
				ref := int(data[2]) | int(data[3])<<8
				var target any
				if mode&0x02 != 0 {
					if ref >= len(obj.symbols) {
						return nil, fmt.Errorf("%s: relocation for unknown symbol %d", filename, ref)
					}
					target = obj.symbols[ref]
				} else {
					if ref >= len(obj.areas) {
						return nil, fmt.Errorf("%s: relocation for unknown area %d", filename, ref)
					}
					target = obj.areas[ref]
				}
				pending = append(pending, pendingPatch{offset - 4, mode, target})
				data = data[4:]
			}
			if !haveData {
				return nil, fmt.Errorf("%s: relocation record without data record", filename)
			}
			if len(newData) > 0 {
				if err := obj.areas[areaIndex].addData(newOffset, newData, pending); err != nil {
					return nil, fmt.Errorf("%s: %w", filename, err)
				}
			}
			haveData = false
			newData = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	result := make([]ImportedSection, 0, len(obj.areas))
	for _, area := range obj.areas {
		layoutName, err := area.layoutName()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		imported := ImportedSection{
			LayoutName: layoutName,
			Name:       area.name,
			SourceFile: obj.moduleName + ".c",
			Line:       1,
			Address:    area.address,
			Bank:       area.bank(),
			Data:       area.data,
			Labels:     []ImportedLabel{{Name: "__area_start_" + area.name, Offset: 0}},
		}
		for _, sym := range area.symbols {
			imported.Labels = append(imported.Labels, ImportedLabel{Name: sym.name, Offset: sym.offset})
		}
		for _, patch := range area.patches {
			imported.Patches = append(imported.Patches, ImportedPatch{
				Offset: patch.offset,
				Size:   patch.size,
				Expr:   obj.patchAst(area, patch),
			})
		}
		result = append(result, imported)
	}
	return result, nil
}

func hexFields(fields []string) ([]byte, error) {
	data := make([]byte, 0, len(fields))
	for _, field := range fields {
		value, err := strconv.ParseUint(field, 16, 8)
		if err != nil {
			return nil, err
		}
		data = append(data, byte(value))
	}
	return data, nil
}

func contains(fields []string, value string) bool {
	for _, field := range fields {
		if field == value {
			return true
		}
	}
	return false
}
