package loader

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gbhla/gbhla/parser"
)

// objectWriter builds a synthetic RGB9 object for the reader tests.
type objectWriter struct {
	buf bytes.Buffer
}

func (w *objectWriter) u8(v byte)    { w.buf.WriteByte(v) }
func (w *objectWriter) u32(v uint32) { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *objectWriter) i32(v int32)  { _ = binary.Write(&w.buf, binary.LittleEndian, v) }
func (w *objectWriter) str(s string) { w.buf.WriteString(s); w.buf.WriteByte(0) }
func (w *objectWriter) raw(b []byte) { w.buf.Write(b) }
func (w *objectWriter) write(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, w.buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// buildObject writes a one-node, one-symbol, one-section object: a ROM0
// section "code" with four data bytes, a patch of type patchType with the
// RPN program rpn at offset 2, and the symbol "my_label" at offset 2.
func buildObject(t *testing.T, patchType byte, rpn []byte) string {
	t.Helper()
	w := &objectWriter{}
	w.raw([]byte("RGB9"))
	w.u32(13) // revision
	w.u32(1)  // symbols
	w.u32(1)  // sections
	w.u32(1)  // nodes

	// node: a named file node
	w.i32(-1) // parent
	w.u32(0)  // parent line
	w.u8(1)   // type: file
	w.str("game.asm")

	// symbol: local, in section 0 at offset 2
	w.str("my_label")
	w.u8(0)  // local
	w.i32(0) // node
	w.i32(5) // line
	w.i32(0) // section
	w.i32(2) // value

	// section
	w.str("code")
	w.i32(0)  // node
	w.i32(1)  // line
	w.i32(4)  // size
	w.u8(3)   // type ROM0
	w.i32(-1) // address: float
	w.i32(-1) // bank
	w.u8(0)   // alignment
	w.i32(0)  // alignment offset
	w.raw([]byte{0x11, 0x22, 0x00, 0x00})
	w.u32(1) // patch count
	w.i32(0) // node
	w.i32(6) // line
	w.i32(2) // offset
	w.i32(0) // pc section
	w.i32(0) // pc offset
	w.u8(patchType)
	w.i32(int32(len(rpn)))
	w.raw(rpn)

	w.u32(0) // asserts
	return w.write(t, "game.o")
}

func TestReadRGBDS_Sections(t *testing.T) {
	path := buildObject(t, 1, []byte{0x81, 0, 0, 0, 0}) // word patch: symbol 0

	sections, err := ReadRGBDS(path)
	if err != nil {
		t.Fatalf("ReadRGBDS() error = %v", err)
	}
	if len(sections) != 1 {
		t.Fatalf("got %d sections, want 1", len(sections))
	}
	section := sections[0]
	if section.LayoutName != "ROM0" {
		t.Errorf("layout = %s, want ROM0", section.LayoutName)
	}
	if section.Name != "code" {
		t.Errorf("name = %s, want code", section.Name)
	}
	if section.Address != -1 || section.Bank != -1 {
		t.Errorf("placement = (%d, %d), want floating", section.Address, section.Bank)
	}
	if !bytes.Equal(section.Data, []byte{0x11, 0x22, 0x00, 0x00}) {
		t.Errorf("data = %x", section.Data)
	}
	if section.SourceFile != "game.asm" {
		t.Errorf("source file = %s", section.SourceFile)
	}

	if len(section.Labels) != 1 || section.Labels[0].Name != "my_label" || section.Labels[0].Offset != 2 {
		t.Errorf("labels = %+v", section.Labels)
	}

	if len(section.Patches) != 1 {
		t.Fatalf("patches = %+v", section.Patches)
	}
	patch := section.Patches[0]
	if patch.Offset != 2 || patch.Size != 2 {
		t.Errorf("patch = offset %d size %d, want 2/2", patch.Offset, patch.Size)
	}
	if patch.Expr.Kind != parser.NodeValue || patch.Expr.Token.Text != "my_label" {
		t.Errorf("patch expr = %s, want my_label", patch.Expr)
	}
}

func TestReadRGBDS_RPN(t *testing.T) {
	// my_label + 3
	rpn := []byte{
		0x81, 0, 0, 0, 0, // symbol 0
		0x80, 3, 0, 0, 0, // constant 3
		0x00, // +
	}
	path := buildObject(t, 0, rpn) // byte patch

	sections, err := ReadRGBDS(path)
	if err != nil {
		t.Fatalf("ReadRGBDS() error = %v", err)
	}
	patch := sections[0].Patches[0]
	if patch.Size != 1 {
		t.Errorf("size = %d, want 1", patch.Size)
	}
	if got := patch.Expr.String(); got != "(my_label + 3)" {
		t.Errorf("expr = %s, want (my_label + 3)", got)
	}
}

func TestReadRGBDS_JrPatch(t *testing.T) {
	path := buildObject(t, 3, []byte{0x81, 0, 0, 0, 0})

	sections, err := ReadRGBDS(path)
	if err != nil {
		t.Fatalf("ReadRGBDS() error = %v", err)
	}
	patch := sections[0].Patches[0]
	if patch.Size != 1 {
		t.Errorf("size = %d, want 1", patch.Size)
	}
	if got := patch.Expr.String(); got != "((my_label - @) - 1)" {
		t.Errorf("expr = %s, want ((my_label - @) - 1)", got)
	}
}

func TestReadRGBDS_BadHeader(t *testing.T) {
	w := &objectWriter{}
	w.raw([]byte("RGB5"))
	w.u32(9)
	path := w.write(t, "bad.o")

	if _, err := ReadRGBDS(path); err == nil {
		t.Error("expected an error for a foreign header")
	}
}

func TestReadRGBDS_WrongRevision(t *testing.T) {
	w := &objectWriter{}
	w.raw([]byte("RGB9"))
	w.u32(11)
	w.u32(0)
	w.u32(0)
	w.u32(0)
	path := w.write(t, "old.o")

	if _, err := ReadRGBDS(path); err == nil {
		t.Error("expected an error for an unsupported revision")
	}
}
