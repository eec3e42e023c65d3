package assembler

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"os"
	"sort"

	"github.com/gbhla/gbhla/parser"
)

// BuildROM materializes the flat ROM image: every layout with a ROM location
// contributes its window (replicated per bank, bank count rounded up to a
// power of two), sections are copied in, then the deferred post-build holes
// are resolved against the fresh image and written at the same offsets.
func (a *Assembler) BuildROM() ([]byte, *parser.Error) {
	maxBank := make(map[string]int)
	for _, section := range a.sections {
		if section.Bank == noBank {
			continue
		}
		if section.Bank > maxBank[section.Layout.Name] {
			maxBank[section.Layout.Name] = section.Bank
		}
	}

	romSize := 0
	for _, section := range a.sections {
		layout := section.Layout
		if layout.RomLocation < 0 {
			continue
		}
		layoutSize := layout.WindowSize()
		if layout.Banked {
			bankCount := (1 << bits.Len(uint(maxBank[layout.Name]))) - layout.BankMin
			layoutSize *= bankCount
		}
		if layout.RomLocation+layoutSize > romSize {
			romSize = layout.RomLocation + layoutSize
		}
	}

	rom := make([]byte, romSize)
	for _, section := range a.sections {
		if section.Layout.RomLocation < 0 {
			continue
		}
		copy(rom[a.romOffset(section, 0):], section.Data)
	}
	a.rom = rom

	for _, link := range a.postBuildLinks {
		if link.section.Layout.RomLocation < 0 {
			continue
		}
		expr, err := a.resolveExpr(link.section.BaseAddress+link.offset, link.expr)
		if err != nil {
			if errors.Is(err, errPostRomBuild) {
				return nil, parser.ErrorFromExpression(link.expr, "Failed to link '"+link.expr.String()+"', symbol not found?")
			}
			return nil, err.(*parser.Error)
		}
		if !expr.IsNumber() {
			return nil, parser.ErrorFromExpression(expr, "Failed to link '"+expr.String()+"', symbol not found?")
		}
		if werr := writeHole(rom[a.romOffset(link.section, link.offset):], link.size, expr); werr != nil {
			return nil, werr
		}
	}
	return rom, nil
}

// romOffset maps a section byte offset to its position in the ROM image.
func (a *Assembler) romOffset(section *Section, offset int) int {
	layout := section.Layout
	result := layout.RomLocation + section.BaseAddress - layout.StartAddr + offset
	if layout.Banked {
		result += layout.WindowSize() * (section.Bank - layout.BankMin)
	}
	return result
}

// ROM returns the built image, or nil before BuildROM ran.
func (a *Assembler) ROM() []byte {
	return a.rom
}

// WriteSymbols writes the symbol listing: one label per line as
// bank:address name, ordered by bank, address, then name.
func (a *Assembler) WriteSymbols(w io.Writer) error {
	type symbol struct {
		name    string
		bank    int
		address int
	}
	symbols := make([]symbol, 0, len(a.labels))
	for name, lbl := range a.labels {
		bank := lbl.section.Bank
		if bank == noBank {
			bank = 0
		}
		symbols = append(symbols, symbol{name, bank, lbl.section.BaseAddress + lbl.offset})
	}
	sort.Slice(symbols, func(i, j int) bool {
		if symbols[i].bank != symbols[j].bank {
			return symbols[i].bank < symbols[j].bank
		}
		if symbols[i].address != symbols[j].address {
			return symbols[i].address < symbols[j].address
		}
		return symbols[i].name < symbols[j].name
	})
	for _, sym := range symbols {
		if _, err := fmt.Fprintf(w, "%02x:%04x %s\n", sym.bank, sym.address, sym.name); err != nil {
			return err
		}
	}
	return nil
}

// SaveSymbols writes the symbol listing to a file.
func (a *Assembler) SaveSymbols(filename string) error {
	f, err := os.Create(filename) // #nosec G304 -- user-provided output path
	if err != nil {
		return err
	}
	defer f.Close()
	return a.WriteSymbols(f)
}

// Dump prints every section's bytes, sixteen per row, with label positions
// interleaved.
func (a *Assembler) Dump(w io.Writer) {
	fmt.Fprintf(w, "\nOutput dump:\n")
	for _, section := range a.sections {
		bank := section.Bank
		if bank == noBank {
			bank = 0
		}
		fmt.Fprintf(w, "Section: %s[%02x]:%s:%04x\n", section.Layout.Name, bank, section.Name, section.BaseAddress)

		offsetToLabel := make(map[int]string)
		for name, lbl := range a.labels {
			if lbl.section == section {
				offsetToLabel[lbl.offset] = name
			}
		}
		byteIdx := 0
		for offset, c := range section.Data {
			if name, ok := offsetToLabel[offset]; ok {
				if byteIdx > 0 {
					byteIdx = 0
					fmt.Fprintln(w)
				}
				fmt.Fprintf(w, "%s:\n", name)
			}
			if byteIdx == 0 {
				fmt.Fprint(w, " ")
			}
			fmt.Fprintf(w, " %02X", c)
			byteIdx++
			if byteIdx == 16 {
				fmt.Fprintln(w)
				byteIdx = 0
			}
		}
		if byteIdx > 0 {
			fmt.Fprintln(w)
		}
		if name, ok := offsetToLabel[len(section.Data)]; ok {
			fmt.Fprintf(w, "%s:\n", name)
		}
	}
}

// Sections returns the sections of one layout, in definition order.
func (a *Assembler) Sections(layoutName string) []*Section {
	return a.sectionsOf(layoutName)
}

// Constant returns the value token of a defined constant.
func (a *Assembler) Constant(name string) (parser.Token, bool) {
	value, ok := a.constants[name]
	return value, ok
}

// Label returns the section and in-section offset of a defined label.
func (a *Assembler) Label(name string) (*Section, int, bool) {
	lbl, ok := a.labels[name]
	if !ok {
		return nil, 0, false
	}
	return lbl.section, lbl.offset, true
}
