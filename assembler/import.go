package assembler

import (
	"github.com/gbhla/gbhla/loader"
	"github.com/gbhla/gbhla/parser"
)

// importReader is the shared foreign-object contract: both readers yield
// sections, labels and patches in the same shape.
type importReader func(filename string) ([]loader.ImportedSection, error)

func importRGBDS(filename string) ([]loader.ImportedSection, error) {
	return loader.ReadRGBDS(filename)
}

func importSDCC(filename string) ([]loader.ImportedSection, error) {
	return loader.ReadSDCC(filename)
}

// directiveImport handles #INCRGBDS and #INCSDCC: the object's sections,
// labels and patches join the assembler state as if they had been written in
// source.
func (a *Assembler) directiveImport(start parser.Token, stream *parser.Stream, read importReader) *parser.Error {
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
	imported, readErr := read(path)
	if readErr != nil {
		return parser.NewError(&params[0][0], "%s", readErr.Error())
	}
	return a.addImportedSections(imported)
}

// addImportedSections integrates foreign-object contributions: layout
// lookup, duplicate checks, patches as holes, labels as label entries.
func (a *Assembler) addImportedSections(imported []loader.ImportedSection) *parser.Error {
	for i := range imported {
		imp := &imported[i]
		nameToken := imp.NameToken()
		layout, ok := a.layouts[imp.LayoutName]
		if !ok {
			return parser.NewError(&nameToken, "Section type not found: %s", imp.LayoutName)
		}
		for _, section := range a.sections {
			if section.Name == imp.Name {
				return parser.NewError(&nameToken, "Duplicate section name")
			}
		}
		bank := imp.Bank
		if bank < 0 {
			bank = noBank
		}
		section := NewSection(layout, nameToken, imp.Address, bank)
		section.Data = append([]byte(nil), imp.Data...)
		for _, patch := range imp.Patches {
			section.AddHole(patch.Offset, patch.Size, patch.Expr)
		}
		a.sections = append(a.sections, section)
		for _, lbl := range imp.Labels {
			if _, exists := a.labels[lbl.Name]; exists {
				labelToken := parser.NewIdent(lbl.Name, imp.Line, imp.SourceFile)
				return parser.NewError(&labelToken, "Duplicate label")
			}
			a.labels[lbl.Name] = label{section: section, offset: lbl.Offset}
		}
	}
	return nil
}
