package assembler

// Layout is an addressable window, optionally replicated across banks and
// optionally mapped into the ROM image.
type Layout struct {
	Name      string
	StartAddr int
	EndAddr   int
	// RomLocation is the byte offset of the window in the ROM image, or -1
	// when the layout contributes no ROM bytes (RAM windows).
	RomLocation int
	Banked      bool
	BankMin     int
	// BankMax bounds bank growth exclusively; -1 means unbounded.
	BankMax int
}

// NewLayout creates an unbanked layout with no ROM mapping.
func NewLayout(name string, startAddr, endAddr int) *Layout {
	return &Layout{
		Name:        name,
		StartAddr:   startAddr,
		EndAddr:     endAddr,
		RomLocation: -1,
		BankMax:     -1,
	}
}

// WindowSize returns the number of addresses the window spans.
func (l *Layout) WindowSize() int {
	return l.EndAddr - l.StartAddr
}

// Contains reports whether addr falls inside the window.
func (l *Layout) Contains(addr int) bool {
	return l.StartAddr <= addr && addr < l.EndAddr
}
