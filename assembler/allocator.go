package assembler

import (
	"fmt"
	"io"
	"sort"

	"github.com/samber/lo"

	"github.com/gbhla/gbhla/parser"
)

// noBank marks free intervals of unbanked layouts.
const noBank = -1

// interval is a free region [start, end) in one bank of a layout.
type interval struct {
	bank  int
	start int
	end   int
}

// layoutSpace tracks the free intervals of one layout. Banked layouts grow
// new banks on demand, bounded by the layout's BankMax.
type layoutSpace struct {
	layout       *Layout
	available    []interval
	nextFreeBank int
}

func newLayoutSpace(layout *Layout) *layoutSpace {
	s := &layoutSpace{layout: layout}
	if layout.Banked {
		s.available = append(s.available, interval{layout.BankMin, layout.StartAddr, layout.EndAddr})
		s.nextFreeBank = layout.BankMin + 1
	} else {
		s.available = append(s.available, interval{noBank, layout.StartAddr, layout.EndAddr})
		s.nextFreeBank = noBank
	}
	return s
}

// freeSpace returns remaining bytes per bank.
func (s *layoutSpace) freeSpace() map[int]int {
	perBank := make(map[int]int)
	for _, iv := range s.available {
		perBank[iv.bank] += iv.end - iv.start
	}
	return perBank
}

func (s *layoutSpace) totalSpace() int {
	return s.layout.WindowSize()
}

func (s *layoutSpace) newBank() *parser.Error {
	if s.layout.BankMax >= 0 && s.nextFreeBank == s.layout.BankMax {
		return parser.NewError(nil, "Ran out of available banks for %s", s.layout.Name)
	}
	s.available = append(s.available, interval{s.nextFreeBank, s.layout.StartAddr, s.layout.EndAddr})
	s.nextFreeBank++
	return nil
}

// allocateFixed carves [start, start+length) out of a free interval of the
// requested bank, splitting the remainder around it.
func (s *layoutSpace) allocateFixed(start, length, bank int) (int, *parser.Error) {
	if bank != noBank {
		for bank >= s.nextFreeBank {
			if err := s.newBank(); err != nil {
				return 0, err
			}
		}
	}
	end := start + length
	for idx, iv := range s.available {
		if bank != noBank && iv.bank != bank {
			continue
		}
		if iv.start <= start && iv.end >= end {
			s.available = append(s.available[:idx], s.available[idx+1:]...)
			if iv.start < start {
				s.available = append(s.available, interval{iv.bank, iv.start, start})
			}
			if iv.end > end {
				s.available = append(s.available, interval{iv.bank, end, iv.end})
			}
			return iv.bank, nil
		}
	}
	return 0, parser.NewError(nil, "Failed to allocate fixed region: %04x-%04x in bank %d", start, end, bank)
}

// allocate first-fit scans the free intervals of the requested bank (any
// bank when bank is noBank); a banked layout with no specific bank request
// grows a fresh bank and retries when nothing fits.
func (s *layoutSpace) allocate(length, bank int) (int, int, *parser.Error) {
	if bank != noBank {
		for bank >= s.nextFreeBank {
			if err := s.newBank(); err != nil {
				return 0, 0, err
			}
		}
	}
	for {
		for idx, iv := range s.available {
			if bank != noBank && iv.bank != bank {
				continue
			}
			if iv.end-iv.start >= length {
				if iv.end-iv.start > length {
					s.available[idx] = interval{iv.bank, iv.start + length, iv.end}
				} else {
					s.available = append(s.available[:idx], s.available[idx+1:]...)
				}
				return iv.bank, iv.start, nil
			}
		}
		if bank != noBank || !s.layout.Banked {
			return 0, 0, parser.NewError(nil, "Failed to allocate region: %04x", length)
		}
		if err := s.newBank(); err != nil {
			return 0, 0, err
		}
	}
}

// SpaceAllocator assigns sections to concrete (bank, address) regions across
// all defined layouts.
type SpaceAllocator struct {
	spaces map[string]*layoutSpace
}

// NewSpaceAllocator prepares the free-interval model for every layout.
func NewSpaceAllocator(layouts map[string]*Layout) *SpaceAllocator {
	spaces := make(map[string]*layoutSpace, len(layouts))
	for name, layout := range layouts {
		spaces[name] = newLayoutSpace(layout)
	}
	return &SpaceAllocator{spaces: spaces}
}

// AllocateFixed reserves an exact region; bank may be noBank for unbanked
// layouts. Returns the bank the region landed in.
func (sa *SpaceAllocator) AllocateFixed(layoutName string, start, length, bank int) (int, *parser.Error) {
	return sa.spaces[layoutName].allocateFixed(start, length, bank)
}

// Allocate finds a region of the given length, returning (bank, start).
func (sa *SpaceAllocator) Allocate(layoutName string, length, bank int) (int, int, *parser.Error) {
	return sa.spaces[layoutName].allocate(length, bank)
}

// DumpFreeSpace writes a per-layout, per-bank usage report for every window
// that is at least partially used.
func (sa *SpaceAllocator) DumpFreeSpace(w io.Writer) {
	fmt.Fprintf(w, "\nFree space:\n")
	names := lo.Keys(sa.spaces)
	sort.Strings(names)
	for _, name := range names {
		space := sa.spaces[name]
		perBank := space.freeSpace()
		banks := lo.Keys(perBank)
		sort.Ints(banks)
		for _, bank := range banks {
			free := perBank[bank]
			if free >= space.totalSpace() {
				continue
			}
			bankLabel := ""
			if bank != noBank {
				bankLabel = fmt.Sprintf(" %02x", bank)
			}
			fmt.Fprintf(w, "  %-5s%-5s %5d/%-5d (%.1f%%)\n",
				name, bankLabel, free, space.totalSpace(),
				float64(free)/float64(space.totalSpace())*100)
		}
	}
}
