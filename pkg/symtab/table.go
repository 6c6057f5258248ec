package symtab

import (
	"bufio"
	"fmt"
	"io"
	"slices"

	"go.uber.org/atomic"
)

// tableIDs is shared by all registries so ids are unique in the process.
var tableIDs atomic.Uint32

// Table holds the symbols of one loaded binary or module, scoped to an
// address space and an address range.
//
// A table is populated by its loader: Add symbols, SetEnd, then Sort.
// Lookups against a table that is being populated return unspecified
// results.
type Table struct {
	id     uint32
	as     AddressSpace
	base   uint64
	end    uint64
	source string

	symbols []Symbol
	sorted  bool

	owner *Registry
}

func newTable(capacity int, as AddressSpace, base uint64, source string, owner *Registry) *Table {
	return &Table{
		id:      tableIDs.Inc(),
		as:      as,
		base:    base,
		source:  source,
		symbols: make([]Symbol, 0, capacity),
		owner:   owner,
	}
}

func (t *Table) ID() uint32 { return t.id }

func (t *Table) AddressSpace() AddressSpace { return t.as }

func (t *Table) Base() uint64 { return t.base }

func (t *Table) End() uint64 { return t.end }

// Source is the name of the file the symbols were read from. It may be
// empty.
func (t *Table) Source() string { return t.source }

// SetEnd sets the first address past the range covered by the table.
func (t *Table) SetEnd(end uint64) {
	t.end = end
	t.invalidate()
}

// Add appends a symbol. The table must be sorted again before lookups.
func (t *Table) Add(s Symbol) {
	t.symbols = append(t.symbols, s)
	t.sorted = false
}

func (t *Table) Len() int { return len(t.symbols) }

// Symbols returns the populated symbols in their current order. The caller
// must not modify the returned slice.
func (t *Table) Symbols() []Symbol { return t.symbols }

func (t *Table) Sorted() bool { return t.sorted }

// Sort orders symbols by start address. Sorting a sorted table is a no-op.
func (t *Table) Sort() {
	if !t.sorted {
		slices.SortStableFunc(t.symbols, compareStart)
		t.sorted = true
	}
	t.invalidate()
}

// covers reports whether addr is inside [base, end).
func (t *Table) covers(addr uint64) bool {
	return addr >= t.base && addr < t.end
}

func (t *Table) eligible(addr uint64, as AddressSpace) bool {
	return t.as.matches(as) && t.covers(addr)
}

// lookup searches the table's symbols for addr.
func (t *Table) lookup(addr uint64) (Symbol, bool) {
	i := findContaining(t.symbols, addr)
	if i < 0 {
		return Symbol{}, false
	}
	return t.symbols[i], true
}

func (t *Table) invalidate() {
	if t.owner != nil {
		t.owner.purgeCache()
	}
}

// Dump writes one "<hex value> <name>" line per named symbol with a non-zero
// value, in table order.
func (t *Table) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, s := range t.symbols {
		if s.Value == 0 || s.Name == "" {
			continue
		}
		if _, err := fmt.Fprintf(bw, "%x %s\n", s.Value, s.Name); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (t *Table) String() string {
	return fmt.Sprintf("Table{id=%d, as=%s, range=[%#x,%#x), syms=%d, source=%q}",
		t.id, t.as, t.base, t.end, len(t.symbols), t.source)
}
