package symtab

import (
	"cmp"
	"fmt"
	"sort"
)

// AddressSpace distinguishes independent virtual memory contexts, e.g. a
// process page table root or a pid. AnyAddressSpace matches every query.
type AddressSpace uint64

const AnyAddressSpace AddressSpace = 0

// matches reports whether a table tagged with as is eligible for a query
// tagged with q. Zero on either side disables the filter.
func (as AddressSpace) matches(q AddressSpace) bool {
	return as == AnyAddressSpace || q == AnyAddressSpace || as == q
}

func (as AddressSpace) String() string {
	if as == AnyAddressSpace {
		return "any"
	}
	return fmt.Sprintf("%#x", uint64(as))
}

// Symbol is a named range [Value, Value+Size).
type Symbol struct {
	Value uint64
	Size  uint64
	Name  string
}

// Contains reports whether addr falls into the symbol range. Zero sized
// symbols contain nothing.
func (s Symbol) Contains(addr uint64) bool {
	return addr >= s.Value && addr-s.Value < s.Size
}

// End returns the first address past the symbol.
func (s Symbol) End() uint64 {
	return s.Value + s.Size
}

// CompareRange is the overlap-aware preorder over symbols: two symbols
// compare equal when the start of either one lies inside the other's
// range, otherwise they are ordered by start address.
//
// A zero sized query at addr compares equal to exactly the symbols that
// contain addr. Lookups do not use CompareRange directly, see
// findContaining.
func CompareRange(a, b Symbol) int {
	if b.Contains(a.Value) || a.Contains(b.Value) {
		return 0
	}
	return cmp.Compare(a.Value, b.Value)
}

// compareStart orders symbols for sorting. Ties on the start address put
// the smaller symbol first so sorting is deterministic.
func compareStart(a, b Symbol) int {
	if c := cmp.Compare(a.Value, b.Value); c != 0 {
		return c
	}
	return cmp.Compare(a.Size, b.Size)
}

// findContaining returns the index of the symbol in syms containing addr, or
// -1. syms must be sorted by start address. The candidate is the last
// symbol starting at or before addr; when symbols of one table overlap,
// which one is returned is unspecified.
func findContaining(syms []Symbol, addr uint64) int {
	i := sort.Search(len(syms), func(i int) bool {
		return addr < syms[i].Value
	})
	i--
	if i < 0 {
		return -1
	}
	if !syms[i].Contains(addr) {
		return -1
	}
	return i
}
