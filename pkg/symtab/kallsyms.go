package symtab

import (
	"bytes"
	"fmt"
	"runtime"
	"slices"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	KallsymsPath       = "/proc/kallsyms"
	kallsymsCoreModule = "kernel"

	// kallsyms carries no sizes. The last symbol of a module is assumed to
	// span at most this many bytes.
	kallsymsTailSize = 0x1000
)

// KallsymsEntry is a text symbol from /proc/kallsyms.
type KallsymsEntry struct {
	Symbol
	Module string
}

// ParseKallsyms parses the /proc/kallsyms format. Data symbols are skipped.
// Entries are returned ordered by address with sizes inferred from the
// distance to the next symbol. A kallsyms with all addresses zeroed, as
// exposed to unprivileged readers, yields no entries.
func ParseKallsyms(kallsyms []byte) ([]KallsymsEntry, error) {
	kernelAddrSpace := uint64(0)
	if runtime.GOARCH == "amd64" {
		// https://www.kernel.org/doc/Documentation/x86/x86_64/mm.txt
		kernelAddrSpace = 0x00ffffffffffffff
	}

	var syms []KallsymsEntry
	allZeros := true
	lineNo := 0
	for len(kallsyms) > 0 {
		lineNo++
		i := bytes.IndexByte(kallsyms, '\n')
		var line []byte
		if i == -1 {
			line = kallsyms
			kallsyms = nil
		} else {
			line = kallsyms[:i]
			kallsyms = kallsyms[i+1:]
		}

		if len(line) == 0 {
			continue
		}
		space := bytes.IndexByte(line, ' ')
		if space == -1 {
			return nil, fmt.Errorf("kallsyms line %d: no space found", lineNo)
		}
		addr := line[:space]
		line = line[space+1:]

		space = bytes.IndexByte(line, ' ')
		if space <= 0 {
			return nil, fmt.Errorf("kallsyms line %d: no symbol type found", lineNo)
		}
		typ := line[:space]
		line = line[space+1:]

		var name, mod []byte
		tab := bytes.IndexByte(line, '\t')
		if tab == -1 {
			name = line
			mod = []byte(kallsymsCoreModule)
		} else {
			name = line[:tab]
			mod = line[tab+1:]
		}

		switch typ[0] {
		case 'b', 'B', 'd', 'D', 'r', 'R':
			continue
		}

		istart, err := strconv.ParseUint(string(addr), 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "kallsyms line %d", lineNo)
		}
		if istart != 0 {
			allZeros = false
		}
		if istart < kernelAddrSpace {
			continue
		}
		if bytes.HasPrefix(mod, []byte{'['}) && bytes.HasSuffix(mod, []byte{']'}) {
			mod = mod[1 : len(mod)-1]
		}
		syms = append(syms, KallsymsEntry{
			Symbol: Symbol{Value: istart, Name: string(name)},
			Module: string(mod),
		})
	}
	if allZeros {
		return nil, nil
	}
	slices.SortStableFunc(syms, func(a, b KallsymsEntry) int {
		return compareStart(a.Symbol, b.Symbol)
	})
	inferKallsymsSizes(syms)
	return syms, nil
}

// inferKallsymsSizes extends every symbol up to the next distinct address.
// Symbols never extend into another module.
func inferKallsymsSizes(syms []KallsymsEntry) {
	next := -1
	for i := len(syms) - 1; i >= 0; i-- {
		s := &syms[i]
		if next >= 0 && syms[next].Value == s.Value {
			s.Size = syms[next].Size
			continue
		}
		s.Size = kallsymsTailSize
		if next >= 0 {
			gap := syms[next].Value - s.Value
			if syms[next].Module == s.Module || gap < s.Size {
				s.Size = gap
			}
		}
		next = i
	}
}

// Pending is a parsed symbol source waiting to be registered.
type Pending interface {
	// Capacities returns the capacity of every table Register creates.
	Capacities() []int
	Register(r *Registry) ([]*Table, error)
}

type kallsymsModule struct {
	name string
	syms []Symbol
}

type kallsymsSource struct {
	path    string
	symbols int
	modules []kallsymsModule
}

// PrepareKallsyms reads and parses the kallsyms file at path.
func PrepareKallsyms(fs afero.Fs, path string) (Pending, error) {
	data, err := readSource(fs, path)
	if err != nil {
		return nil, err
	}
	syms, err := ParseKallsyms(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	if len(syms) == 0 {
		return nil, errors.Wrapf(errKallsymsRestricted, "kallsyms %s", path)
	}
	return &kallsymsSource{path: path, symbols: len(syms), modules: groupModules(syms)}, nil
}

// groupModules splits entries by module, in order of first appearance.
func groupModules(syms []KallsymsEntry) []kallsymsModule {
	var (
		modules []kallsymsModule
		index   = make(map[string]int)
	)
	for _, s := range syms {
		i, ok := index[s.Module]
		if !ok {
			i = len(modules)
			index[s.Module] = i
			modules = append(modules, kallsymsModule{name: s.Module})
		}
		modules[i].syms = append(modules[i].syms, s.Symbol)
	}
	return modules
}

func (k *kallsymsSource) Capacities() []int {
	res := make([]int, len(k.modules))
	for i, m := range k.modules {
		res[i] = len(m.syms)
	}
	return res
}

// Register creates one table per kernel module, the core kernel included.
// Kernel tables are visible in every address space; their source is the
// module name. Either all modules are registered or none.
func (k *kallsymsSource) Register(r *Registry) ([]*Table, error) {
	if err := r.Reserve(k); err != nil {
		return nil, err
	}
	tables := make([]*Table, 0, len(k.modules))
	for _, m := range k.modules {
		t, err := r.CreateTable(len(m.syms), AnyAddressSpace, m.syms[0].Value, m.name)
		if err != nil {
			return tables, err
		}
		end := m.syms[0].Value
		for _, s := range m.syms {
			t.Add(s)
			end = max(end, s.End())
		}
		t.SetEnd(end)
		t.Sort()
		r.metrics.SymbolsLoaded.Add(float64(len(m.syms)))
		tables = append(tables, t)
	}
	level.Debug(r.logger).Log("msg", "loaded kallsyms", "f", k.path, "symbols", k.symbols, "modules", len(k.modules))
	return tables, nil
}

// LoadKallsyms registers the symbols of the kallsyms file at path.
func LoadKallsyms(r *Registry, fs afero.Fs, path string) ([]*Table, error) {
	p, err := PrepareKallsyms(fs, path)
	if err != nil {
		r.ReportLoadError(path, err)
		return nil, err
	}
	return p.Register(r)
}
