package symtab

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/afero"
)

type ELFOptions struct {
	// Bias is added to every symbol value, e.g. the load bias of a
	// position independent binary.
	Bias uint64
	// Base and End override the table range. When End is zero the range
	// spans the loaded symbols.
	Base uint64
	End  uint64
	// DemangleOptions enables demangling of C++ and Rust names when not
	// empty.
	DemangleOptions []demangle.Option
}

// elfImage is a parsed ELF file, reused across mappings of the same file.
type elfImage struct {
	header  elf.FileHeader
	progs   []elf.ProgHeader
	symbols []Symbol // unbiased
}

func readELF(fs afero.Fs, path string, demangleOptions []demangle.Option) (*elfImage, error) {
	ra, closeFn, err := openReaderAt(fs, path)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	f, err := elf.NewFile(ra)
	if err != nil {
		return nil, errors.Wrapf(err, "elf %s", path)
	}
	defer f.Close()

	symtab, symErr := f.Symbols()
	if symErr != nil && !errors.Is(symErr, elf.ErrNoSymbols) {
		return nil, errors.Wrapf(symErr, "elf %s .symtab", path)
	}
	dynsym, dynErr := f.DynamicSymbols()
	if dynErr != nil && !errors.Is(dynErr, elf.ErrNoSymbols) {
		return nil, errors.Wrapf(dynErr, "elf %s .dynsym", path)
	}

	img := &elfImage{
		header: f.FileHeader,
		progs:  lo.Map(f.Progs, func(p *elf.Prog, _ int) elf.ProgHeader { return p.ProgHeader }),
	}
	add := func(t []elf.Symbol) {
		for _, sym := range t {
			typ := elf.ST_TYPE(sym.Info)
			if typ != elf.STT_FUNC && typ != elf.STT_OBJECT {
				continue
			}
			if sym.Value == 0 || sym.Size == 0 || sym.Section == elf.SHN_UNDEF {
				continue
			}
			name := sym.Name
			if len(demangleOptions) > 0 {
				name = demangle.Filter(name, demangleOptions...)
			}
			img.symbols = append(img.symbols, Symbol{Value: sym.Value, Size: sym.Size, Name: name})
		}
	}
	add(symtab)
	add(dynsym)
	// .dynsym mostly repeats .symtab
	img.symbols = lo.UniqBy(img.symbols, func(s Symbol) Symbol { return s })
	if len(img.symbols) == 0 {
		return nil, errors.Wrapf(ErrNoSymbols, "elf %s", path)
	}
	return img, nil
}

// loadBias returns the difference between run time and link time
// addresses for an executable mapping [mapStart, mapEnd) of the file
// at mapOffset.
func (img *elfImage) loadBias(mapStart, mapEnd, mapOffset uint64) (uint64, error) {
	if img.header.Type == elf.ET_EXEC {
		return 0, nil
	}
	for _, prog := range img.progs {
		if prog.Type != elf.PT_LOAD || prog.Flags&elf.PF_X == 0 {
			continue
		}
		if prog.Off < mapOffset || prog.Off-mapOffset >= mapEnd-mapStart {
			continue
		}
		return mapStart + (prog.Off - mapOffset) - prog.Vaddr, nil
	}
	return 0, ErrBaseNotFound
}

type elfSource struct {
	img  *elfImage
	path string
	as   AddressSpace
	opts ELFOptions
}

// PrepareELF reads the function and object symbols of the ELF file at
// path.
func PrepareELF(fs afero.Fs, path string, as AddressSpace, opts ELFOptions) (Pending, error) {
	img, err := readELF(fs, path, opts.DemangleOptions)
	if err != nil {
		return nil, err
	}
	if _, _, err := img.tableRange(path, opts); err != nil {
		return nil, err
	}
	return &elfSource{img: img, path: path, as: as, opts: opts}, nil
}

func (e *elfSource) Capacities() []int { return []int{len(e.img.symbols)} }

func (e *elfSource) Register(r *Registry) ([]*Table, error) {
	t, err := r.registerELF(e.img, e.path, e.as, e.opts)
	if err != nil {
		return nil, err
	}
	return []*Table{t}, nil
}

// LoadELF registers a table with the function and object symbols of the
// ELF file at path.
func LoadELF(r *Registry, fs afero.Fs, path string, as AddressSpace, opts ELFOptions) (*Table, error) {
	img, err := readELF(fs, path, opts.DemangleOptions)
	if err != nil {
		r.ReportLoadError(path, err)
		return nil, err
	}
	return r.registerELF(img, path, as, opts)
}

// tableRange returns the range of the table built from img. Unless opts
// sets it, the range spans the biased symbols.
func (img *elfImage) tableRange(source string, opts ELFOptions) (uint64, uint64, error) {
	base, end := opts.Base, opts.End
	if end == 0 {
		base, end = ^uint64(0), 0
		for _, s := range img.symbols {
			base = min(base, s.Value+opts.Bias)
			end = max(end, s.End()+opts.Bias)
		}
	}
	if end <= base {
		return 0, 0, fmt.Errorf("elf %s: empty range [%#x, %#x)", source, base, end)
	}
	return base, end, nil
}

func (r *Registry) registerELF(img *elfImage, source string, as AddressSpace, opts ELFOptions) (*Table, error) {
	base, end, err := img.tableRange(source, opts)
	if err != nil {
		return nil, err
	}

	t, err := r.CreateTable(len(img.symbols), as, base, source)
	if err != nil {
		return nil, err
	}
	for _, s := range img.symbols {
		s.Value += opts.Bias
		t.Add(s)
	}
	t.SetEnd(end)
	t.Sort()
	r.metrics.SymbolsLoaded.Add(float64(t.Len()))
	level.Debug(r.logger).Log("msg", "loaded elf symbols", "f", source, "as", as, "symbols", t.Len(),
		"bias", fmt.Sprintf("%#x", opts.Bias))
	return t, nil
}
