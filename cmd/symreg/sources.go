package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symreg/pkg/symtab"
	"github.com/grafana/symreg/pkg/symtab/manifest"
)

type sourceParams struct {
	manifest  string
	kallsyms  string
	elfs      []string
	pids      []int
	demangle  bool
	cacheSize int
}

func addSourceParams(cmd *kingpin.CmdClause) *sourceParams {
	params := &sourceParams{}
	cmd.Flag("manifest", "YAML manifest listing the symbol sources to load.").StringVar(&params.manifest)
	cmd.Flag("kallsyms", "Load kernel symbols from a kallsyms file, e.g. /proc/kallsyms. Gzip snapshots (*.gz) are supported.").StringVar(&params.kallsyms)
	cmd.Flag("elf", "Load an ELF file, as PATH[:ADDRESS_SPACE[:BIAS]]. May be repeated.").StringsVar(&params.elfs)
	cmd.Flag("pid", "Load the executable mappings of a process. May be repeated.").IntsVar(&params.pids)
	cmd.Flag("demangle", "Demangle C++ and Rust symbol names.").Default("false").BoolVar(&params.demangle)
	cmd.Flag("cache-size", "Number of resolved addresses to cache.").Default("4096").IntVar(&params.cacheSize)
	return params
}

// buildManifest merges the manifest file with the sources given as flags.
// Flag sources are loaded after the manifest sources and shadow them.
func (p *sourceParams) buildManifest(fs afero.Fs) (*manifest.Manifest, error) {
	m := manifest.New()
	if p.manifest != "" {
		var err error
		if m, err = manifest.Load(fs, p.manifest); err != nil {
			return nil, err
		}
	} else {
		m.Registry.LookupCacheSize = p.cacheSize
	}

	if p.kallsyms != "" {
		m.Sources = append(m.Sources, manifest.Source{Kind: manifest.KindKallsyms, Path: p.kallsyms})
	}
	for _, e := range p.elfs {
		s, err := parseELFSource(e)
		if err != nil {
			return nil, err
		}
		s.Demangle = p.demangle
		m.Sources = append(m.Sources, s)
	}
	for _, pid := range p.pids {
		m.Sources = append(m.Sources, manifest.Source{Kind: manifest.KindProcess, PID: pid, Demangle: p.demangle})
	}
	if len(m.Sources) == 0 {
		return nil, fmt.Errorf("no symbol sources, use --manifest, --kallsyms, --elf or --pid")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (p *sourceParams) load(ctx context.Context) (*symtab.Registry, error) {
	fs := afero.NewOsFs()
	m, err := p.buildManifest(fs)
	if err != nil {
		return nil, err
	}
	r, err := symtab.NewRegistry(logger, m.Registry, nil)
	if err != nil {
		return nil, err
	}
	if _, err := m.Apply(ctx, logger, r, fs); err != nil {
		return nil, err
	}
	return r, nil
}

func parseELFSource(s string) (manifest.Source, error) {
	parts := strings.Split(s, ":")
	if len(parts) > 3 || parts[0] == "" {
		return manifest.Source{}, fmt.Errorf("invalid elf source %q, expected PATH[:ADDRESS_SPACE[:BIAS]]", s)
	}
	res := manifest.Source{Kind: manifest.KindELF, Path: parts[0]}
	var err error
	if len(parts) > 1 && parts[1] != "" {
		if res.AddressSpace, err = parseUint(parts[1]); err != nil {
			return manifest.Source{}, errors.Wrapf(err, "elf source %q: address space", s)
		}
	}
	if len(parts) > 2 && parts[2] != "" {
		if res.Bias, err = parseUint(parts[2]); err != nil {
			return manifest.Source{}, errors.Wrapf(err, "elf source %q: bias", s)
		}
	}
	return res, nil
}

// parseUint accepts decimal and 0x prefixed hex numbers.
func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 0, 64)
}
