// Package manifest describes a set of symbol sources to load into a
// registry.
package manifest

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/ianlancetaylor/demangle"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/grafana/symreg/pkg/symtab"
)

type Kind string

const (
	KindKallsyms Kind = "kallsyms"
	KindELF      Kind = "elf"
	KindProcess  Kind = "process"
)

const defaultConcurrency = 4

type Source struct {
	Kind         Kind   `yaml:"kind"`
	Path         string `yaml:"path,omitempty"`
	PID          int    `yaml:"pid,omitempty"`
	AddressSpace uint64 `yaml:"address_space,omitempty"`
	Bias         uint64 `yaml:"bias,omitempty"`
	Demangle     bool   `yaml:"demangle,omitempty"`
}

func (s Source) Validate() error {
	switch s.Kind {
	case KindKallsyms:
		if s.AddressSpace != 0 {
			return fmt.Errorf("kallsyms source %q: kernel symbols can not be scoped to an address space", s.Path)
		}
	case KindELF:
		if s.Path == "" {
			return fmt.Errorf("elf source: path is required")
		}
	case KindProcess:
		if s.PID <= 0 {
			return fmt.Errorf("process source: invalid pid %d", s.PID)
		}
		if s.AddressSpace != 0 || s.Bias != 0 {
			return fmt.Errorf("process source %d: address space and bias are derived from the process", s.PID)
		}
	default:
		return fmt.Errorf("unknown source kind %q", s.Kind)
	}
	return nil
}

func (s Source) String() string {
	switch s.Kind {
	case KindProcess:
		return fmt.Sprintf("process:%d", s.PID)
	default:
		return fmt.Sprintf("%s:%s", s.Kind, s.Path)
	}
}

func (s Source) elfOptions() symtab.ELFOptions {
	opts := symtab.ELFOptions{Bias: s.Bias}
	if s.Demangle {
		opts.DemangleOptions = []demangle.Option{demangle.NoParams}
	}
	return opts
}

type Manifest struct {
	Registry symtab.Config `yaml:"registry"`
	// Concurrency bounds the number of sources parsed in parallel.
	Concurrency int      `yaml:"concurrency"`
	ProcMount   string   `yaml:"proc_mount"`
	Sources     []Source `yaml:"sources"`
}

// New returns an empty manifest with default settings.
func New() *Manifest {
	return &Manifest{
		Registry:    symtab.DefaultConfig(),
		Concurrency: defaultConcurrency,
		ProcMount:   procfs.DefaultMountPoint,
	}
}

func (m *Manifest) Validate() error {
	if err := m.Registry.Validate(); err != nil {
		return err
	}
	if m.Concurrency < 1 {
		return fmt.Errorf("invalid concurrency value, must be positive")
	}
	for i, s := range m.Sources {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("source %d: %w", i, err)
		}
	}
	return nil
}

// Parse decodes a YAML manifest on top of the defaults.
func Parse(data []byte) (*Manifest, error) {
	m := New()
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Wrap(err, "decode manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func Load(fs afero.Fs, path string) (*Manifest, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read manifest %s", path)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "manifest %s", path)
	}
	return m, nil
}

// Apply parses all sources concurrently and registers them in manifest
// order, so later sources shadow earlier ones. Files are read from fs.
// Nothing is registered when a source fails to parse or does not fit
// the registry limits.
func (m *Manifest) Apply(ctx context.Context, logger log.Logger, r *symtab.Registry, fs afero.Fs) ([]*symtab.Table, error) {
	pending := make([]symtab.Pending, len(m.Sources))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.Concurrency)
	for i, s := range m.Sources {
		i, s := i, s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			p, err := m.prepare(logger, s, fs)
			if err != nil {
				r.ReportLoadError(s.String(), err)
				return errors.Wrapf(err, "source %s", s)
			}
			pending[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := r.Reserve(pending...); err != nil {
		return nil, errors.Wrap(err, "reserve tables")
	}

	var tables []*symtab.Table
	for i, p := range pending {
		ts, err := p.Register(r)
		if err != nil {
			return tables, errors.Wrapf(err, "register %s", m.Sources[i])
		}
		tables = append(tables, ts...)
	}
	level.Info(logger).Log("msg", "loaded symbol sources", "sources", len(m.Sources), "tables", len(tables))
	return tables, nil
}

func (m *Manifest) prepare(logger log.Logger, s Source, fs afero.Fs) (symtab.Pending, error) {
	switch s.Kind {
	case KindKallsyms:
		path := s.Path
		if path == "" {
			path = symtab.KallsymsPath
		}
		return symtab.PrepareKallsyms(fs, path)
	case KindELF:
		return symtab.PrepareELF(fs, s.Path, symtab.AddressSpace(s.AddressSpace), s.elfOptions())
	case KindProcess:
		proc, err := procfs.NewFS(m.ProcMount)
		if err != nil {
			return nil, err
		}
		return symtab.PrepareProcess(logger, proc, symtab.ProcessRoot(m.ProcMount, s.PID), s.PID, s.elfOptions())
	}
	return nil, fmt.Errorf("unknown source kind %q", s.Kind)
}
