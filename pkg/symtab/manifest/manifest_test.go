package manifest

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/grafana/symreg/pkg/symtab"
)

func TestParse(t *testing.T) {
	m, err := Parse([]byte(`
registry:
  lookup_cache_size: 16
concurrency: 2
sources:
  - kind: kallsyms
  - kind: elf
    path: ./a.out
    address_space: 42
    bias: 0x400000
    demangle: true
  - kind: process
    pid: 1234
`))
	require.NoError(t, err)
	require.Equal(t, 16, m.Registry.LookupCacheSize)
	require.Equal(t, symtab.DefaultConfig().MaxTableSymbols, m.Registry.MaxTableSymbols)
	require.Equal(t, 2, m.Concurrency)
	require.Equal(t, "/proc", m.ProcMount)
	require.Equal(t, []Source{
		{Kind: KindKallsyms},
		{Kind: KindELF, Path: "./a.out", AddressSpace: 42, Bias: 0x400000, Demangle: true},
		{Kind: KindProcess, PID: 1234},
	}, m.Sources)
	require.Equal(t, "elf:./a.out", m.Sources[1].String())
	require.Equal(t, "process:1234", m.Sources[2].String())
	require.NotEmpty(t, m.Sources[1].elfOptions().DemangleOptions)
	require.Equal(t, uint64(0x400000), m.Sources[1].elfOptions().Bias)
}

func TestParseInvalid(t *testing.T) {
	for name, data := range map[string]string{
		"unknown kind":        "sources: [{kind: pe, path: a.exe}]",
		"elf without path":    "sources: [{kind: elf}]",
		"process pid":         "sources: [{kind: process}]",
		"process bias":        "sources: [{kind: process, pid: 1, bias: 16}]",
		"scoped kallsyms":     "sources: [{kind: kallsyms, address_space: 3}]",
		"concurrency":         "concurrency: 0",
		"registry":            "registry: {max_table_symbols: 0}",
		"not yaml":            "sources: [",
		"wrong field type":    "concurrency: many",
		"negative cache size": "registry: {lookup_cache_size: -1}",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.Error(t, err)
		})
	}
}

func TestLoadAndApply(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/symreg.yaml", []byte(`
concurrency: 2
sources:
  - kind: kallsyms
    path: /snapshots/old
  - kind: kallsyms
    path: /snapshots/new
`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/snapshots/old", []byte(
		"ffffffff81000000 T old_start\nffffffff81000100 T old_end\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/snapshots/new", []byte(
		"ffffffff81000000 T new_start\n"), 0o644))

	m, err := Load(fs, "/etc/symreg.yaml")
	require.NoError(t, err)

	r, err := symtab.NewRegistry(log.NewNopLogger(), m.Registry, nil)
	require.NoError(t, err)
	tables, err := m.Apply(context.Background(), log.NewNopLogger(), r, fs)
	require.NoError(t, err)
	require.Len(t, tables, 2)

	// the later source shadows the earlier one where they overlap
	s, ok := r.FindSymbol(0xffffffff81000010, 0)
	require.True(t, ok)
	require.Equal(t, "new_start", s.Name)

	// and only there
	s, ok = r.FindSymbol(0xffffffff81001010, 0)
	require.True(t, ok)
	require.Equal(t, "old_end", s.Name)
}

func TestApplyFailsWithoutRegistering(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/k", []byte("ffffffff81000000 T a\n"), 0o644))

	m := New()
	m.Sources = []Source{
		{Kind: KindKallsyms, Path: "/k"},
		{Kind: KindELF, Path: "/missing"},
	}
	require.NoError(t, m.Validate())

	r, err := symtab.NewRegistry(log.NewNopLogger(), m.Registry, nil)
	require.NoError(t, err)
	_, err = m.Apply(context.Background(), log.NewNopLogger(), r, fs)
	require.ErrorContains(t, err, "elf:/missing")
	require.Empty(t, r.Tables())
}

func TestApplyRegistersNothingWhenTablesDoNotFit(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/k", []byte("ffffffff81000000 T a\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/big", []byte(
		"ffffffff81000000 T a\nffffffffc0001000 t b\t[mod]\nffffffffc0001010 t c\t[mod]\n"), 0o644))

	for name, sources := range map[string][]Source{
		"module too large":       {{Kind: KindKallsyms, Path: "/big"}},
		"later source too large": {{Kind: KindKallsyms, Path: "/k"}, {Kind: KindKallsyms, Path: "/big"}},
	} {
		t.Run(name, func(t *testing.T) {
			m := New()
			m.Registry.MaxTableSymbols = 1
			m.Sources = sources
			require.NoError(t, m.Validate())

			r, err := symtab.NewRegistry(log.NewNopLogger(), m.Registry, nil)
			require.NoError(t, err)
			_, err = m.Apply(context.Background(), log.NewNopLogger(), r, fs)
			require.ErrorIs(t, err, symtab.ErrAllocation)
			require.Empty(t, r.Tables())
		})
	}
}

func TestApplyReportsLoadErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/k", []byte("ffffffff81000000 T a\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/restricted", []byte("0000000000000000 T _stext\n"), 0o644))

	for _, tc := range []struct {
		source   Source
		label    string
		kptrHint bool
	}{
		{Source{Kind: KindELF, Path: "/missing"}, "ErrNotExist", false},
		{Source{Kind: KindKallsyms, Path: "/restricted"}, "ErrNoSymbols", true},
	} {
		t.Run(tc.source.String(), func(t *testing.T) {
			m := New()
			m.Sources = []Source{{Kind: KindKallsyms, Path: "/k"}, tc.source}

			var logs bytes.Buffer
			reg := prometheus.NewRegistry()
			r, err := symtab.NewRegistry(log.NewLogfmtLogger(log.NewSyncWriter(&logs)), m.Registry, reg)
			require.NoError(t, err)

			_, err = m.Apply(context.Background(), log.NewNopLogger(), r, fs)
			require.Error(t, err)
			require.Empty(t, r.Tables())

			require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP symreg_load_errors_total Total number of errors while loading symbol sources
# TYPE symreg_load_errors_total counter
symreg_load_errors_total{error="`+tc.label+`"} 1
`), "symreg_load_errors_total"))
			require.Contains(t, logs.String(), "failed to load symbols")
			require.Equal(t, tc.kptrHint, strings.Contains(logs.String(), "kptr_restrict"))
		})
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nope.yaml")
	require.Error(t, err)
}
