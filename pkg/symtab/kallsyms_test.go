package symtab

import (
	"bytes"
	"testing"

	"github.com/go-kit/log"
	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const testKallsyms = `ffffffff81000000 T _stext
ffffffff81000000 T startup_64
ffffffff81000070 T secondary_startup_64
ffffffff82000000 D some_data
ffffffff810000f0 t verify_cpu
ffffffff83000000 b some_bss
ffffffff81000200 T do_one_initcall
ffffffffc0001000 t nf_hook	[nf_tables]
ffffffffc0001100 t nf_other	[nf_tables]
ffffffffc0100000 T ext4_foo	[ext4]
`

func TestParseKallsyms(t *testing.T) {
	syms, err := ParseKallsyms([]byte(testKallsyms))
	require.NoError(t, err)

	expected := []KallsymsEntry{
		{Symbol{0xffffffff81000000, 0x70, "_stext"}, "kernel"},
		{Symbol{0xffffffff81000000, 0x70, "startup_64"}, "kernel"},
		{Symbol{0xffffffff81000070, 0x80, "secondary_startup_64"}, "kernel"},
		{Symbol{0xffffffff810000f0, 0x110, "verify_cpu"}, "kernel"},
		{Symbol{0xffffffff81000200, kallsymsTailSize, "do_one_initcall"}, "kernel"},
		{Symbol{0xffffffffc0001000, 0x100, "nf_hook"}, "nf_tables"},
		{Symbol{0xffffffffc0001100, kallsymsTailSize, "nf_other"}, "nf_tables"},
		{Symbol{0xffffffffc0100000, kallsymsTailSize, "ext4_foo"}, "ext4"},
	}
	require.Equal(t, expected, syms)
}

func TestParseKallsymsTailSizeDoesNotOverlapNextModule(t *testing.T) {
	syms, err := ParseKallsyms([]byte("ffffffffc0000000 t a\t[m1]\nffffffffc0000010 t b\t[m2]\n"))
	require.NoError(t, err)
	require.Len(t, syms, 2)
	require.Equal(t, uint64(0x10), syms[0].Size)
	require.Equal(t, uint64(kallsymsTailSize), syms[1].Size)
}

func TestParseKallsymsRestricted(t *testing.T) {
	syms, err := ParseKallsyms([]byte("0000000000000000 T _stext\n0000000000000000 t foo\t[mod]\n"))
	require.NoError(t, err)
	require.Empty(t, syms)
}

func TestParseKallsymsMalformed(t *testing.T) {
	for _, data := range []string{
		"ffffffff81000000\n",
		"ffffffff81000000 T\n",
		"zzzzzzzz T foo\n",
		"ffffffff81000000  foo\n",
	} {
		_, err := ParseKallsyms([]byte(data))
		require.Error(t, err, data)
	}
}

func TestLoadKallsyms(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proc/kallsyms", []byte(testKallsyms), 0o644))

	reg := prometheus.NewRegistry()
	r, err := NewRegistry(log.NewNopLogger(), DefaultConfig(), reg)
	require.NoError(t, err)

	tables, err := LoadKallsyms(r, fs, "/proc/kallsyms")
	require.NoError(t, err)
	require.Len(t, tables, 3)
	require.Equal(t, "kernel", tables[0].Source())
	require.Equal(t, uint64(0xffffffff81000000), tables[0].Base())
	require.Equal(t, uint64(0xffffffff81001200), tables[0].End())
	require.Equal(t, "nf_tables", tables[1].Source())
	require.Equal(t, uint64(0xffffffffc0002100), tables[1].End())
	require.Equal(t, "ext4", tables[2].Source())
	for _, tab := range tables {
		require.True(t, tab.Sorted())
		require.Equal(t, AnyAddressSpace, tab.AddressSpace())
	}
	require.Equal(t, 8.0, testutil.ToFloat64(r.metrics.SymbolsLoaded))

	testcases := []struct {
		addr     uint64
		expected string
		source   string
	}{
		{0xffffffff81000010, "startup_64", "kernel"},
		{0xffffffff81000100, "verify_cpu", "kernel"},
		{0xffffffff81000300, "do_one_initcall", "kernel"},
		{0xffffffffc0001150, "nf_other", "nf_tables"},
		{0xffffffffc0100010, "ext4_foo", "ext4"},
		{0xffffffffc0050000, "", ""},
		{0xffffffff80000000, "", ""},
	}
	for _, tc := range testcases {
		// kernel symbols resolve in any address space
		for _, as := range []AddressSpace{0, 1234} {
			s, ok := r.FindSymbol(tc.addr, as)
			src, srcOK := r.FindSource(tc.addr, as)
			if tc.expected == "" {
				require.False(t, ok, "%#x", tc.addr)
				require.False(t, srcOK, "%#x", tc.addr)
				continue
			}
			require.True(t, ok, "%#x", tc.addr)
			require.Equal(t, tc.expected, s.Name)
			require.True(t, srcOK)
			require.Equal(t, tc.source, src)
		}
	}
	require.True(t, r.HasSeenAddressSpace(AnyAddressSpace))
}

func TestLoadKallsymsGzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(testKallsyms))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/snapshots/kallsyms.gz", buf.Bytes(), 0o644))

	r := newTestRegistry(t, 0)
	tables, err := LoadKallsyms(r, fs, "/snapshots/kallsyms.gz")
	require.NoError(t, err)
	require.Len(t, tables, 3)
	s, ok := r.FindSymbol(0xffffffff81000075, 0)
	require.True(t, ok)
	require.Equal(t, "secondary_startup_64", s.Name)
}

func TestLoadKallsymsErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/restricted", []byte("0000000000000000 T _stext\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/broken.gz", []byte("not gzip"), 0o644))

	reg := prometheus.NewRegistry()
	r, err := NewRegistry(log.NewNopLogger(), DefaultConfig(), reg)
	require.NoError(t, err)

	_, err = LoadKallsyms(r, fs, "/restricted")
	require.ErrorIs(t, err, ErrNoSymbols)

	_, err = LoadKallsyms(r, fs, "/missing")
	require.Error(t, err)

	_, err = LoadKallsyms(r, fs, "/broken.gz")
	require.Error(t, err)

	require.Empty(t, r.Tables())
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.LoadErrors.WithLabelValues("ErrNoSymbols")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.LoadErrors.WithLabelValues("ErrNotExist")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.LoadErrors.WithLabelValues("Other")))
}

func TestLoadKallsymsRegistersAllModulesOrNone(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/k", []byte(
		"ffffffff81000000 T a\nffffffffc0001000 t b\t[mod]\nffffffffc0001010 t c\t[mod]\n"), 0o644))

	cfg := DefaultConfig()
	cfg.MaxTableSymbols = 1
	r, err := NewRegistry(log.NewNopLogger(), cfg, nil)
	require.NoError(t, err)

	_, err = LoadKallsyms(r, fs, "/k")
	require.ErrorIs(t, err, ErrAllocation)
	require.Empty(t, r.Tables())
	require.Equal(t, 0.0, testutil.ToFloat64(r.metrics.TablesCreated))
}

func TestLoadKallsymsRestrictedHint(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/restricted", []byte("0000000000000000 T _stext\n"), 0o644))

	var buf bytes.Buffer
	r, err := NewRegistry(log.NewLogfmtLogger(&buf), DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = LoadKallsyms(r, fs, "/restricted")
	require.ErrorIs(t, err, ErrNoSymbols)
	require.Contains(t, buf.String(), "kptr_restrict")
	require.Contains(t, buf.String(), "f=/restricted")
}
