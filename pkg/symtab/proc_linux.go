//go:build linux

package symtab

import (
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"github.com/spf13/afero"
)

// ProcessRoot returns the file system a process sees, so that binaries in
// other mount namespaces resolve to the right files.
func ProcessRoot(procMount string, pid int) afero.Fs {
	return afero.NewBasePathFs(afero.NewOsFs(), fmt.Sprintf("%s/%d/root", procMount, pid))
}

type mappedImage struct {
	img        *elfImage
	path       string
	start, end uint64
	bias       uint64
}

type processSource struct {
	pid      int
	mappings []mappedImage
	skipped  []error
}

// PrepareProcess reads the executable file mappings of pid and the ELF
// files backing them, opened through root. Mappings whose files can not be
// loaded are skipped.
func PrepareProcess(logger log.Logger, proc procfs.FS, root afero.Fs, pid int, opts ELFOptions) (Pending, error) {
	p, err := proc.Proc(pid)
	if err != nil {
		return nil, errors.Wrapf(err, "proc %d", pid)
	}
	maps, err := p.ProcMaps()
	if err != nil {
		return nil, errors.Wrapf(err, "proc %d maps", pid)
	}

	res := &processSource{pid: pid}
	images := make(map[string]*elfImage)
	failed := make(map[string]bool)
	skip := func(path string, err error) {
		level.Warn(logger).Log("msg", "skipping mapping", "pid", pid, "f", path, "err", err)
		res.skipped = append(res.skipped, err)
	}
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute || !strings.HasPrefix(m.Pathname, "/") {
			continue
		}
		if failed[m.Pathname] {
			continue
		}
		img, ok := images[m.Pathname]
		if !ok {
			img, err = readELF(root, m.Pathname, opts.DemangleOptions)
			if err != nil {
				failed[m.Pathname] = true
				skip(m.Pathname, err)
				continue
			}
			images[m.Pathname] = img
		}

		start, end := uint64(m.StartAddr), uint64(m.EndAddr)
		bias, err := img.loadBias(start, end, uint64(m.Offset))
		if err != nil {
			skip(m.Pathname, err)
			continue
		}
		res.mappings = append(res.mappings, mappedImage{
			img:   img,
			path:  m.Pathname,
			start: start,
			end:   end,
			bias:  bias,
		})
	}
	if len(res.mappings) == 0 {
		return nil, errors.Wrapf(ErrNoSymbols, "proc %d", pid)
	}
	return res, nil
}

func (p *processSource) Capacities() []int {
	res := make([]int, len(p.mappings))
	for i, m := range p.mappings {
		res[i] = len(m.img.symbols)
	}
	return res
}

// Register creates one table per mapping, tagged with the pid as address
// space and covering the mapping range.
func (p *processSource) Register(r *Registry) ([]*Table, error) {
	if err := r.Reserve(p); err != nil {
		return nil, err
	}
	for _, err := range p.skipped {
		r.metrics.LoadErrors.WithLabelValues(errorType(err)).Inc()
	}
	tables := make([]*Table, 0, len(p.mappings))
	for _, m := range p.mappings {
		t, err := r.registerELF(m.img, m.path, AddressSpace(p.pid), ELFOptions{
			Bias: m.bias,
			Base: m.start,
			End:  m.end,
		})
		if err != nil {
			return tables, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// LoadProcess registers the symbols of every executable file mapping of
// pid.
func LoadProcess(r *Registry, proc procfs.FS, root afero.Fs, pid int, opts ELFOptions) ([]*Table, error) {
	p, err := PrepareProcess(r.logger, proc, root, pid, opts)
	if err != nil {
		r.ReportLoadError(fmt.Sprintf("/proc/%d", pid), err)
		return nil, err
	}
	return p.Register(r)
}
