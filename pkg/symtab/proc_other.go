//go:build !linux

package symtab

import (
	"fmt"
	"runtime"

	"github.com/go-kit/log"
	"github.com/prometheus/procfs"
	"github.com/spf13/afero"
)

var errProcessUnsupported = fmt.Errorf("process symbols are not supported on %s", runtime.GOOS)

func ProcessRoot(procMount string, pid int) afero.Fs {
	return afero.NewOsFs()
}

func PrepareProcess(logger log.Logger, proc procfs.FS, root afero.Fs, pid int, opts ELFOptions) (Pending, error) {
	return nil, errProcessUnsupported
}

func LoadProcess(r *Registry, proc procfs.FS, root afero.Fs, pid int, opts ELFOptions) ([]*Table, error) {
	return nil, errProcessUnsupported
}
