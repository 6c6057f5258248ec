package symtab

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

// readSource reads a whole symbol source, transparently decompressing
// gzip snapshots (*.gz).
func readSource(fs afero.Fs, path string) ([]byte, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if !strings.HasSuffix(path, ".gz") {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrapf(err, "gzip %s", path)
	}
	defer zr.Close()
	data, err = io.ReadAll(zr)
	if err != nil {
		return nil, errors.Wrapf(err, "decompress %s", path)
	}
	return data, nil
}

// openReaderAt opens path for random access. Compressed files are
// decompressed into memory.
func openReaderAt(fs afero.Fs, path string) (io.ReaderAt, func() error, error) {
	if strings.HasSuffix(path, ".gz") {
		data, err := readSource(fs, path)
		if err != nil {
			return nil, nil, err
		}
		return bytes.NewReader(data), func() error { return nil }, nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s", path)
	}
	return f, f.Close, nil
}
