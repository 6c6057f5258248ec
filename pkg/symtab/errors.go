package symtab

import (
	"errors"
	"fmt"
	"os"
)

var (
	// ErrAllocation is returned when storage for a table can not be
	// reserved. No table is registered when it is returned.
	ErrAllocation = errors.New("symbol table allocation failed")

	ErrNoSymbols    = errors.New("no symbols found")
	ErrBaseNotFound = errors.New("elf base not found")

	errKallsymsRestricted = fmt.Errorf("%w: kallsyms addresses are hidden", ErrNoSymbols)
)

func errorType(err error) string {
	if errors.Is(err, ErrNoSymbols) {
		return "ErrNoSymbols"
	}
	if errors.Is(err, ErrBaseNotFound) {
		return "ErrBaseNotFound"
	}
	if errors.Is(err, ErrAllocation) {
		return "ErrAllocation"
	}
	if errors.Is(err, os.ErrNotExist) {
		return "ErrNotExist"
	}
	if errors.Is(err, os.ErrPermission) {
		return "ErrPermission"
	}
	return "Other"
}
