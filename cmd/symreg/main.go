package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var cfg struct {
	verbose bool
}

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Resolve instruction addresses to symbols of kernels, binaries and processes.").UsageWriter(os.Stdout)
	app.Version(version.Print("symreg"))
	app.HelpFlag.Short('h')
	app.Flag("verbose", "Enable verbose logging.").Short('v').Default("0").BoolVar(&cfg.verbose)

	dumpCmd := app.Command("dump", "Print the symbols of the loaded tables as '<hex address> <name>' lines.")
	dumpParams := addSourceParams(dumpCmd)

	resolveCmd := app.Command("resolve", "Resolve addresses to symbols.")
	resolveParams := addResolveParams(resolveCmd)

	tablesCmd := app.Command("tables", "List the loaded symbol tables, most recent first.")
	tablesParams := addSourceParams(tablesCmd)

	seenCmd := app.Command("seen", "Report whether any table was loaded for an address space.")
	seenParams := addSeenParams(seenCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if !cfg.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	switch parsedCmd {
	case dumpCmd.FullCommand():
		os.Exit(checkError(dump(ctx, dumpParams)))
	case resolveCmd.FullCommand():
		os.Exit(checkError(resolve(ctx, resolveParams)))
	case tablesCmd.FullCommand():
		os.Exit(checkError(listTables(ctx, tablesParams)))
	case seenCmd.FullCommand():
		os.Exit(checkError(seen(ctx, seenParams)))
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}
