package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/symreg/pkg/symtab"
)

const unknownSymbol = "??"

func dump(ctx context.Context, params *sourceParams) error {
	r, err := params.load(ctx)
	if err != nil {
		return err
	}
	tables := r.Tables()
	// Print in load order.
	for i := len(tables) - 1; i >= 0; i-- {
		level.Debug(logger).Log("msg", "dumping table", "table", tables[i])
		if err := tables[i].Dump(output(ctx)); err != nil {
			return err
		}
	}
	return nil
}

type resolveParams struct {
	*sourceParams
	addressSpace string
	addrs        []string
}

func addResolveParams(cmd *kingpin.CmdClause) *resolveParams {
	params := &resolveParams{sourceParams: addSourceParams(cmd)}
	cmd.Flag("as", "Address space of the addresses, e.g. a pid. 0 matches all tables.").Default("0").StringVar(&params.addressSpace)
	cmd.Arg("address", "Addresses to resolve, decimal or 0x prefixed hex.").Required().StringsVar(&params.addrs)
	return params
}

func resolve(ctx context.Context, params *resolveParams) error {
	as, err := parseUint(params.addressSpace)
	if err != nil {
		return fmt.Errorf("invalid address space %q: %w", params.addressSpace, err)
	}
	addrs := make([]uint64, 0, len(params.addrs))
	for _, a := range params.addrs {
		addr, err := parseUint(a)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", a, err)
		}
		addrs = append(addrs, addr)
	}

	r, err := params.load(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Address", "Symbol", "Offset", "Source"})
	for _, addr := range addrs {
		row := []string{fmt.Sprintf("%#x", addr), unknownSymbol, "", ""}
		if s, t, ok := r.FindSymbolTable(addr, symtab.AddressSpace(as)); ok {
			row[1] = s.Name
			row[2] = fmt.Sprintf("+%#x", addr-s.Value)
			row[3] = t.Source()
		} else if src, ok := r.FindSource(addr, symtab.AddressSpace(as)); ok {
			row[3] = src
		}
		table.Append(row)
	}
	table.Render()
	return nil
}

func listTables(ctx context.Context, params *sourceParams) error {
	r, err := params.load(ctx)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"ID", "Address space", "Base", "End", "Span", "Symbols", "Source"})
	for _, t := range r.Tables() {
		var span uint64
		if t.End() > t.Base() {
			span = t.End() - t.Base()
		}
		table.Append([]string{
			fmt.Sprintf("%d", t.ID()),
			t.AddressSpace().String(),
			fmt.Sprintf("%#x", t.Base()),
			fmt.Sprintf("%#x", t.End()),
			humanize.IBytes(span),
			fmt.Sprintf("%d", t.Len()),
			t.Source(),
		})
	}
	table.Render()
	return nil
}

type seenParams struct {
	*sourceParams
	addressSpace string
}

func addSeenParams(cmd *kingpin.CmdClause) *seenParams {
	params := &seenParams{sourceParams: addSourceParams(cmd)}
	cmd.Arg("address-space", "Address space to look for.").Required().StringVar(&params.addressSpace)
	return params
}

func seen(ctx context.Context, params *seenParams) error {
	as, err := parseUint(params.addressSpace)
	if err != nil {
		return fmt.Errorf("invalid address space %q: %w", params.addressSpace, err)
	}
	r, err := params.load(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(output(ctx), r.HasSeenAddressSpace(symtab.AddressSpace(as)))
	return err
}
