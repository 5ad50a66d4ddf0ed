// Copyright 2019 The gVisor Authors.
// Copyright 2026 The kubridge Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"kubridge.dev/kubridge/pkg/config"
)

// Exports implements subcommands.Command for the "exports" command.
type Exports struct {
	output string
}

// exportRow is one kernel export and whether the bridge uses it.
type exportRow struct {
	Module  string `json:"module"`
	Name    string `json:"name,omitempty"`
	LibNID  string `json:"lib_nid"`
	FuncNID string `json:"func_nid"`
	Type    string `json:"type"`
	Used    bool   `json:"used"`
}

type exportsOutputFunc func(io.Writer, []exportRow) error

var exportsOutputMap = map[string]exportsOutputFunc{
	"table": exportsTable,
	"json":  exportsJSON,
	"csv":   exportsCSV,
}

// Name implements subcommands.Command.Name.
func (*Exports) Name() string {
	return "exports"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Exports) Synopsis() string {
	return "print the kernel exports of the configured firmware"
}

// Usage implements subcommands.Command.Usage.
func (*Exports) Usage() string {
	return `exports [options] - print the kernel exports of the configured firmware and which of them the exception bridge resolved.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (e *Exports) SetFlags(f *flag.FlagSet) {
	f.StringVar(&e.output, "o", "table", "Output format (table, csv, json).")
}

// Execute implements subcommands.Command.Execute.
func (e *Exports) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := exportsOutputMap[e.output]
	if !ok {
		Fatalf("Unsupported output format %q", e.output)
	}
	conf := args[0].(*config.Config)
	b, err := newBridge(ctx, conf)
	if err != nil {
		Fatalf("%v", err)
	}

	names := make(map[string]string)
	for _, s := range b.Exports() {
		if s.Resolved {
			names[fmt.Sprintf("%s/%#08x", s.Module, uint32(s.NID))] = s.Name
		}
	}
	var rows []exportRow
	for _, info := range b.Kernel().Exports() {
		key := fmt.Sprintf("%s/%#08x", info.Module, uint32(info.FuncNID))
		rows = append(rows, exportRow{
			Module:  info.Module,
			Name:    names[key],
			LibNID:  fmt.Sprintf("%#08x", uint32(info.LibNID)),
			FuncNID: fmt.Sprintf("%#08x", uint32(info.FuncNID)),
			Type:    info.Type,
			Used:    names[key] != "",
		})
	}
	if err := out(os.Stdout, rows); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func exportsTable(w io.Writer, rows []exportRow) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODULE\tLIBRARY\tNID\tNAME\tUSED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", r.Module, r.LibNID, r.FuncNID, r.Name, r.Used)
	}
	return tw.Flush()
}

func exportsJSON(w io.Writer, rows []exportRow) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(rows)
}

func exportsCSV(w io.Writer, rows []exportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"module", "lib_nid", "func_nid", "name", "type", "used"}); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.Module, r.LibNID, r.FuncNID, r.Name, r.Type, fmt.Sprint(r.Used)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
