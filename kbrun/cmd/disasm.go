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
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"kubridge.dev/kubridge/pkg/trampoline"
)

// Disasm implements subcommands.Command for the "disasm" command.
type Disasm struct{}

// Name implements subcommands.Command.Name.
func (*Disasm) Name() string {
	return "disasm"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Disasm) Synopsis() string {
	return "print the exception bootstrap program"
}

// Usage implements subcommands.Command.Usage.
func (*Disasm) Usage() string {
	return `disasm - print a listing of the exception bootstrap program.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Disasm) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Disasm) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	d := trampoline.Bootstrap()
	fmt.Fprintf(os.Stdout, "; %d bytes, entry %#x, default handler %#x, context %#x bytes (reserve %#x)\n",
		len(d.Blob), d.EntryOffset, d.DefaultHandlerOffset, d.ContextSize, d.ContextReserve)
	if err := trampoline.Disassemble(os.Stdout, d.Blob, d.Symbols()); err != nil {
		Fatalf("%v", err)
	}
	return subcommands.ExitSuccess
}
