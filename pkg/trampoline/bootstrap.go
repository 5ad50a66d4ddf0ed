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

package trampoline

import (
	"fmt"

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sync"
)

// Symbols of the bootstrap program.
const (
	SymEntry          = "exception_bootstrap"
	SymDefaultHandler = "default_exception_handler"
	SymExit           = "exit"
	SymFatal          = "fatal"
)

// Registers used to pass arguments to the bootstrap entry.
const (
	ContextArg = 0
	HandlerArg = 1

	// savedContext holds the context pointer across the handler call.
	savedContext = 4
)

// Descriptor describes an assembled bootstrap program and how to enter it.
type Descriptor struct {
	// Blob is the position independent program. It is no larger than a page.
	Blob []byte

	// EntryOffset is the offset of the entry point. On entry ContextArg
	// holds the exception context address and HandlerArg the handler.
	EntryOffset uint32

	// DefaultHandlerOffset is the offset of the handler used when none is
	// registered. It logs the exception and exits the process.
	DefaultHandlerOffset uint32

	// ContextSize is the size of the exception context.
	ContextSize uint32

	// ContextReserve is the stack space reserved for the exception context.
	ContextReserve uint32

	symbols map[uint32]string
}

// Symbols returns a map from blob offset to symbol name.
func (d *Descriptor) Symbols() map[uint32]string {
	m := make(map[uint32]string, len(d.symbols))
	for k, v := range d.symbols {
		m[k] = v
	}
	return m
}

var (
	bootstrapOnce sync.Once
	bootstrap     *Descriptor
)

// Bootstrap returns the descriptor of the bootstrap program.
func Bootstrap() *Descriptor {
	bootstrapOnce.Do(func() {
		d, err := assembleBootstrap()
		if err != nil {
			panic(fmt.Sprintf("assembling bootstrap: %v", err))
		}
		bootstrap = d
	})
	return bootstrap
}

func assembleBootstrap() (*Descriptor, error) {
	var a Assembler

	// Call the handler with the context, then resume from the context the
	// handler may have modified.
	a.Label(SymEntry)
	a.Mov(savedContext, ContextArg)
	a.Call(HandlerArg)
	a.Mov(0, savedContext)
	a.Restore(0)
	a.SVC(kubridge.SysGetProcessExitAddr)
	a.B(SymExit)

	a.Label(SymDefaultHandler)
	a.SVC(kubridge.SysLogException)
	a.SVC(kubridge.SysGetProcessExitAddr)

	a.Label(SymExit)
	a.BZ(0, SymFatal)
	a.Mov(1, 0)
	a.Movi(0, kubridge.ExitStatusException)
	a.Call(1)

	a.Label(SymFatal)
	a.Halt()

	blob, err := a.Assemble()
	if err != nil {
		return nil, err
	}
	if len(blob) > hostarch.PageSize {
		return nil, fmt.Errorf("bootstrap is %d bytes, larger than a page", len(blob))
	}
	d := &Descriptor{
		Blob:           blob,
		ContextSize:    kubridge.ExceptionContextSize,
		ContextReserve: kubridge.ExceptionContextReserve,
		symbols:        make(map[uint32]string),
	}
	for _, sym := range []string{SymEntry, SymDefaultHandler, SymExit, SymFatal} {
		off, err := a.Offset(sym)
		if err != nil {
			return nil, err
		}
		d.symbols[off] = sym
	}
	d.EntryOffset, _ = a.Offset(SymEntry)
	d.DefaultHandlerOffset, _ = a.Offset(SymDefaultHandler)
	return d, nil
}
