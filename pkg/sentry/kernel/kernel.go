// Copyright 2018 Google LLC
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

// Package kernel provides an emulation of the firmware kernel services the
// exception bridge is built on: processes and threads with their address
// spaces, process-local storage, process events, module exports, the
// exception manager and the privileged call table.
//
// Lock order:
//
//	Kernel.mu
//	  Process.mu
package kernel

import (
	"context"
	"fmt"

	"github.com/google/btree"
	"kubridge.dev/kubridge/pkg/config"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/mm"
	"kubridge.dev/kubridge/pkg/sentry/pgalloc"
	"kubridge.dev/kubridge/pkg/sentry/sysmem"
	"kubridge.dev/kubridge/pkg/sync"
)

// firstPID is the pid of the first process. Pids are odd, as on the
// platform.
const firstPID = 0x40010003

// Kernel represents an emulated kernel.
type Kernel struct {
	conf      *config.Config
	mf        *pgalloc.MemoryFile
	memBlocks *sysmem.Allocator
	cores     []*sync.Core

	// exports is immutable after New.
	exports exportTable

	// mu protects the fields below.
	mu      sync.RWMutex
	procs   *btree.BTreeG[*Process]
	nextPID int32
	nextTID int32

	pls        plsTable
	procEvents procEventTable
	excpmgr    exceptionManager
	syscalls   syscallTable
	remoteHeap remoteHeap
}

func processLess(a, b *Process) bool {
	return a.pid < b.pid
}

// New returns a kernel configured by conf. The kernel keeps its own copy of
// conf.
func New(conf *config.Config) (*Kernel, error) {
	conf = conf.Copy()
	if conf.Cores < 1 {
		return nil, fmt.Errorf("kernel needs at least one core, got %d", conf.Cores)
	}
	k := &Kernel{
		conf:    conf,
		mf:      pgalloc.NewMemoryFile(conf.MemoryLimit),
		procs:   btree.NewG[*Process](8, processLess),
		nextPID: firstPID,
		nextTID: firstPID + 0x10000,
	}
	k.memBlocks = sysmem.NewAllocator(k)
	for i := 0; i < conf.Cores; i++ {
		k.cores = append(k.cores, sync.NewCore(i))
	}
	k.registerFirmwareExports()
	log.Infof("Kernel started: firmware %s, %d cores, %d bytes of memory", conf.Firmware, conf.Cores, conf.MemoryLimit)
	return k, nil
}

// Config returns the kernel's configuration. It must not be modified.
func (k *Kernel) Config() *config.Config {
	return k.conf
}

// MemoryFile returns the kernel's physical memory.
func (k *Kernel) MemoryFile() *pgalloc.MemoryFile {
	return k.mf
}

// MemBlocks returns the memory block allocator.
func (k *Kernel) MemBlocks() *sysmem.Allocator {
	return k.memBlocks
}

// Cores returns the processors of the kernel.
func (k *Kernel) Cores() []*sync.Core {
	return k.cores
}

// CoreFromContext returns the core of the thread in ctx, or the boot core if
// ctx carries no thread.
func (k *Kernel) CoreFromContext(ctx context.Context) *sync.Core {
	if t := ThreadFromContext(ctx); t != nil {
		return t.core
	}
	return k.cores[0]
}

// Process returns the live process with the given pid.
func (k *Kernel) Process(pid int32) (*Process, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.procs.Get(&Process{pid: pid})
	if !ok {
		return nil, sceerr.NoSuchProcess
	}
	return p, nil
}

// Processes returns the live processes ordered by pid.
func (k *Kernel) Processes() []*Process {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ps := make([]*Process, 0, k.procs.Len())
	k.procs.Ascend(func(p *Process) bool {
		ps = append(ps, p)
		return true
	})
	return ps
}

// AddressSpace implements sysmem.AddressSpaces.
func (k *Kernel) AddressSpace(pid int32) (*mm.MemoryManager, error) {
	p, err := k.Process(pid)
	if err != nil {
		return nil, err
	}
	return p.mm, nil
}

// contextID is the kernel package's type for context.Context.Value keys.
type contextID int

const (
	// CtxThread is a Context.Value key for the *Thread on whose behalf the
	// kernel is running.
	CtxThread contextID = iota
)

// ContextWithThread returns a copy of ctx carrying t.
func ContextWithThread(ctx context.Context, t *Thread) context.Context {
	return context.WithValue(ctx, CtxThread, t)
}

// ThreadFromContext returns the thread carried by ctx, or nil.
func ThreadFromContext(ctx context.Context) *Thread {
	if t, ok := ctx.Value(CtxThread).(*Thread); ok {
		return t
	}
	return nil
}
