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

package kernel

import (
	"context"
	"fmt"

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sentry/mm"
	"kubridge.dev/kubridge/pkg/sync"
)

// ProcessState is the run state of a process.
type ProcessState int

// Process states.
const (
	ProcessRunning ProcessState = iota
	ProcessExited
	ProcessKilled
)

func (s ProcessState) String() string {
	switch s {
	case ProcessRunning:
		return "running"
	case ProcessExited:
		return "exited"
	case ProcessKilled:
		return "killed"
	default:
		return fmt.Sprintf("ProcessState(%d)", int(s))
	}
}

// UserFunc is native user code placed at an address of a process. It is
// called with the arguments in r0-r3 and its result is placed in r0.
type UserFunc func(ctx context.Context, t *Thread, args arch.SyscallArguments) uint32

type userFunc struct {
	name string
	fn   UserFunc
}

// functionSlot is the spacing of user functions in the text segment.
const functionSlot = 16

// ProcessOpts are the options of CreateProcess.
type ProcessOpts struct {
	// Name is the process name.
	Name string

	// NoExitExport omits the user runtime's process exit export.
	NoExitExport bool
}

// Process is an emulated user process.
type Process struct {
	k    *Kernel
	pid  int32
	name string
	mm   *mm.MemoryManager

	// mu protects the fields below.
	mu         sync.Mutex
	state      ProcessState
	exitStatus int32
	threads    []*Thread
	funcs      map[hostarch.Addr]userFunc
	text       hostarch.AddrRange
	textNext   hostarch.Addr
	exports    []export
	pls        map[PLSKey]any
}

// CreateProcess creates a process and notifies the process event handlers.
// A Create handler returning an error aborts the creation.
func (k *Kernel) CreateProcess(ctx context.Context, opts ProcessOpts) (*Process, error) {
	p := &Process{
		k:     k,
		name:  opts.Name,
		mm:    mm.NewMemoryManager(k.mf),
		funcs: make(map[hostarch.Addr]userFunc),
		pls:   make(map[PLSKey]any),
	}
	k.mu.Lock()
	p.pid = k.nextPID
	k.nextPID += 2
	k.procs.ReplaceOrInsert(p)
	k.mu.Unlock()

	if !opts.NoExitExport {
		addr, err := p.AddFunction("sceKernelExitProcess", exitProcess)
		if err != nil {
			k.destroy(p)
			return nil, fmt.Errorf("loading user runtime: %w", err)
		}
		p.AddExport(kubridge.ModuleLibKernel, kubridge.LibNIDLibKernel, kubridge.NIDExitProcess, addr)
	}
	if err := k.procEvents.create(ctx, p.pid); err != nil {
		p.mu.Lock()
		p.state = ProcessKilled
		p.mu.Unlock()
		k.destroy(p)
		return nil, err
	}
	log.Infof("Created process %#x (%s)", p.pid, p.name)
	return p, nil
}

func exitProcess(ctx context.Context, t *Thread, args arch.SyscallArguments) uint32 {
	t.p.Exit(ctx, args[0].Int())
	return 0
}

// PID returns the process id.
func (p *Process) PID() int32 {
	return p.pid
}

// Name returns the process name.
func (p *Process) Name() string {
	return p.name
}

// Kernel returns the kernel the process runs on.
func (p *Process) Kernel() *Kernel {
	return p.k
}

// MM returns the process address space.
func (p *Process) MM() *mm.MemoryManager {
	return p.mm
}

// State returns the run state of the process.
func (p *Process) State() ProcessState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitStatus returns the exit status. It is meaningful once the process has
// exited.
func (p *Process) ExitStatus() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitStatus
}

// Threads returns the threads of the process.
func (p *Process) Threads() []*Thread {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Thread(nil), p.threads...)
}

// String implements fmt.Stringer.
func (p *Process) String() string {
	return fmt.Sprintf("%#x (%s)", p.pid, p.name)
}

// mapAnonLocked maps length bytes at the lowest free address.
//
// Preconditions: p.mu is locked.
func (p *Process) mapAnonLocked(length uint32, perms hostarch.AccessType, name string) (hostarch.AddrRange, error) {
	length, ok := hostarch.PageRoundUp(length)
	if !ok || length == 0 {
		return hostarch.AddrRange{}, sceerr.IllegalSize
	}
	base, err := p.mm.FindAvailable(length, false)
	if err != nil {
		return hostarch.AddrRange{}, err
	}
	ar, _ := base.ToRange(length)
	if err := p.mm.Map(ar, perms, name); err != nil {
		return hostarch.AddrRange{}, err
	}
	return ar, nil
}

// AddFunction places fn in the text segment of the process and returns its
// address.
func (p *Process) AddFunction(name string, fn UserFunc) (hostarch.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcessRunning {
		return 0, sceerr.NoSuchProcess
	}
	if p.textNext == p.text.End {
		ar, err := p.mapAnonLocked(hostarch.PageSize, hostarch.ReadExec, "text")
		if err != nil {
			return 0, err
		}
		p.text = ar
		// Offset the first text page so that runtime addresses differ between
		// processes.
		p.textNext = ar.Start + hostarch.Addr((p.pid>>1)%64)*functionSlot
	}
	addr := p.textNext
	p.textNext += functionSlot
	p.funcs[addr] = userFunc{name: name, fn: fn}
	return addr, nil
}

func (p *Process) function(addr hostarch.Addr) (userFunc, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.funcs[addr]
	return f, ok
}

// FunctionName returns the name of the user function at addr, or "".
func (p *Process) FunctionName(addr hostarch.Addr) string {
	f, _ := p.function(addr)
	return f.name
}

// AddExport publishes addr as a user-side export of the process.
func (p *Process) AddExport(module string, libNID, funcNID kubridge.NID, addr hostarch.Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exports = append(p.exports, export{module: module, libNID: libNID, funcNID: funcNID, value: addr})
}

// Exit terminates the process with the given status. Exit handlers run
// before the address space is torn down. Exiting a process that is no longer
// running has no effect.
func (p *Process) Exit(ctx context.Context, status int32) {
	if !p.finish(ProcessExited, status) {
		return
	}
	log.Infof("Process %v exited with status %#x", p, uint32(status))
	p.k.procEvents.exit(ctx, p.pid)
	p.k.destroy(p)
}

// Kill terminates the process abnormally. Kill handlers run before the
// address space is torn down.
func (p *Process) Kill(ctx context.Context) {
	if !p.finish(ProcessKilled, 0) {
		return
	}
	log.Warningf("Process %v killed", p)
	p.k.procEvents.kill(ctx, p.pid)
	p.k.destroy(p)
}

func (p *Process) finish(state ProcessState, status int32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcessRunning {
		return false
	}
	p.state = state
	p.exitStatus = status
	return true
}

// destroy removes p from the process table and releases its memory.
func (k *Kernel) destroy(p *Process) {
	k.mu.Lock()
	k.procs.Delete(p)
	k.mu.Unlock()

	if n := k.memBlocks.ReleaseProcess(p.pid); n > 0 {
		log.Debugf("Released %d memory blocks of process %v", n, p)
	}
	k.remoteHeap.releaseProcess(p.pid)
	p.mu.Lock()
	p.pls = nil
	p.funcs = nil
	p.mu.Unlock()
	p.mm.Release()
}
