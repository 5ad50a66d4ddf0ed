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

	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/sentry/arch"
	"kubridge.dev/kubridge/pkg/sentry/mm"
	"kubridge.dev/kubridge/pkg/sync"
)

// Thread control block layout. The block sits TCBOffset bytes below the
// thread's TLS address.
const (
	TCBOffset     = 0x800
	TCBStackTop   = 2 * hostarch.Width
	TCBStackLimit = 3 * hostarch.Width
)

// DefaultStackSize is the stack size used when NewThread is given zero.
const DefaultStackSize = 0x4000

// Thread is a user thread of a process.
type Thread struct {
	p    *Process
	tid  int32
	core *sync.Core

	// regs is owned by the goroutine running the thread.
	regs arch.Registers

	tls   hostarch.Addr
	stack hostarch.AddrRange
}

// NewThread creates a thread with a stack of stackSize bytes and a thread
// control block describing it.
func (p *Process) NewThread(ctx context.Context, stackSize uint32) (*Thread, error) {
	if stackSize == 0 {
		stackSize = DefaultStackSize
	}
	p.k.mu.Lock()
	tid := p.k.nextTID
	p.k.nextTID += 2
	p.k.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != ProcessRunning {
		return nil, fmt.Errorf("process %v is %v", p, p.state)
	}
	stack, err := p.mapAnonLocked(stackSize, hostarch.ReadWrite, "stack")
	if err != nil {
		return nil, fmt.Errorf("mapping stack: %w", err)
	}
	tlsPage, err := p.mapAnonLocked(hostarch.PageSize, hostarch.ReadWrite, "tls")
	if err != nil {
		p.mm.Unmap(stack.Start)
		return nil, fmt.Errorf("mapping TLS: %w", err)
	}

	t := &Thread{
		p:     p,
		tid:   tid,
		core:  p.k.cores[int(tid>>1)%len(p.k.cores)],
		tls:   tlsPage.Start + TCBOffset,
		stack: stack,
	}
	t.regs.SP = uint32(stack.End)
	t.regs.CPSR = arch.ModeUser
	if err := t.SetStackBounds(ctx, stack.End, stack.Start); err != nil {
		p.mm.Unmap(tlsPage.Start)
		p.mm.Unmap(stack.Start)
		return nil, err
	}
	p.threads = append(p.threads, t)
	return t, nil
}

// Process returns the thread's process.
func (t *Thread) Process() *Process {
	return t.p
}

// Kernel returns the kernel the thread runs on.
func (t *Thread) Kernel() *Kernel {
	return t.p.k
}

// TID returns the thread id.
func (t *Thread) TID() int32 {
	return t.tid
}

// Core returns the processor the thread runs on.
func (t *Thread) Core() *sync.Core {
	return t.core
}

// Regs returns the thread's register file.
func (t *Thread) Regs() *arch.Registers {
	return &t.regs
}

// TLS returns the thread's TLS address.
func (t *Thread) TLS() hostarch.Addr {
	return t.tls
}

// TCB returns the address of the thread control block.
func (t *Thread) TCB() hostarch.Addr {
	return t.tls - TCBOffset
}

// Stack returns the thread's stack mapping.
func (t *Thread) Stack() hostarch.AddrRange {
	return t.stack
}

// SetStackBounds records the stack top and limit in the thread control
// block.
func (t *Thread) SetStackBounds(ctx context.Context, top, limit hostarch.Addr) error {
	opts := mm.IOOpts{IgnorePermissions: true}
	if err := t.p.mm.CopyOutUint32(ctx, t.TCB()+TCBStackTop, uint32(top), opts); err != nil {
		return err
	}
	return t.p.mm.CopyOutUint32(ctx, t.TCB()+TCBStackLimit, uint32(limit), opts)
}

// CopyIn copies len(dst) bytes from the thread's address space with user
// permissions.
func (t *Thread) CopyIn(ctx context.Context, addr hostarch.Addr, dst []byte) (int, error) {
	return t.p.mm.CopyIn(ctx, addr, dst, mm.IOOpts{})
}

// CopyOut copies src to the thread's address space with user permissions.
func (t *Thread) CopyOut(ctx context.Context, addr hostarch.Addr, src []byte) (int, error) {
	return t.p.mm.CopyOut(ctx, addr, src, mm.IOOpts{})
}

// String implements fmt.Stringer.
func (t *Thread) String() string {
	return fmt.Sprintf("%#x/%#x", t.p.pid, t.tid)
}
