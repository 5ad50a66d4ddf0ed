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

// Package sysmem implements firmware memory blocks: named, page-granular
// allocations mapped into a process's address space and identified by UID.
package sysmem

import (
	"fmt"

	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/mm"
	"kubridge.dev/kubridge/pkg/sync"
)

// UID identifies a memory block. Valid UIDs are positive.
type UID int32

// MemBlockType selects the permissions and placement of a block.
type MemBlockType uint32

// Supported block types.
const (
	// MemBlockTypeUserRW is user read-write main memory.
	MemBlockTypeUserRW MemBlockType = 0x0C20D060

	// MemBlockTypeUserSharedMainRX is user read-execute memory in the shared
	// main segment. Only privileged copies can write to it.
	MemBlockTypeUserSharedMainRX MemBlockType = 0x0390D050
)

func (t MemBlockType) perms() (hostarch.AccessType, bool) {
	switch t {
	case MemBlockTypeUserRW:
		return hostarch.ReadWrite, true
	case MemBlockTypeUserSharedMainRX:
		return hostarch.ReadExec, true
	default:
		return hostarch.NoAccess, false
	}
}

// Attributes of AllocOpts.
const (
	// AttrHasVBase requests the block at exactly AllocOpts.VBase.
	AttrHasVBase uint32 = 0x00000001

	// AttrHasPID attributes the block to AllocOpts.PID.
	AttrHasPID uint32 = 0x00000080

	// AttrHighestAddress places the block at the highest available address.
	AttrHighestAddress uint32 = 0x08000000
)

// AllocOpts are the options of AllocMemBlock.
type AllocOpts struct {
	Attr  uint32
	VBase hostarch.Addr
	PID   int32
}

// AddressSpaces resolves the address space of a process.
type AddressSpaces interface {
	// AddressSpace returns the MemoryManager of pid.
	AddressSpace(pid int32) (*mm.MemoryManager, error)
}

type memBlock struct {
	name string
	pid  int32
	ar   hostarch.AddrRange
	mm   *mm.MemoryManager
}

// Allocator hands out memory blocks.
type Allocator struct {
	as AddressSpaces

	// mu protects the fields below.
	mu      sync.Mutex
	nextUID UID
	blocks  map[UID]*memBlock
}

// NewAllocator returns an Allocator placing blocks in the address spaces
// resolved by as.
func NewAllocator(as AddressSpaces) *Allocator {
	return &Allocator{
		as:      as,
		nextUID: 0x10001,
		blocks:  make(map[UID]*memBlock),
	}
}

// AllocMemBlock allocates a block of size bytes (rounded up to pages) of the
// given type in the process named by opts.PID, which requires AttrHasPID.
func (a *Allocator) AllocMemBlock(name string, typ MemBlockType, size uint32, opts *AllocOpts) (UID, error) {
	perms, ok := typ.perms()
	if !ok {
		return 0, sceerr.InvalidArgument
	}
	if opts == nil || opts.Attr&AttrHasPID == 0 {
		return 0, fmt.Errorf("memory block %q has no owner: %w", name, sceerr.InvalidArgument)
	}
	length, ok := hostarch.PageRoundUp(size)
	if !ok || length == 0 {
		return 0, sceerr.IllegalSize
	}
	as, err := a.as.AddressSpace(opts.PID)
	if err != nil {
		return 0, err
	}

	var base hostarch.Addr
	switch {
	case opts.Attr&AttrHasVBase != 0:
		if !opts.VBase.IsPageAligned() {
			return 0, sceerr.IllegalAddr
		}
		base = opts.VBase
	default:
		base, err = as.FindAvailable(length, opts.Attr&AttrHighestAddress != 0)
		if err != nil {
			return 0, err
		}
	}
	ar, ok := base.ToRange(length)
	if !ok {
		return 0, sceerr.IllegalAddr
	}
	if err := as.Map(ar, perms, name); err != nil {
		return 0, err
	}

	a.mu.Lock()
	uid := a.nextUID
	a.nextUID++
	a.blocks[uid] = &memBlock{name: name, pid: opts.PID, ar: ar, mm: as}
	a.mu.Unlock()

	log.Debugf("Allocated memory block %q (uid %#x) at %v in pid %#x", name, uid, ar, opts.PID)
	return uid, nil
}

// GetMemBlockBase returns the base address of a block.
func (a *Allocator) GetMemBlockBase(uid UID) (hostarch.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.blocks[uid]
	if !ok {
		return 0, sceerr.NotFound
	}
	return b.ar.Start, nil
}

// FreeMemBlock unmaps a block and forgets its UID.
func (a *Allocator) FreeMemBlock(uid UID) error {
	a.mu.Lock()
	b, ok := a.blocks[uid]
	delete(a.blocks, uid)
	a.mu.Unlock()
	if !ok {
		return sceerr.NotFound
	}
	log.Debugf("Freeing memory block %q (uid %#x) at %v in pid %#x", b.name, uid, b.ar, b.pid)
	return b.mm.Unmap(b.ar.Start)
}

// ReleaseProcess frees every block attributed to pid and returns how many
// there were.
func (a *Allocator) ReleaseProcess(pid int32) int {
	a.mu.Lock()
	var blocks []*memBlock
	for uid, b := range a.blocks {
		if b.pid == pid {
			blocks = append(blocks, b)
			delete(a.blocks, uid)
		}
	}
	a.mu.Unlock()
	for _, b := range blocks {
		if err := b.mm.Unmap(b.ar.Start); err != nil {
			log.Warningf("Unmapping memory block %q of pid %#x: %v", b.name, pid, err)
		}
	}
	return len(blocks)
}

// Len returns the number of live blocks.
func (a *Allocator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocks)
}
