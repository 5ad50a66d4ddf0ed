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

package kubridge

import (
	"context"
	"fmt"

	"kubridge.dev/kubridge/pkg/errors/sceerr"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/sysmem"
	"kubridge.dev/kubridge/pkg/sync"
)

// bootstrapBlockName is the name of the memory block holding the trampoline.
const bootstrapBlockName = "KuBridgeExcpHandlerBootstrap"

// fixedBase is the address every bootstrap region is placed at. The first
// process to allocate a region takes the highest available address and fixes
// it for all later processes. Which process that is depends on the order in
// which processes first need a region. A later process whose address space
// already uses the fixed base cannot get a region at all.
type fixedBase struct {
	// lock must be taken with LockIRQSave.
	lock sync.SpinLock
	set  bool
	addr hostarch.Addr
}

// Get returns the fixed base, if one was chosen.
func (f *fixedBase) Get(c *sync.Core) (hostarch.Addr, bool) {
	irq := f.lock.LockIRQSave(c)
	defer f.lock.UnlockIRQRestore(c, irq)
	return f.addr, f.set
}

// ensureBootstrapLocked allocates the bootstrap region of pc if it has none.
// A failed allocation is final.
//
// Preconditions: pc.lock is held.
func (b *Bridge) ensureBootstrapLocked(ctx context.Context, c *sync.Core, pc *ProcessContext) error {
	switch pc.region {
	case RegionAllocated:
		return nil
	case RegionFailed, RegionFreed:
		return sceerr.NoMemory
	}
	if err := b.allocateBootstrap(ctx, c, pc); err != nil {
		log.Warningf("Failed to allocate exception bootstrap for process %#x: %v", pc.pid, err)
		pc.region = RegionFailed
		BootstrapMetric.Increment("failed")
		return sceerr.NoMemory
	}
	pc.region = RegionAllocated
	BootstrapMetric.Increment("ok")
	log.Debugf("Process %#x: exception bootstrap at %v, default handler at %v", pc.pid, pc.base, pc.defaultHandler)
	return nil
}

// allocateBootstrap allocates a page of executable memory in the process and
// copies the trampoline into it.
//
// Preconditions: pc.lock is held.
func (b *Bridge) allocateBootstrap(ctx context.Context, c *sync.Core, pc *ProcessContext) error {
	if b.procCopyToUserRx == nil {
		return fmt.Errorf("code injection is unavailable: %w", sceerr.NoSys)
	}

	irq := b.fixedBase.lock.LockIRQSave(c)
	defer b.fixedBase.lock.UnlockIRQRestore(c, irq)

	opts := &sysmem.AllocOpts{
		Attr: sysmem.AttrHasPID,
		PID:  pc.pid,
	}
	if b.fixedBase.set {
		opts.Attr |= sysmem.AttrHasVBase
		opts.VBase = b.fixedBase.addr
	} else {
		opts.Attr |= sysmem.AttrHighestAddress
	}
	mb := b.k.MemBlocks()
	uid, err := mb.AllocMemBlock(bootstrapBlockName, sysmem.MemBlockTypeUserSharedMainRX, hostarch.PageSize, opts)
	if err != nil {
		return fmt.Errorf("allocating memory block: %w", err)
	}
	base, err := mb.GetMemBlockBase(uid)
	if err == nil {
		err = b.procCopyToUserRx(ctx, pc.pid, base, b.desc.Blob)
	}
	if err != nil {
		if ferr := mb.FreeMemBlock(uid); ferr != nil {
			log.Warningf("Freeing bootstrap block of process %#x: %v", pc.pid, ferr)
		}
		return fmt.Errorf("loading trampoline: %w", err)
	}

	if !b.fixedBase.set {
		b.fixedBase.set = true
		b.fixedBase.addr = base
		log.Infof("Exception bootstrap base fixed at %v by process %#x", base, pc.pid)
	}
	pc.block = uid
	pc.base = base
	pc.defaultHandler = base + hostarch.Addr(b.desc.DefaultHandlerOffset)
	return nil
}
