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

	"kubridge.dev/kubridge/pkg/log"
)

// destroyProcess is called on process exit and kill. It frees the bootstrap
// region of the process, if one was allocated.
func (b *Bridge) destroyProcess(ctx context.Context, pid int32) {
	c := b.k.CoreFromContext(ctx)
	pc, err := b.GetProcessContext(ctx, c, pid, false)
	if pc == nil || err != nil {
		return
	}

	irq := pc.lock.LockIRQSave(c)
	defer pc.lock.UnlockIRQRestore(c, irq)
	if pc.region != RegionAllocated {
		return
	}
	if err := b.k.MemBlocks().FreeMemBlock(pc.block); err != nil {
		log.Warningf("Freeing exception bootstrap of process %#x: %v", pid, err)
	}
	pc.region = RegionFreed
	log.Debugf("Freed exception bootstrap of process %#x", pid)
}

// spawnProcess is called on process creation. With bootstrap-on-spawn it
// gives the new process its bootstrap region right away.
func (b *Bridge) spawnProcess(ctx context.Context, pid int32) error {
	if !b.conf.BootstrapOnSpawn {
		return nil
	}
	if _, err := b.GetProcessContext(ctx, b.k.CoreFromContext(ctx), pid, true); err != nil {
		// The process runs without a bootstrap and faults take the firmware
		// default.
		log.Warningf("Bootstrapping process %#x on creation: %v", pid, err)
	}
	return nil
}
