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

	"kubridge.dev/kubridge/pkg/abi/kubridge"
	"kubridge.dev/kubridge/pkg/hostarch"
	"kubridge.dev/kubridge/pkg/log"
	"kubridge.dev/kubridge/pkg/sentry/sysmem"
	"kubridge.dev/kubridge/pkg/sync"
)

// RegionState is the state of a process's bootstrap region.
type RegionState int

// Region states. A region goes from Unallocated to Allocated or Failed, and
// from Allocated to Freed. Failed and Freed are final.
const (
	RegionUnallocated RegionState = iota
	RegionAllocated
	RegionFailed
	RegionFreed
)

func (s RegionState) String() string {
	switch s {
	case RegionUnallocated:
		return "unallocated"
	case RegionAllocated:
		return "allocated"
	case RegionFailed:
		return "failed"
	case RegionFreed:
		return "freed"
	default:
		return fmt.Sprintf("RegionState(%d)", int(s))
	}
}

// ProcessContext is the per-process state of the bridge, kept in
// process-local storage.
type ProcessContext struct {
	pid int32

	// lock must be taken with LockIRQSave.
	lock sync.SpinLock

	// The fields below are protected by lock.
	region         RegionState
	block          sysmem.UID
	base           hostarch.Addr
	defaultHandler hostarch.Addr

	// handlers holds the registered handler of each kind. Zero means the
	// default handler.
	handlers [kubridge.NumExceptionTypes]hostarch.Addr
}

func newProcessContext(pid int32) (any, error) {
	return &ProcessContext{pid: pid}, nil
}

// PID returns the process the context belongs to.
func (pc *ProcessContext) PID() int32 {
	return pc.pid
}

// ContextInfo is a consistent snapshot of a ProcessContext.
type ContextInfo struct {
	Region         RegionState
	Base           hostarch.Addr
	DefaultHandler hostarch.Addr
	Handlers       [kubridge.NumExceptionTypes]hostarch.Addr
}

// Info returns a snapshot of pc.
func (pc *ProcessContext) Info(c *sync.Core) ContextInfo {
	irq := pc.lock.LockIRQSave(c)
	defer pc.lock.UnlockIRQRestore(c, irq)
	return ContextInfo{
		Region:         pc.region,
		Base:           pc.base,
		DefaultHandler: pc.defaultHandler,
		Handlers:       pc.handlers,
	}
}

// GetProcessContext returns the context of pid. With init, the context is
// created if needed and its bootstrap region allocated; an error is returned
// if the region is not usable. Without init, nothing is allocated and a nil
// context with a nil error means the process has none.
func (b *Bridge) GetProcessContext(ctx context.Context, c *sync.Core, pid int32, init bool) (*ProcessContext, error) {
	v, err := b.k.ProcessLocalStorage(pid, b.plsKey, init)
	if err != nil {
		log.Debugf("Failed to get process context of %#x from PLS: %v", pid, err)
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	pc := v.(*ProcessContext)
	if !init {
		return pc, nil
	}

	irq := pc.lock.LockIRQSave(c)
	err = b.ensureBootstrapLocked(ctx, c, pc)
	pc.lock.UnlockIRQRestore(c, irq)
	return pc, err
}

// ContextInfo returns a snapshot of the context of pid, if it has one.
func (b *Bridge) ContextInfo(pid int32) (ContextInfo, bool) {
	pc, err := b.GetProcessContext(context.Background(), b.k.Cores()[0], pid, false)
	if err != nil || pc == nil {
		return ContextInfo{}, false
	}
	return pc.Info(b.k.Cores()[0]), true
}
